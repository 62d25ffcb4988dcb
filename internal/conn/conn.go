package conn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/SpatiumPortae/sship/protocol/rendezvous"
	"github.com/SpatiumPortae/sship/protocol/transfer"
	"golang.org/x/exp/slices"
	"nhooyr.io/websocket"
)

// MaxMessageSize bounds a single message read from a websocket. It must fit the
// largest chunk plus framing.
const MaxMessageSize = 4 << 20

var ErrTransport = errors.New("transport error")

// TransportError is returned when the underlying link fails to read or write.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrTransport, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool { return target == ErrTransport }

// Conn is an interface that wraps a network connection.
type Conn interface {
	Write(context.Context, []byte) error
	Read(context.Context) ([]byte, error)
}

// ------------------------------------------------- Conn implementations ----------------------------------------------

// WS is a wrapper around a websocket connection.
type WS struct {
	Conn *websocket.Conn
}

// NewWS wraps a websocket connection and raises its read limit to MaxMessageSize.
func NewWS(c *websocket.Conn) *WS {
	c.SetReadLimit(MaxMessageSize)
	return &WS{Conn: c}
}

func (ws *WS) Write(ctx context.Context, b []byte) error {
	if err := ws.Conn.Write(ctx, websocket.MessageBinary, b); err != nil {
		return &TransportError{Op: "write", Err: err}
	}
	return nil
}

func (ws *WS) Read(ctx context.Context) ([]byte, error) {
	_, b, err := ws.Conn.Read(ctx)
	if err != nil {
		return nil, &TransportError{Op: "read", Err: err}
	}
	return b, nil
}

// Close closes the websocket with a normal closure status.
func (ws *WS) Close() error {
	return ws.Conn.Close(websocket.StatusNormalClosure, "")
}

// ---------------------------------------------------- Rendezvous Conn ------------------------------------------------

// Rendezvous specifies a connection to the rendezvous server.
type Rendezvous struct {
	Conn Conn
}

// WriteMsg writes a rendezvous message to the underlying connection.
func (r Rendezvous) WriteMsg(ctx context.Context, msg rendezvous.Msg) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return r.Conn.Write(ctx, b)
}

// ReadMsg reads a rendezvous message from the underlying connection. If any
// message types are provided the message must be one of them.
func (r Rendezvous) ReadMsg(ctx context.Context, expected ...rendezvous.MsgType) (rendezvous.Msg, error) {
	b, err := r.Conn.Read(ctx)
	if err != nil {
		return rendezvous.Msg{}, err
	}
	var msg rendezvous.Msg
	if err := json.Unmarshal(b, &msg); err != nil {
		return rendezvous.Msg{}, fmt.Errorf("decoding rendezvous message: %w", err)
	}
	if len(expected) != 0 && !slices.Contains(expected, msg.Type) {
		return rendezvous.Msg{}, rendezvous.Error{Expected: expected, Got: msg.Type}
	}
	return msg, nil
}

// ------------------------------------------------------ Link Conn ----------------------------------------------------

// Link carries the unencrypted transfer messages exchanged during key agreement.
type Link struct {
	Conn Conn
}

// WriteMsg writes a transfer message in the clear.
func (l Link) WriteMsg(ctx context.Context, msg transfer.Msg) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return l.Conn.Write(ctx, b)
}

// ReadMsg reads a transfer message sent in the clear.
func (l Link) ReadMsg(ctx context.Context, expected ...transfer.MsgType) (transfer.Msg, error) {
	b, err := l.Conn.Read(ctx)
	if err != nil {
		return transfer.Msg{}, err
	}
	var msg transfer.Msg
	if err := json.Unmarshal(b, &msg); err != nil {
		return transfer.Msg{}, fmt.Errorf("decoding transfer message: %w", err)
	}
	if len(expected) != 0 && !slices.Contains(expected, msg.Type) {
		return transfer.Msg{}, transfer.Error{Expected: expected, Got: msg.Type}
	}
	return msg, nil
}
