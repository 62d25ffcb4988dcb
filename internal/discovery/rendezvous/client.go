// Package rendezvous is a discovery client of the sship rendezvous server.
// The server only maps fingerprints to addresses, file data never passes
// through it.
package rendezvous

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/SpatiumPortae/sship/internal/code"
	"github.com/SpatiumPortae/sship/internal/conn"
	"github.com/SpatiumPortae/sship/internal/discovery"
	"github.com/SpatiumPortae/sship/internal/semver"
	protocol "github.com/SpatiumPortae/sship/protocol/rendezvous"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// DefaultAnswerTimeout bounds how long the server may take to acknowledge a request.
const DefaultAnswerTimeout = 5 * time.Second

// Client is a discovery.Discoverer backed by a rendezvous server.
type Client struct {
	addr   string
	answer time.Duration
	logger *zap.Logger
}

type Option func(*Client)

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

func WithAnswerTimeout(d time.Duration) Option {
	return func(c *Client) { c.answer = d }
}

// NewClient returns a client of the rendezvous server at addr (host:port).
func NewClient(addr string, opts ...Option) *Client {
	c := &Client{addr: addr, answer: DefaultAnswerTimeout, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Version returns the version of the rendezvous server.
func (c *Client) Version(ctx context.Context) (semver.Version, error) {
	ctx, cancel := context.WithTimeout(ctx, c.answer)
	defer cancel()
	return semver.GetRendezvousVersion(ctx, c.addr)
}

func (c *Client) dial(ctx context.Context, path string) (*conn.WS, error) {
	ws, _, err := websocket.Dial(ctx, fmt.Sprintf("ws://%s/%s", c.addr, path), nil)
	if err != nil {
		if ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: connecting to rendezvous server %s: %v", discovery.ErrTimeout, c.addr, err)
	}
	return conn.NewWS(ws), nil
}

// ---------------------------------------------------- Advertising ----------------------------------------------------

// Advertise registers the fingerprint with the server. The advertisement lives
// as long as the websocket, so a sender that disappears leaves nothing behind.
// When addr has no host the server fills in the address it sees the sender on.
func (c *Client) Advertise(ctx context.Context, fp code.Fingerprint, addr string, ttl time.Duration) (discovery.Advertisement, error) {
	actx, cancel := context.WithTimeout(ctx, c.answer)
	defer cancel()
	ws, err := c.dial(actx, "advertise")
	if err != nil {
		return nil, err
	}
	rc := conn.Rendezvous{Conn: ws}
	if err := rc.WriteMsg(actx, protocol.Msg{
		Type: protocol.SenderToRendezvousAdvertise,
		Payload: protocol.Payload{
			Fingerprint: string(fp),
			Address:     addr,
			TTL:         ttl,
		},
	}); err != nil {
		ws.Close()
		return nil, fmt.Errorf("%w: %v", discovery.ErrTimeout, err)
	}
	msg, err := rc.ReadMsg(actx, protocol.RendezvousToSenderAdvertised)
	if err != nil {
		ws.Close()
		return nil, fmt.Errorf("%w: %v", discovery.ErrTimeout, err)
	}

	a := &advertisement{
		ws:      ws,
		rc:      rc,
		answer:  c.answer,
		id:      msg.Payload.ID,
		address: msg.Payload.Address,
		done:    make(chan struct{}),
		logger:  c.logger.With(zap.String("id", msg.Payload.ID)),
	}
	go a.watch(ctx)
	a.logger.Debug("advertised on rendezvous", zap.String("address", a.address), zap.Time("expires", msg.Payload.Expires))
	return a, nil
}

type advertisement struct {
	ws      *conn.WS
	rc      conn.Rendezvous
	answer  time.Duration
	id      string
	address string
	logger  *zap.Logger

	mu   sync.Mutex
	once sync.Once
	done chan struct{}
}

func (a *advertisement) ID() string            { return a.id }
func (a *advertisement) Done() <-chan struct{} { return a.done }

// Address is the address the server hands out to resolvers.
func (a *advertisement) Address() string { return a.address }

func (a *advertisement) Consume() error {
	return a.write(protocol.Msg{Type: protocol.SenderToRendezvousConsumed})
}

func (a *advertisement) Rearm(ttl time.Duration) error {
	return a.write(protocol.Msg{Type: protocol.SenderToRendezvousRearm, Payload: protocol.Payload{TTL: ttl}})
}

func (a *advertisement) Revoke() error {
	err := a.write(protocol.Msg{Type: protocol.SenderToRendezvousRevoke})
	a.finish()
	if errors.Is(err, discovery.ErrRevoked) {
		return nil
	}
	return err
}

func (a *advertisement) write(msg protocol.Msg) error {
	select {
	case <-a.done:
		return discovery.ErrRevoked
	default:
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), a.answer)
	defer cancel()
	return a.rc.WriteMsg(ctx, msg)
}

// watch waits for the server to expire the advertisement, the link to fail or
// ctx to be done.
func (a *advertisement) watch(ctx context.Context) {
	stop := context.AfterFunc(ctx, func() { _ = a.Revoke() })
	defer stop()
	for {
		msg, err := a.rc.ReadMsg(context.Background())
		if err != nil {
			a.logger.Debug("rendezvous link closed", zap.Error(err))
			a.finish()
			return
		}
		if msg.Type == protocol.RendezvousToSenderExpired {
			a.logger.Debug("advertisement expired")
			a.finish()
			return
		}
	}
}

func (a *advertisement) finish() {
	a.once.Do(func() {
		close(a.done)
		a.ws.Close()
	})
}

// ----------------------------------------------------- Resolving -----------------------------------------------------

// Resolve asks the server for the address of fp, which waits up to timeout
// for an advertisement to appear.
func (c *Client) Resolve(ctx context.Context, fp code.Fingerprint, timeout time.Duration) (string, error) {
	dctx, cancel := context.WithTimeout(ctx, c.answer)
	defer cancel()
	ws, err := c.dial(dctx, "resolve")
	if err != nil {
		return "", err
	}
	defer ws.Close()
	rc := conn.Rendezvous{Conn: ws}

	if err := rc.WriteMsg(dctx, protocol.Msg{
		Type:    protocol.ReceiverToRendezvousResolve,
		Payload: protocol.Payload{Fingerprint: string(fp), TTL: timeout},
	}); err != nil {
		return "", fmt.Errorf("%w: %v", discovery.ErrTimeout, err)
	}

	rctx, rcancel := context.WithTimeout(ctx, timeout+c.answer)
	defer rcancel()
	msg, err := rc.ReadMsg(rctx, protocol.RendezvousToReceiverResolved, protocol.RendezvousToReceiverError)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		return "", fmt.Errorf("%w: %v", discovery.ErrTimeout, err)
	}
	if msg.Type == protocol.RendezvousToReceiverResolved {
		return msg.Payload.Address, nil
	}
	switch msg.Payload.Reason {
	case protocol.ReasonNotFound:
		return "", discovery.ErrNotFound
	case protocol.ReasonAmbiguous:
		return "", discovery.ErrAmbiguousMatch
	case protocol.ReasonExpired:
		return "", code.ErrExpiredCode
	default:
		return "", fmt.Errorf("%w: %s", discovery.ErrTimeout, msg.Payload.Reason)
	}
}
