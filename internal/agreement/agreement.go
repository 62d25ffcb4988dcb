// Package agreement derives a session key from a pairing code with a balanced
// PAKE followed by explicit key confirmation.
package agreement

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/SpatiumPortae/sship/internal/code"
	"github.com/SpatiumPortae/sship/internal/conn"
	"github.com/SpatiumPortae/sship/internal/memzero"
	"github.com/SpatiumPortae/sship/internal/semver"
	"github.com/SpatiumPortae/sship/protocol/transfer"
	"github.com/schollz/pake/v3"
	"go.uber.org/zap"
	"golang.org/x/crypto/hkdf"
)

const curve = "p256"

// Abort reasons.
const (
	ReasonMismatch = "mismatch"
	ReasonVersion  = "version"
	ReasonBusy     = "busy"
)

var (
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrIncompatibleVersion  = errors.New("incompatible protocol version")
	ErrBusy                 = errors.New("peer is busy with another session")
	ErrAlreadyRun           = errors.New("agreement already run")
)

var (
	confirmInfoSender   = []byte("sship/confirm/sender")
	confirmInfoReceiver = []byte("sship/confirm/receiver")
	sessionInfo         = []byte("sship/session")
)

// Role is the side of the agreement. The sender sends its key exchange first.
type Role int

const (
	Sender Role = iota
	Receiver
)

func (r Role) String() string {
	if r == Sender {
		return "sender"
	}
	return "receiver"
}

// ------------------------------------------------------- States ------------------------------------------------------

// State is one of Idle, KeyExchangeSent, ConfirmationPending, Confirmed and Aborted.
type State interface {
	state()
}

type Idle struct{}

type KeyExchangeSent struct{}

type ConfirmationPending struct{}

// Confirmed holds the session key. It is final.
type Confirmed struct {
	Key *SessionKey
}

// Aborted holds the reason of the failure. It is final.
type Aborted struct {
	Err error
}

func (Idle) state()                {}
func (KeyExchangeSent) state()     {}
func (ConfirmationPending) state() {}
func (Confirmed) state()           {}
func (Aborted) state()             {}

// ----------------------------------------------------- Session key ---------------------------------------------------

// SessionKey is the symmetric key both peers agreed on. It is owned by one
// session and must be destroyed when the session ends.
type SessionKey struct {
	mu         sync.Mutex
	key        []byte
	Transcript []byte
}

// Bytes returns the key, or nil once destroyed.
func (k *SessionKey) Bytes() []byte {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.key
}

// Destroy zeroes the key. It is safe to call more than once.
func (k *SessionKey) Destroy() {
	k.mu.Lock()
	defer k.mu.Unlock()
	memzero.Zero(k.key)
	k.key = nil
}

// ------------------------------------------------------ Agreement ----------------------------------------------------

// Agreement runs the key agreement for one peer.
type Agreement struct {
	role    Role
	lease   *code.Lease
	version semver.Version
	logger  *zap.Logger

	mu    sync.Mutex
	state State
}

type Option func(*Agreement)

func WithLogger(l *zap.Logger) Option {
	return func(a *Agreement) { a.logger = l }
}

// WithVersion overrides the protocol version announced to the peer.
func WithVersion(v semver.Version) Option {
	return func(a *Agreement) { a.version = v }
}

func New(role Role, lease *code.Lease, opts ...Option) *Agreement {
	a := &Agreement{
		role:    role,
		lease:   lease,
		version: semver.Protocol,
		logger:  zap.NewNop(),
		state:   Idle{},
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With(zap.Stringer("role", role))
	return a
}

// State returns the current state of the agreement.
func (a *Agreement) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Agreement) transition(s State) {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch a.state.(type) {
	case Confirmed, Aborted:
		return
	}
	a.state = s
}

// Run consumes the lease and performs the agreement over the link. Every wait
// is bounded by the remaining lifetime of the lease. Exactly one of the
// returned values is non nil.
func (a *Agreement) Run(ctx context.Context, link conn.Link) (*SessionKey, error) {
	if _, ok := a.State().(Idle); !ok {
		return nil, ErrAlreadyRun
	}
	c, err := a.lease.Consume()
	if err != nil {
		return nil, a.abort(err)
	}
	ctx, cancel := a.lease.Context(ctx)
	defer cancel()

	key, err := a.run(ctx, link, c)
	if err != nil {
		if a.lease.Expired(ctx) {
			err = fmt.Errorf("%w: %w", code.ErrExpiredCode, err)
		}
		return nil, a.abort(err)
	}
	a.transition(Confirmed{Key: key})
	a.logger.Debug("key agreement confirmed")
	return key, nil
}

func (a *Agreement) abort(err error) error {
	a.transition(Aborted{Err: err})
	a.logger.Debug("key agreement aborted", zap.Error(err))
	return err
}

func (a *Agreement) run(ctx context.Context, link conn.Link, c code.Code) (*SessionKey, error) {
	secret := c.Secret()
	defer memzero.Zero(secret)
	p, err := pake.InitCurve(secret, int(a.role), curve)
	if err != nil {
		return nil, fmt.Errorf("initializing pake: %w", err)
	}

	var senderBytes, receiverBytes []byte
	switch a.role {
	case Sender:
		senderBytes = p.Bytes()
		if err := a.writeExchange(ctx, link, senderBytes); err != nil {
			return nil, err
		}
		a.transition(KeyExchangeSent{})
		msg, err := a.readExchange(ctx, link)
		if err != nil {
			return nil, err
		}
		receiverBytes = msg.Payload.Pake
		if err := p.Update(receiverBytes); err != nil {
			_ = link.WriteMsg(ctx, transfer.Msg{Type: transfer.Abort, Payload: transfer.Payload{Reason: ReasonMismatch}})
			return nil, fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
		}
	case Receiver:
		msg, err := a.readExchange(ctx, link)
		if err != nil {
			return nil, err
		}
		senderBytes = msg.Payload.Pake
		if err := p.Update(senderBytes); err != nil {
			_ = link.WriteMsg(ctx, transfer.Msg{Type: transfer.Abort, Payload: transfer.Payload{Reason: ReasonMismatch}})
			return nil, fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
		}
		receiverBytes = p.Bytes()
		if err := a.writeExchange(ctx, link, receiverBytes); err != nil {
			return nil, err
		}
		a.transition(KeyExchangeSent{})
	}

	raw, err := p.SessionKey()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}
	defer memzero.Zero(raw)
	transcript := transcriptOf(senderBytes, receiverBytes)
	a.transition(ConfirmationPending{})

	senderMAC, receiverMAC, err := confirmations(raw, transcript)
	if err != nil {
		return nil, err
	}

	// The receiver proves knowledge of the key first, the sender only reveals
	// its own confirmation after verifying it.
	switch a.role {
	case Sender:
		msg, err := link.ReadMsg(ctx, transfer.Confirmation, transfer.Abort)
		if err != nil {
			return nil, err
		}
		if msg.Type == transfer.Abort {
			return nil, abortErr(msg)
		}
		if !hmac.Equal(msg.Payload.MAC, receiverMAC) {
			_ = link.WriteMsg(ctx, transfer.Msg{Type: transfer.Abort, Payload: transfer.Payload{Reason: ReasonMismatch}})
			return nil, ErrAuthenticationFailed
		}
		if err := link.WriteMsg(ctx, transfer.Msg{Type: transfer.Confirmation, Payload: transfer.Payload{MAC: senderMAC}}); err != nil {
			return nil, err
		}
	case Receiver:
		if err := link.WriteMsg(ctx, transfer.Msg{Type: transfer.Confirmation, Payload: transfer.Payload{MAC: receiverMAC}}); err != nil {
			return nil, err
		}
		msg, err := link.ReadMsg(ctx, transfer.Confirmation, transfer.Abort)
		if err != nil {
			return nil, err
		}
		if msg.Type == transfer.Abort {
			return nil, abortErr(msg)
		}
		if !hmac.Equal(msg.Payload.MAC, senderMAC) {
			_ = link.WriteMsg(ctx, transfer.Msg{Type: transfer.Abort, Payload: transfer.Payload{Reason: ReasonMismatch}})
			return nil, ErrAuthenticationFailed
		}
	}

	key, err := derive(raw, transcript, sessionInfo)
	if err != nil {
		return nil, err
	}
	return &SessionKey{key: key, Transcript: transcript}, nil
}

func (a *Agreement) writeExchange(ctx context.Context, link conn.Link, b []byte) error {
	return link.WriteMsg(ctx, transfer.Msg{
		Type: transfer.KeyExchange,
		Payload: transfer.Payload{
			Version: a.version.String(),
			Pake:    b,
		},
	})
}

// readExchange reads the key exchange of the peer and checks its version.
func (a *Agreement) readExchange(ctx context.Context, link conn.Link) (transfer.Msg, error) {
	msg, err := link.ReadMsg(ctx, transfer.KeyExchange, transfer.Abort)
	if err != nil {
		return transfer.Msg{}, err
	}
	if msg.Type == transfer.Abort {
		return transfer.Msg{}, abortErr(msg)
	}
	peer, err := semver.Parse(msg.Payload.Version)
	if err != nil || !a.version.Compatible(peer) {
		_ = link.WriteMsg(ctx, transfer.Msg{Type: transfer.Abort, Payload: transfer.Payload{Reason: ReasonVersion}})
		return transfer.Msg{}, fmt.Errorf("%w: local %s, peer %q", ErrIncompatibleVersion, a.version, msg.Payload.Version)
	}
	return msg, nil
}

// Reject tells a peer that connected while another session is running that it
// has to try again later.
func Reject(ctx context.Context, link conn.Link) error {
	return link.WriteMsg(ctx, transfer.Msg{Type: transfer.Abort, Payload: transfer.Payload{Reason: ReasonBusy}})
}

func abortErr(msg transfer.Msg) error {
	switch msg.Payload.Reason {
	case ReasonVersion:
		return ErrIncompatibleVersion
	case ReasonBusy:
		return ErrBusy
	default:
		return ErrAuthenticationFailed
	}
}

// transcriptOf binds both key exchange messages in sender, receiver order.
func transcriptOf(senderBytes, receiverBytes []byte) []byte {
	h := sha256.New()
	var l [8]byte
	for _, b := range [][]byte{senderBytes, receiverBytes} {
		binary.BigEndian.PutUint64(l[:], uint64(len(b)))
		h.Write(l[:])
		h.Write(b)
	}
	return h.Sum(nil)
}

func confirmations(raw, transcript []byte) (senderMAC, receiverMAC []byte, err error) {
	ks, err := derive(raw, transcript, confirmInfoSender)
	if err != nil {
		return nil, nil, err
	}
	defer memzero.Zero(ks)
	kr, err := derive(raw, transcript, confirmInfoReceiver)
	if err != nil {
		return nil, nil, err
	}
	defer memzero.Zero(kr)
	return mac(ks, transcript, confirmInfoSender), mac(kr, transcript, confirmInfoReceiver), nil
}

func derive(secret, salt, info []byte) ([]byte, error) {
	out := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, info), out); err != nil {
		return nil, fmt.Errorf("deriving key: %w", err)
	}
	return out, nil
}

func mac(key []byte, parts ...[]byte) []byte {
	m := hmac.New(sha256.New, key)
	for _, p := range parts {
		m.Write(p)
	}
	return m.Sum(nil)
}
