// Package transfer streams one manifest item over an encrypted link and
// resumes interrupted transfers from the progress the receiver kept.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/SpatiumPortae/sship/internal/conn"
	"github.com/SpatiumPortae/sship/internal/manifest"
	"github.com/SpatiumPortae/sship/internal/progress"
	protocol "github.com/SpatiumPortae/sship/protocol/transfer"
	"go.uber.org/zap"
)

const (
	DefaultChunkSize   = 64 << 10
	MaxChunkSize       = 1 << 20
	DefaultIdleTimeout = 30 * time.Second

	// CompressionGzip marks that chunks may carry gzip compressed data.
	CompressionGzip = "gzip"
)

var (
	ErrIntegrity = errors.New("integrity check failed")
	ErrDeclined  = errors.New("transfer declined by the receiver")
	ErrProtocol  = errors.New("protocol violation")
	ErrRemote    = errors.New("peer gave up the transfer")
)

// Link is the encrypted channel a transfer runs over, implemented by *conn.Secure.
type Link interface {
	WriteMsg(ctx context.Context, msg protocol.Msg) error
	WriteChunk(ctx context.Context, c protocol.Chunk) error
	ReadFrame(ctx context.Context) (conn.Frame, error)
	ReadMsg(ctx context.Context, expected ...protocol.MsgType) (protocol.Msg, error)
}

// Phase is the part of the session a failure happened in.
type Phase int

const (
	PhaseHandshake Phase = iota
	PhaseStreaming
	PhaseCompletion
)

func (p Phase) String() string {
	switch p {
	case PhaseHandshake:
		return "handshake"
	case PhaseStreaming:
		return "streaming"
	case PhaseCompletion:
		return "completion"
	default:
		return "unknown"
	}
}

// Error is a failed transfer session. File is the manifest path of the entry
// in progress, if any, and Offset the number of verified bytes of it.
type Error struct {
	Phase  Phase
	File   string
	Offset int64
	Err    error
}

func (e *Error) Error() string {
	if e.File == "" {
		return fmt.Sprintf("transfer failed during %s: %v", e.Phase, e.Err)
	}
	return fmt.Sprintf("transfer failed during %s at %s:%d: %v", e.Phase, e.File, e.Offset, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ------------------------------------------------------- Events ------------------------------------------------------

// Started is emitted once the receiver told the sender where to resume from.
type Started struct {
	Manifest *manifest.Manifest
	Resumed  int64
}

// Progress is emitted after every chunk. Bytes counts every byte of the item
// the receiver holds, including resumed ones.
type Progress struct {
	File  string
	Bytes int64
}

// FileDone is emitted by the receiver when an entry was verified and moved into place.
type FileDone struct {
	File string
}

// Completed is emitted when the receiver acknowledged the whole item.
type Completed struct {
	Bytes int64
}

// ------------------------------------------------------- Session -----------------------------------------------------

type session struct {
	idle   time.Duration
	logger *zap.Logger
	msgs   []chan interface{}
}

func newSession(idle time.Duration, logger *zap.Logger, msgs []chan interface{}) *session {
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &session{idle: idle, logger: logger, msgs: msgs}
}

func (s *session) write(ctx context.Context, link Link, msg protocol.Msg) error {
	ctx, cancel := context.WithTimeout(ctx, s.idle)
	defer cancel()
	return link.WriteMsg(ctx, msg)
}

func (s *session) read(ctx context.Context, link Link, expected ...protocol.MsgType) (protocol.Msg, error) {
	ctx, cancel := context.WithTimeout(ctx, s.idle)
	defer cancel()
	return link.ReadMsg(ctx, expected...)
}

// fail tells the peer why the session ends. The link may already be gone.
func (s *session) fail(ctx context.Context, link Link, reason, file string, offset int64) {
	err := s.write(ctx, link, protocol.Msg{
		Type:    protocol.Failure,
		Payload: protocol.Payload{Reason: reason, File: file, Offset: offset},
	})
	if err != nil {
		s.logger.Debug("reporting failure to peer", zap.String("reason", reason), zap.Error(err))
	}
}

func (s *session) notify(ctx context.Context, v interface{}) {
	if len(s.msgs) == 0 {
		return
	}
	select {
	case s.msgs[0] <- v:
	case <-ctx.Done():
	}
}

// failureErr maps the reason of a Failure message to an error.
func failureErr(reason string) error {
	switch reason {
	case protocol.ReasonIntegrity:
		return ErrIntegrity
	case protocol.ReasonDeclined:
		return ErrDeclined
	case protocol.ReasonBusy:
		return progress.ErrLocked
	default:
		return fmt.Errorf("%w: %s", ErrRemote, reason)
	}
}

// displayName is the name of an entry shown to users and carried in failures.
func displayName(m *manifest.Manifest, e manifest.Entry) string {
	if e.Path == "" {
		return m.Root
	}
	return e.Path
}
