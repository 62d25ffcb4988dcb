// Package receiver resolves the sender of a pairing code, authenticates with
// the code and receives the offered item.
package receiver

import (
	"context"
	"fmt"
	"time"

	"github.com/SpatiumPortae/sship/internal/agreement"
	"github.com/SpatiumPortae/sship/internal/code"
	"github.com/SpatiumPortae/sship/internal/conn"
	"github.com/SpatiumPortae/sship/internal/discovery"
	"github.com/SpatiumPortae/sship/internal/progress"
	"github.com/SpatiumPortae/sship/internal/transfer"
	protocol "github.com/SpatiumPortae/sship/protocol/transfer"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

const (
	DefaultResolveTimeout = 30 * time.Second
	dialTimeout           = 10 * time.Second
)

// Config configures Receive.
type Config struct {
	Discoverer     discovery.Discoverer
	ResolveTimeout time.Duration
	// Lifetime bounds the key agreement, like the lifetime of the code at the sender.
	Lifetime    time.Duration
	Dest        string
	Rename      string
	Overwrite   func(path string) bool
	Store       *progress.Store
	IdleTimeout time.Duration
	Logger      *zap.Logger
}

// Resolved is emitted once the address of the sender is known.
type Resolved struct {
	Address string
}

// Paired is emitted once both peers confirmed the session key.
type Paired struct{}

// Receive runs the whole receiving side of a pairing with c.
func Receive(ctx context.Context, c code.Code, cfg Config, msgs ...chan interface{}) (*transfer.Result, error) {
	if cfg.ResolveTimeout <= 0 {
		cfg.ResolveTimeout = DefaultResolveTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	lease := code.NewLease(c, cfg.Lifetime)
	logger := cfg.Logger.With(zap.String("fingerprint", lease.Fingerprint().Short()))

	addr, err := cfg.Discoverer.Resolve(ctx, lease.Fingerprint(), cfg.ResolveTimeout)
	if err != nil {
		return nil, err
	}
	logger.Debug("sender resolved", zap.String("address", addr))
	notify(ctx, msgs, Resolved{Address: addr})

	ws, err := dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	defer ws.Close()

	a := agreement.New(agreement.Receiver, lease, agreement.WithLogger(logger))
	key, err := a.Run(ctx, conn.Link{Conn: ws})
	if err != nil {
		return nil, err
	}
	sc, err := conn.NewSecure(ws, key.Bytes(), false)
	key.Destroy()
	if err != nil {
		return nil, err
	}
	notify(ctx, msgs, Paired{})

	return transfer.Receive(ctx, sc, transfer.ReceiveConfig{
		Dest:        cfg.Dest,
		Rename:      cfg.Rename,
		Fingerprint: lease.Fingerprint(),
		Store:       cfg.Store,
		Overwrite:   cfg.Overwrite,
		IdleTimeout: cfg.IdleTimeout,
		Logger:      logger,
	}, msgs...)
}

// dial opens the link to the sender at addr.
func dial(ctx context.Context, addr string) (*conn.WS, error) {
	dctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	ws, _, err := websocket.Dial(dctx, fmt.Sprintf("ws://%s%s", addr, protocol.Endpoint), nil)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &conn.TransportError{Op: "dial", Err: err}
	}
	return conn.NewWS(ws), nil
}

func notify(ctx context.Context, msgs []chan interface{}, v interface{}) {
	if len(msgs) == 0 {
		return
	}
	select {
	case msgs[0] <- v:
	case <-ctx.Done():
	}
}
