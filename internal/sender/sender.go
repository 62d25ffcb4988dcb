// Package sender offers one item under a pairing code and serves it to the
// receiver that proves knowledge of the code.
package sender

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/SpatiumPortae/sship/internal/agreement"
	"github.com/SpatiumPortae/sship/internal/code"
	"github.com/SpatiumPortae/sship/internal/conn"
	"github.com/SpatiumPortae/sship/internal/discovery"
	"github.com/SpatiumPortae/sship/internal/manifest"
	"github.com/SpatiumPortae/sship/internal/transfer"
	"go.uber.org/zap"
)

// DefaultMaxResumes bounds how often a code is re-armed after a dropped link.
const DefaultMaxResumes = 3

// Config configures an Offer.
type Config struct {
	Discoverer discovery.Discoverer
	// Lifetime of the code, and of every re-armed code.
	Lifetime time.Duration
	// ListenAddr is where receivers connect, ":0" when empty.
	ListenAddr string
	// AdvertiseHost is the host put in the advertisement. When empty the
	// first non loopback address is used, or none so discovery fills it in.
	AdvertiseHost string
	ChunkSize     int
	Compress      bool
	IdleTimeout   time.Duration
	// MaxResumes is the number of re-arms allowed, negative disables them.
	MaxResumes int
	Logger     *zap.Logger
}

// Advertised is emitted once receivers can resolve the code.
type Advertised struct {
	Address string
	Expires time.Time
}

// Connected is emitted when a receiver connected and the key agreement starts.
type Connected struct{}

// Rearmed is emitted when the code was made resolvable again after a dropped link.
type Rearmed struct {
	Attempt int
	Expires time.Time
}

type outcome struct {
	err       error
	confirmed bool
}

// Offer is the sender side of a pairing. It serves one receiver at a time.
type Offer struct {
	m      *manifest.Manifest
	root   string
	cfg    Config
	logger *zap.Logger
	addr   string

	mu    sync.Mutex
	lease *code.Lease
	adv   discovery.Advertisement
	busy  bool

	outcomes chan outcome
}

// New prepares an offer of the item at root, described by m, under c. The
// lifetime of the code starts now.
func New(c code.Code, m *manifest.Manifest, root string, cfg Config) *Offer {
	if cfg.Lifetime <= 0 {
		cfg.Lifetime = code.DefaultLifetime
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":0"
	}
	if cfg.MaxResumes == 0 {
		cfg.MaxResumes = DefaultMaxResumes
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	lease := code.NewLease(c, cfg.Lifetime)
	return &Offer{
		m:        m,
		root:     root,
		cfg:      cfg,
		logger:   cfg.Logger.With(zap.String("fingerprint", lease.Fingerprint().Short())),
		lease:    lease,
		outcomes: make(chan outcome),
	}
}

// Code returns the pairing code of the offer.
func (o *Offer) Code() code.Code {
	return o.lease.Code()
}

// Run advertises the offer and serves receivers until the item was
// transferred, the code can no longer be used or ctx is done.
func (o *Offer) Run(ctx context.Context, msgs ...chan interface{}) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ln, err := net.Listen("tcp", o.cfg.ListenAddr)
	if err != nil {
		return &conn.TransportError{Op: "listen", Err: err}
	}
	srv := newServer(ln, o.logger, o.handle(ctx, msgs))
	srvErr := make(chan error, 1)
	go func() { srvErr <- srv.Start() }()
	defer srv.Shutdown()

	o.addr = o.address(ln.Addr().(*net.TCPAddr).Port)
	adv, err := o.cfg.Discoverer.Advertise(ctx, o.lease.Fingerprint(), o.addr, o.lease.Remaining())
	if err != nil {
		return err
	}
	o.mu.Lock()
	o.adv = adv
	o.mu.Unlock()
	defer func() { _ = o.advertisement().Revoke() }()
	o.logger.Info("offer advertised", zap.String("address", o.addr), zap.Time("expires", o.lease.Expires()))
	notify(ctx, msgs, Advertised{Address: o.addr, Expires: o.lease.Expires()})

	resumes := 0
	expired := false
	for {
		var advDone <-chan struct{}
		if !expired {
			advDone = o.advertisement().Done()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-srvErr:
			if err == nil {
				err = errors.New("server closed")
			}
			return &conn.TransportError{Op: "serve", Err: err}
		case <-advDone:
			if !o.isBusy() {
				return fmt.Errorf("%w: no receiver connected in time", code.ErrExpiredCode)
			}
			// The running session owns the consumed code now.
			expired = true
		case out := <-o.outcomes:
			if out.err == nil {
				o.logger.Info("transfer completed")
				return nil
			}
			if !out.confirmed || !errors.Is(out.err, conn.ErrTransport) || o.cfg.MaxResumes < 0 || resumes >= o.cfg.MaxResumes {
				return out.err
			}
			resumes++
			if err := o.rearm(ctx); err != nil {
				return fmt.Errorf("%w (re-arming the code failed: %v)", out.err, err)
			}
			expired = false
			o.logger.Info("link dropped, code re-armed", zap.Int("attempt", resumes), zap.Error(out.err))
			notify(ctx, msgs, Rearmed{Attempt: resumes, Expires: o.currentLease().Expires()})
			o.mu.Lock()
			o.busy = false
			o.mu.Unlock()
		}
	}
}

// handle returns the handler of receiver links. A receiver that connects while
// another session runs is told to come back later.
func (o *Offer) handle(ctx context.Context, msgs []chan interface{}) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := conn.FromContext(r.Context())
		if err != nil {
			o.logger.Error("getting Conn from request context", zap.Error(err))
			return
		}
		o.mu.Lock()
		if o.busy {
			o.mu.Unlock()
			o.logger.Info("rejecting receiver, session in progress")
			rctx, cancel := context.WithTimeout(ctx, time.Second)
			defer cancel()
			_ = agreement.Reject(rctx, conn.Link{Conn: c})
			return
		}
		o.busy = true
		lease, adv := o.lease, o.adv
		o.mu.Unlock()

		out := o.session(ctx, c, lease, adv, msgs)
		select {
		case o.outcomes <- out:
		case <-ctx.Done():
		}
	}
}

// session runs the key agreement and the transfer with one receiver.
func (o *Offer) session(ctx context.Context, c conn.Conn, lease *code.Lease, adv discovery.Advertisement, msgs []chan interface{}) outcome {
	o.logger.Info("receiver connected")
	notify(ctx, msgs, Connected{})
	if err := adv.Consume(); err != nil {
		o.logger.Debug("consuming advertisement", zap.Error(err))
	}

	a := agreement.New(agreement.Sender, lease, agreement.WithLogger(o.logger))
	key, err := a.Run(ctx, conn.Link{Conn: c})
	if err != nil {
		return outcome{err: err}
	}
	sc, err := conn.NewSecure(c, key.Bytes(), true)
	key.Destroy()
	if err != nil {
		return outcome{err: err, confirmed: true}
	}
	err = transfer.Send(ctx, sc, o.m, o.root, transfer.SendConfig{
		ChunkSize:   o.cfg.ChunkSize,
		Compress:    o.cfg.Compress,
		IdleTimeout: o.cfg.IdleTimeout,
		Logger:      o.logger,
	}, msgs...)
	return outcome{err: err, confirmed: true}
}

// rearm renews the code and makes it resolvable again, advertising anew if
// the previous advertisement is gone.
func (o *Offer) rearm(ctx context.Context) error {
	lease := o.currentLease().Renew(o.cfg.Lifetime)
	adv := o.advertisement()
	if err := adv.Rearm(lease.Remaining()); err != nil {
		o.logger.Debug("advertisement gone, advertising again", zap.Error(err))
		if adv, err = o.cfg.Discoverer.Advertise(ctx, lease.Fingerprint(), o.addr, lease.Remaining()); err != nil {
			return err
		}
	}
	o.mu.Lock()
	o.lease, o.adv = lease, adv
	o.mu.Unlock()
	return nil
}

func (o *Offer) advertisement() discovery.Advertisement {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.adv
}

func (o *Offer) currentLease() *code.Lease {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lease
}

func (o *Offer) isBusy() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.busy
}

func (o *Offer) address(port int) string {
	host := o.cfg.AdvertiseHost
	if host == "" {
		if ip, err := localIP(); err == nil {
			host = ip.String()
		}
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
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
