// Package multicast discovers senders on the local network with UDP
// multicast announcements.
package multicast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/SpatiumPortae/sship/internal/code"
	"github.com/SpatiumPortae/sship/internal/discovery"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// DefaultGroup is the multicast group and port used when none is configured.
const DefaultGroup = "239.255.77.77:9977"

const (
	protocolVersion = 1

	opAnnounce = "announce"
	opQuery    = "query"
	opGoodbye  = "goodbye"

	maxPacketSize = 1024
)

// packet is the JSON datagram exchanged on the group. An empty fingerprint in
// a query asks every advertiser to announce itself.
type packet struct {
	Version     int              `json:"v"`
	Op          string           `json:"op"`
	ID          string           `json:"id,omitempty"`
	Fingerprint code.Fingerprint `json:"fp,omitempty"`
	Address     string           `json:"addr,omitempty"`
	TTL         int64            `json:"ttl_ms,omitempty"`
	Consumed    bool             `json:"consumed,omitempty"`
}

// Discovery is a discovery.Discoverer over a multicast group.
type Discovery struct {
	open     func() (Transport, error)
	interval time.Duration
	requery  time.Duration
	window   time.Duration
	logger   *zap.Logger
}

type Option func(*Discovery)

// WithTransport replaces the multicast socket, mostly for tests.
func WithTransport(open func() (Transport, error)) Option {
	return func(d *Discovery) { d.open = open }
}

func WithLogger(l *zap.Logger) Option {
	return func(d *Discovery) { d.logger = l }
}

// WithIntervals sets how often advertisers re-announce, how often resolvers
// re-query and how long a resolver waits for colliding advertisers after the
// first answer.
func WithIntervals(announce, requery, window time.Duration) Option {
	return func(d *Discovery) {
		d.interval, d.requery, d.window = announce, requery, window
	}
}

// New returns a Discovery on the given group, for example DefaultGroup.
func New(group string, opts ...Option) *Discovery {
	d := &Discovery{
		open:     func() (Transport, error) { return Listen(group) },
		interval: time.Second,
		requery:  500 * time.Millisecond,
		window:   250 * time.Millisecond,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// ---------------------------------------------------- Advertising ----------------------------------------------------

// Advertise announces addr under fp until ttl elapses, the advertisement is
// revoked or ctx is done.
func (d *Discovery) Advertise(ctx context.Context, fp code.Fingerprint, addr string, ttl time.Duration) (discovery.Advertisement, error) {
	if ttl <= 0 {
		ttl = discovery.DefaultTTL
	}
	t, err := d.open()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", discovery.ErrTimeout, err)
	}
	a := &advertisement{
		d:       d,
		t:       t,
		id:      uuid.NewString(),
		fp:      fp,
		addr:    addr,
		expires: time.Now().Add(ttl),
		done:    make(chan struct{}),
	}
	a.mu.Lock()
	a.timer = time.AfterFunc(ttl, a.stop)
	a.unbind = context.AfterFunc(ctx, a.stop)
	a.mu.Unlock()

	if err := a.announce(); err != nil {
		a.stop()
		return nil, fmt.Errorf("%w: %v", discovery.ErrTimeout, err)
	}
	go a.answer()
	go a.repeat()
	d.logger.Debug("advertising on multicast",
		zap.String("fingerprint", fp.Short()),
		zap.String("id", a.id),
		zap.String("address", addr))
	return a, nil
}

type advertisement struct {
	d      *Discovery
	t      Transport
	id     string
	fp     code.Fingerprint
	addr   string
	timer  *time.Timer
	unbind func() bool

	mu       sync.Mutex
	consumed bool
	expires  time.Time

	once sync.Once
	done chan struct{}
}

func (a *advertisement) ID() string            { return a.id }
func (a *advertisement) Done() <-chan struct{} { return a.done }

func (a *advertisement) Consume() error {
	if a.closed() {
		return discovery.ErrRevoked
	}
	a.mu.Lock()
	a.consumed = true
	a.mu.Unlock()
	return a.announce()
}

func (a *advertisement) Rearm(ttl time.Duration) error {
	if ttl <= 0 {
		ttl = discovery.DefaultTTL
	}
	if a.closed() {
		return discovery.ErrRevoked
	}
	a.mu.Lock()
	a.consumed = false
	a.expires = time.Now().Add(ttl)
	a.timer.Reset(ttl)
	a.mu.Unlock()
	return a.announce()
}

func (a *advertisement) Revoke() error {
	a.stop()
	return nil
}

func (a *advertisement) closed() bool {
	select {
	case <-a.done:
		return true
	default:
		return false
	}
}

func (a *advertisement) stop() {
	a.once.Do(func() {
		a.mu.Lock()
		a.timer.Stop()
		a.unbind()
		a.mu.Unlock()
		_ = a.send(packet{Op: opGoodbye})
		close(a.done)
		_ = a.t.Close()
	})
}

func (a *advertisement) announce() error {
	a.mu.Lock()
	p := packet{
		Op:       opAnnounce,
		Consumed: a.consumed,
		TTL:      time.Until(a.expires).Milliseconds(),
	}
	a.mu.Unlock()
	return a.send(p)
}

func (a *advertisement) send(p packet) error {
	p.Version = protocolVersion
	p.ID = a.id
	p.Fingerprint = a.fp
	p.Address = a.addr
	b, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return a.t.Send(b)
}

// answer replies to queries for this fingerprint until the transport closes.
func (a *advertisement) answer() {
	for {
		b, _, err := a.t.Receive()
		if err != nil {
			return
		}
		var p packet
		if json.Unmarshal(b, &p) != nil || p.Version != protocolVersion || p.Op != opQuery {
			continue
		}
		if p.Fingerprint == "" || p.Fingerprint == a.fp {
			_ = a.announce()
		}
	}
}

// repeat re-announces periodically so that late listeners learn about it.
func (a *advertisement) repeat() {
	ticker := time.NewTicker(a.d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-a.done:
			return
		case <-ticker.C:
			if err := a.announce(); err != nil {
				a.d.logger.Debug("announcing", zap.Error(err))
			}
		}
	}
}

// ----------------------------------------------------- Resolving -----------------------------------------------------

type datagram struct {
	p   packet
	src net.IP
}

// listener forwards decoded packets from a transport until it is closed.
type listener struct {
	t       Transport
	packets chan datagram
	errC    chan error
	quit    chan struct{}
}

func (d *Discovery) listen() (*listener, error) {
	t, err := d.open()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", discovery.ErrTimeout, err)
	}
	l := &listener{
		t:       t,
		packets: make(chan datagram),
		errC:    make(chan error, 1),
		quit:    make(chan struct{}),
	}
	go func() {
		for {
			b, src, err := t.Receive()
			if err != nil {
				l.errC <- err
				return
			}
			var p packet
			if json.Unmarshal(b, &p) != nil || p.Version != protocolVersion {
				continue
			}
			select {
			case l.packets <- datagram{p: p, src: src}:
			case <-l.quit:
				return
			}
		}
	}()
	return l, nil
}

func (l *listener) close() {
	close(l.quit)
	_ = l.t.Close()
}

// Resolve queries the group for fp. Once the first advertiser answers it waits
// for the collision window so that two senders using the same code are
// reported as ambiguous rather than raced.
func (d *Discovery) Resolve(ctx context.Context, fp code.Fingerprint, timeout time.Duration) (string, error) {
	l, err := d.listen()
	if err != nil {
		return "", err
	}
	defer l.close()

	query, _ := json.Marshal(packet{Version: protocolVersion, Op: opQuery, Fingerprint: fp})
	if err := l.t.Send(query); err != nil {
		return "", fmt.Errorf("%w: %v", discovery.ErrTimeout, err)
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	requery := time.NewTicker(d.requery)
	defer requery.Stop()
	var window <-chan time.Time

	seen := make(map[string]discovery.Entry)
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case err := <-l.errC:
			return "", fmt.Errorf("%w: %v", discovery.ErrTimeout, err)
		case <-requery.C:
			_ = l.t.Send(query)
		case <-deadline.C:
			return discovery.Pick(maps.Values(seen))
		case <-window:
			addr, err := discovery.Pick(maps.Values(seen))
			if errors.Is(err, discovery.ErrNotFound) {
				window = nil
				continue
			}
			return addr, err
		case dg := <-l.packets:
			if dg.p.Fingerprint != fp {
				continue
			}
			switch dg.p.Op {
			case opGoodbye:
				delete(seen, dg.p.ID)
			case opAnnounce:
				seen[dg.p.ID] = entryOf(dg)
				if window == nil {
					window = time.After(d.window)
				}
			}
		}
	}
}

// Browse lists the advertisements that answer a wildcard query within wait.
func (d *Discovery) Browse(ctx context.Context, wait time.Duration) ([]discovery.Entry, error) {
	l, err := d.listen()
	if err != nil {
		return nil, err
	}
	defer l.close()

	query, _ := json.Marshal(packet{Version: protocolVersion, Op: opQuery})
	if err := l.t.Send(query); err != nil {
		return nil, fmt.Errorf("%w: %v", discovery.ErrTimeout, err)
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()

	seen := make(map[string]discovery.Entry)
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case err := <-l.errC:
			return nil, fmt.Errorf("%w: %v", discovery.ErrTimeout, err)
		case <-timer.C:
			entries := maps.Values(seen)
			slices.SortFunc(entries, func(a, b discovery.Entry) int {
				return strings.Compare(string(a.Fingerprint), string(b.Fingerprint))
			})
			return entries, nil
		case dg := <-l.packets:
			switch dg.p.Op {
			case opGoodbye:
				delete(seen, dg.p.ID)
			case opAnnounce:
				seen[dg.p.ID] = entryOf(dg)
			}
		}
	}
}

// entryOf converts an announcement, filling in the source address when the
// advertiser did not know its own host.
func entryOf(dg datagram) discovery.Entry {
	addr := dg.p.Address
	if host, port, err := net.SplitHostPort(addr); err == nil && dg.src != nil {
		if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
			addr = net.JoinHostPort(dg.src.String(), port)
		}
	}
	return discovery.Entry{
		ID:          dg.p.ID,
		Fingerprint: dg.p.Fingerprint,
		Address:     addr,
		Consumed:    dg.p.Consumed,
		Expires:     time.Now().Add(time.Duration(dg.p.TTL) * time.Millisecond),
	}
}
