package discovery

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/SpatiumPortae/sship/internal/code"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"
)

// Registry is an in-memory Discoverer. It is used directly by peers sharing a
// process and backs the rendezvous server.
type Registry struct {
	mu      sync.Mutex
	entries map[code.Fingerprint]map[string]*registration
	changed chan struct{}
	logger  *zap.Logger
}

func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		entries: make(map[code.Fingerprint]map[string]*registration),
		changed: make(chan struct{}),
		logger:  logger,
	}
}

// Advertise registers addr under fp until ttl elapses, the advertisement is
// revoked or ctx is done.
func (r *Registry) Advertise(ctx context.Context, fp code.Fingerprint, addr string, ttl time.Duration) (Advertisement, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	reg := &registration{
		registry: r,
		entry: Entry{
			ID:          uuid.NewString(),
			Fingerprint: fp,
			Address:     addr,
			Expires:     time.Now().Add(ttl),
		},
		done: make(chan struct{}),
	}

	r.mu.Lock()
	if r.entries[fp] == nil {
		r.entries[fp] = make(map[string]*registration)
	}
	r.entries[fp][reg.entry.ID] = reg
	reg.timer = time.AfterFunc(ttl, func() { reg.remove(reasonExpired) })
	reg.stop = context.AfterFunc(ctx, func() { reg.remove("context done") })
	r.notifyLocked()
	r.mu.Unlock()

	r.logger.Debug("advertised",
		zap.String("fingerprint", fp.Short()),
		zap.String("id", reg.entry.ID),
		zap.String("address", addr),
		zap.Duration("ttl", ttl))
	return reg, nil
}

// Resolve waits until fp is advertised, the timeout elapses or ctx is done.
func (r *Registry) Resolve(ctx context.Context, fp code.Fingerprint, timeout time.Duration) (string, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		r.mu.Lock()
		entries := r.snapshotLocked(fp)
		changed := r.changed
		r.mu.Unlock()

		addr, err := Pick(entries)
		if !errors.Is(err, ErrNotFound) {
			return addr, err
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-deadline.C:
			return "", ErrNotFound
		case <-changed:
		}
	}
}

// Entries returns every live advertisement ordered by fingerprint. Tombstones
// of withdrawn consumed advertisements are left out.
func (r *Registry) Entries() []Entry {
	r.mu.Lock()
	var out []Entry
	for _, regs := range r.entries {
		for _, reg := range regs {
			if !reg.closed {
				out = append(out, reg.entry)
			}
		}
	}
	r.mu.Unlock()
	slices.SortFunc(out, func(a, b Entry) int {
		if c := strings.Compare(string(a.Fingerprint), string(b.Fingerprint)); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

func (r *Registry) snapshotLocked(fp code.Fingerprint) []Entry {
	var out []Entry
	for _, reg := range r.entries[fp] {
		out = append(out, reg.entry)
	}
	return out
}

// notifyLocked wakes every pending Resolve.
func (r *Registry) notifyLocked() {
	close(r.changed)
	r.changed = make(chan struct{})
}

const reasonExpired = "expired"

// registration is the Advertisement handed out by a Registry. Its fields are
// guarded by the registry mutex. A consumed registration that is withdrawn
// before it expires stays in the registry as a closed tombstone until its
// expiry, so the code keeps resolving to code.ErrExpiredCode after the
// sender is gone.
type registration struct {
	registry *Registry
	entry    Entry
	timer    *time.Timer
	stop     func() bool
	done     chan struct{}
	closed   bool
}

func (reg *registration) ID() string            { return reg.entry.ID }
func (reg *registration) Done() <-chan struct{} { return reg.done }

func (reg *registration) Consume() error {
	r := reg.registry
	r.mu.Lock()
	defer r.mu.Unlock()
	if reg.closed {
		return ErrRevoked
	}
	reg.entry.Consumed = true
	r.notifyLocked()
	return nil
}

func (reg *registration) Rearm(ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	r := reg.registry
	r.mu.Lock()
	defer r.mu.Unlock()
	if reg.closed {
		return ErrRevoked
	}
	reg.entry.Consumed = false
	reg.entry.Expires = time.Now().Add(ttl)
	reg.timer.Reset(ttl)
	r.notifyLocked()
	return nil
}

func (reg *registration) Revoke() error {
	reg.remove("revoked")
	return nil
}

func (reg *registration) remove(reason string) {
	r := reg.registry
	r.mu.Lock()
	if reg.closed {
		r.mu.Unlock()
		return
	}
	reg.closed = true
	reg.timer.Stop()
	if reg.stop != nil {
		reg.stop()
	}
	remaining := time.Until(reg.entry.Expires)
	tombstone := reg.entry.Consumed && reason != reasonExpired && remaining > 0
	if tombstone {
		reg.timer = time.AfterFunc(remaining, reg.purge)
	} else {
		r.deleteLocked(reg)
	}
	close(reg.done)
	r.notifyLocked()
	r.mu.Unlock()

	r.logger.Debug("advertisement removed",
		zap.String("fingerprint", reg.entry.Fingerprint.Short()),
		zap.String("id", reg.entry.ID),
		zap.String("reason", reason),
		zap.Bool("tombstone", tombstone))
}

// purge drops the tombstone of a consumed registration once its code expired.
func (reg *registration) purge() {
	r := reg.registry
	r.mu.Lock()
	r.deleteLocked(reg)
	r.notifyLocked()
	r.mu.Unlock()
}

func (r *Registry) deleteLocked(reg *registration) {
	fp := reg.entry.Fingerprint
	delete(r.entries[fp], reg.entry.ID)
	if len(r.entries[fp]) == 0 {
		delete(r.entries, fp)
	}
}
