package code

import (
	"context"
	"sync"
	"time"
)

// DefaultLifetime bounds how long a code may be used to start a session.
const DefaultLifetime = 10 * time.Minute

// Lease is the single-use, time bounded right to run one key agreement with a
// code. It is owned by one peer process and never persisted.
type Lease struct {
	code        Code
	fingerprint Fingerprint
	expires     time.Time
	now         func() time.Time

	mu       sync.Mutex
	consumed bool
}

// NewLease returns a lease on c valid for the given lifetime.
func NewLease(c Code, lifetime time.Duration) *Lease {
	if lifetime <= 0 {
		lifetime = DefaultLifetime
	}
	return &Lease{
		code:        c,
		fingerprint: c.Fingerprint(),
		expires:     time.Now().Add(lifetime),
		now:         time.Now,
	}
}

func (l *Lease) Code() Code               { return l.code }
func (l *Lease) Fingerprint() Fingerprint { return l.fingerprint }
func (l *Lease) Expires() time.Time       { return l.expires }

// Remaining returns the time left before the lease expires, never negative.
func (l *Lease) Remaining() time.Duration {
	d := l.expires.Sub(l.now())
	if d < 0 {
		return 0
	}
	return d
}

// Valid returns ErrExpiredCode once the lease is consumed or its lifetime elapsed.
func (l *Lease) Valid() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.valid()
}

func (l *Lease) valid() error {
	if l.consumed || !l.now().Before(l.expires) {
		return ErrExpiredCode
	}
	return nil
}

// Consume hands out the code exactly once.
func (l *Lease) Consume() (Code, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.valid(); err != nil {
		return 0, err
	}
	l.consumed = true
	return l.code, nil
}

// Context returns a context that is done when the lease expires.
func (l *Lease) Context(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithDeadline(ctx, l.expires)
}

// Expired reports whether err was caused by this lease running out, either
// directly or through a context derived with Context.
func (l *Lease) Expired(ctx context.Context) bool {
	return ctx.Err() == context.DeadlineExceeded && !l.now().Before(l.expires)
}

// Renew returns a fresh lease on the same code. The receiver of a dropped
// session reruns with the code it already holds, so a sender re-arms with it.
func (l *Lease) Renew(lifetime time.Duration) *Lease {
	if lifetime <= 0 {
		lifetime = DefaultLifetime
	}
	return &Lease{
		code:        l.code,
		fingerprint: l.fingerprint,
		expires:     l.now().Add(lifetime),
		now:         l.now,
	}
}
