// Package discovery maps code fingerprints to the address a sender accepts
// links on.
package discovery

import (
	"context"
	"errors"
	"time"

	"github.com/SpatiumPortae/sship/internal/code"
)

var (
	ErrNotFound       = errors.New("no sender found for code")
	ErrTimeout        = errors.New("discovery did not answer")
	ErrAmbiguousMatch = errors.New("more than one sender advertises the code")
	ErrRevoked        = errors.New("advertisement revoked")
)

// DefaultTTL is used when an advertisement is made without a TTL.
const DefaultTTL = code.DefaultLifetime

// Advertisement is a live announcement made by a sender.
type Advertisement interface {
	// ID identifies this advertisement among advertisers of the same fingerprint.
	ID() string
	// Done is closed once the advertisement is revoked or its TTL elapsed.
	Done() <-chan struct{}
	// Consume marks that a key agreement was attempted. Resolvers then get
	// code.ErrExpiredCode instead of the address.
	Consume() error
	// Rearm makes a consumed advertisement resolvable again for ttl.
	Rearm(ttl time.Duration) error
	// Revoke withdraws the advertisement. It is safe to call more than once.
	Revoke() error
}

// Discoverer advertises and resolves fingerprints.
type Discoverer interface {
	Advertise(ctx context.Context, fp code.Fingerprint, addr string, ttl time.Duration) (Advertisement, error)
	// Resolve waits at most timeout for an advertisement of fp. It fails with
	// ErrNotFound, ErrTimeout, ErrAmbiguousMatch, code.ErrExpiredCode or the
	// context error, and never blocks past the timeout.
	Resolve(ctx context.Context, fp code.Fingerprint, timeout time.Duration) (string, error)
}

// Entry describes one advertisement seen by a discoverer.
type Entry struct {
	ID          string           `json:"id"`
	Fingerprint code.Fingerprint `json:"fingerprint"`
	Address     string           `json:"address"`
	Consumed    bool             `json:"consumed"`
	Expires     time.Time        `json:"expires"`
}

// Pick decides the outcome of a resolution from the advertisements of one
// fingerprint.
func Pick(entries []Entry) (string, error) {
	var active []Entry
	consumed := false
	for _, e := range entries {
		if e.Consumed {
			consumed = true
			continue
		}
		active = append(active, e)
	}
	switch {
	case len(active) > 1:
		return "", ErrAmbiguousMatch
	case len(active) == 1:
		return active[0].Address, nil
	case consumed:
		return "", code.ErrExpiredCode
	default:
		return "", ErrNotFound
	}
}
