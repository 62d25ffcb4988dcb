package multicast_test

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/SpatiumPortae/sship/internal/code"
	"github.com/SpatiumPortae/sship/internal/discovery"
	"github.com/SpatiumPortae/sship/internal/discovery/multicast"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// bus is an in-memory multicast group. Every datagram is delivered to every
// open transport, the sender included.
type bus struct {
	mu    sync.Mutex
	peers map[*busTransport]struct{}
}

type datagram struct {
	p   []byte
	src net.IP
}

type busTransport struct {
	bus    *bus
	src    net.IP
	in     chan datagram
	closed chan struct{}
	once   sync.Once
}

func newBus() *bus {
	return &bus{peers: make(map[*busTransport]struct{})}
}

func (b *bus) open(src string) func() (multicast.Transport, error) {
	return func() (multicast.Transport, error) {
		t := &busTransport{bus: b, src: net.ParseIP(src), in: make(chan datagram, 64), closed: make(chan struct{})}
		b.mu.Lock()
		b.peers[t] = struct{}{}
		b.mu.Unlock()
		return t, nil
	}
}

func (t *busTransport) Send(p []byte) error {
	t.bus.mu.Lock()
	defer t.bus.mu.Unlock()
	for peer := range t.bus.peers {
		select {
		case peer.in <- datagram{p: append([]byte(nil), p...), src: t.src}:
		default:
		}
	}
	return nil
}

func (t *busTransport) Receive() ([]byte, net.IP, error) {
	select {
	case d := <-t.in:
		return d.p, d.src, nil
	case <-t.closed:
		return nil, nil, errors.New("closed")
	}
}

func (t *busTransport) Close() error {
	t.once.Do(func() {
		t.bus.mu.Lock()
		delete(t.bus.peers, t)
		t.bus.mu.Unlock()
		close(t.closed)
	})
	return nil
}

func newDiscovery(b *bus, src string) *multicast.Discovery {
	return multicast.New(multicast.DefaultGroup,
		multicast.WithTransport(b.open(src)),
		multicast.WithIntervals(50*time.Millisecond, 30*time.Millisecond, 40*time.Millisecond))
}

func TestResolve(t *testing.T) {
	ctx := context.Background()
	fp := code.Fingerprint("0123456789abcdef0123456789abcdef")

	t.Run("advertised", func(t *testing.T) {
		b := newBus()
		ad, err := newDiscovery(b, "10.0.0.2").Advertise(ctx, fp, "10.0.0.2:4000", time.Minute)
		require.NoError(t, err)
		defer ad.Revoke()

		addr, err := newDiscovery(b, "10.0.0.2").Resolve(ctx, fp, time.Second)
		require.NoError(t, err)
		assert.Equal(t, "10.0.0.2:4000", addr)
	})

	t.Run("source address fills in missing host", func(t *testing.T) {
		b := newBus()
		ad, err := newDiscovery(b, "10.0.0.9").Advertise(ctx, fp, ":4000", time.Minute)
		require.NoError(t, err)
		defer ad.Revoke()

		addr, err := newDiscovery(b, "10.0.0.4").Resolve(ctx, fp, time.Second)
		require.NoError(t, err)
		assert.Equal(t, "10.0.0.9:4000", addr)
	})

	t.Run("not found", func(t *testing.T) {
		b := newBus()
		start := time.Now()
		_, err := newDiscovery(b, "10.0.0.2").Resolve(ctx, fp, 100*time.Millisecond)
		assert.ErrorIs(t, err, discovery.ErrNotFound)
		assert.Less(t, time.Since(start), time.Second)
	})

	t.Run("other fingerprint", func(t *testing.T) {
		b := newBus()
		ad, err := newDiscovery(b, "10.0.0.2").Advertise(ctx, "ffffffffffffffffffffffffffffffff", "10.0.0.2:4000", time.Minute)
		require.NoError(t, err)
		defer ad.Revoke()

		_, err = newDiscovery(b, "10.0.0.2").Resolve(ctx, fp, 100*time.Millisecond)
		assert.ErrorIs(t, err, discovery.ErrNotFound)
	})

	t.Run("ambiguous", func(t *testing.T) {
		b := newBus()
		ad1, err := newDiscovery(b, "10.0.0.2").Advertise(ctx, fp, "10.0.0.2:4000", time.Minute)
		require.NoError(t, err)
		defer ad1.Revoke()
		ad2, err := newDiscovery(b, "10.0.0.3").Advertise(ctx, fp, "10.0.0.3:4000", time.Minute)
		require.NoError(t, err)
		defer ad2.Revoke()

		_, err = newDiscovery(b, "10.0.0.4").Resolve(ctx, fp, time.Second)
		assert.ErrorIs(t, err, discovery.ErrAmbiguousMatch)
	})

	t.Run("consumed", func(t *testing.T) {
		b := newBus()
		ad, err := newDiscovery(b, "10.0.0.2").Advertise(ctx, fp, "10.0.0.2:4000", time.Minute)
		require.NoError(t, err)
		defer ad.Revoke()
		require.NoError(t, ad.Consume())

		_, err = newDiscovery(b, "10.0.0.2").Resolve(ctx, fp, time.Second)
		assert.ErrorIs(t, err, code.ErrExpiredCode)

		require.NoError(t, ad.Rearm(time.Minute))
		addr, err := newDiscovery(b, "10.0.0.2").Resolve(ctx, fp, time.Second)
		require.NoError(t, err)
		assert.Equal(t, "10.0.0.2:4000", addr)
	})

	t.Run("revoked", func(t *testing.T) {
		b := newBus()
		ad, err := newDiscovery(b, "10.0.0.2").Advertise(ctx, fp, "10.0.0.2:4000", time.Minute)
		require.NoError(t, err)
		require.NoError(t, ad.Revoke())
		<-ad.Done()

		_, err = newDiscovery(b, "10.0.0.2").Resolve(ctx, fp, 100*time.Millisecond)
		assert.ErrorIs(t, err, discovery.ErrNotFound)
		assert.ErrorIs(t, ad.Consume(), discovery.ErrRevoked)
	})

	t.Run("expires", func(t *testing.T) {
		b := newBus()
		ad, err := newDiscovery(b, "10.0.0.2").Advertise(ctx, fp, "10.0.0.2:4000", 30*time.Millisecond)
		require.NoError(t, err)
		select {
		case <-ad.Done():
		case <-time.After(time.Second):
			t.Fatal("advertisement did not expire")
		}
	})
}

func TestBrowse(t *testing.T) {
	ctx := context.Background()
	b := newBus()
	ad1, err := newDiscovery(b, "10.0.0.2").Advertise(ctx, "aaaa", "10.0.0.2:4000", time.Minute)
	require.NoError(t, err)
	defer ad1.Revoke()
	ad2, err := newDiscovery(b, "10.0.0.3").Advertise(ctx, "bbbb", "10.0.0.3:4000", time.Minute)
	require.NoError(t, err)
	defer ad2.Revoke()
	require.NoError(t, ad2.Consume())

	entries, err := newDiscovery(b, "10.0.0.4").Browse(ctx, 150*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, code.Fingerprint("aaaa"), entries[0].Fingerprint)
	assert.False(t, entries[0].Consumed)
	assert.Equal(t, code.Fingerprint("bbbb"), entries[1].Fingerprint)
	assert.True(t, entries[1].Consumed)
	assert.True(t, entries[1].Expires.After(time.Now()))
}
