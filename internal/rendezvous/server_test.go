package rendezvous_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/SpatiumPortae/sship/internal/code"
	"github.com/SpatiumPortae/sship/internal/discovery"
	client "github.com/SpatiumPortae/sship/internal/discovery/rendezvous"
	"github.com/SpatiumPortae/sship/internal/rendezvous"
	"github.com/SpatiumPortae/sship/internal/semver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const fp = code.Fingerprint("0123456789abcdef0123456789abcdef")

func newServer(t *testing.T) (*rendezvous.Server, string) {
	t.Helper()
	s := rendezvous.NewServer(0, semver.Version{Major: 1, Minor: 2, Patch: 3}, rendezvous.WithLogger(zap.NewNop()))
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return s, strings.TrimPrefix(srv.URL, "http://")
}

func TestServer(t *testing.T) {
	ctx := context.Background()

	t.Run("ping", func(t *testing.T) {
		_, addr := newServer(t)
		res, err := http.Get("http://" + addr + "/ping")
		require.NoError(t, err)
		defer res.Body.Close()
		b, err := io.ReadAll(res.Body)
		require.NoError(t, err)
		assert.Equal(t, "pong", string(b))
	})

	t.Run("landing page", func(t *testing.T) {
		_, addr := newServer(t)
		ad, err := client.NewClient(addr).Advertise(ctx, fp, "10.0.0.2:4000", time.Minute)
		require.NoError(t, err)
		defer ad.Revoke()

		res, err := http.Get("http://" + addr + "/")
		require.NoError(t, err)
		defer res.Body.Close()
		assert.Equal(t, http.StatusOK, res.StatusCode)
		b, err := io.ReadAll(res.Body)
		require.NoError(t, err)
		assert.Contains(t, string(b), "server version: v1.2.3")
		assert.Contains(t, string(b), "offers waiting for a receiver: 1")
		assert.NotContains(t, string(b), string(fp))
	})

	t.Run("version", func(t *testing.T) {
		_, addr := newServer(t)
		v, err := client.NewClient(addr).Version(ctx)
		require.NoError(t, err)
		assert.Equal(t, "v1.2.3", v.String())
	})

	t.Run("advertise and resolve", func(t *testing.T) {
		_, addr := newServer(t)
		c := client.NewClient(addr)
		ad, err := c.Advertise(ctx, fp, "10.0.0.2:4000", time.Minute)
		require.NoError(t, err)
		defer ad.Revoke()

		got, err := c.Resolve(ctx, fp, time.Second)
		require.NoError(t, err)
		assert.Equal(t, "10.0.0.2:4000", got)
	})

	t.Run("address hint", func(t *testing.T) {
		_, addr := newServer(t)
		c := client.NewClient(addr)
		ad, err := c.Advertise(ctx, fp, ":4000", time.Minute)
		require.NoError(t, err)
		defer ad.Revoke()

		got, err := c.Resolve(ctx, fp, time.Second)
		require.NoError(t, err)
		assert.Equal(t, "127.0.0.1:4000", got)
	})

	t.Run("not found", func(t *testing.T) {
		_, addr := newServer(t)
		_, err := client.NewClient(addr).Resolve(ctx, fp, 50*time.Millisecond)
		assert.ErrorIs(t, err, discovery.ErrNotFound)
	})

	t.Run("ambiguous", func(t *testing.T) {
		_, addr := newServer(t)
		c := client.NewClient(addr)
		ad1, err := c.Advertise(ctx, fp, "10.0.0.2:4000", time.Minute)
		require.NoError(t, err)
		defer ad1.Revoke()
		ad2, err := c.Advertise(ctx, fp, "10.0.0.3:4000", time.Minute)
		require.NoError(t, err)
		defer ad2.Revoke()

		_, err = c.Resolve(ctx, fp, time.Second)
		assert.ErrorIs(t, err, discovery.ErrAmbiguousMatch)
	})

	t.Run("consumed and rearmed", func(t *testing.T) {
		s, addr := newServer(t)
		c := client.NewClient(addr)
		ad, err := c.Advertise(ctx, fp, "10.0.0.2:4000", time.Minute)
		require.NoError(t, err)
		defer ad.Revoke()

		require.NoError(t, ad.Consume())
		require.Eventually(t, func() bool {
			entries := s.Registry().Entries()
			return len(entries) == 1 && entries[0].Consumed
		}, time.Second, 10*time.Millisecond)
		_, err = c.Resolve(ctx, fp, time.Second)
		assert.ErrorIs(t, err, code.ErrExpiredCode)

		require.NoError(t, ad.Rearm(time.Minute))
		require.Eventually(t, func() bool {
			entries := s.Registry().Entries()
			return len(entries) == 1 && !entries[0].Consumed
		}, time.Second, 10*time.Millisecond)
		got, err := c.Resolve(ctx, fp, time.Second)
		require.NoError(t, err)
		assert.Equal(t, "10.0.0.2:4000", got)
	})

	t.Run("consumed code outlives sender", func(t *testing.T) {
		s, addr := newServer(t)
		c := client.NewClient(addr)
		ad, err := c.Advertise(ctx, fp, "10.0.0.2:4000", time.Minute)
		require.NoError(t, err)
		require.NoError(t, ad.Consume())
		require.Eventually(t, func() bool {
			entries := s.Registry().Entries()
			return len(entries) == 1 && entries[0].Consumed
		}, time.Second, 10*time.Millisecond)

		require.NoError(t, ad.Revoke())
		<-ad.Done()
		require.Eventually(t, func() bool { return len(s.Registry().Entries()) == 0 }, time.Second, 10*time.Millisecond)
		_, err = c.Resolve(ctx, fp, 100*time.Millisecond)
		assert.ErrorIs(t, err, code.ErrExpiredCode)
	})

	t.Run("revoke removes advertisement", func(t *testing.T) {
		s, addr := newServer(t)
		ad, err := client.NewClient(addr).Advertise(ctx, fp, "10.0.0.2:4000", time.Minute)
		require.NoError(t, err)
		require.Len(t, s.Registry().Entries(), 1)

		require.NoError(t, ad.Revoke())
		<-ad.Done()
		assert.Eventually(t, func() bool { return len(s.Registry().Entries()) == 0 }, time.Second, 10*time.Millisecond)
	})

	t.Run("expiry notifies sender", func(t *testing.T) {
		s, addr := newServer(t)
		ad, err := client.NewClient(addr).Advertise(ctx, fp, "10.0.0.2:4000", 50*time.Millisecond)
		require.NoError(t, err)
		select {
		case <-ad.Done():
		case <-time.After(2 * time.Second):
			t.Fatal("advertisement did not expire")
		}
		assert.Empty(t, s.Registry().Entries())
	})

	t.Run("unreachable server", func(t *testing.T) {
		c := client.NewClient("127.0.0.1:1", client.WithAnswerTimeout(200*time.Millisecond))
		_, err := c.Resolve(ctx, fp, time.Second)
		assert.ErrorIs(t, err, discovery.ErrTimeout)
		_, err = c.Advertise(ctx, fp, ":4000", time.Minute)
		assert.ErrorIs(t, err, discovery.ErrTimeout)
	})
}
