package sender_test

import (
	"context"
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/SpatiumPortae/sship/internal/agreement"
	"github.com/SpatiumPortae/sship/internal/code"
	"github.com/SpatiumPortae/sship/internal/conn"
	"github.com/SpatiumPortae/sship/internal/discovery"
	"github.com/SpatiumPortae/sship/internal/manifest"
	"github.com/SpatiumPortae/sship/internal/progress"
	"github.com/SpatiumPortae/sship/internal/receiver"
	"github.com/SpatiumPortae/sship/internal/sender"
	"github.com/SpatiumPortae/sship/internal/transfer"
	protocol "github.com/SpatiumPortae/sship/protocol/transfer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

func item(t *testing.T, size int) (string, *manifest.Manifest) {
	t.Helper()
	src := filepath.Join(t.TempDir(), "payload.bin")
	b := make([]byte, size)
	_, err := rand.Read(b)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(src, b, 0o644))
	m, err := manifest.Build(src)
	require.NoError(t, err)
	return src, m
}

func mustCode(t *testing.T, s string) code.Code {
	t.Helper()
	c, err := code.Validate(s)
	require.NoError(t, err)
	return c
}

func local(reg discovery.Discoverer) sender.Config {
	return sender.Config{
		Discoverer:    reg,
		ListenAddr:    "127.0.0.1:0",
		AdvertiseHost: "127.0.0.1",
	}
}

func start(ctx context.Context, o *sender.Offer, msgs ...chan interface{}) <-chan error {
	errC := make(chan error, 1)
	go func() { errC <- o.Run(ctx, msgs...) }()
	return errC
}

func dial(t *testing.T, ctx context.Context, addr string) *conn.WS {
	t.Helper()
	ws, _, err := websocket.Dial(ctx, "ws://"+addr+protocol.Endpoint, nil)
	require.NoError(t, err)
	return conn.NewWS(ws)
}

func TestOffer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	t.Run("expires without receiver", func(t *testing.T) {
		src, m := item(t, 10)
		cfg := local(discovery.NewRegistry(nil))
		cfg.Lifetime = 100 * time.Millisecond
		o := sender.New(mustCode(t, "4821-9073"), m, src, cfg)
		assert.ErrorIs(t, o.Run(ctx), code.ErrExpiredCode)
	})

	t.Run("wrong code", func(t *testing.T) {
		src, m := item(t, 10)
		reg := discovery.NewRegistry(nil)
		c := mustCode(t, "4821-9073")
		errC := start(ctx, sender.New(c, m, src, local(reg)))

		addr, err := reg.Resolve(ctx, c.Fingerprint(), 5*time.Second)
		require.NoError(t, err)
		ws := dial(t, ctx, addr)
		defer ws.Close()

		a := agreement.New(agreement.Receiver, code.NewLease(mustCode(t, "4821-9074"), time.Minute))
		_, err = a.Run(ctx, conn.Link{Conn: ws})
		assert.ErrorIs(t, err, agreement.ErrAuthenticationFailed)
		assert.ErrorIs(t, <-errC, agreement.ErrAuthenticationFailed)

		_, err = reg.Resolve(ctx, c.Fingerprint(), 100*time.Millisecond)
		assert.ErrorIs(t, err, code.ErrExpiredCode)
	})

	t.Run("busy", func(t *testing.T) {
		src, m := item(t, 10)
		reg := discovery.NewRegistry(nil)
		c := mustCode(t, "4821-9073")
		octx, ocancel := context.WithCancel(ctx)
		defer ocancel()
		errC := start(octx, sender.New(c, m, src, local(reg)))

		addr, err := reg.Resolve(ctx, c.Fingerprint(), 5*time.Second)
		require.NoError(t, err)
		first := dial(t, ctx, addr)
		defer first.Close()
		// The first link is idle, so the offer is stuck in its key agreement.
		require.Eventually(t, func() bool {
			_, err := reg.Resolve(ctx, c.Fingerprint(), 10*time.Millisecond)
			return err != nil
		}, 5*time.Second, 10*time.Millisecond)

		second := dial(t, ctx, addr)
		defer second.Close()
		a := agreement.New(agreement.Receiver, code.NewLease(c, time.Minute))
		_, err = a.Run(ctx, conn.Link{Conn: second})
		assert.ErrorIs(t, err, agreement.ErrBusy)

		ocancel()
		assert.ErrorIs(t, <-errC, context.Canceled)
	})

	t.Run("re-armed after dropped link", func(t *testing.T) {
		src, m := item(t, 256<<10)
		reg := discovery.NewRegistry(nil)
		c := mustCode(t, "4821-9073")
		cfg := local(reg)
		cfg.ChunkSize = 1024
		cfg.MaxResumes = 1

		sendEvents := make(chan interface{})
		rearmed := make(chan struct{})
		go func() {
			for e := range sendEvents {
				if _, ok := e.(sender.Rearmed); ok {
					close(rearmed)
				}
			}
		}()
		errC := start(ctx, sender.New(c, m, src, cfg), sendEvents)

		rcfg := receiver.Config{
			Discoverer: reg,
			Dest:       t.TempDir(),
			Store:      progress.NewStore(t.TempDir()),
		}

		// The first receiver goes away after its first verified chunk.
		rctx, rcancel := context.WithCancel(ctx)
		recvEvents := make(chan interface{})
		go func() {
			for e := range recvEvents {
				if _, ok := e.(transfer.Progress); ok {
					rcancel()
				}
			}
		}()
		_, err := receiver.Receive(rctx, c, rcfg, recvEvents)
		require.Error(t, err)
		rcancel()
		close(recvEvents)

		select {
		case <-rearmed:
		case <-time.After(10 * time.Second):
			t.Fatal("code was not re-armed")
		}

		res, err := receiver.Receive(ctx, c, rcfg)
		require.NoError(t, err)
		assert.Positive(t, res.Resumed)
		assert.Equal(t, m.Size, res.Resumed+res.Received)
		require.NoError(t, <-errC)
		close(sendEvents)

		want, err := os.ReadFile(src)
		require.NoError(t, err)
		got, err := os.ReadFile(res.Path)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	})
}
