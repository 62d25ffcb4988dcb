package transfer_test

import (
	"bytes"
	"context"
	"crypto/rand"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/SpatiumPortae/sship/internal/code"
	"github.com/SpatiumPortae/sship/internal/conn"
	"github.com/SpatiumPortae/sship/internal/file"
	"github.com/SpatiumPortae/sship/internal/manifest"
	"github.com/SpatiumPortae/sship/internal/progress"
	"github.com/SpatiumPortae/sship/internal/transfer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pipe is one end of an unbuffered in-memory link. Both ends share closed so
// a drop is seen by both peers.
type pipe struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	once   *sync.Once

	// failAfter drops the link on the write after that many writes, 0 never drops.
	failAfter int
	writes    int
	// tamper may alter the n-th frame read, counting from 1.
	tamper func(n int, b []byte) []byte
	reads  int
}

func pipes() (*pipe, *pipe) {
	a, b := make(chan []byte), make(chan []byte)
	closed, once := make(chan struct{}), &sync.Once{}
	return &pipe{in: a, out: b, closed: closed, once: once}, &pipe{in: b, out: a, closed: closed, once: once}
}

func (p *pipe) close() {
	p.once.Do(func() { close(p.closed) })
}

func (p *pipe) Write(ctx context.Context, b []byte) error {
	p.writes++
	if p.failAfter > 0 && p.writes > p.failAfter {
		p.close()
		return &conn.TransportError{Op: "write", Err: io.ErrClosedPipe}
	}
	select {
	case p.out <- b:
		return nil
	case <-p.closed:
		return &conn.TransportError{Op: "write", Err: io.ErrClosedPipe}
	case <-ctx.Done():
		return &conn.TransportError{Op: "write", Err: ctx.Err()}
	}
}

func (p *pipe) Read(ctx context.Context) ([]byte, error) {
	select {
	case b := <-p.in:
		p.reads++
		if p.tamper != nil {
			b = p.tamper(p.reads, b)
		}
		return b, nil
	case <-p.closed:
		return nil, &conn.TransportError{Op: "read", Err: io.EOF}
	case <-ctx.Done():
		return nil, &conn.TransportError{Op: "read", Err: ctx.Err()}
	}
}

type outcome struct {
	sendErr error
	result  *transfer.Result
	recvErr error
}

func run(t *testing.T, sp, rp *pipe, m *manifest.Manifest, root string, scfg transfer.SendConfig, rcfg transfer.ReceiveConfig, msgs ...chan interface{}) outcome {
	t.Helper()
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	s, err := conn.NewSecure(sp, key, true)
	require.NoError(t, err)
	r, err := conn.NewSecure(rp, key, false)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	errC := make(chan error, 1)
	go func() { errC <- transfer.Send(ctx, s, m, root, scfg) }()
	res, recvErr := transfer.Receive(ctx, r, rcfg, msgs...)
	sendErr := <-errC
	sp.close()
	return outcome{sendErr: sendErr, result: res, recvErr: recvErr}
}

func write(t *testing.T, name string, b []byte) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(name), 0o755))
	require.NoError(t, os.WriteFile(name, b, 0o644))
}

func random(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

func fingerprint(t *testing.T) code.Fingerprint {
	t.Helper()
	c, err := code.Validate("4821-9073")
	require.NoError(t, err)
	return c.Fingerprint()
}

func loadProgress(t *testing.T, store *progress.Store, fp code.Fingerprint, m *manifest.Manifest) *progress.Record {
	t.Helper()
	h, err := store.Acquire(progress.Key{Fingerprint: fp, Manifest: m.Checksum()})
	require.NoError(t, err)
	defer h.Release()
	rec, err := h.Load()
	require.NoError(t, err)
	return rec
}

func TestTransfer(t *testing.T) {
	fp := fingerprint(t)

	t.Run("directory", func(t *testing.T) {
		src := filepath.Join(t.TempDir(), "docs")
		write(t, filepath.Join(src, "b.txt"), []byte("thirty-four bytes of documentation"))
		write(t, filepath.Join(src, "a.txt"), []byte("twelve bytes"))
		m, err := manifest.Build(src)
		require.NoError(t, err)
		require.Len(t, m.Entries, 2)
		assert.Equal(t, "a.txt", m.Entries[0].Path)
		assert.Equal(t, "b.txt", m.Entries[1].Path)
		assert.Equal(t, int64(46), m.Size)

		dest, store := t.TempDir(), progress.NewStore(t.TempDir())
		events := make(chan interface{}, 64)
		sp, rp := pipes()
		o := run(t, sp, rp, m, src, transfer.SendConfig{}, transfer.ReceiveConfig{Dest: dest, Fingerprint: fp, Store: store}, events)
		require.NoError(t, o.sendErr)
		require.NoError(t, o.recvErr)

		assert.Equal(t, filepath.Join(dest, "docs"), o.result.Path)
		assert.Equal(t, int64(46), o.result.Received)
		for _, name := range []string{"a.txt", "b.txt"} {
			want, err := os.ReadFile(filepath.Join(src, name))
			require.NoError(t, err)
			got, err := os.ReadFile(filepath.Join(dest, "docs", name))
			require.NoError(t, err)
			assert.Equal(t, want, got)
			assert.False(t, file.Exists(file.PartName(filepath.Join(dest, "docs", name))))
		}
		assert.Nil(t, loadProgress(t, store, fp, m))

		close(events)
		var done []string
		var last interface{}
		for e := range events {
			if fd, ok := e.(transfer.FileDone); ok {
				done = append(done, fd.File)
			}
			last = e
		}
		assert.Equal(t, []string{"a.txt", "b.txt"}, done)
		assert.Equal(t, transfer.Completed{Bytes: 46}, last)
	})

	t.Run("empty files and directories", func(t *testing.T) {
		src := filepath.Join(t.TempDir(), "tree")
		write(t, filepath.Join(src, "empty.txt"), nil)
		write(t, filepath.Join(src, "nested", "deep", "data.bin"), random(t, 5000))
		require.NoError(t, os.MkdirAll(filepath.Join(src, "hollow"), 0o755))
		m, err := manifest.Build(src)
		require.NoError(t, err)

		dest := t.TempDir()
		sp, rp := pipes()
		o := run(t, sp, rp, m, src,
			transfer.SendConfig{ChunkSize: 1024, Compress: true},
			transfer.ReceiveConfig{Dest: dest, Fingerprint: fp, Store: progress.NewStore(t.TempDir())})
		require.NoError(t, o.sendErr)
		require.NoError(t, o.recvErr)

		info, err := os.Stat(filepath.Join(dest, "tree", "empty.txt"))
		require.NoError(t, err)
		assert.Zero(t, info.Size())
		info, err = os.Stat(filepath.Join(dest, "tree", "hollow"))
		require.NoError(t, err)
		assert.True(t, info.IsDir())
		got, err := os.ReadFile(filepath.Join(dest, "tree", "nested", "deep", "data.bin"))
		require.NoError(t, err)
		want, err := os.ReadFile(filepath.Join(src, "nested", "deep", "data.bin"))
		require.NoError(t, err)
		assert.Equal(t, want, got)
	})

	t.Run("compressed single file renamed", func(t *testing.T) {
		src := filepath.Join(t.TempDir(), "report.txt")
		content := bytes.Repeat([]byte("compressible line\n"), 4096)
		write(t, src, content)
		m, err := manifest.Build(src)
		require.NoError(t, err)

		dest := t.TempDir()
		sp, rp := pipes()
		o := run(t, sp, rp, m, src,
			transfer.SendConfig{Compress: true},
			transfer.ReceiveConfig{Dest: dest, Rename: "final.txt", Fingerprint: fp, Store: progress.NewStore(t.TempDir())})
		require.NoError(t, o.sendErr)
		require.NoError(t, o.recvErr)

		got, err := os.ReadFile(filepath.Join(dest, "final.txt"))
		require.NoError(t, err)
		assert.Equal(t, content, got)
		assert.False(t, file.Exists(filepath.Join(dest, "report.txt")))
	})

	t.Run("invalid rename", func(t *testing.T) {
		src := filepath.Join(t.TempDir(), "a.txt")
		write(t, src, []byte("twelve bytes"))
		m, err := manifest.Build(src)
		require.NoError(t, err)

		sp, rp := pipes()
		o := run(t, sp, rp, m, src, transfer.SendConfig{},
			transfer.ReceiveConfig{Dest: t.TempDir(), Rename: "../escape", Fingerprint: fp, Store: progress.NewStore(t.TempDir())})
		assert.ErrorIs(t, o.recvErr, manifest.ErrInvalidPath)
		assert.ErrorIs(t, o.sendErr, transfer.ErrDeclined)
	})

	t.Run("overwrite declined", func(t *testing.T) {
		src := filepath.Join(t.TempDir(), "a.txt")
		write(t, src, []byte("twelve bytes"))
		m, err := manifest.Build(src)
		require.NoError(t, err)
		dest := t.TempDir()
		write(t, filepath.Join(dest, "a.txt"), []byte("keep me"))

		var asked string
		sp, rp := pipes()
		o := run(t, sp, rp, m, src, transfer.SendConfig{}, transfer.ReceiveConfig{
			Dest:        dest,
			Fingerprint: fp,
			Store:       progress.NewStore(t.TempDir()),
			Overwrite:   func(path string) bool { asked = path; return false },
		})
		assert.ErrorIs(t, o.recvErr, transfer.ErrDeclined)
		assert.ErrorIs(t, o.sendErr, transfer.ErrDeclined)
		assert.Equal(t, filepath.Join(dest, "a.txt"), asked)

		b, err := os.ReadFile(filepath.Join(dest, "a.txt"))
		require.NoError(t, err)
		assert.Equal(t, "keep me", string(b))
	})

	t.Run("overwrite accepted", func(t *testing.T) {
		src := filepath.Join(t.TempDir(), "a.txt")
		write(t, src, []byte("twelve bytes"))
		m, err := manifest.Build(src)
		require.NoError(t, err)
		dest := t.TempDir()
		write(t, filepath.Join(dest, "a.txt"), []byte("replace me"))

		sp, rp := pipes()
		o := run(t, sp, rp, m, src, transfer.SendConfig{}, transfer.ReceiveConfig{
			Dest:        dest,
			Fingerprint: fp,
			Store:       progress.NewStore(t.TempDir()),
			Overwrite:   func(string) bool { return true },
		})
		require.NoError(t, o.sendErr)
		require.NoError(t, o.recvErr)
		b, err := os.ReadFile(filepath.Join(dest, "a.txt"))
		require.NoError(t, err)
		assert.Equal(t, "twelve bytes", string(b))
	})

	t.Run("overwritten directory is replaced", func(t *testing.T) {
		src := filepath.Join(t.TempDir(), "docs")
		write(t, filepath.Join(src, "a.txt"), []byte("twelve bytes"))
		m, err := manifest.Build(src)
		require.NoError(t, err)
		dest := t.TempDir()
		write(t, filepath.Join(dest, "docs", "a.txt"), []byte("replace me"))
		write(t, filepath.Join(dest, "docs", "old", "stale.txt"), []byte("left over"))

		var asked string
		sp, rp := pipes()
		o := run(t, sp, rp, m, src, transfer.SendConfig{}, transfer.ReceiveConfig{
			Dest:        dest,
			Fingerprint: fp,
			Store:       progress.NewStore(t.TempDir()),
			Overwrite:   func(path string) bool { asked = path; return true },
		})
		require.NoError(t, o.sendErr)
		require.NoError(t, o.recvErr)
		assert.Equal(t, filepath.Join(dest, "docs"), asked)

		entries, err := os.ReadDir(filepath.Join(dest, "docs"))
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "a.txt", entries[0].Name())
		b, err := os.ReadFile(filepath.Join(dest, "docs", "a.txt"))
		require.NoError(t, err)
		assert.Equal(t, "twelve bytes", string(b))
	})

	t.Run("busy progress", func(t *testing.T) {
		src := filepath.Join(t.TempDir(), "a.txt")
		write(t, src, []byte("twelve bytes"))
		m, err := manifest.Build(src)
		require.NoError(t, err)

		store := progress.NewStore(t.TempDir())
		h, err := store.Acquire(progress.Key{Fingerprint: fp, Manifest: m.Checksum()})
		require.NoError(t, err)
		defer h.Release()

		sp, rp := pipes()
		o := run(t, sp, rp, m, src, transfer.SendConfig{}, transfer.ReceiveConfig{Dest: t.TempDir(), Fingerprint: fp, Store: store})
		assert.ErrorIs(t, o.recvErr, progress.ErrLocked)
		assert.ErrorIs(t, o.sendErr, progress.ErrLocked)
	})
}

func TestResume(t *testing.T) {
	fp := fingerprint(t)
	const chunk = 1024

	setup := func(t *testing.T) (string, *manifest.Manifest) {
		src := filepath.Join(t.TempDir(), "data")
		write(t, filepath.Join(src, "big.bin"), random(t, 10*chunk+100))
		write(t, filepath.Join(src, "small.txt"), []byte("small"))
		m, err := manifest.Build(src)
		require.NoError(t, err)
		return src, m
	}
	same := func(t *testing.T, src, dst string) {
		for _, name := range []string{"big.bin", "small.txt"} {
			want, err := os.ReadFile(filepath.Join(src, name))
			require.NoError(t, err)
			got, err := os.ReadFile(filepath.Join(dst, name))
			require.NoError(t, err)
			assert.True(t, bytes.Equal(want, got), name)
		}
	}

	t.Run("after link drop", func(t *testing.T) {
		src, m := setup(t)
		dest, store := t.TempDir(), progress.NewStore(t.TempDir())
		rcfg := transfer.ReceiveConfig{Dest: dest, Fingerprint: fp, Store: store}
		scfg := transfer.SendConfig{ChunkSize: chunk}

		// The manifest and four chunks make it through.
		sp, rp := pipes()
		sp.failAfter = 5
		o := run(t, sp, rp, m, src, scfg, rcfg)
		assert.ErrorIs(t, o.sendErr, conn.ErrTransport)
		assert.ErrorIs(t, o.recvErr, conn.ErrTransport)
		var terr *transfer.Error
		require.ErrorAs(t, o.recvErr, &terr)
		assert.Equal(t, transfer.PhaseStreaming, terr.Phase)
		assert.Equal(t, "big.bin", terr.File)
		assert.Equal(t, int64(4*chunk), terr.Offset)

		rec := loadProgress(t, store, fp, m)
		require.NotNil(t, rec)
		assert.Equal(t, progress.File{Offset: 4 * chunk}, rec.Files[0])
		assert.Equal(t, int64(4*chunk), file.PartSize(filepath.Join(dest, "data", "big.bin")))

		events := make(chan interface{}, 64)
		sp, rp = pipes()
		o = run(t, sp, rp, m, src, scfg, rcfg, events)
		require.NoError(t, o.sendErr)
		require.NoError(t, o.recvErr)
		assert.Equal(t, int64(4*chunk), o.result.Resumed)
		assert.Equal(t, m.Size-4*chunk, o.result.Received)
		assert.Equal(t, transfer.Started{Manifest: m, Resumed: 4 * chunk}, <-events)
		// Manifest, seven remaining chunks of big.bin, one of small.txt and completion.
		assert.Equal(t, 10, sp.writes)

		same(t, src, filepath.Join(dest, "data"))
		assert.Nil(t, loadProgress(t, store, fp, m))
	})

	t.Run("after tampered chunk", func(t *testing.T) {
		src, m := setup(t)
		dest, store := t.TempDir(), progress.NewStore(t.TempDir())
		rcfg := transfer.ReceiveConfig{Dest: dest, Fingerprint: fp, Store: store}
		scfg := transfer.SendConfig{ChunkSize: chunk}

		sp, rp := pipes()
		rp.tamper = func(n int, b []byte) []byte {
			if n != 3 {
				return b
			}
			c := bytes.Clone(b)
			c[len(c)-1] ^= 0xff
			return c
		}
		o := run(t, sp, rp, m, src, scfg, rcfg)
		assert.ErrorIs(t, o.recvErr, transfer.ErrIntegrity)
		assert.ErrorIs(t, o.recvErr, conn.ErrTampered)
		assert.ErrorIs(t, o.sendErr, transfer.ErrIntegrity)
		var terr *transfer.Error
		require.ErrorAs(t, o.recvErr, &terr)
		assert.Equal(t, "big.bin", terr.File)
		assert.Equal(t, int64(chunk), terr.Offset)

		rec := loadProgress(t, store, fp, m)
		require.NotNil(t, rec)
		assert.Equal(t, int64(chunk), rec.Files[0].Offset)

		sp, rp = pipes()
		o = run(t, sp, rp, m, src, scfg, rcfg)
		require.NoError(t, o.sendErr)
		require.NoError(t, o.recvErr)
		assert.Equal(t, int64(chunk), o.result.Resumed)
		same(t, src, filepath.Join(dest, "data"))
	})

	t.Run("checksum mismatch", func(t *testing.T) {
		src, m := setup(t)
		// Same size, different content.
		write(t, filepath.Join(src, "small.txt"), []byte("SMALL"))
		dest, store := t.TempDir(), progress.NewStore(t.TempDir())

		sp, rp := pipes()
		o := run(t, sp, rp, m, src, transfer.SendConfig{ChunkSize: chunk}, transfer.ReceiveConfig{Dest: dest, Fingerprint: fp, Store: store})
		assert.ErrorIs(t, o.recvErr, transfer.ErrIntegrity)
		assert.ErrorIs(t, o.sendErr, transfer.ErrIntegrity)

		final := filepath.Join(dest, "data", "small.txt")
		assert.False(t, file.Exists(final))
		assert.False(t, file.Exists(file.PartName(final)))
		rec := loadProgress(t, store, fp, m)
		require.NotNil(t, rec)
		assert.Equal(t, progress.File{Offset: 10*chunk + 100, Done: true}, rec.Files[0])
		assert.Equal(t, progress.File{}, rec.Files[1])
	})

	t.Run("completed file changed on disk", func(t *testing.T) {
		src, m := setup(t)
		dest, store := t.TempDir(), progress.NewStore(t.TempDir())
		rcfg := transfer.ReceiveConfig{Dest: dest, Fingerprint: fp, Store: store}
		scfg := transfer.SendConfig{ChunkSize: chunk}

		// big.bin is 11 chunks, the drop happens on the first chunk of small.txt.
		sp, rp := pipes()
		sp.failAfter = 12
		o := run(t, sp, rp, m, src, scfg, rcfg)
		require.Error(t, o.recvErr)
		assert.True(t, loadProgress(t, store, fp, m).Files[0].Done)

		write(t, filepath.Join(dest, "data", "big.bin"), []byte("corrupted"))
		sp, rp = pipes()
		o = run(t, sp, rp, m, src, scfg, rcfg)
		require.NoError(t, o.sendErr)
		require.NoError(t, o.recvErr)
		assert.Zero(t, o.result.Resumed)
		same(t, src, filepath.Join(dest, "data"))
	})
}
