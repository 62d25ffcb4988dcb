package progress_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/SpatiumPortae/sship/internal/progress"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore(t *testing.T) {
	key := progress.Key{Fingerprint: "0123456789abcdef", Manifest: "c0ffee"}

	t.Run("save load delete", func(t *testing.T) {
		s := progress.NewStore(filepath.Join(t.TempDir(), "progress"))
		h, err := s.Acquire(key)
		require.NoError(t, err)
		defer h.Release()

		r, err := h.Load()
		require.NoError(t, err)
		assert.Nil(t, r)

		require.NoError(t, h.Save(&progress.Record{
			Dest:  "/tmp/out",
			Root:  "docs",
			Files: []progress.File{{Offset: 12, Done: true}, {Offset: 8}},
		}))
		r, err = h.Load()
		require.NoError(t, err)
		require.NotNil(t, r)
		assert.Equal(t, []progress.File{{Offset: 12, Done: true}, {Offset: 8}}, r.Files)
		assert.Equal(t, key.Fingerprint, r.Fingerprint)

		entries, err := os.ReadDir(s.Dir())
		require.NoError(t, err)
		assert.Len(t, entries, 1, "no temporary files are left behind")

		require.NoError(t, h.Delete())
		r, err = h.Load()
		require.NoError(t, err)
		assert.Nil(t, r)
		require.NoError(t, h.Delete())
	})

	t.Run("exclusive", func(t *testing.T) {
		s := progress.NewStore(t.TempDir())
		h, err := s.Acquire(key)
		require.NoError(t, err)

		_, err = s.Acquire(key)
		assert.ErrorIs(t, err, progress.ErrLocked)

		other, err := s.Acquire(progress.Key{Fingerprint: key.Fingerprint, Manifest: "other"})
		require.NoError(t, err)
		other.Release()

		h.Release()
		h.Release()
		_, err = h.Load()
		assert.ErrorIs(t, err, progress.ErrReleased)

		h, err = s.Acquire(key)
		require.NoError(t, err)
		h.Release()
	})

	t.Run("survives restart", func(t *testing.T) {
		dir := t.TempDir()
		h, err := progress.NewStore(dir).Acquire(key)
		require.NoError(t, err)
		require.NoError(t, h.Save(&progress.Record{Files: []progress.File{{Offset: 4}}}))
		h.Release()

		h, err = progress.NewStore(dir).Acquire(key)
		require.NoError(t, err)
		defer h.Release()
		r, err := h.Load()
		require.NoError(t, err)
		require.NotNil(t, r)
		assert.Equal(t, int64(4), r.Files[0].Offset)
	})

	t.Run("clear", func(t *testing.T) {
		s := progress.NewStore(t.TempDir())
		held, err := s.Acquire(key)
		require.NoError(t, err)
		defer held.Release()
		require.NoError(t, held.Save(&progress.Record{Files: []progress.File{{Offset: 1}}}))

		other := progress.Key{Fingerprint: key.Fingerprint, Manifest: "other"}
		h, err := s.Acquire(other)
		require.NoError(t, err)
		require.NoError(t, h.Save(&progress.Record{Files: []progress.File{{Offset: 2}}}))
		h.Release()

		n, err := s.Clear()
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		r, err := held.Load()
		require.NoError(t, err)
		assert.NotNil(t, r)

		n, err = progress.NewStore(filepath.Join(t.TempDir(), "missing")).Clear()
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}
