package file_test

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/SpatiumPortae/sship/internal/file"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sum(b []byte) string {
	return fmt.Sprintf("%x", sha256.Sum256(b))
}

func TestPart(t *testing.T) {
	final := filepath.Join(t.TempDir(), "out", "a.txt")

	t.Run("write and commit", func(t *testing.T) {
		p, err := file.OpenPart(final, 0)
		require.NoError(t, err)
		_, err = p.Write([]byte("hello "))
		require.NoError(t, err)
		_, err = p.Write([]byte("world"))
		require.NoError(t, err)
		assert.Equal(t, int64(11), p.Offset())
		assert.Equal(t, sum([]byte("hello world")), p.Checksum())
		assert.Equal(t, int64(11), file.PartSize(final))

		require.NoError(t, p.Commit())
		b, err := os.ReadFile(final)
		require.NoError(t, err)
		assert.Equal(t, "hello world", string(b))
		assert.Equal(t, int64(-1), file.PartSize(final))
	})

	t.Run("resume truncates unverified bytes", func(t *testing.T) {
		require.NoError(t, os.WriteFile(file.PartName(final), []byte("hello wXXXX"), 0o644))
		p, err := file.OpenPart(final, 7)
		require.NoError(t, err)
		_, err = p.Write([]byte("orld"))
		require.NoError(t, err)
		assert.Equal(t, sum([]byte("hello world")), p.Checksum())
		require.NoError(t, p.Close())

		b, err := os.ReadFile(file.PartName(final))
		require.NoError(t, err)
		assert.Equal(t, "hello world", string(b))
	})

	t.Run("resume beyond part", func(t *testing.T) {
		require.NoError(t, os.WriteFile(file.PartName(final), []byte("hel"), 0o644))
		_, err := file.OpenPart(final, 7)
		assert.ErrorIs(t, err, file.ErrPartTruncated)
	})

	t.Run("discard", func(t *testing.T) {
		p, err := file.OpenPart(final, 0)
		require.NoError(t, err)
		require.NoError(t, p.Discard())
		assert.False(t, file.Exists(file.PartName(final)))
	})

	t.Run("remove parts", func(t *testing.T) {
		root := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(root, "x"+file.PartSuffix), nil, 0o644))
		require.NoError(t, os.WriteFile(filepath.Join(root, "keep"), nil, 0o644))
		assert.Equal(t, 1, file.RemoveParts(root))
		assert.False(t, file.Exists(filepath.Join(root, "x"+file.PartSuffix)))
		assert.True(t, file.Exists(filepath.Join(root, "keep")))
	})
}

func TestCompress(t *testing.T) {
	data := bytes.Repeat([]byte("sship "), 1000)
	c, err := file.Compress(data)
	require.NoError(t, err)
	assert.Less(t, len(c), len(data))

	out, err := file.Decompress(c, len(data))
	require.NoError(t, err)
	assert.Equal(t, data, out)

	_, err = file.Decompress(c, len(data)-1)
	assert.ErrorIs(t, err, file.ErrTooLarge)
}
