package file

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/pgzip"
)

// PartSuffix marks a file that is still being received.
const PartSuffix = ".sship-part"

var (
	ErrPartTruncated = errors.New("partial file is shorter than its recorded progress")
	ErrTooLarge      = errors.New("decompressed chunk exceeds the chunk size")
)

// ----------------------------------------------------- Part Files ----------------------------------------------------

// PartName returns the name of the partial file of final.
func PartName(final string) string {
	return final + PartSuffix
}

// Part is a partially received file together with the running hash of its
// content.
type Part struct {
	f      *os.File
	final  string
	hash   hash.Hash
	offset int64
}

// OpenPart opens the partial file of final positioned at offset. Bytes past
// offset are discarded and the bytes before it are hashed again, so the
// running hash always covers exactly the verified prefix.
func OpenPart(final string, offset int64) (*Part, error) {
	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		return nil, err
	}
	name := PartName(final)
	flags := os.O_RDWR | os.O_CREATE
	if offset == 0 {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(name, flags, 0o644)
	if err != nil {
		return nil, err
	}
	p := &Part{f: f, final: final, hash: sha256.New()}
	if offset == 0 {
		return p, nil
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if info.Size() < offset {
		f.Close()
		return nil, fmt.Errorf("%w: %s has %d bytes, expected %d", ErrPartTruncated, name, info.Size(), offset)
	}
	if err := f.Truncate(offset); err != nil {
		f.Close()
		return nil, err
	}
	if _, err := io.CopyN(p.hash, f, offset); err != nil {
		f.Close()
		return nil, fmt.Errorf("hashing %s: %w", name, err)
	}
	p.offset = offset
	return p, nil
}

// PartSize returns the size of the partial file of final, or -1 if there is none.
func PartSize(final string) int64 {
	info, err := os.Stat(PartName(final))
	if err != nil {
		return -1
	}
	return info.Size()
}

func (p *Part) Offset() int64 { return p.offset }

// Write appends verified content to the partial file.
func (p *Part) Write(b []byte) (int, error) {
	n, err := p.f.Write(b)
	p.hash.Write(b[:n])
	p.offset += int64(n)
	return n, err
}

// Checksum returns the hex sha256 of the content written so far.
func (p *Part) Checksum() string {
	return fmt.Sprintf("%x", p.hash.Sum(nil))
}

// Commit flushes the partial file and renames it to its final name.
func (p *Part) Commit() error {
	if err := p.f.Sync(); err != nil {
		p.f.Close()
		return err
	}
	if err := p.f.Close(); err != nil {
		return err
	}
	return os.Rename(PartName(p.final), p.final)
}

// Discard closes and removes the partial file.
func (p *Part) Discard() error {
	p.f.Close()
	if err := os.Remove(PartName(p.final)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Close closes the partial file and keeps it for a later resume.
func (p *Part) Close() error {
	return p.f.Close()
}

// RemoveParts optimistically removes every partial file below root and
// returns how many were removed.
func RemoveParts(root string) int {
	removed := 0
	_ = filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if !info.IsDir() && strings.HasSuffix(info.Name(), PartSuffix) && os.Remove(path) == nil {
			removed++
		}
		return nil
	})
	return removed
}

// ---------------------------------------------------- Compression ----------------------------------------------------

// Compress gzip-compresses a chunk.
func Compress(b []byte) ([]byte, error) {
	var buf bytes.Buffer
	gw := pgzip.NewWriter(&buf)
	if _, err := gw.Write(b); err != nil {
		return nil, err
	}
	if err := gw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decompress inflates a chunk, refusing to produce more than limit bytes.
func Decompress(b []byte, limit int) ([]byte, error) {
	gr, err := pgzip.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	defer gr.Close()
	out, err := io.ReadAll(io.LimitReader(gr, int64(limit)+1))
	if err != nil {
		return nil, err
	}
	if len(out) > limit {
		return nil, ErrTooLarge
	}
	return out, nil
}

// ----------------------------------------------------- Utilities -----------------------------------------------------

// Exists reports whether something exists at name.
func Exists(name string) bool {
	_, err := os.Lstat(name)
	return !os.IsNotExist(err)
}
