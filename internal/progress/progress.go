// Package progress persists how far a receiver got with a transfer so an
// interrupted session can resume.
package progress

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/SpatiumPortae/sship/internal/code"
)

const (
	recordVersion = 1
	fileExt       = ".json"
)

var (
	ErrLocked   = errors.New("transfer progress is held by another session")
	ErrReleased = errors.New("progress handle released")
)

// Key identifies the progress of one item offered under one code.
type Key struct {
	Fingerprint code.Fingerprint
	Manifest    string
}

func (k Key) filename() string {
	sum := sha256.Sum256([]byte(string(k.Fingerprint) + "/" + k.Manifest))
	return hex.EncodeToString(sum[:16]) + fileExt
}

// File is the progress of one manifest entry. Offset counts verified bytes
// written to the partial file.
type File struct {
	Offset int64 `json:"offset"`
	Done   bool  `json:"done"`
}

// Record is the persisted progress. It never holds the code or any key.
type Record struct {
	Version     int              `json:"version"`
	Fingerprint code.Fingerprint `json:"fingerprint"`
	Manifest    string           `json:"manifest"`
	Dest        string           `json:"dest"`
	Root        string           `json:"root"`
	Files       []File           `json:"files"`
	Updated     time.Time        `json:"updated"`
}

// Store keeps progress records as JSON files in a directory. A key is held by
// at most one session of the process at a time.
type Store struct {
	dir string

	mu   sync.Mutex
	held map[Key]struct{}
}

func NewStore(dir string) *Store {
	return &Store{dir: dir, held: make(map[Key]struct{})}
}

// Dir returns the directory the records are kept in.
func (s *Store) Dir() string { return s.dir }

// Acquire takes exclusive ownership of the progress stored under k.
func (s *Store) Acquire(k Key) (*Handle, error) {
	s.mu.Lock()
	if _, ok := s.held[k]; ok {
		s.mu.Unlock()
		return nil, ErrLocked
	}
	s.held[k] = struct{}{}
	s.mu.Unlock()

	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		s.release(k)
		return nil, fmt.Errorf("creating progress directory: %w", err)
	}
	return &Handle{store: s, key: k, path: filepath.Join(s.dir, k.filename())}, nil
}

func (s *Store) release(k Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.held, k)
}

// Clear removes every record that no session of this process holds and
// returns how many were removed.
func (s *Store) Clear() (int, error) {
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	held := make(map[string]struct{}, len(s.held))
	for k := range s.held {
		held[k.filename()] = struct{}{}
	}
	s.mu.Unlock()

	removed := 0
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != fileExt {
			continue
		}
		if _, ok := held[e.Name()]; ok {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, e.Name())); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// Handle is the exclusive access of one session to one progress record.
type Handle struct {
	store    *Store
	key      Key
	path     string
	released bool
}

// Load returns the stored record, or nil if there is none.
func (h *Handle) Load() (*Record, error) {
	if h.released {
		return nil, ErrReleased
	}
	b, err := os.ReadFile(h.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var r Record
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, fmt.Errorf("decoding progress %s: %w", h.path, err)
	}
	if r.Version != recordVersion || r.Fingerprint != h.key.Fingerprint || r.Manifest != h.key.Manifest {
		return nil, nil
	}
	return &r, nil
}

// Save replaces the stored record atomically.
func (h *Handle) Save(r *Record) error {
	if h.released {
		return ErrReleased
	}
	r.Version = recordVersion
	r.Fingerprint = h.key.Fingerprint
	r.Manifest = h.key.Manifest
	r.Updated = time.Now().UTC()
	b, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	return writeFile(h.path, b, 0o600)
}

// Delete removes the stored record.
func (h *Handle) Delete() error {
	if h.released {
		return ErrReleased
	}
	if err := os.Remove(h.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Release gives up ownership. It is safe to call more than once.
func (h *Handle) Release() {
	if h.released {
		return
	}
	h.released = true
	h.store.release(h.key)
}

// writeFile writes bytes via a temp file, then atomically replaces the target.
func writeFile(path string, b []byte, mode os.FileMode) error {
	f, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	defer func() { _ = os.Remove(tmp) }()

	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Chmod(mode); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
