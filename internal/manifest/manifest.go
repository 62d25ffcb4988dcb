// Package manifest describes the item offered by a sender.
package manifest

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"golang.org/x/exp/slices"
)

var (
	ErrUnsupportedType = errors.New("unsupported file type")
	ErrInvalidPath     = errors.New("invalid manifest path")
)

// Entry is one regular file of the item. Path is relative to the root and
// slash separated; it is empty when the item is a single file.
type Entry struct {
	Path     string `json:"path"`
	Size     int64  `json:"size"`
	Checksum string `json:"sha256"`
}

// Manifest is built once by the sender and never modified afterwards, so it
// can be shared by concurrent sessions.
type Manifest struct {
	Root    string   `json:"root"`
	Dir     bool     `json:"dir"`
	Size    int64    `json:"size"`
	Entries []Entry  `json:"entries"`
	Dirs    []string `json:"dirs,omitempty"`
}

// Checksum returns a digest over the canonical encoding of the manifest.
func (m *Manifest) Checksum() string {
	b, err := json.Marshal(m)
	if err != nil {
		panic(fmt.Sprintf("encoding manifest: %v", err))
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Validate checks that the manifest is self consistent and that none of its
// paths escape the root.
func (m *Manifest) Validate() error {
	if err := ValidateName(m.Root); err != nil {
		return err
	}
	if !m.Dir && (len(m.Entries) != 1 || m.Entries[0].Path != "" || len(m.Dirs) != 0) {
		return fmt.Errorf("%w: single file manifest must have exactly one unnamed entry", ErrInvalidPath)
	}
	var total int64
	for i, e := range m.Entries {
		if e.Size < 0 {
			return fmt.Errorf("%w: negative size for %q", ErrInvalidPath, e.Path)
		}
		if m.Dir {
			if err := validateRelative(e.Path); err != nil {
				return err
			}
			if i > 0 && m.Entries[i-1].Path >= e.Path {
				return fmt.Errorf("%w: entries out of order at %q", ErrInvalidPath, e.Path)
			}
		}
		total += e.Size
	}
	for _, d := range m.Dirs {
		if err := validateRelative(d); err != nil {
			return err
		}
	}
	if total != m.Size {
		return fmt.Errorf("%w: declared size %d, entries sum to %d", ErrInvalidPath, m.Size, total)
	}
	return nil
}

// Target returns the local path of an entry below dst, using root as the
// name of the item.
func (m *Manifest) Target(dst, root string, e Entry) string {
	if !m.Dir {
		return filepath.Join(dst, root)
	}
	return filepath.Join(dst, root, filepath.FromSlash(e.Path))
}

// ValidateName checks a root name, which must be a single path element.
func ValidateName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("%w: root name %q", ErrInvalidPath, name)
	}
	return nil
}

func validateRelative(p string) error {
	if p == "" || path.IsAbs(p) || strings.Contains(p, `\`) || path.Clean(p) != p {
		return fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}
	for _, elem := range strings.Split(p, "/") {
		if elem == ".." || elem == "." {
			return fmt.Errorf("%w: %q", ErrInvalidPath, p)
		}
	}
	return nil
}

// ---------------------------------------------------- Building ---------------------------------------------------

// Build walks the file or directory at root once and returns its manifest.
// Directories are traversed with an explicit stack so that deep trees do not
// grow the call stack. Symlinked files are followed, symlinked directories
// are skipped to avoid cycles.
func Build(root string) (*Manifest, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("accessing %q: %w", root, err)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	m := &Manifest{Root: filepath.Base(abs)}

	switch {
	case info.Mode().IsRegular():
		sum, err := ChecksumFile(abs)
		if err != nil {
			return nil, err
		}
		m.Entries = []Entry{{Size: info.Size(), Checksum: sum}}
		m.Size = info.Size()
		return m, nil
	case info.IsDir():
		m.Dir = true
	default:
		return nil, fmt.Errorf("%w: %q is %s", ErrUnsupportedType, root, info.Mode().Type())
	}

	stack := []string{""}
	for len(stack) > 0 {
		rel := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		children, err := os.ReadDir(filepath.Join(abs, filepath.FromSlash(rel)))
		if err != nil {
			return nil, fmt.Errorf("reading directory %q: %w", rel, err)
		}
		if len(children) == 0 && rel != "" {
			m.Dirs = append(m.Dirs, rel)
		}
		for _, child := range children {
			childRel := path.Join(rel, child.Name())
			childAbs := filepath.Join(abs, filepath.FromSlash(childRel))

			typ := child.Type()
			if typ&fs.ModeSymlink != 0 {
				target, err := os.Stat(childAbs)
				if err != nil {
					return nil, fmt.Errorf("following symlink %q: %w", childRel, err)
				}
				if target.IsDir() {
					continue
				}
				typ = target.Mode().Type()
			}
			switch {
			case typ.IsDir():
				stack = append(stack, childRel)
			case typ.IsRegular():
				fi, err := os.Stat(childAbs)
				if err != nil {
					return nil, err
				}
				sum, err := ChecksumFile(childAbs)
				if err != nil {
					return nil, err
				}
				m.Entries = append(m.Entries, Entry{Path: childRel, Size: fi.Size(), Checksum: sum})
				m.Size += fi.Size()
			default:
				// Sockets, devices and pipes have no content to send.
			}
		}
	}
	slices.SortFunc(m.Entries, func(a, b Entry) int { return strings.Compare(a.Path, b.Path) })
	slices.Sort(m.Dirs)
	return m, nil
}

// Source returns the local path of an entry of a manifest built from root.
func Source(root string, e Entry) string {
	if e.Path == "" {
		return root
	}
	return filepath.Join(root, filepath.FromSlash(e.Path))
}

// ChecksumFile returns the hex sha256 of the content of name.
func ChecksumFile(name string) (string, error) {
	f, err := os.Open(name)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hashing %q: %w", name, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
