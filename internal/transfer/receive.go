package transfer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/SpatiumPortae/sship/internal/code"
	"github.com/SpatiumPortae/sship/internal/conn"
	"github.com/SpatiumPortae/sship/internal/file"
	"github.com/SpatiumPortae/sship/internal/manifest"
	"github.com/SpatiumPortae/sship/internal/progress"
	protocol "github.com/SpatiumPortae/sship/protocol/transfer"
	"go.uber.org/zap"
)

// ReceiveConfig tunes the receiving side of a session.
type ReceiveConfig struct {
	// Dest is the directory the item is placed in.
	Dest string
	// Rename replaces the name of the root item when set.
	Rename string
	// Fingerprint of the code the session was paired with, part of the progress key.
	Fingerprint code.Fingerprint
	Store       *progress.Store
	// Overwrite is asked before an existing item is replaced by a fresh
	// transfer. A nil Overwrite declines.
	Overwrite   func(path string) bool
	IdleTimeout time.Duration
	Logger      *zap.Logger
}

// Result describes a completed transfer.
type Result struct {
	Path     string
	Manifest *manifest.Manifest
	Received int64
	Resumed  int64
}

// Receive accepts the item offered over link. Verified chunks are persisted
// as they arrive, so a failed session leaves progress a later session with
// the same fingerprint and manifest resumes from.
func Receive(ctx context.Context, link Link, cfg ReceiveConfig, msgs ...chan interface{}) (*Result, error) {
	s := newSession(cfg.IdleTimeout, cfg.Logger, msgs)
	msg, err := s.read(ctx, link, protocol.Manifest)
	if err != nil {
		return nil, &Error{Phase: PhaseHandshake, Err: err}
	}
	p := msg.Payload
	if err := checkManifest(p); err != nil {
		s.fail(ctx, link, protocol.ReasonInternal, "", 0)
		return nil, &Error{Phase: PhaseHandshake, Err: err}
	}
	m := p.Manifest

	root := m.Root
	if cfg.Rename != "" {
		if err := manifest.ValidateName(cfg.Rename); err != nil {
			s.fail(ctx, link, protocol.ReasonDeclined, "", 0)
			return nil, &Error{Phase: PhaseHandshake, Err: err}
		}
		root = cfg.Rename
	}
	dest, err := filepath.Abs(cfg.Dest)
	if err != nil {
		s.fail(ctx, link, protocol.ReasonInternal, "", 0)
		return nil, &Error{Phase: PhaseHandshake, Err: err}
	}

	h, err := cfg.Store.Acquire(progress.Key{Fingerprint: cfg.Fingerprint, Manifest: p.Checksum})
	if err != nil {
		reason := protocol.ReasonInternal
		if errors.Is(err, progress.ErrLocked) {
			reason = protocol.ReasonBusy
		}
		s.fail(ctx, link, reason, "", 0)
		return nil, &Error{Phase: PhaseHandshake, Err: err}
	}
	defer h.Release()

	rec, err := h.Load()
	if err != nil {
		s.logger.Warn("ignoring unreadable progress", zap.Error(err))
		rec = nil
	}
	if rec != nil && (rec.Dest != dest || rec.Root != root || len(rec.Files) != len(m.Entries)) {
		s.logger.Debug("progress belongs to another destination, starting over")
		rec = nil
	}
	target := filepath.Join(dest, root)
	if rec == nil && file.Exists(target) {
		if cfg.Overwrite == nil || !cfg.Overwrite(target) {
			s.fail(ctx, link, protocol.ReasonDeclined, "", 0)
			return nil, &Error{Phase: PhaseHandshake, Err: ErrDeclined}
		}
		// The item is replaced, not merged into.
		if err := os.RemoveAll(target); err != nil {
			s.fail(ctx, link, protocol.ReasonInternal, "", 0)
			return nil, &Error{Phase: PhaseHandshake, Err: fmt.Errorf("removing %s: %w", target, err)}
		}
		s.logger.Debug("removed existing item", zap.String("path", target))
	}
	if rec == nil {
		rec = &progress.Record{
			Fingerprint: cfg.Fingerprint,
			Manifest:    p.Checksum,
			Dest:        dest,
			Root:        root,
			Files:       make([]progress.File, len(m.Entries)),
		}
	}

	r := &receiver{
		session:     s,
		link:        link,
		m:           m,
		dest:        dest,
		root:        root,
		chunkSize:   p.ChunkSize,
		compression: p.Compression,
		handle:      h,
		rec:         rec,
	}
	defer r.close()
	offsets, err := r.prepare()
	if err != nil {
		s.fail(ctx, link, protocol.ReasonInternal, "", 0)
		return nil, &Error{Phase: PhaseHandshake, Err: err}
	}
	if err := s.write(ctx, link, protocol.Msg{Type: protocol.ResumeOffsets, Payload: protocol.Payload{Offsets: offsets}}); err != nil {
		return nil, &Error{Phase: PhaseHandshake, Err: err}
	}
	for _, o := range offsets {
		r.resumed += o
	}
	s.logger.Debug("resuming", zap.Int64("resumed", r.resumed), zap.Int64("size", m.Size))
	s.notify(ctx, Started{Manifest: m, Resumed: r.resumed})

	if err := r.stream(ctx); err != nil {
		return nil, err
	}
	if err := h.Delete(); err != nil {
		s.logger.Warn("removing completed progress", zap.Error(err))
	}
	s.notify(ctx, Completed{Bytes: m.Size})
	return &Result{Path: target, Manifest: m, Received: r.received, Resumed: r.resumed}, nil
}

// checkManifest validates the handshake of the sender.
func checkManifest(p protocol.Payload) error {
	if p.Manifest == nil {
		return fmt.Errorf("%w: missing manifest", ErrProtocol)
	}
	if err := p.Manifest.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrProtocol, err)
	}
	if p.Manifest.Checksum() != p.Checksum {
		return fmt.Errorf("%w: manifest checksum mismatch", ErrProtocol)
	}
	if p.ChunkSize <= 0 || p.ChunkSize > MaxChunkSize {
		return fmt.Errorf("%w: chunk size %d", ErrProtocol, p.ChunkSize)
	}
	if p.Compression != "" && p.Compression != CompressionGzip {
		return fmt.Errorf("%w: unsupported compression %q", ErrProtocol, p.Compression)
	}
	return nil
}

type receiver struct {
	*session
	link        Link
	m           *manifest.Manifest
	dest        string
	root        string
	chunkSize   int
	compression string
	handle      *progress.Handle
	rec         *progress.Record

	cur      int
	part     *file.Part
	received int64
	resumed  int64
}

func (r *receiver) target(e manifest.Entry) string {
	return r.m.Target(r.dest, r.root, e)
}

// prepare revalidates the stored progress against the files on disk, creates
// the directory tree and returns the offset of every entry.
func (r *receiver) prepare() ([]int64, error) {
	offsets := make([]int64, len(r.m.Entries))
	for i, e := range r.m.Entries {
		f := r.rec.Files[i]
		switch {
		case f.Done:
			sum, err := manifest.ChecksumFile(r.target(e))
			if err != nil || sum != e.Checksum {
				r.logger.Debug("completed file changed, receiving again", zap.String("file", e.Path))
				f = progress.File{}
			}
		case f.Offset > 0:
			if file.PartSize(r.target(e)) < f.Offset {
				r.logger.Debug("partial file lost, receiving again", zap.String("file", e.Path))
				f = progress.File{}
			}
		}
		if f.Offset > e.Size {
			f = progress.File{}
		}
		r.rec.Files[i] = f
		offsets[i] = f.Offset
	}

	if r.m.Dir {
		base := filepath.Join(r.dest, r.root)
		if err := os.MkdirAll(base, 0o755); err != nil {
			return nil, err
		}
		for _, d := range r.m.Dirs {
			if err := os.MkdirAll(filepath.Join(base, filepath.FromSlash(d)), 0o755); err != nil {
				return nil, err
			}
		}
	} else if err := os.MkdirAll(r.dest, 0o755); err != nil {
		return nil, err
	}
	return offsets, r.save()
}

func (r *receiver) save() error {
	r.rec.Updated = time.Now()
	return r.handle.Save(r.rec)
}

// close keeps the partial file of the current entry for a later session.
func (r *receiver) close() {
	if r.part != nil {
		r.part.Close()
		r.part = nil
	}
}

func (r *receiver) current() (string, int64) {
	if r.cur >= len(r.m.Entries) {
		return "", 0
	}
	name := displayName(r.m, r.m.Entries[r.cur])
	if r.part != nil {
		return name, r.part.Offset()
	}
	return name, r.rec.Files[r.cur].Offset
}

// failure builds the error of the session and reports integrity failures to the sender.
func (r *receiver) failure(ctx context.Context, phase Phase, err error) error {
	name, offset := r.current()
	if errors.Is(err, ErrIntegrity) {
		r.fail(ctx, r.link, protocol.ReasonIntegrity, name, offset)
	}
	return &Error{Phase: phase, File: name, Offset: offset, Err: err}
}

// stream receives chunks until the sender completes or the session fails.
func (r *receiver) stream(ctx context.Context) error {
	if err := r.next(); err != nil {
		return r.failure(ctx, PhaseStreaming, err)
	}
	for {
		rctx, cancel := context.WithTimeout(ctx, r.idle)
		f, err := r.link.ReadFrame(rctx)
		cancel()
		if err != nil {
			if errors.Is(err, conn.ErrTampered) {
				err = fmt.Errorf("%w: %w", ErrIntegrity, err)
			}
			return r.failure(ctx, PhaseStreaming, err)
		}

		if f.Chunk != nil {
			if err := r.chunk(ctx, f.Chunk); err != nil {
				return r.failure(ctx, PhaseStreaming, err)
			}
			continue
		}
		switch f.Msg.Type {
		case protocol.Completion:
			return r.complete(ctx)
		case protocol.Failure:
			name, offset := r.current()
			return &Error{Phase: PhaseStreaming, File: name, Offset: offset, Err: failureErr(f.Msg.Payload.Reason)}
		default:
			err := protocol.Error{Expected: []protocol.MsgType{protocol.Completion, protocol.Failure}, Got: f.Msg.Type}
			return r.failure(ctx, PhaseStreaming, fmt.Errorf("%w: %w", ErrProtocol, err))
		}
	}
}

// chunk verifies and appends one chunk to the current entry.
func (r *receiver) chunk(ctx context.Context, c *protocol.Chunk) error {
	if r.part == nil || int(c.File) != r.cur {
		return fmt.Errorf("%w: chunk for entry %d while receiving entry %d", ErrIntegrity, c.File, r.cur)
	}
	e := r.m.Entries[r.cur]
	offset := r.part.Offset()
	if c.Offset != offset {
		return fmt.Errorf("%w: chunk at offset %d, expected %d", ErrIntegrity, c.Offset, offset)
	}
	data := c.Data
	if c.Compressed {
		if r.compression != CompressionGzip {
			return fmt.Errorf("%w: compressed chunk without negotiated compression", ErrIntegrity)
		}
		var err error
		if data, err = file.Decompress(data, r.chunkSize); err != nil {
			return fmt.Errorf("%w: %w", ErrIntegrity, err)
		}
	}
	if len(data) == 0 || len(data) > r.chunkSize || offset+int64(len(data)) > e.Size {
		return fmt.Errorf("%w: chunk of %d bytes at offset %d exceeds entry", ErrIntegrity, len(data), offset)
	}

	if _, err := r.part.Write(data); err != nil {
		return err
	}
	r.received += int64(len(data))
	r.rec.Files[r.cur].Offset = r.part.Offset()
	if err := r.save(); err != nil {
		return err
	}
	r.notify(ctx, Progress{File: displayName(r.m, e), Bytes: r.resumed + r.received})

	if r.part.Offset() == e.Size {
		if err := r.finish(ctx); err != nil {
			return err
		}
		r.cur++
		return r.next()
	}
	return nil
}

// next opens the partial file of the next entry that is not done. Entries
// that are already complete on disk, empty ones included, are finished
// without waiting for chunks.
func (r *receiver) next() error {
	for ; r.cur < len(r.m.Entries); r.cur++ {
		if r.rec.Files[r.cur].Done {
			continue
		}
		e := r.m.Entries[r.cur]
		p, err := file.OpenPart(r.target(e), r.rec.Files[r.cur].Offset)
		if err != nil {
			return err
		}
		r.part = p
		if p.Offset() < e.Size {
			return nil
		}
		if err := r.finish(context.Background()); err != nil {
			return err
		}
	}
	return nil
}

// finish verifies the checksum of the current entry and moves it into
// place. A mismatch discards the partial file so the entry starts over.
func (r *receiver) finish(ctx context.Context) error {
	e := r.m.Entries[r.cur]
	if sum := r.part.Checksum(); sum != e.Checksum {
		if err := r.part.Discard(); err != nil {
			r.logger.Warn("discarding corrupt partial file", zap.Error(err))
		}
		r.part = nil
		r.rec.Files[r.cur] = progress.File{}
		if err := r.save(); err != nil {
			r.logger.Warn("resetting progress", zap.Error(err))
		}
		return fmt.Errorf("%w: checksum of %s is %s, expected %s", ErrIntegrity, displayName(r.m, e), sum, e.Checksum)
	}
	if err := r.part.Commit(); err != nil {
		r.part = nil
		return err
	}
	r.part = nil
	r.rec.Files[r.cur] = progress.File{Offset: e.Size, Done: true}
	if err := r.save(); err != nil {
		return err
	}
	r.logger.Debug("file received", zap.String("file", e.Path))
	r.notify(ctx, FileDone{File: displayName(r.m, e)})
	return nil
}

// complete checks that every entry arrived before acknowledging the item.
func (r *receiver) complete(ctx context.Context) error {
	var total int64
	for i, f := range r.rec.Files {
		if !f.Done {
			r.cur = i
			return r.failure(ctx, PhaseCompletion, fmt.Errorf("%w: completion before every entry was received", ErrIntegrity))
		}
		total += f.Offset
	}
	if total != r.m.Size {
		return r.failure(ctx, PhaseCompletion, fmt.Errorf("%w: received %d bytes, expected %d", ErrIntegrity, total, r.m.Size))
	}
	if err := r.write(ctx, r.link, protocol.Msg{Type: protocol.CompletionAck}); err != nil {
		return &Error{Phase: PhaseCompletion, Err: err}
	}
	return nil
}
