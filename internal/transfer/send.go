package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/SpatiumPortae/sship/internal/file"
	"github.com/SpatiumPortae/sship/internal/manifest"
	protocol "github.com/SpatiumPortae/sship/protocol/transfer"
	"go.uber.org/zap"
)

// SendConfig tunes the sending side of a session.
type SendConfig struct {
	ChunkSize   int
	Compress    bool
	IdleTimeout time.Duration
	Logger      *zap.Logger
}

type peerResult struct {
	msg protocol.Msg
	err error
}

// Send offers m, built from root, over link and streams every entry from the
// offset the receiver asks for. It returns once the receiver acknowledged the
// whole item.
func Send(ctx context.Context, link Link, m *manifest.Manifest, root string, cfg SendConfig, msgs ...chan interface{}) error {
	if cfg.ChunkSize <= 0 || cfg.ChunkSize > MaxChunkSize {
		cfg.ChunkSize = DefaultChunkSize
	}
	s := newSession(cfg.IdleTimeout, cfg.Logger, msgs)
	compression := ""
	if cfg.Compress {
		compression = CompressionGzip
	}

	if err := s.write(ctx, link, protocol.Msg{
		Type: protocol.Manifest,
		Payload: protocol.Payload{
			Manifest:    m,
			Checksum:    m.Checksum(),
			ChunkSize:   cfg.ChunkSize,
			Compression: compression,
		},
	}); err != nil {
		return &Error{Phase: PhaseHandshake, Err: err}
	}
	msg, err := s.read(ctx, link, protocol.ResumeOffsets, protocol.Failure)
	if err != nil {
		return &Error{Phase: PhaseHandshake, Err: err}
	}
	if msg.Type == protocol.Failure {
		return &Error{Phase: PhaseHandshake, File: msg.Payload.File, Offset: msg.Payload.Offset, Err: failureErr(msg.Payload.Reason)}
	}
	offsets := msg.Payload.Offsets
	if err := checkOffsets(m, offsets); err != nil {
		s.fail(ctx, link, protocol.ReasonInternal, "", 0)
		return &Error{Phase: PhaseHandshake, Err: err}
	}

	var resumed int64
	for _, o := range offsets {
		resumed += o
	}
	s.logger.Debug("receiver ready", zap.Int64("resumed", resumed), zap.Int64("size", m.Size))
	s.notify(ctx, Started{Manifest: m, Resumed: resumed})

	// The receiver only speaks again to acknowledge or to give up, so its
	// answer is awaited concurrently and stops the stream early on failure.
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	peer := make(chan peerResult, 1)
	go func() {
		msg, err := link.ReadMsg(sctx, protocol.CompletionAck, protocol.Failure)
		peer <- peerResult{msg: msg, err: err}
		if err != nil || msg.Type == protocol.Failure {
			cancel()
		}
	}()

	st := &stream{session: s, link: link, m: m, root: root, compress: cfg.Compress, buf: make([]byte, cfg.ChunkSize), sent: resumed}
	for i, e := range m.Entries {
		if offsets[i] == e.Size {
			continue
		}
		if err := st.sendFile(sctx, uint32(i), e, offsets[i]); err != nil {
			return settled(peer, err)
		}
	}

	if err := s.write(sctx, link, protocol.Msg{Type: protocol.Completion}); err != nil {
		return settled(peer, &Error{Phase: PhaseCompletion, Err: err})
	}
	timer := time.NewTimer(s.idle)
	defer timer.Stop()
	select {
	case r := <-peer:
		if r.err != nil {
			return &Error{Phase: PhaseCompletion, Err: r.err}
		}
		if r.msg.Type == protocol.Failure {
			return peerFailure(r.msg)
		}
	case <-timer.C:
		return &Error{Phase: PhaseCompletion, Err: fmt.Errorf("no acknowledgement within %s", s.idle)}
	case <-ctx.Done():
		return &Error{Phase: PhaseCompletion, Err: ctx.Err()}
	}
	s.logger.Debug("transfer acknowledged", zap.Int64("bytes", m.Size))
	s.notify(ctx, Completed{Bytes: m.Size})
	return nil
}

type stream struct {
	*session
	link     Link
	m        *manifest.Manifest
	root     string
	compress bool
	buf      []byte
	sent     int64
}

func (st *stream) sendFile(ctx context.Context, index uint32, e manifest.Entry, offset int64) error {
	name := displayName(st.m, e)
	fail := func(err error) error {
		return &Error{Phase: PhaseStreaming, File: name, Offset: offset, Err: err}
	}
	f, err := os.Open(manifest.Source(st.root, e))
	if err != nil {
		return fail(err)
	}
	defer f.Close()
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return fail(err)
	}

	for offset < e.Size {
		n, err := io.ReadFull(f, st.buf[:min(int64(len(st.buf)), e.Size-offset)])
		if err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
				err = fmt.Errorf("file shrank after the manifest was built: %w", err)
			}
			return fail(err)
		}
		c := protocol.Chunk{File: index, Offset: offset, Data: st.buf[:n]}
		if st.compress {
			if z, err := file.Compress(c.Data); err == nil && len(z) < n {
				c.Data, c.Compressed = z, true
			}
		}
		wctx, cancel := context.WithTimeout(ctx, st.idle)
		err = st.link.WriteChunk(wctx, c)
		cancel()
		if err != nil {
			return fail(err)
		}
		offset += int64(n)
		st.sent += int64(n)
		st.notify(ctx, Progress{File: name, Bytes: st.sent})
	}
	return nil
}

// checkOffsets validates the resume offsets of the receiver against m.
func checkOffsets(m *manifest.Manifest, offsets []int64) error {
	if len(offsets) != len(m.Entries) {
		return fmt.Errorf("%w: %d resume offsets for %d entries", ErrProtocol, len(offsets), len(m.Entries))
	}
	for i, o := range offsets {
		if o < 0 || o > m.Entries[i].Size {
			return fmt.Errorf("%w: resume offset %d out of range for %q", ErrProtocol, o, m.Entries[i].Path)
		}
	}
	return nil
}

// settled prefers the failure the receiver reported over the local error it caused.
func settled(peer <-chan peerResult, err error) error {
	select {
	case r := <-peer:
		if r.err == nil && r.msg.Type == protocol.Failure {
			return peerFailure(r.msg)
		}
	default:
	}
	return err
}

func peerFailure(msg protocol.Msg) error {
	return &Error{Phase: PhaseStreaming, File: msg.Payload.File, Offset: msg.Payload.Offset, Err: failureErr(msg.Payload.Reason)}
}
