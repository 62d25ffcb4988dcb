package conn

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/SpatiumPortae/sship/internal/memzero"
	"github.com/SpatiumPortae/sship/protocol/transfer"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/exp/slices"
)

const (
	seqSize   = 8
	kindMsg   = 0
	kindChunk = 1
)

var (
	ErrTampered   = errors.New("frame failed authentication")
	ErrOutOfOrder = errors.New("frame out of order")
	ErrExhausted  = errors.New("frame counter exhausted")
)

var (
	senderInfo   = []byte("sship/link/sender-to-receiver")
	receiverInfo = []byte("sship/link/receiver-to-sender")
)

// Frame is a decrypted unit read from a Secure connection. Exactly one of Msg
// and Chunk is set.
type Frame struct {
	Msg   *transfer.Msg
	Chunk *transfer.Chunk
}

// Secure specifies an encrypted connection safe to transfer files over. Each
// frame is sealed with AES-256-GCM under a key specific to its direction, the
// nonce being the direction prefix followed by a 64 bit frame counter. The
// counter is sent in the clear and must match the next expected value, so
// reordered, dropped or replayed frames are rejected.
//
// A Secure is not safe for concurrent writers or concurrent readers.
type Secure struct {
	Conn Conn

	seal       cipher.AEAD
	open       cipher.AEAD
	sealPrefix [4]byte
	openPrefix [4]byte
	sendSeq    uint64
	recvSeq    uint64
}

// NewSecure derives the direction keys from the session key. The sender and
// the receiver of a transfer must pass opposite values of sender.
func NewSecure(c Conn, sessionKey []byte, sender bool) (*Secure, error) {
	s2r, err := deriveAEAD(sessionKey, senderInfo)
	if err != nil {
		return nil, err
	}
	r2s, err := deriveAEAD(sessionKey, receiverInfo)
	if err != nil {
		return nil, err
	}
	s := &Secure{Conn: c}
	if sender {
		s.seal, s.open = s2r, r2s
		s.sealPrefix, s.openPrefix = [4]byte{0, 0, 0, 1}, [4]byte{0, 0, 0, 2}
	} else {
		s.seal, s.open = r2s, s2r
		s.sealPrefix, s.openPrefix = [4]byte{0, 0, 0, 2}, [4]byte{0, 0, 0, 1}
	}
	return s, nil
}

func deriveAEAD(secret, info []byte) (cipher.AEAD, error) {
	key := make([]byte, 32)
	defer memzero.Zero(key)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, info), key); err != nil {
		return nil, fmt.Errorf("deriving link key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// WriteMsg encrypts and writes the specified transfer message to the underlying connection.
func (s *Secure) WriteMsg(ctx context.Context, msg transfer.Msg) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return s.write(ctx, kindMsg, b)
}

// WriteChunk encrypts and writes a chunk of file content.
func (s *Secure) WriteChunk(ctx context.Context, c transfer.Chunk) error {
	b, err := c.MarshalBinary()
	if err != nil {
		return err
	}
	return s.write(ctx, kindChunk, b)
}

// ReadFrame reads and decrypts the next frame.
func (s *Secure) ReadFrame(ctx context.Context) (Frame, error) {
	kind, b, err := s.read(ctx)
	if err != nil {
		return Frame{}, err
	}
	switch kind {
	case kindMsg:
		var msg transfer.Msg
		if err := json.Unmarshal(b, &msg); err != nil {
			return Frame{}, fmt.Errorf("decoding transfer message: %w", err)
		}
		return Frame{Msg: &msg}, nil
	case kindChunk:
		var c transfer.Chunk
		if err := c.UnmarshalBinary(b); err != nil {
			return Frame{}, err
		}
		return Frame{Chunk: &c}, nil
	default:
		return Frame{}, fmt.Errorf("%w: unknown frame kind %d", ErrTampered, kind)
	}
}

// ReadMsg reads and decrypts a transfer message. A chunk in its place is an error.
func (s *Secure) ReadMsg(ctx context.Context, expected ...transfer.MsgType) (transfer.Msg, error) {
	f, err := s.ReadFrame(ctx)
	if err != nil {
		return transfer.Msg{}, err
	}
	if f.Msg == nil {
		return transfer.Msg{}, fmt.Errorf("unexpected chunk at offset %d", f.Chunk.Offset)
	}
	if len(expected) != 0 && !slices.Contains(expected, f.Msg.Type) {
		return transfer.Msg{}, transfer.Error{Expected: expected, Got: f.Msg.Type}
	}
	return *f.Msg, nil
}

// write seals kind||b and writes seq||ciphertext to the underlying connection.
func (s *Secure) write(ctx context.Context, kind byte, b []byte) error {
	if s.sendSeq == math.MaxUint64 {
		return ErrExhausted
	}
	seq := s.sendSeq
	s.sendSeq++

	plain := make([]byte, 1+len(b))
	plain[0] = kind
	copy(plain[1:], b)

	frame := make([]byte, seqSize, seqSize+len(plain)+s.seal.Overhead())
	binary.BigEndian.PutUint64(frame, seq)
	frame = s.seal.Seal(frame, nonce(s.sealPrefix, seq), plain, frame[:seqSize])
	return s.Conn.Write(ctx, frame)
}

// read reads and opens the next frame, enforcing the frame counter.
func (s *Secure) read(ctx context.Context) (byte, []byte, error) {
	frame, err := s.Conn.Read(ctx)
	if err != nil {
		return 0, nil, err
	}
	if len(frame) < seqSize+s.open.Overhead()+1 {
		return 0, nil, fmt.Errorf("%w: short frame", ErrTampered)
	}
	seq := binary.BigEndian.Uint64(frame[:seqSize])
	if seq != s.recvSeq {
		return 0, nil, fmt.Errorf("%w: %w: got frame %d, expected %d", ErrTampered, ErrOutOfOrder, seq, s.recvSeq)
	}
	plain, err := s.open.Open(nil, nonce(s.openPrefix, seq), frame[seqSize:], frame[:seqSize])
	if err != nil {
		return 0, nil, fmt.Errorf("%w: frame %d", ErrTampered, seq)
	}
	s.recvSeq++
	return plain[0], plain[1:], nil
}

func nonce(prefix [4]byte, seq uint64) []byte {
	n := make([]byte, 12)
	copy(n, prefix[:])
	binary.BigEndian.PutUint64(n[4:], seq)
	return n
}
