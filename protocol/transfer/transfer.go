// transfer.go specifies the messaging of the link between sender and receiver.
package transfer

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/SpatiumPortae/sship/internal/manifest"
)

// Endpoint is the path of the websocket a sender accepts receiver links on.
const Endpoint = "/sship"

// MsgType specifies the message type for the messages in the transfer protocol.
type MsgType int

const (
	TransferError MsgType = iota // An error has occurred, see the payload reason
	KeyExchange                  // PAKE public values, sent in the clear
	Confirmation                 // Key confirmation MAC, sent in the clear
	Abort                        // Key agreement failed, sent in the clear
	// From this point every message is encrypted under the session key.
	Manifest      // Sender describes the item
	ResumeOffsets // Receiver replies with the verified offset of every entry
	Completion    // Sender announces that every chunk has been sent
	CompletionAck // Receiver verified every entry
	Failure       // Either side gives up, see the payload reason
)

// Failure reasons.
const (
	ReasonIntegrity = "integrity"
	ReasonDeclined  = "declined"
	ReasonBusy      = "busy"
	ReasonInternal  = "internal"
)

// Msg specifies a message in the transfer protocol.
type Msg struct {
	Type    MsgType `json:"type"`
	Payload Payload `json:"payload,omitempty"`
}

type Payload struct {
	Version     string             `json:"version,omitempty"`
	Pake        []byte             `json:"pake,omitempty"`
	MAC         []byte             `json:"mac,omitempty"`
	Manifest    *manifest.Manifest `json:"manifest,omitempty"`
	Checksum    string             `json:"checksum,omitempty"`
	ChunkSize   int                `json:"chunk_size,omitempty"`
	Compression string             `json:"compression,omitempty"`
	Offsets     []int64            `json:"offsets,omitempty"`
	Reason      string             `json:"reason,omitempty"`
	File        string             `json:"file,omitempty"`
	Offset      int64              `json:"offset,omitempty"`
}

type Error struct {
	Expected []MsgType
	Got      MsgType
}

func (e Error) Error() string {
	var expectedMessageTypes []string
	for _, expectedType := range e.Expected {
		expectedMessageTypes = append(expectedMessageTypes, expectedType.Name())
	}
	oneOfExpected := strings.Join(expectedMessageTypes, ", ")
	return fmt.Sprintf("wrong message type, expected one of: (%s), got: (%s)", oneOfExpected, e.Got.Name())
}

func (t MsgType) Name() string {
	switch t {
	case TransferError:
		return "TransferError"
	case KeyExchange:
		return "KeyExchange"
	case Confirmation:
		return "Confirmation"
	case Abort:
		return "Abort"
	case Manifest:
		return "Manifest"
	case ResumeOffsets:
		return "ResumeOffsets"
	case Completion:
		return "Completion"
	case CompletionAck:
		return "CompletionAck"
	case Failure:
		return "Failure"
	default:
		return ""
	}
}

// ------------------------------------------------------- Chunks ------------------------------------------------------

// ChunkHeaderSize is the size of the binary header that precedes chunk data.
const ChunkHeaderSize = 4 + 8 + 1

const flagCompressed = 1

var ErrShortChunk = errors.New("chunk shorter than its header")

// Chunk is a slice of one manifest entry. It travels as a binary frame inside
// the encrypted channel so the content is not inflated by JSON encoding.
type Chunk struct {
	File       uint32
	Offset     int64
	Compressed bool
	Data       []byte
}

func (c Chunk) MarshalBinary() ([]byte, error) {
	b := make([]byte, ChunkHeaderSize+len(c.Data))
	binary.BigEndian.PutUint32(b[0:4], c.File)
	binary.BigEndian.PutUint64(b[4:12], uint64(c.Offset))
	if c.Compressed {
		b[12] = flagCompressed
	}
	copy(b[ChunkHeaderSize:], c.Data)
	return b, nil
}

func (c *Chunk) UnmarshalBinary(b []byte) error {
	if len(b) < ChunkHeaderSize {
		return ErrShortChunk
	}
	c.File = binary.BigEndian.Uint32(b[0:4])
	c.Offset = int64(binary.BigEndian.Uint64(b[4:12]))
	c.Compressed = b[12]&flagCompressed != 0
	c.Data = b[ChunkHeaderSize:]
	return nil
}
