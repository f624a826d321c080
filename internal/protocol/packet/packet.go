package packet

import (
	"encoding/binary"
	"fmt"

	"github.com/danmuck/espmctl/internal/protocol"
)

const (
	HeaderSize         = 5
	ChunkPrefixSize    = 8
	ChunkDataSize      = 237
	ChunkSize          = ChunkPrefixSize + ChunkDataSize
	ServiceRequestSize = 1
)

var (
	ErrShortHeader      = fmt.Errorf("%w: short header", protocol.ErrProtocol)
	ErrShortChunk       = fmt.Errorf("%w: short chunk", protocol.ErrProtocol)
	ErrChunkLength      = fmt.Errorf("%w: invalid chunk length", protocol.ErrProtocol)
	ErrChunkRange       = fmt.Errorf("%w: chunk outside message", protocol.ErrProtocol)
	ErrChunkOverlap     = fmt.Errorf("%w: chunk overlap", protocol.ErrProtocol)
	ErrUnexpectedHeader = fmt.Errorf("%w: header before message completion", protocol.ErrProtocol)
	ErrUnexpectedChunk  = fmt.Errorf("%w: chunk without header", protocol.ErrProtocol)
	ErrIncomplete       = fmt.Errorf("%w: incomplete message", protocol.ErrProtocol)
	ErrMessageTooLarge  = fmt.Errorf("%w: message too large", protocol.ErrProtocol)
	ErrTrailingFrames   = fmt.Errorf("%w: frames after message completion", protocol.ErrProtocol)
	ErrBadService       = fmt.Errorf("%w: malformed service request", protocol.ErrProtocol)
)

// Header opens every logical message.
type Header struct {
	TotalLength uint32
	MessageType MessageType
}

// Chunk carries one slice of a logical message. Data holds ChunkLength bytes.
type Chunk struct {
	Offset uint32
	Length uint32
	Data   []byte
}

// Limits bounds reassembly memory.
type Limits struct {
	MaxMessageBytes uint32
}

func DefaultLimits() Limits {
	return Limits{MaxMessageBytes: 16 * 1024 * 1024}
}

func EncodeHeader(h Header) []byte {
	b := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(b[0:4], h.TotalLength)
	b[4] = byte(h.MessageType)
	return b
}

func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, ErrShortHeader
	}
	return Header{
		TotalLength: binary.LittleEndian.Uint32(b[0:4]),
		MessageType: MessageType(b[4]),
	}, nil
}

// EncodeChunk always produces ChunkSize bytes; data past Length is zero.
func EncodeChunk(c Chunk) []byte {
	b := make([]byte, ChunkSize)
	binary.LittleEndian.PutUint32(b[0:4], c.Offset)
	binary.LittleEndian.PutUint32(b[4:8], c.Length)
	copy(b[ChunkPrefixSize:], c.Data)
	return b
}

// DecodeChunk accepts frames shorter than ChunkSize as long as they hold
// ChunkLength data bytes.
func DecodeChunk(b []byte) (Chunk, error) {
	if len(b) < ChunkPrefixSize {
		return Chunk{}, ErrShortChunk
	}
	c := Chunk{
		Offset: binary.LittleEndian.Uint32(b[0:4]),
		Length: binary.LittleEndian.Uint32(b[4:8]),
	}
	if c.Length == 0 || c.Length > ChunkDataSize {
		return Chunk{}, fmt.Errorf("%w: chunk_length=%d", ErrChunkLength, c.Length)
	}
	if uint32(len(b)-ChunkPrefixSize) < c.Length {
		return Chunk{}, fmt.Errorf("%w: have=%d chunk_length=%d", ErrShortChunk, len(b)-ChunkPrefixSize, c.Length)
	}
	c.Data = b[ChunkPrefixSize : ChunkPrefixSize+int(c.Length)]
	return c, nil
}

func EncodeServiceRequest(code ServiceRequest) []byte {
	return []byte{byte(code)}
}

func DecodeServiceRequest(b []byte) (ServiceRequest, error) {
	if len(b) != ServiceRequestSize {
		return 0, fmt.Errorf("%w: length=%d", ErrBadService, len(b))
	}
	return ServiceRequest(b[0]), nil
}

// ChunkCount is the number of chunk frames Split emits for total bytes.
func ChunkCount(total int) int {
	return (total + ChunkDataSize - 1) / ChunkDataSize
}

// Split produces the frame payloads for one logical message: a header
// followed by chunks in ascending offset order.
func Split(t MessageType, payload []byte) [][]byte {
	frames := make([][]byte, 0, 1+ChunkCount(len(payload)))
	frames = append(frames, EncodeHeader(Header{TotalLength: uint32(len(payload)), MessageType: t}))
	for off := 0; off < len(payload); off += ChunkDataSize {
		end := off + ChunkDataSize
		if end > len(payload) {
			end = len(payload)
		}
		frames = append(frames, EncodeChunk(Chunk{
			Offset: uint32(off),
			Length: uint32(end - off),
			Data:   payload[off:end],
		}))
	}
	return frames
}

// Reassemble feeds frames through a fresh Reassembler and requires that they
// form exactly one complete message.
func Reassemble(frames [][]byte, limits Limits) (Message, error) {
	r := NewReassembler(limits)
	for i, f := range frames {
		msg, done, err := r.Feed(f)
		if err != nil {
			return Message{}, err
		}
		if done {
			if i != len(frames)-1 {
				return Message{}, fmt.Errorf("%w: %d left", ErrTrailingFrames, len(frames)-1-i)
			}
			return msg, nil
		}
	}
	if err := r.Close(); err != nil {
		return Message{}, err
	}
	return Message{}, ErrIncomplete
}
