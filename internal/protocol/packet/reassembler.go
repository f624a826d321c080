package packet

import "fmt"

// Reassembler rebuilds one logical message at a time from frame payloads.
// Chunks are placed by offset, so arrival order does not matter.
type Reassembler struct {
	limits Limits
	active bool
	header Header
	buf    []byte
	seen   []uint64
	filled uint32
}

func NewReassembler(limits Limits) *Reassembler {
	return &Reassembler{limits: limits}
}

// Feed consumes one frame payload. It returns done=true with the message once
// every byte of the message has been written by exactly one chunk. Any error
// discards the message in progress.
func (r *Reassembler) Feed(frame []byte) (Message, bool, error) {
	if len(frame) == HeaderSize {
		return r.feedHeader(frame)
	}
	if !r.active {
		if len(frame) < ChunkPrefixSize {
			return Message{}, false, fmt.Errorf("%w: frame length=%d", ErrShortHeader, len(frame))
		}
		return Message{}, false, ErrUnexpectedChunk
	}

	c, err := DecodeChunk(frame)
	if err != nil {
		r.Reset()
		return Message{}, false, err
	}
	end := uint64(c.Offset) + uint64(c.Length)
	if end > uint64(r.header.TotalLength) {
		total := r.header.TotalLength
		r.Reset()
		return Message{}, false, fmt.Errorf("%w: offset=%d length=%d total=%d", ErrChunkRange, c.Offset, c.Length, total)
	}
	for i := c.Offset; i < uint32(end); i++ {
		if r.seen[i/64]&(1<<(i%64)) != 0 {
			r.Reset()
			return Message{}, false, fmt.Errorf("%w: offset=%d length=%d byte=%d", ErrChunkOverlap, c.Offset, c.Length, i)
		}
	}
	for i := c.Offset; i < uint32(end); i++ {
		r.seen[i/64] |= 1 << (i % 64)
	}
	copy(r.buf[c.Offset:end], c.Data)
	r.filled += c.Length

	if r.filled < r.header.TotalLength {
		return Message{}, false, nil
	}
	msg := Message{Type: r.header.MessageType, Payload: r.buf}
	r.Reset()
	return msg, true, nil
}

func (r *Reassembler) feedHeader(frame []byte) (Message, bool, error) {
	if r.active {
		r.Reset()
		return Message{}, false, ErrUnexpectedHeader
	}
	h, err := DecodeHeader(frame)
	if err != nil {
		return Message{}, false, err
	}
	if r.limits.MaxMessageBytes > 0 && h.TotalLength > r.limits.MaxMessageBytes {
		return Message{}, false, fmt.Errorf("%w: total_length=%d max=%d", ErrMessageTooLarge, h.TotalLength, r.limits.MaxMessageBytes)
	}
	if h.TotalLength == 0 {
		return Message{Type: h.MessageType, Payload: []byte{}}, true, nil
	}
	r.active = true
	r.header = h
	r.buf = make([]byte, h.TotalLength)
	r.seen = make([]uint64, (uint64(h.TotalLength)+63)/64)
	r.filled = 0
	return Message{}, false, nil
}

// InProgress reports whether a header has been accepted and the message is
// not yet complete.
func (r *Reassembler) InProgress() bool {
	return r.active
}

// Progress returns bytes received and expected for the message in progress.
func (r *Reassembler) Progress() (uint32, uint32) {
	return r.filled, r.header.TotalLength
}

// Close reports an incomplete message when the stream ends mid-message.
func (r *Reassembler) Close() error {
	if !r.active {
		return nil
	}
	filled, total := r.filled, r.header.TotalLength
	r.Reset()
	return fmt.Errorf("%w: received=%d total=%d", ErrIncomplete, filled, total)
}

func (r *Reassembler) Reset() {
	r.active = false
	r.header = Header{}
	r.buf = nil
	r.seen = nil
	r.filled = 0
}
