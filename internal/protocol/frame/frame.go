package frame

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/danmuck/espmctl/internal/protocol"
)

// Escape-coded framing bytes.
const (
	End    byte = 0xC0
	Esc    byte = 0xDB
	EscEnd byte = 0xDC
	EscEsc byte = 0xDD
)

const readBufSize = 512

// Stage names what a stalled read was waiting for.
type Stage string

const (
	StageStart      Stage = "frame start"
	StageCompletion Stage = "frame completion"
)

// TimeoutError reports that the source produced no bytes within its read deadline.
type TimeoutError struct {
	Stage Stage
}

func (e *TimeoutError) Error() string {
	return "frame: timed out waiting for " + string(e.Stage)
}

func (e *TimeoutError) Unwrap() error { return protocol.ErrTimeout }

func (e *TimeoutError) Timeout() bool { return true }

// FramingError reports a byte the decoder cannot place. InFrame is false for a
// stray byte seen before any frame start.
type FramingError struct {
	Byte    byte
	InFrame bool
}

func (e *FramingError) Error() string {
	if e.InFrame {
		return fmt.Sprintf("frame: invalid escape continuation 0x%02x", e.Byte)
	}
	return fmt.Sprintf("frame: stray byte 0x%02x outside frame", e.Byte)
}

func (e *FramingError) Unwrap() error { return protocol.ErrFraming }

// Encode wraps payload in END bytes, escaping in-band END and ESC.
func Encode(payload []byte) []byte {
	out := make([]byte, 0, len(payload)+2+len(payload)/32)
	out = append(out, End)
	for _, b := range payload {
		switch b {
		case End:
			out = append(out, Esc, EscEnd)
		case Esc:
			out = append(out, Esc, EscEsc)
		default:
			out = append(out, b)
		}
	}
	return append(out, End)
}

func WriteFrame(w io.Writer, payload []byte) error {
	_, err := w.Write(Encode(payload))
	return err
}

// Decoder reads frames from a byte stream. Bytes read past the end of a frame
// are kept for the next call.
type Decoder struct {
	r       io.Reader
	buf     []byte
	pos     int
	n       int
	pending error

	partial  []byte
	started  bool
	inEscape bool

	discard      bool
	discardOpens bool
	lastInFrame  bool
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{
		r:   r,
		buf: make([]byte, readBufSize),
	}
}

// ReadFrame returns the next complete frame payload.
//
// A FramingError leaves the decoder outside any frame; call Resync before
// reading on to skip the rest of the damaged region.
func (d *Decoder) ReadFrame() ([]byte, error) {
	for {
		if d.pos >= d.n {
			if err := d.fill(); err != nil {
				return nil, err
			}
			continue
		}
		b := d.buf[d.pos]
		d.pos++

		if d.discard {
			if b == End {
				d.discard = false
				d.started = d.discardOpens
				d.partial = d.partial[:0]
			}
			continue
		}

		if !d.started {
			if b == End {
				d.started = true
				d.partial = d.partial[:0]
				continue
			}
			d.lastInFrame = false
			return nil, &FramingError{Byte: b}
		}

		if d.inEscape {
			d.inEscape = false
			switch b {
			case EscEnd:
				d.partial = append(d.partial, End)
			case EscEsc:
				d.partial = append(d.partial, Esc)
			default:
				d.Reset()
				// an END here also closed the damaged frame
				d.lastInFrame = b != End
				return nil, &FramingError{Byte: b, InFrame: true}
			}
			continue
		}

		switch b {
		case End:
			out := make([]byte, len(d.partial))
			copy(out, d.partial)
			d.started = false
			d.partial = d.partial[:0]
			return out, nil
		case Esc:
			d.inEscape = true
		default:
			d.partial = append(d.partial, b)
		}
	}
}

// Resync discards input up to the next END byte. After an error inside a
// frame that END closes the damaged frame; after a stray byte, or an escape
// cut short by the frame's own closing END, it opens the next one.
func (d *Decoder) Resync() {
	d.Reset()
	d.discard = true
	d.discardOpens = !d.lastInFrame
}

// Reset drops any partially decoded frame. Buffered input is kept.
func (d *Decoder) Reset() {
	d.started = false
	d.inEscape = false
	d.discard = false
	d.partial = d.partial[:0]
}

// InFrame reports whether a frame has been started but not completed.
func (d *Decoder) InFrame() bool {
	return d.started && !d.discard
}

func (d *Decoder) fill() error {
	if d.pending != nil {
		err := d.pending
		d.pending = nil
		return d.readError(err)
	}
	n, err := d.r.Read(d.buf)
	d.pos, d.n = 0, n
	if n > 0 {
		if err != nil && !isTimeout(err) {
			d.pending = err
		}
		return nil
	}
	if err == nil {
		// serial ports report an expired read timeout as an empty read
		return &TimeoutError{Stage: d.stage()}
	}
	return d.readError(err)
}

func (d *Decoder) readError(err error) error {
	if isTimeout(err) {
		return &TimeoutError{Stage: d.stage()}
	}
	if errors.Is(err, io.EOF) && d.InFrame() {
		d.Reset()
		return io.ErrUnexpectedEOF
	}
	return err
}

func (d *Decoder) stage() Stage {
	if d.InFrame() {
		return StageCompletion
	}
	return StageStart
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}
