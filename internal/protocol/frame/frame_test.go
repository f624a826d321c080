package frame

import (
	"bytes"
	"errors"
	"io"
	"math/rand"
	"testing"

	"github.com/danmuck/espmctl/internal/protocol"
	"github.com/danmuck/espmctl/internal/testutil/testlog"
)

// stallReader hands out its data and then reports an expired read timeout
// the way a serial port does: an empty read with no error.
type stallReader struct {
	data []byte
	max  int
}

func (r *stallReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, nil
	}
	if r.max > 0 && len(p) > r.max {
		p = p[:r.max]
	}
	n := copy(p, r.data)
	r.data = r.data[n:]
	return n, nil
}

func samplePayloads() [][]byte {
	all := make([]byte, 256)
	for i := range all {
		all[i] = byte(i)
	}
	rng := rand.New(rand.NewSource(7))
	out := [][]byte{
		{},
		{0x41},
		{End},
		{Esc},
		{Esc, EscEnd},
		{End, Esc, End, Esc},
		all,
	}
	for i := 0; i < 32; i++ {
		p := make([]byte, rng.Intn(600))
		rng.Read(p)
		out = append(out, p)
	}
	return out
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	testlog.Start(t)
	for i, p := range samplePayloads() {
		dec := NewDecoder(bytes.NewReader(Encode(p)))
		got, err := dec.ReadFrame()
		if err != nil {
			t.Fatalf("payload %d: read frame: %v", i, err)
		}
		if !bytes.Equal(got, p) {
			t.Fatalf("payload %d: got=%x want=%x", i, got, p)
		}
		if _, err := dec.ReadFrame(); !errors.Is(err, io.EOF) {
			t.Fatalf("payload %d: expected EOF after frame, got %v", i, err)
		}
	}
}

func TestEncodeShape(t *testing.T) {
	testlog.Start(t)
	for i, p := range samplePayloads() {
		enc := Encode(p)
		if enc[0] != End || enc[len(enc)-1] != End {
			t.Fatalf("payload %d: frame not delimited: %x", i, enc)
		}
		inner := enc[1 : len(enc)-1]
		if bytes.IndexByte(inner, End) >= 0 {
			t.Fatalf("payload %d: END inside frame body", i)
		}
		for j := 0; j < len(inner); j++ {
			if inner[j] != Esc {
				continue
			}
			if j+1 >= len(inner) || (inner[j+1] != EscEnd && inner[j+1] != EscEsc) {
				t.Fatalf("payload %d: ESC at %d not followed by a continuation", i, j)
			}
			j++
		}
	}
}

func TestDecodeBackToBackFrames(t *testing.T) {
	testlog.Start(t)
	payloads := samplePayloads()
	var stream bytes.Buffer
	for _, p := range payloads {
		if err := WriteFrame(&stream, p); err != nil {
			t.Fatalf("write frame: %v", err)
		}
	}
	// small reads force frames to straddle buffer refills
	dec := NewDecoder(&stallReader{data: stream.Bytes(), max: 7})
	for i, want := range payloads {
		got, err := dec.ReadFrame()
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("frame %d mismatch", i)
		}
	}
}

func TestDecodeResyncAfterBadEscape(t *testing.T) {
	testlog.Start(t)
	stream := []byte{0xC0, 0xDB, 0xFF, 0xC0, 0xC0, 0x41, 0xC0}
	dec := NewDecoder(bytes.NewReader(stream))

	_, err := dec.ReadFrame()
	var fe *FramingError
	if !errors.As(err, &fe) {
		t.Fatalf("expected FramingError, got %v", err)
	}
	if !fe.InFrame || fe.Byte != 0xFF {
		t.Fatalf("unexpected framing error: %+v", fe)
	}
	if !errors.Is(err, protocol.ErrFraming) {
		t.Fatalf("expected ErrFraming in chain, got %v", err)
	}

	dec.Resync()
	got, err := dec.ReadFrame()
	if err != nil {
		t.Fatalf("read after resync: %v", err)
	}
	if !bytes.Equal(got, []byte{0x41}) {
		t.Fatalf("got=%x want=41", got)
	}
}

func TestDecodeStrayBytesBeforeFrame(t *testing.T) {
	testlog.Start(t)
	stream := append([]byte("boot log\r\n"), Encode([]byte{1, 2, 3})...)
	dec := NewDecoder(bytes.NewReader(stream))

	_, err := dec.ReadFrame()
	var fe *FramingError
	if !errors.As(err, &fe) || fe.InFrame {
		t.Fatalf("expected stray-byte FramingError, got %v", err)
	}
	dec.Resync()
	got, err := dec.ReadFrame()
	if err != nil {
		t.Fatalf("read after resync: %v", err)
	}
	if !bytes.Equal(got, []byte{1, 2, 3}) {
		t.Fatalf("got=%x want=010203", got)
	}
}

func TestDecodeEmptyFrame(t *testing.T) {
	testlog.Start(t)
	dec := NewDecoder(bytes.NewReader([]byte{End, End}))
	got, err := dec.ReadFrame()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty frame, got %x", got)
	}
}

func TestDecodeTimeoutStages(t *testing.T) {
	testlog.Start(t)
	dec := NewDecoder(&stallReader{})
	_, err := dec.ReadFrame()
	var te *TimeoutError
	if !errors.As(err, &te) || te.Stage != StageStart {
		t.Fatalf("expected start-stage timeout, got %v", err)
	}
	if !errors.Is(err, protocol.ErrTimeout) {
		t.Fatalf("expected ErrTimeout in chain, got %v", err)
	}

	dec = NewDecoder(&stallReader{data: []byte{End, 0x01, 0x02}})
	_, err = dec.ReadFrame()
	if !errors.As(err, &te) || te.Stage != StageCompletion {
		t.Fatalf("expected completion-stage timeout, got %v", err)
	}
}

func TestDecodeTimeoutKeepsPartialFrame(t *testing.T) {
	testlog.Start(t)
	src := &stallReader{data: []byte{End, 0x01}}
	dec := NewDecoder(src)
	if _, err := dec.ReadFrame(); err == nil {
		t.Fatalf("expected timeout")
	}
	src.data = []byte{0x02, End}
	got, err := dec.ReadFrame()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if !bytes.Equal(got, []byte{1, 2}) {
		t.Fatalf("got=%x want=0102", got)
	}
}

func TestDecodeUnexpectedEOF(t *testing.T) {
	testlog.Start(t)
	dec := NewDecoder(bytes.NewReader([]byte{End, 0x01, 0x02}))
	if _, err := dec.ReadFrame(); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("expected ErrUnexpectedEOF, got %v", err)
	}
}

func TestDecodeResyncAfterEscapeCutByEnd(t *testing.T) {
	testlog.Start(t)
	stream := []byte{0xC0, 0x41, 0xDB, 0xC0, 0xC0, 0x42, 0xC0, 0xC0, 0x43, 0xC0}
	dec := NewDecoder(bytes.NewReader(stream))

	_, err := dec.ReadFrame()
	var fe *FramingError
	if !errors.As(err, &fe) || !fe.InFrame || fe.Byte != End {
		t.Fatalf("expected in-frame FramingError on END, got %v", err)
	}

	dec.Resync()
	for _, want := range [][]byte{{0x42}, {0x43}} {
		got, err := dec.ReadFrame()
		if err != nil {
			t.Fatalf("read after resync: %v", err)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("got=%x want=%x", got, want)
		}
	}
	if _, err := dec.ReadFrame(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF, got %v", err)
	}
}
