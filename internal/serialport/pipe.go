package serialport

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var ErrPipeClosed = errors.New("serialport: pipe closed")

const pipeQueue = 4096

// PipePort is one end of an in-memory port pair. Reads honour the read
// timeout the way a serial port does: an expired timeout is an empty read.
type PipePort struct {
	in      chan []byte
	out     chan []byte
	pending []byte
	timeout atomic.Int64

	link *pipeLink
}

type pipeLink struct {
	closed chan struct{}
	once   sync.Once
}

// Pipe returns two connected ports. Closing either end makes both ends fail
// like an unplugged device.
func Pipe() (*PipePort, *PipePort) {
	ab := make(chan []byte, pipeQueue)
	ba := make(chan []byte, pipeQueue)
	link := &pipeLink{closed: make(chan struct{})}
	return &PipePort{in: ba, out: ab, link: link}, &PipePort{in: ab, out: ba, link: link}
}

func (p *PipePort) Read(buf []byte) (int, error) {
	if len(p.pending) > 0 {
		n := copy(buf, p.pending)
		p.pending = p.pending[n:]
		return n, nil
	}
	var expired <-chan time.Time
	if d := time.Duration(p.timeout.Load()); d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		expired = t.C
	}
	select {
	case chunk := <-p.in:
		n := copy(buf, chunk)
		p.pending = chunk[n:]
		return n, nil
	case <-expired:
		return 0, nil
	case <-p.link.closed:
		return 0, ErrPipeClosed
	}
}

func (p *PipePort) Write(buf []byte) (int, error) {
	select {
	case <-p.link.closed:
		return 0, ErrPipeClosed
	default:
	}
	chunk := make([]byte, len(buf))
	copy(chunk, buf)
	select {
	case p.out <- chunk:
		return len(buf), nil
	case <-p.link.closed:
		return 0, ErrPipeClosed
	}
}

// SetReadTimeout sets the per-read deadline; zero blocks until data arrives.
func (p *PipePort) SetReadTimeout(t time.Duration) error {
	p.timeout.Store(int64(t))
	return nil
}

func (p *PipePort) Close() error {
	p.link.once.Do(func() { close(p.link.closed) })
	return nil
}

// Unplug simulates the device disappearing under both ends.
func (p *PipePort) Unplug() {
	_ = p.Close()
}
