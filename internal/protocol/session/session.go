package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/danmuck/espmctl/internal/protocol"
	"github.com/danmuck/espmctl/internal/protocol/frame"
	"github.com/danmuck/espmctl/internal/protocol/packet"
	"github.com/danmuck/espmctl/internal/serialport"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

var (
	ErrUnexpectedReply = fmt.Errorf("%w: unexpected reply type", protocol.ErrProtocol)
	ErrLocalOnly       = fmt.Errorf("%w: service messages are not sent to the target", protocol.ErrProtocol)
	// ErrIO marks a read or write failure on a port whose device is still
	// attached. It fails the exchange but leaves the port usable.
	ErrIO = errors.New("session: i/o error")
)

// Session drives one byte stream through the frame codec and the packet
// model. It is not safe for concurrent use; one owner performs one exchange
// at a time.
type Session struct {
	rw      io.ReadWriter
	cfg     Config
	dec     *frame.Decoder
	asm     *packet.Reassembler
	limiter *rate.Limiter

	framingErrors atomic.Uint64
}

func New(rw io.ReadWriter, cfg Config) *Session {
	cfg = cfg.WithDefaults()
	s := &Session{
		rw:  rw,
		cfg: cfg,
		dec: frame.NewDecoder(rw),
		asm: packet.NewReassembler(cfg.Limits),
	}
	if cfg.FrameRate > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.FrameRate), cfg.FrameBurst)
	}
	return s
}

func (s *Session) Config() Config {
	return s.cfg
}

// FramingErrors returns the number of framing errors recovered so far.
func (s *Session) FramingErrors() uint64 {
	return s.framingErrors.Load()
}

// Send writes one logical message as a header frame followed by its chunks.
func (s *Session) Send(ctx context.Context, t packet.MessageType, payload []byte) error {
	if t == packet.TypeService {
		return ErrLocalOnly
	}
	if max := s.cfg.Limits.MaxMessageBytes; max > 0 && uint64(len(payload)) > uint64(max) {
		return fmt.Errorf("%w: length=%d max=%d", packet.ErrMessageTooLarge, len(payload), max)
	}
	frames := packet.Split(t, payload)
	for _, f := range frames {
		if err := s.pace(ctx); err != nil {
			return err
		}
		if err := frame.WriteFrame(s.rw, f); err != nil {
			return ioError("write", err)
		}
	}
	log.Debug().
		Str("port", s.cfg.Label).
		Str("type", t.String()).
		Int("bytes", len(payload)).
		Int("frames", len(frames)).
		Msg("session.Send")
	return nil
}

func (s *Session) pace(ctx context.Context) error {
	if s.limiter == nil {
		return contextError(ctx)
	}
	if err := s.limiter.Wait(ctx); err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return ctx.Err()
		}
		return fmt.Errorf("%w: frame pacing past deadline: %v", protocol.ErrTimeout, err)
	}
	return nil
}

// Receive reads frames until one logical message is complete.
//
// Framing errors are logged and recovered by resynchronizing. A stall while
// waiting for a frame to start is tolerated until ctx ends; a stall inside a
// frame fails at once.
func (s *Session) Receive(ctx context.Context) (packet.Message, error) {
	for {
		if err := ctx.Err(); err != nil {
			return packet.Message{}, s.abandon(ctx)
		}
		payload, err := s.dec.ReadFrame()
		if err != nil {
			var fe *frame.FramingError
			if errors.As(err, &fe) {
				s.framingErrors.Add(1)
				log.Warn().Str("port", s.cfg.Label).Err(err).Msg("session.Receive framing error, resyncing")
				s.dec.Resync()
				continue
			}
			var te *frame.TimeoutError
			if errors.As(err, &te) {
				if te.Stage == frame.StageStart {
					continue
				}
				s.reset()
				return packet.Message{}, err
			}
			inProgress := s.asm.InProgress()
			s.reset()
			if inProgress && (errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)) {
				return packet.Message{}, fmt.Errorf("%w: stream ended mid-message", packet.ErrIncomplete)
			}
			return packet.Message{}, ioError("read", err)
		}

		msg, done, err := s.asm.Feed(payload)
		if err != nil {
			log.Warn().Str("port", s.cfg.Label).Err(err).Msg("session.Receive reassembly failed")
			return packet.Message{}, err
		}
		if done {
			log.Debug().
				Str("port", s.cfg.Label).
				Str("type", msg.Type.String()).
				Int("bytes", len(msg.Payload)).
				Msg("session.Receive")
			return msg, nil
		}
	}
}

// Request sends one message and waits for its reply under a single deadline.
// Replies are correlated by ordering; the reply type must answer the request.
func (s *Session) Request(ctx context.Context, t packet.MessageType, payload []byte, timeout time.Duration) (packet.Message, error) {
	if timeout <= 0 {
		timeout = s.cfg.RequestTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := s.Send(ctx, t, payload); err != nil {
		return packet.Message{}, err
	}
	reply, err := s.Receive(ctx)
	if err != nil {
		return packet.Message{}, err
	}
	if reply.Type != t.Response() {
		return packet.Message{}, fmt.Errorf("%w: got=%s want=%s", ErrUnexpectedReply, reply.Type, t.Response())
	}
	return reply, nil
}

// Drain discards input until the link stays quiet for DrainTimeout or ctx
// ends, and returns how many frames were thrown away.
func (s *Session) Drain(ctx context.Context) (int, error) {
	s.reset()
	discarded := 0
	quietUntil := time.Now().Add(s.cfg.DrainTimeout)
	for time.Now().Before(quietUntil) && ctx.Err() == nil {
		_, err := s.dec.ReadFrame()
		if err == nil {
			discarded++
			quietUntil = time.Now().Add(s.cfg.DrainTimeout)
			continue
		}
		var fe *frame.FramingError
		if errors.As(err, &fe) {
			s.dec.Resync()
			quietUntil = time.Now().Add(s.cfg.DrainTimeout)
			continue
		}
		var te *frame.TimeoutError
		if errors.As(err, &te) {
			continue
		}
		s.reset()
		return discarded, ioError("drain", err)
	}
	s.reset()
	if discarded > 0 {
		log.Info().Str("port", s.cfg.Label).Int("frames", discarded).Msg("session.Drain discarded stale frames")
	}
	return discarded, nil
}

func (s *Session) abandon(ctx context.Context) error {
	stage := frame.StageStart
	if s.dec.InFrame() {
		stage = frame.StageCompletion
	}
	received, total := s.asm.Progress()
	inProgress := s.asm.InProgress()
	s.reset()
	if errors.Is(ctx.Err(), context.Canceled) {
		return ctx.Err()
	}
	te := &frame.TimeoutError{Stage: stage}
	if inProgress {
		return fmt.Errorf("%w (received %d of %d bytes)", te, received, total)
	}
	return te
}

// ioError sorts a port failure: a device that went away or a stream that
// ended makes the port unavailable, anything else is ErrIO.
func ioError(op string, err error) error {
	if errors.Is(err, io.EOF) || serialport.IsDisconnect(err) {
		return fmt.Errorf("%w: %s: %v", protocol.ErrPortUnavailable, op, err)
	}
	return fmt.Errorf("%w: %s: %v", ErrIO, op, err)
}

func (s *Session) reset() {
	s.asm.Reset()
	s.dec.Reset()
}

func contextError(ctx context.Context) error {
	err := ctx.Err()
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", protocol.ErrTimeout, err)
	}
	return err
}
