package daemon

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/espmctl/internal/observability"
	"github.com/danmuck/espmctl/internal/protocol"
	"github.com/danmuck/espmctl/internal/protocol/session"
)

// work is the only goroutine that touches the session. It services the
// queue strictly in arrival order.
func (d *Daemon) work(ctx context.Context, sess *session.Session) error {
	defer close(d.workerDone)
	defer d.failQueued()

	desynced := false
	timeouts := 0
	for {
		select {
		case <-d.stopCh:
			return nil
		case j := <-d.queue:
			observability.SetQueueDepth(d.cfg.PortID, len(d.queue))
			if d.stopping() {
				d.finish(j, session.ErrorReply(j.id, ErrStopping))
				return nil
			}
			// nothing was sent yet, so a request whose client left while it
			// was queued is dropped without touching the port
			if item, ok := d.record.Get(j.id); ok && item.Abandoned {
				d.finish(j, session.ErrorReply(j.id, errAbandoned))
				continue
			}
			err := d.exchange(ctx, sess, j, &desynced)
			switch {
			case errors.Is(err, protocol.ErrPortUnavailable):
				return err
			case errors.Is(err, protocol.ErrTimeout):
				timeouts++
				if limit := d.cfg.MaxTimeouts; limit > 0 && timeouts >= limit {
					return fmt.Errorf("%w: %d exchanges in a row timed out", ErrUnresponsive, timeouts)
				}
			default:
				timeouts = 0
			}
		}
	}
}

func (d *Daemon) exchange(ctx context.Context, sess *session.Session, j *job, desynced *bool) error {
	d.setState(StateBusy)
	defer d.setState(StateIdle)

	if *desynced {
		if _, err := sess.Drain(ctx); err != nil {
			d.finish(j, session.ErrorReply(j.id, err))
			return err
		}
		*desynced = false
	}

	timeout := j.req.Timeout(d.cfg.Session.RequestTimeout)
	start := time.Now()
	d.record.MarkStarted(j.id, start, start.Add(timeout))
	framingBefore := sess.FramingErrors()

	msg, err := sess.Request(ctx, j.req.MessageType, j.req.Payload, timeout)

	elapsed := time.Since(start)
	if delta := sess.FramingErrors() - framingBefore; delta > 0 {
		d.framing.Add(delta)
		observability.AddFramingErrors(d.cfg.PortID, delta)
	}
	result := "ok"
	if err != nil {
		result = string(protocol.KindOf(err))
	}
	observability.RecordExchange(d.cfg.PortID, j.req.MessageType.String(), result, elapsed)

	if err != nil {
		d.logger.Warn().
			Uint64("correlation_id", j.id).
			Str("type", j.req.MessageType.String()).
			Dur("elapsed", elapsed).
			Err(err).
			Msg("daemon.exchange failed")
		d.finish(j, session.ErrorReply(j.id, err))
		switch {
		case errors.Is(err, protocol.ErrPortUnavailable):
			return err
		case errors.Is(err, protocol.ErrTimeout):
			return d.awaitLateReply(ctx, sess, j, err, desynced)
		case errors.Is(err, protocol.ErrProtocol), errors.Is(err, session.ErrIO):
			// the tail of a broken message may still be in flight
			*desynced = true
		}
		return err
	}
	d.logger.Debug().
		Uint64("correlation_id", j.id).
		Str("type", j.req.MessageType.String()).
		Int("reply_bytes", len(msg.Payload)).
		Dur("elapsed", elapsed).
		Msg("daemon.exchange done")
	d.finish(j, session.MessageReply(j.id, msg))
	return nil
}

// awaitLateReply keeps listening after the client was told its exchange timed
// out, so a reply that is merely slow is consumed here and cannot be taken
// for the answer to the next queued request. It returns nil once the target
// has answered, and cause while it stays silent.
func (d *Daemon) awaitLateReply(ctx context.Context, sess *session.Session, j *job, cause error, desynced *bool) error {
	*desynced = true
	if d.cfg.LateReplyGrace <= 0 {
		return cause
	}
	lateCtx, cancel := context.WithTimeout(ctx, d.cfg.LateReplyGrace)
	defer cancel()
	msg, err := sess.Receive(lateCtx)
	switch {
	case err == nil:
		d.logger.Info().
			Uint64("correlation_id", j.id).
			Str("type", msg.Type.String()).
			Msg("daemon.exchange late reply discarded")
		return nil
	case errors.Is(err, protocol.ErrPortUnavailable):
		return err
	}
	return cause
}

// finish hands the reply to the waiting client. The channel is buffered, so
// a client that has gone away never blocks the worker; its reply is dropped.
func (d *Daemon) finish(j *job, reply session.Reply) {
	if reply.OK {
		d.served.Add(1)
	} else {
		d.failed.Add(1)
	}
	if item, ok := d.record.Get(j.id); ok && item.Abandoned {
		d.logger.Info().Uint64("correlation_id", j.id).Bool("ok", reply.OK).Msg("daemon.exchange reply discarded, client gone")
	}
	d.record.Remove(j.id)
	j.reply <- reply
}

func (d *Daemon) failQueued() {
	for {
		select {
		case j := <-d.queue:
			d.finish(j, session.ErrorReply(j.id, ErrStopping))
		default:
			observability.SetQueueDepth(d.cfg.PortID, 0)
			return
		}
	}
}
