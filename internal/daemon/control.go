package daemon

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/danmuck/espmctl/internal/observability"
	"github.com/danmuck/espmctl/internal/protocol/packet"
	"github.com/danmuck/espmctl/internal/protocol/session"
)

const replyWriteTimeout = 5 * time.Second

// acceptLoop serves the IPC socket until ctx ends.
func (d *Daemon) acceptLoop(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || d.stopping() {
				return nil
			}
			return err
		}
		go d.handleConn(conn)
	}
}

// handleConn reads one request line and writes one reply line.
func (d *Daemon) handleConn(conn net.Conn) {
	defer conn.Close()
	client := fmt.Sprintf("client-%d", d.clientSeq.Add(1))
	active := d.clientCount.Add(1)
	d.record.AddClient(client, time.Now())
	observability.SetClients(d.cfg.PortID, active)
	d.logger.Debug().Str("client", client).Int64("active_clients", active).Msg("daemon.ipc client connected")
	defer func() {
		remaining := d.clientCount.Add(-1)
		d.record.RemoveClient(client)
		observability.SetClients(d.cfg.PortID, remaining)
		d.logger.Debug().Str("client", client).Int64("active_clients", remaining).Msg("daemon.ipc client disconnected")
	}()

	reader := bufio.NewReader(conn)
	_ = conn.SetReadDeadline(time.Now().Add(d.cfg.ClientReadTimeout))
	req, err := session.ReadRequest(reader)
	if err != nil {
		d.logger.Warn().Str("client", client).Err(err).Msg("daemon.ipc bad request")
		d.writeReply(conn, session.ErrorReply(0, err))
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	if req.MessageType == packet.TypeService {
		d.handleService(conn, req)
		return
	}
	d.writeReply(conn, d.submit(reader, client, req))
}

func (d *Daemon) handleService(conn net.Conn, req session.Request) {
	code, _ := packet.DecodeServiceRequest(req.Payload)
	switch code {
	case packet.ServicePing, packet.ServiceStatus:
		d.writeReply(conn, d.statusReply())
	case packet.ServiceStop:
		d.writeReply(conn, d.statusReply())
		d.logger.Info().Msg("daemon.ipc stop requested")
		d.Stop()
	default:
		d.writeReply(conn, session.ErrorReply(0, fmt.Errorf("%w: unknown service request %s", session.ErrInvalidRequest, code)))
	}
}

func (d *Daemon) statusReply() session.Reply {
	payload, err := json.Marshal(d.Status())
	if err != nil {
		return session.ErrorReply(0, err)
	}
	return session.MessageReply(0, packet.Message{Type: packet.TypeService, Payload: payload})
}

// submit queues req and waits for its reply. If the client hangs up first
// the exchange is marked abandoned and left to complete on its own.
func (d *Daemon) submit(reader *bufio.Reader, client string, req session.Request) session.Reply {
	if d.stopping() {
		return session.ErrorReply(0, ErrStopping)
	}
	item := d.record.Enqueue(req.MessageType, client, time.Now())
	j := &job{id: item.CorrelationID, req: req, reply: make(chan session.Reply, 1)}
	select {
	case d.queue <- j:
		observability.SetQueueDepth(d.cfg.PortID, len(d.queue))
	default:
		d.record.Remove(j.id)
		return session.ErrorReply(j.id, ErrQueueFull)
	}
	d.logger.Debug().
		Str("client", client).
		Uint64("correlation_id", j.id).
		Str("type", req.MessageType.String()).
		Int("queued", len(d.queue)).
		Msg("daemon.ipc request queued")

	// the client sends nothing after its request, so any read completion
	// means it hung up
	gone := make(chan struct{})
	go func() {
		_, _ = reader.ReadByte()
		close(gone)
	}()

	select {
	case reply := <-j.reply:
		return reply
	case <-gone:
		d.record.MarkAbandoned(j.id)
		d.logger.Info().Str("client", client).Uint64("correlation_id", j.id).Msg("daemon.ipc client abandoned request")
		return session.ErrorReply(j.id, fmt.Errorf("client disconnected"))
	case <-d.workerDone:
		select {
		case reply := <-j.reply:
			return reply
		default:
			d.record.Remove(j.id)
			return session.ErrorReply(j.id, ErrStopping)
		}
	}
}

func (d *Daemon) writeReply(conn net.Conn, reply session.Reply) {
	_ = conn.SetWriteDeadline(time.Now().Add(replyWriteTimeout))
	if err := session.WriteReply(conn, reply); err != nil {
		d.logger.Debug().Err(err).Msg("daemon.ipc reply not delivered")
	}
}
