// Package client talks to the port owner daemon over its local socket and
// starts the daemon on demand.
package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"strings"
	"time"

	"github.com/danmuck/espmctl/internal/daemon"
	"github.com/danmuck/espmctl/internal/observability"
	"github.com/danmuck/espmctl/internal/protocol"
	"github.com/danmuck/espmctl/internal/protocol/packet"
	"github.com/danmuck/espmctl/internal/protocol/session"
	"github.com/rs/zerolog"
)

var (
	ErrDaemonUnavailable = fmt.Errorf("%w: daemon not reachable", protocol.ErrPortUnavailable)
	ErrStartup           = fmt.Errorf("%w: daemon failed to start", protocol.ErrPortUnavailable)
	ErrInvalidConfig     = errors.New("client: invalid config")
)

// Launcher starts an owner daemon for a port. It returns once the process is
// spawned; readiness is observed by probing.
type Launcher interface {
	Launch(ctx context.Context, portID string) error
}

// LauncherFunc adapts a function to Launcher.
type LauncherFunc func(ctx context.Context, portID string) error

func (f LauncherFunc) Launch(ctx context.Context, portID string) error {
	return f(ctx, portID)
}

type Config struct {
	PortID     string
	RuntimeDir string
	// DialTimeout bounds connecting to the socket and each service request.
	DialTimeout time.Duration
	// StartTimeout bounds the wait for a freshly launched daemon.
	StartTimeout time.Duration
	// RequestTimeout is the per-exchange timeout handed to the daemon.
	RequestTimeout time.Duration
	Backoff        session.BackoffConfig
	AutoStart      bool
	// QueueWait is how long past RequestTimeout a request may sit behind
	// others in the daemon's queue before the client stops waiting.
	QueueWait time.Duration
}

func DefaultConfig() Config {
	return Config{
		RuntimeDir:     daemon.DefaultRuntimeDir(),
		DialTimeout:    2 * time.Second,
		StartTimeout:   10 * time.Second,
		RequestTimeout: session.DefaultConfig().RequestTimeout,
		Backoff:        session.DefaultConfig().Backoff,
		AutoStart:      true,
		QueueWait:      time.Second,
	}
}

// Client is a command session against one port's daemon. It holds no
// connection between calls; every call dials the socket afresh.
type Client struct {
	cfg      Config
	launcher Launcher
	socket   string
	rng      *rand.Rand
	logger   zerolog.Logger
}

func New(cfg Config, launcher Launcher) (*Client, error) {
	d := DefaultConfig()
	cfg.PortID = strings.TrimSpace(cfg.PortID)
	if cfg.PortID == "" {
		return nil, fmt.Errorf("%w: missing port id", ErrInvalidConfig)
	}
	if strings.TrimSpace(cfg.RuntimeDir) == "" {
		cfg.RuntimeDir = d.RuntimeDir
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = d.DialTimeout
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = d.StartTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = d.RequestTimeout
	}
	if cfg.QueueWait <= 0 {
		cfg.QueueWait = d.QueueWait
	}
	if cfg.Backoff.InitialDelay <= 0 {
		cfg.Backoff = d.Backoff
	}
	return &Client{
		cfg:      cfg,
		launcher: launcher,
		socket:   daemon.SocketPath(cfg.RuntimeDir, cfg.PortID),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		logger:   observability.PortLogger("client", cfg.PortID),
	}, nil
}

func (c *Client) Config() Config {
	return c.cfg
}

// Socket is the daemon socket this client dials.
func (c *Client) Socket() string {
	return c.socket
}

// Probe pings the daemon and returns its status.
func (c *Client) Probe(ctx context.Context) (daemon.Status, error) {
	return c.service(ctx, packet.ServicePing)
}

// Status is Probe without the liveness framing; it exists for the CLI.
func (c *Client) Status(ctx context.Context) (daemon.Status, error) {
	return c.service(ctx, packet.ServiceStatus)
}

// Stop asks the daemon to shut down and returns its last status.
func (c *Client) Stop(ctx context.Context) (daemon.Status, error) {
	st, err := c.service(ctx, packet.ServiceStop)
	if err != nil {
		return st, err
	}
	c.logger.Info().Int("pid", st.PID).Msg("client.Stop daemon stopping")
	return st, nil
}

// Ensure makes sure a daemon is serving the port, launching one when allowed.
func (c *Client) Ensure(ctx context.Context) (daemon.Status, error) {
	st, err := c.Probe(ctx)
	if err == nil && st.State.Serving() {
		return st, nil
	}
	if !c.cfg.AutoStart || c.launcher == nil {
		if err == nil {
			err = fmt.Errorf("%w: daemon is %s", ErrDaemonUnavailable, st.State)
		}
		return st, err
	}

	c.logger.Info().Str("socket", c.socket).Msg("client.Ensure launching daemon")
	if err := c.launcher.Launch(ctx, c.cfg.PortID); err != nil {
		return daemon.Status{}, fmt.Errorf("%w: launch: %v", ErrStartup, err)
	}

	startCtx, cancel := context.WithTimeout(ctx, c.cfg.StartTimeout)
	defer cancel()
	var lastErr error
	for attempt := 1; ; attempt++ {
		st, err := c.Probe(startCtx)
		if err == nil && st.State.Serving() {
			c.logger.Debug().Int("attempt", attempt).Int("pid", st.PID).Msg("client.Ensure daemon ready")
			return st, nil
		}
		if err != nil {
			lastErr = err
		} else {
			lastErr = fmt.Errorf("daemon is %s", st.State)
		}
		delay := c.cfg.Backoff.Delay(attempt, c.rng)
		select {
		case <-startCtx.Done():
			if ctx.Err() != nil {
				return daemon.Status{}, ctxError(ctx)
			}
			return daemon.Status{}, fmt.Errorf("%w: %s not ready after %s: %v", ErrStartup, c.cfg.PortID, c.cfg.StartTimeout, lastErr)
		case <-time.After(delay):
		}
	}
}

// Request ensures a daemon, exchanges msg with the target and returns the
// reply message. Failed replies map back onto the protocol error taxonomy.
//
// The wait for the reply is bounded by RequestTimeout plus QueueWait; past
// that the client abandons the request and reports a timeout.
func (c *Client) Request(ctx context.Context, msg packet.Message) (packet.Message, error) {
	if !msg.Type.IsRequest() {
		return packet.Message{}, fmt.Errorf("%w: %s is not a request", session.ErrInvalidRequest, msg.Type)
	}
	if _, err := c.Ensure(ctx); err != nil {
		return packet.Message{}, err
	}
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout+c.cfg.QueueWait)
	defer cancel()
	reply, err := c.exchange(ctx, session.NewRequest(msg, c.cfg.RequestTimeout))
	if err != nil {
		return packet.Message{}, err
	}
	if err := reply.Err(); err != nil {
		c.logger.Debug().Str("kind", string(reply.Kind)).Err(err).Msg("client.Request failed")
		return packet.Message{}, err
	}
	out := reply.Message()
	if out.Type != msg.Type.Response() {
		return packet.Message{}, fmt.Errorf("%w: got=%s want=%s", session.ErrUnexpectedReply, out.Type, msg.Type.Response())
	}
	c.logger.Debug().
		Str("type", msg.Type.String()).
		Uint64("correlation_id", reply.CorrelationID).
		Dur("elapsed", time.Since(start)).
		Msg("client.Request done")
	return out, nil
}

func (c *Client) service(ctx context.Context, code packet.ServiceRequest) (daemon.Status, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()
	reply, err := c.exchange(ctx, session.NewRequest(packet.ServiceMessage(code), 0))
	if err != nil {
		return daemon.Status{}, err
	}
	if err := reply.Err(); err != nil {
		return daemon.Status{}, err
	}
	var st daemon.Status
	if err := json.Unmarshal(reply.Payload, &st); err != nil {
		return daemon.Status{}, fmt.Errorf("%w: status: %v", session.ErrInvalidReply, err)
	}
	return st, nil
}

// exchange sends one request line and waits for one reply line. Cancelling
// ctx closes the wait; the daemon then treats the request as abandoned.
func (c *Client) exchange(ctx context.Context, req session.Request) (session.Reply, error) {
	dialer := net.Dialer{Timeout: c.cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "unix", c.socket)
	if err != nil {
		if ctx.Err() != nil {
			return session.Reply{}, ctxError(ctx)
		}
		return session.Reply{}, fmt.Errorf("%w: %s: %v", ErrDaemonUnavailable, c.socket, err)
	}
	defer conn.Close()

	_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.DialTimeout))
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	if err := session.WriteRequest(conn, req); err != nil {
		if ctx.Err() != nil {
			return session.Reply{}, ctxError(ctx)
		}
		return session.Reply{}, fmt.Errorf("%w: write: %v", ErrDaemonUnavailable, err)
	}
	reply, err := session.ReadReply(bufio.NewReader(conn))
	if err != nil {
		if ctx.Err() != nil {
			return session.Reply{}, ctxError(ctx)
		}
		return session.Reply{}, fmt.Errorf("%w: read: %v", ErrDaemonUnavailable, err)
	}
	return reply, nil
}

func ctxError(ctx context.Context) error {
	err := ctx.Err()
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: waiting for daemon: %v", protocol.ErrTimeout, err)
	}
	return err
}
