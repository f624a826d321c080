package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/danmuck/espmctl/internal/observability"
	"github.com/danmuck/espmctl/internal/protocol"
	"github.com/danmuck/espmctl/internal/protocol/session"
	"github.com/danmuck/espmctl/internal/serialport"
	"github.com/rs/zerolog"
)

// State is the daemon lifecycle state.
type State string

const (
	StateStarting State = "starting"
	StateIdle     State = "idle"
	StateBusy     State = "busy"
	StateStopping State = "stopping"
)

// Serving reports whether the daemon accepts requests in this state.
func (s State) Serving() bool {
	return s == StateIdle || s == StateBusy
}

var (
	ErrStopping  = fmt.Errorf("%w: daemon stopping", protocol.ErrPortUnavailable)
	ErrQueueFull = errors.New("daemon: request queue full")
	errAbandoned = errors.New("daemon: client left before its request was sent")
	ErrPortLost  = fmt.Errorf("%w: device disappeared", protocol.ErrPortUnavailable)
	// ErrUnresponsive stops the daemon after MaxTimeouts silent exchanges.
	ErrUnresponsive = fmt.Errorf("%w: target unresponsive", protocol.ErrPortUnavailable)
)

// Status is the daemon snapshot returned to ping/status requests.
type Status struct {
	PortID        string            `json:"port_id"`
	State         State             `json:"state"`
	PID           int               `json:"pid"`
	BaudRate      int               `json:"baud_rate"`
	Socket        string            `json:"socket"`
	StartedAt     time.Time         `json:"started_at"`
	Queued        int               `json:"queued"`
	Pending       []PendingExchange `json:"pending,omitempty"`
	Clients       int64             `json:"clients"`
	Served        uint64            `json:"served"`
	Failed        uint64            `json:"failed"`
	FramingErrors uint64            `json:"framing_errors"`
}

type job struct {
	id    uint64
	req   session.Request
	reply chan session.Reply
}

// Daemon owns one port for its whole lifetime.
type Daemon struct {
	cfg    Config
	record *OwnershipRecord
	logger zerolog.Logger

	mu        sync.RWMutex
	state     State
	startedAt time.Time

	queue      chan *job
	stopOnce   sync.Once
	stopCh     chan struct{}
	stopReason error
	ready      chan struct{}
	readyOnce  sync.Once
	workerDone chan struct{}

	clientCount atomic.Int64
	clientSeq   atomic.Uint64
	served      atomic.Uint64
	failed      atomic.Uint64
	framing     atomic.Uint64
	socketPath  string
}

func New(cfg Config) (*Daemon, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Daemon{
		cfg:        cfg,
		record:     NewOwnershipRecord(cfg.PortID),
		logger:     observability.PortLogger("daemon", cfg.PortID),
		state:      StateStarting,
		queue:      make(chan *job, cfg.QueueDepth),
		stopCh:     make(chan struct{}),
		ready:      make(chan struct{}),
		workerDone: make(chan struct{}),
		socketPath: SocketPath(cfg.RuntimeDir, cfg.PortID),
	}, nil
}

// Run serves until SIGINT/SIGTERM, a stop request or device loss.
func (d *Daemon) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return d.Serve(ctx)
}

// Serve claims the port, serves clients and tears everything down on exit.
// It returns nil after a requested stop and the cause otherwise.
func (d *Daemon) Serve(ctx context.Context) error {
	defer d.readyOnce.Do(func() { close(d.ready) })

	if err := os.MkdirAll(d.cfg.RuntimeDir, 0o700); err != nil {
		return fmt.Errorf("daemon: runtime dir: %w", err)
	}
	lock, err := acquireLock(LockPath(d.cfg.RuntimeDir, d.cfg.PortID))
	if err != nil {
		d.setState(StateStopping)
		d.logger.Warn().Err(err).Msg("daemon.Serve ownership not acquired")
		return err
	}
	defer func() { _ = lock.Release() }()

	port, err := d.cfg.Open(d.cfg.PortID, d.cfg.BaudRate, d.cfg.Session.ReadTimeout)
	if err != nil {
		d.setState(StateStopping)
		d.logger.Error().Err(err).Msg("daemon.Serve port open failed")
		return err
	}

	_ = os.Remove(d.socketPath)
	ln, err := net.Listen("unix", d.socketPath)
	if err != nil {
		_ = port.Close()
		d.setState(StateStopping)
		return fmt.Errorf("daemon: listen %s: %w", d.socketPath, err)
	}
	_ = os.Chmod(d.socketPath, 0o600)
	defer os.Remove(d.socketPath)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sess := session.New(port, d.cfg.Session)
	errCh := make(chan error, 3)
	go func() { errCh <- d.acceptLoop(ctx, ln) }()
	go func() { errCh <- d.work(ctx, sess) }()
	if d.cfg.StatusAddr != "" {
		go func() { errCh <- d.serveStatus(ctx) }()
	}

	d.mu.Lock()
	d.startedAt = time.Now()
	d.mu.Unlock()
	d.setState(StateIdle)
	d.readyOnce.Do(func() { close(d.ready) })
	d.logger.Info().
		Str("socket", d.socketPath).
		Int("baud", d.cfg.BaudRate).
		Int("pid", os.Getpid()).
		Msg("daemon.Serve ready")

	ticker := time.NewTicker(d.cfg.HeartbeatInterval)
	defer ticker.Stop()

	var cause error
loop:
	for {
		select {
		case <-ctx.Done():
			d.logger.Info().Msg("daemon.Serve signal received")
			break loop
		case <-d.stopCh:
			break loop
		case err := <-errCh:
			if err != nil {
				cause = err
				break loop
			}
		case <-ticker.C:
			if !serialport.Present(d.cfg.PortID) {
				cause = ErrPortLost
				break loop
			}
			st := d.Status()
			d.logger.Debug().
				Str("state", string(st.State)).
				Int("queued", st.Queued).
				Int64("clients", st.Clients).
				Uint64("served", st.Served).
				Msg("daemon.heartbeat")
		}
	}

	d.beginStop(cause)
	cancel()
	_ = ln.Close()
	_ = port.Close()
	<-d.workerDone
	if cause == nil {
		cause = d.reason()
	}
	if cause != nil {
		d.logger.Error().Err(cause).Msg("daemon.Serve stopped")
		return cause
	}
	d.logger.Info().Uint64("served", d.served.Load()).Msg("daemon.Serve stopped")
	return nil
}

// Ready is closed once the daemon reaches Idle, or gives up starting.
func (d *Daemon) Ready() <-chan struct{} {
	return d.ready
}

// Stop moves the daemon to Stopping. Queued requests fail with ErrStopping.
func (d *Daemon) Stop() {
	d.beginStop(nil)
}

func (d *Daemon) Record() *OwnershipRecord {
	return d.record
}

func (d *Daemon) State() State {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state
}

func (d *Daemon) Status() Status {
	d.mu.RLock()
	state, started := d.state, d.startedAt
	d.mu.RUnlock()
	pending := d.record.List()
	return Status{
		PortID:        d.cfg.PortID,
		State:         state,
		PID:           os.Getpid(),
		BaudRate:      d.cfg.BaudRate,
		Socket:        d.socketPath,
		StartedAt:     started,
		Queued:        len(d.queue),
		Pending:       pending,
		Clients:       d.clientCount.Load(),
		Served:        d.served.Load(),
		Failed:        d.failed.Load(),
		FramingErrors: d.framing.Load(),
	}
}

// setState ignores transitions out of Stopping.
func (d *Daemon) setState(s State) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == StateStopping {
		return
	}
	if d.state != s {
		d.logger.Debug().Str("from", string(d.state)).Str("to", string(s)).Msg("daemon.state")
	}
	d.state = s
}

func (d *Daemon) beginStop(cause error) {
	d.stopOnce.Do(func() {
		d.mu.Lock()
		d.state = StateStopping
		d.stopReason = cause
		d.mu.Unlock()
		close(d.stopCh)
		ev := d.logger.Info()
		if cause != nil {
			ev = d.logger.Warn().Err(cause)
		}
		ev.Msg("daemon.stopping")
	})
}

func (d *Daemon) reason() error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.stopReason
}

func (d *Daemon) stopping() bool {
	select {
	case <-d.stopCh:
		return true
	default:
		return false
	}
}
