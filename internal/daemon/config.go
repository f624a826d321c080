package daemon

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/espmctl/internal/protocol/session"
	"github.com/danmuck/espmctl/internal/serialport"
)

var ErrInvalidConfig = errors.New("daemon: invalid config")

// Config holds the owner daemon's settings for one port.
type Config struct {
	PortID            string
	BaudRate          int
	RuntimeDir        string
	QueueDepth        int
	HeartbeatInterval time.Duration
	// ClientReadTimeout bounds how long a connected client may take to send
	// its request line.
	ClientReadTimeout time.Duration
	// LateReplyGrace is how long the worker keeps waiting for a reply after
	// the client's own timeout fired. Zero skips the wait and only drains.
	LateReplyGrace    time.Duration
	StatusAddr        string
	StatusCORSOrigins []string
	Session           session.Config
	Open              serialport.Opener
	// MaxTimeouts is how many exchanges in a row may time out before the
	// target is taken as gone. Negative never gives up.
	MaxTimeouts int
}

func DefaultConfig() Config {
	return Config{
		BaudRate:          serialport.DefaultBaudRate,
		RuntimeDir:        DefaultRuntimeDir(),
		QueueDepth:        64,
		HeartbeatInterval: 5 * time.Second,
		ClientReadTimeout: 10 * time.Second,
		LateReplyGrace:    5 * time.Second,
		MaxTimeouts:       3,
		Session:           session.DefaultConfig(),
		Open:              serialport.Open,
	}
}

// WithDefaults fills zero fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	c.PortID = strings.TrimSpace(c.PortID)
	if c.BaudRate <= 0 {
		c.BaudRate = d.BaudRate
	}
	if strings.TrimSpace(c.RuntimeDir) == "" {
		c.RuntimeDir = d.RuntimeDir
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = d.QueueDepth
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.ClientReadTimeout <= 0 {
		c.ClientReadTimeout = d.ClientReadTimeout
	}
	if c.LateReplyGrace < 0 {
		c.LateReplyGrace = 0
	}
	if c.MaxTimeouts == 0 {
		c.MaxTimeouts = d.MaxTimeouts
	}
	if c.Open == nil {
		c.Open = d.Open
	}
	c.Session = c.Session.WithDefaults()
	c.Session.Label = c.PortID
	return c
}

func (c Config) Validate() error {
	if c.PortID == "" {
		return fmt.Errorf("%w: missing port id", ErrInvalidConfig)
	}
	if c.BaudRate <= 0 {
		return fmt.Errorf("%w: baud rate must be positive", ErrInvalidConfig)
	}
	if c.QueueDepth <= 0 {
		return fmt.Errorf("%w: queue depth must be positive", ErrInvalidConfig)
	}
	return nil
}
