package session

import (
	"time"

	"github.com/danmuck/espmctl/internal/protocol/packet"
)

// BackoffConfig defines retry backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Config defines transport session timing and pacing.
type Config struct {
	// ReadTimeout is the per-read deadline configured on the port. A read that
	// returns nothing within it counts as a stalled stream.
	ReadTimeout time.Duration
	// RequestTimeout bounds one request/reply exchange when the caller gives none.
	RequestTimeout time.Duration
	// DrainTimeout is the quiet period that ends a drain.
	DrainTimeout time.Duration
	// FrameRate limits frames written per second; zero disables pacing.
	FrameRate  float64
	FrameBurst int
	Limits     packet.Limits
	Backoff    BackoffConfig
	Label      string
}

func DefaultConfig() Config {
	return Config{
		ReadTimeout:    500 * time.Millisecond,
		RequestTimeout: 30 * time.Second,
		DrainTimeout:   250 * time.Millisecond,
		FrameRate:      0,
		FrameBurst:     8,
		Limits:         packet.DefaultLimits(),
		Backoff: BackoffConfig{
			InitialDelay: 100 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     2 * time.Second,
			Jitter:       true,
		},
	}
}

// WithDefaults fills zero fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = d.ReadTimeout
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = d.DrainTimeout
	}
	if c.FrameRate < 0 {
		c.FrameRate = 0
	}
	if c.FrameBurst <= 0 {
		c.FrameBurst = d.FrameBurst
	}
	if c.Limits.MaxMessageBytes == 0 {
		c.Limits = d.Limits
	}
	if c.Backoff.InitialDelay <= 0 {
		c.Backoff = d.Backoff
	}
	return c
}
