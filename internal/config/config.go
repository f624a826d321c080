package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/espmctl/internal/client"
	"github.com/danmuck/espmctl/internal/daemon"
	"github.com/danmuck/espmctl/internal/protocol/packet"
	"github.com/danmuck/espmctl/internal/protocol/session"
	"github.com/danmuck/espmctl/internal/serialport"
)

var ErrInvalid = errors.New("config: invalid")

// Chips accepted by --chip. The value is carried for future use and does not
// change the wire protocol.
var Chips = []string{"auto", "esp8266", "esp32", "esp32s2", "esp32s3beta2", "esp32s3", "esp32c3", "esp32c6beta", "esp32h2"}

type Config struct {
	Serial    SerialConfig
	Transport TransportConfig
	Daemon    DaemonConfig
	Client    ClientConfig
}

type SerialConfig struct {
	Port        string
	Baud        int
	Chip        string
	ReadTimeout time.Duration
}

type TransportConfig struct {
	RequestTimeout  time.Duration
	DrainTimeout    time.Duration
	FrameRate       float64
	FrameBurst      int
	MaxMessageBytes uint32
}

type DaemonConfig struct {
	// RuntimeDir empty means daemon.DefaultRuntimeDir.
	RuntimeDir        string
	StatusAddr        string
	StatusCORSOrigins []string
	QueueDepth        int
	Heartbeat         time.Duration
	LateReplyGrace    time.Duration
	MaxTimeouts       int
}

type ClientConfig struct {
	StartTimeout time.Duration
	DialTimeout  time.Duration
	AutoStart    bool
	QueueWait    time.Duration
}

func Default() Config {
	s := session.DefaultConfig()
	d := daemon.DefaultConfig()
	c := client.DefaultConfig()
	return Config{
		Serial: SerialConfig{
			Baud:        serialport.DefaultBaudRate,
			Chip:        "auto",
			ReadTimeout: s.ReadTimeout,
		},
		Transport: TransportConfig{
			RequestTimeout:  s.RequestTimeout,
			DrainTimeout:    s.DrainTimeout,
			FrameRate:       s.FrameRate,
			FrameBurst:      s.FrameBurst,
			MaxMessageBytes: s.Limits.MaxMessageBytes,
		},
		Daemon: DaemonConfig{
			QueueDepth:     d.QueueDepth,
			Heartbeat:      d.HeartbeatInterval,
			LateReplyGrace: d.LateReplyGrace,
			MaxTimeouts:    d.MaxTimeouts,
		},
		Client: ClientConfig{
			StartTimeout: c.StartTimeout,
			DialTimeout:  c.DialTimeout,
			AutoStart:    c.AutoStart,
			QueueWait:    c.QueueWait,
		},
	}
}

// DefaultPath is the per-user config file location.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "espmctl", "config.toml")
}

// Load overlays the keys defined in path onto the defaults. An empty path
// loads DefaultPath when that file exists and the defaults otherwise.
func Load(path string) (Config, error) {
	cfg := Default()
	path = strings.TrimSpace(path)
	if path == "" {
		path = DefaultPath()
		if _, err := os.Stat(path); path == "" || err != nil {
			return cfg, nil
		}
	}

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("%w: unknown key %s in %s", ErrInvalid, undecoded[0], path)
	}

	var errs []error
	dur := func(dst *time.Duration, key, raw string) {
		d, err := time.ParseDuration(strings.TrimSpace(raw))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %v", key, err))
			return
		}
		*dst = d
	}

	if meta.IsDefined("serial", "port") {
		cfg.Serial.Port = strings.TrimSpace(raw.Serial.Port)
	}
	if meta.IsDefined("serial", "baud") {
		cfg.Serial.Baud = raw.Serial.Baud
	}
	if meta.IsDefined("serial", "chip") {
		cfg.Serial.Chip = NormalizeChip(raw.Serial.Chip)
	}
	if meta.IsDefined("serial", "read_timeout") {
		dur(&cfg.Serial.ReadTimeout, "serial.read_timeout", raw.Serial.ReadTimeout)
	}
	if meta.IsDefined("transport", "request_timeout") {
		dur(&cfg.Transport.RequestTimeout, "transport.request_timeout", raw.Transport.RequestTimeout)
	}
	if meta.IsDefined("transport", "drain_timeout") {
		dur(&cfg.Transport.DrainTimeout, "transport.drain_timeout", raw.Transport.DrainTimeout)
	}
	if meta.IsDefined("transport", "frame_rate") {
		cfg.Transport.FrameRate = raw.Transport.FrameRate
	}
	if meta.IsDefined("transport", "frame_burst") {
		cfg.Transport.FrameBurst = raw.Transport.FrameBurst
	}
	if meta.IsDefined("transport", "max_message_bytes") {
		cfg.Transport.MaxMessageBytes = raw.Transport.MaxMessageBytes
	}
	if meta.IsDefined("daemon", "runtime_dir") {
		cfg.Daemon.RuntimeDir = strings.TrimSpace(raw.Daemon.RuntimeDir)
	}
	if meta.IsDefined("daemon", "status_addr") {
		cfg.Daemon.StatusAddr = strings.TrimSpace(raw.Daemon.StatusAddr)
	}
	if meta.IsDefined("daemon", "status_cors_origins") {
		cfg.Daemon.StatusCORSOrigins = raw.Daemon.StatusCORSOrigins
	}
	if meta.IsDefined("daemon", "queue_depth") {
		cfg.Daemon.QueueDepth = raw.Daemon.QueueDepth
	}
	if meta.IsDefined("daemon", "heartbeat") {
		dur(&cfg.Daemon.Heartbeat, "daemon.heartbeat", raw.Daemon.Heartbeat)
	}
	if meta.IsDefined("daemon", "late_reply_grace") {
		dur(&cfg.Daemon.LateReplyGrace, "daemon.late_reply_grace", raw.Daemon.LateReplyGrace)
	}
	if meta.IsDefined("daemon", "max_timeouts") {
		cfg.Daemon.MaxTimeouts = raw.Daemon.MaxTimeouts
	}
	if meta.IsDefined("client", "start_timeout") {
		dur(&cfg.Client.StartTimeout, "client.start_timeout", raw.Client.StartTimeout)
	}
	if meta.IsDefined("client", "dial_timeout") {
		dur(&cfg.Client.DialTimeout, "client.dial_timeout", raw.Client.DialTimeout)
	}
	if meta.IsDefined("client", "queue_wait") {
		dur(&cfg.Client.QueueWait, "client.queue_wait", raw.Client.QueueWait)
	}
	if meta.IsDefined("client", "auto_start") {
		cfg.Client.AutoStart = raw.Client.AutoStart
	}
	if len(errs) > 0 {
		return Config{}, fmt.Errorf("%w: %s: %w", ErrInvalid, path, errors.Join(errs...))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv applies the esptool-compatible ESPTOOL_PORT, ESPTOOL_BAUD and
// ESPTOOL_CHIP variables.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if v := strings.TrimSpace(getenv("ESPTOOL_PORT")); v != "" {
		c.Serial.Port = v
	}
	if v := strings.TrimSpace(getenv("ESPTOOL_BAUD")); v != "" {
		baud, err := ParseBaud(v)
		if err != nil {
			return fmt.Errorf("ESPTOOL_BAUD: %w", err)
		}
		c.Serial.Baud = baud
	}
	if v := strings.TrimSpace(getenv("ESPTOOL_CHIP")); v != "" {
		c.Serial.Chip = NormalizeChip(v)
	}
	return nil
}

// ParseBaud accepts decimal or 0x-prefixed values.
func ParseBaud(raw string) (int, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(raw), 0, 32)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: baud %q", ErrInvalid, raw)
	}
	return int(n), nil
}

func NormalizeChip(raw string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(raw)), "-", "")
}

func (c Config) Validate() error {
	var errs []error
	positive := func(key string, ok bool) {
		if !ok {
			errs = append(errs, fmt.Errorf("%s must be positive", key))
		}
	}
	positive("serial.baud", c.Serial.Baud > 0)
	positive("serial.read_timeout", c.Serial.ReadTimeout > 0)
	positive("transport.request_timeout", c.Transport.RequestTimeout > 0)
	positive("transport.drain_timeout", c.Transport.DrainTimeout > 0)
	positive("transport.frame_burst", c.Transport.FrameBurst > 0)
	positive("transport.max_message_bytes", c.Transport.MaxMessageBytes > 0)
	positive("daemon.queue_depth", c.Daemon.QueueDepth > 0)
	positive("daemon.heartbeat", c.Daemon.Heartbeat > 0)
	positive("client.start_timeout", c.Client.StartTimeout > 0)
	positive("client.dial_timeout", c.Client.DialTimeout > 0)
	positive("client.queue_wait", c.Client.QueueWait > 0)
	if c.Transport.FrameRate < 0 {
		errs = append(errs, errors.New("transport.frame_rate must not be negative"))
	}
	if c.Daemon.LateReplyGrace < 0 {
		errs = append(errs, errors.New("daemon.late_reply_grace must not be negative"))
	}
	if c.Daemon.MaxTimeouts == 0 {
		errs = append(errs, errors.New("daemon.max_timeouts must not be zero, use -1 to never give up"))
	}
	if !slices.Contains(Chips, c.Serial.Chip) {
		errs = append(errs, fmt.Errorf("serial.chip %q not one of %s", c.Serial.Chip, strings.Join(Chips, ", ")))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

func (c Config) SessionConfig() session.Config {
	s := session.DefaultConfig()
	s.ReadTimeout = c.Serial.ReadTimeout
	s.RequestTimeout = c.Transport.RequestTimeout
	s.DrainTimeout = c.Transport.DrainTimeout
	s.FrameRate = c.Transport.FrameRate
	s.FrameBurst = c.Transport.FrameBurst
	s.Limits = packet.Limits{MaxMessageBytes: c.Transport.MaxMessageBytes}
	return s
}

// DaemonConfig builds the owner daemon settings for the configured port.
func (c Config) DaemonConfig(open serialport.Opener) daemon.Config {
	return daemon.Config{
		PortID:            c.Serial.Port,
		BaudRate:          c.Serial.Baud,
		RuntimeDir:        c.Daemon.RuntimeDir,
		QueueDepth:        c.Daemon.QueueDepth,
		HeartbeatInterval: c.Daemon.Heartbeat,
		LateReplyGrace:    c.Daemon.LateReplyGrace,
		MaxTimeouts:       c.Daemon.MaxTimeouts,
		StatusAddr:        c.Daemon.StatusAddr,
		StatusCORSOrigins: c.Daemon.StatusCORSOrigins,
		Session:           c.SessionConfig(),
		Open:              open,
	}
}

func (c Config) ClientConfig() client.Config {
	return client.Config{
		PortID:         c.Serial.Port,
		RuntimeDir:     c.Daemon.RuntimeDir,
		DialTimeout:    c.Client.DialTimeout,
		StartTimeout:   c.Client.StartTimeout,
		RequestTimeout: c.Transport.RequestTimeout,
		Backoff:        session.DefaultConfig().Backoff,
		AutoStart:      c.Client.AutoStart,
		QueueWait:      c.Client.QueueWait,
	}
}
