package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
)

// fileConfig is the on-disk layout. Durations are Go duration strings.
type fileConfig struct {
	Serial    fileSerial    `toml:"serial"`
	Transport fileTransport `toml:"transport"`
	Daemon    fileDaemon    `toml:"daemon"`
	Client    fileClient    `toml:"client"`
}

type fileSerial struct {
	Port        string `toml:"port,omitempty"`
	Baud        int    `toml:"baud"`
	Chip        string `toml:"chip"`
	ReadTimeout string `toml:"read_timeout"`
}

type fileTransport struct {
	RequestTimeout  string  `toml:"request_timeout"`
	DrainTimeout    string  `toml:"drain_timeout"`
	FrameRate       float64 `toml:"frame_rate"`
	FrameBurst      int     `toml:"frame_burst"`
	MaxMessageBytes uint32  `toml:"max_message_bytes"`
}

type fileDaemon struct {
	RuntimeDir        string   `toml:"runtime_dir"`
	StatusAddr        string   `toml:"status_addr"`
	StatusCORSOrigins []string `toml:"status_cors_origins"`
	QueueDepth        int      `toml:"queue_depth"`
	Heartbeat         string   `toml:"heartbeat"`
	LateReplyGrace    string   `toml:"late_reply_grace"`
	MaxTimeouts       int      `toml:"max_timeouts"`
}

type fileClient struct {
	StartTimeout string `toml:"start_timeout"`
	DialTimeout  string `toml:"dial_timeout"`
	AutoStart    bool   `toml:"auto_start"`
	QueueWait    string `toml:"queue_wait"`
}

func toFile(c Config) fileConfig {
	origins := c.Daemon.StatusCORSOrigins
	if origins == nil {
		origins = []string{}
	}
	return fileConfig{
		Serial: fileSerial{
			Port:        c.Serial.Port,
			Baud:        c.Serial.Baud,
			Chip:        c.Serial.Chip,
			ReadTimeout: c.Serial.ReadTimeout.String(),
		},
		Transport: fileTransport{
			RequestTimeout:  c.Transport.RequestTimeout.String(),
			DrainTimeout:    c.Transport.DrainTimeout.String(),
			FrameRate:       c.Transport.FrameRate,
			FrameBurst:      c.Transport.FrameBurst,
			MaxMessageBytes: c.Transport.MaxMessageBytes,
		},
		Daemon: fileDaemon{
			RuntimeDir:        c.Daemon.RuntimeDir,
			StatusAddr:        c.Daemon.StatusAddr,
			StatusCORSOrigins: origins,
			QueueDepth:        c.Daemon.QueueDepth,
			Heartbeat:         c.Daemon.Heartbeat.String(),
			LateReplyGrace:    c.Daemon.LateReplyGrace.String(),
			MaxTimeouts:       c.Daemon.MaxTimeouts,
		},
		Client: fileClient{
			StartTimeout: c.Client.StartTimeout.String(),
			DialTimeout:  c.Client.DialTimeout.String(),
			AutoStart:    c.Client.AutoStart,
			QueueWait:    c.Client.QueueWait.String(),
		},
	}
}

const templateHeader = `# espmctl configuration.
# Durations use Go syntax (500ms, 5s, 1m). An empty status_addr disables the
# daemon's HTTP status endpoint and an empty runtime_dir selects the per-user
# runtime directory.

`

// Template renders c as a config file.
func Template(c Config) (string, error) {
	b, err := toml.Marshal(toFile(c))
	if err != nil {
		return "", fmt.Errorf("config template: %w", err)
	}
	return templateHeader + string(b), nil
}

// WriteTemplate writes the default config to path, refusing to replace an
// existing file unless overwrite is set.
func WriteTemplate(path string, overwrite bool) error {
	tmpl, err := Template(Default())
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(tmpl), 0o600)
}

// EnsureDir creates the directory that will hold path.
func EnsureDir(path string) error {
	return os.MkdirAll(filepath.Dir(path), 0o700)
}
