package main

import (
	"bytes"
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/espmctl/internal/daemon"
	"github.com/danmuck/espmctl/internal/testutil/testlog"
)

func emptyConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, nil, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestParseArgsInterspersed(t *testing.T) {
	testlog.Start(t)
	fs := flag.NewFlagSet("flash", flag.ContinueOnError)
	target := fs.String("target", "", "")
	pos, err := parseArgs(fs, []string{"fw.bin", "--target", "node-a"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(pos) != 1 || pos[0] != "fw.bin" || *target != "node-a" {
		t.Fatalf("got pos=%v target=%q", pos, *target)
	}
}

func TestResolveConfigLayering(t *testing.T) {
	testlog.Start(t)
	env := map[string]string{"ESPTOOL_PORT": "/dev/ttyUSB9", "ESPTOOL_BAUD": "921600", "ESPTOOL_CHIP": "esp32"}
	getenv := func(k string) string { return env[k] }

	cfg, err := resolveConfig(globals{configPath: emptyConfig(t)}, getenv)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if cfg.Serial.Port != "/dev/ttyUSB9" || cfg.Serial.Baud != 921600 || cfg.Serial.Chip != "esp32" {
		t.Fatalf("env layer not applied: %+v", cfg.Serial)
	}

	g := globals{configPath: emptyConfig(t), port: "sim://x", baud: "115200", chip: "ESP32-C3", timeout: 3 * time.Second}
	cfg, err = resolveConfig(g, getenv)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if cfg.Serial.Port != "sim://x" || cfg.Serial.Baud != 115200 || cfg.Serial.Chip != "esp32c3" {
		t.Fatalf("flag layer not applied: %+v", cfg.Serial)
	}
	if cfg.Transport.RequestTimeout != 3*time.Second {
		t.Fatalf("timeout got=%s", cfg.Transport.RequestTimeout)
	}

	if _, err := resolveConfig(globals{configPath: emptyConfig(t), chip: "z80"}, getenv); err == nil {
		t.Fatalf("expected unknown chip to fail")
	}
}

func TestRunUsageErrors(t *testing.T) {
	testlog.Start(t)
	var stdout, stderr bytes.Buffer
	if code := run(nil, nil, &stdout, &stderr); code != exitUsage {
		t.Fatalf("no command exit got=%d", code)
	}
	stderr.Reset()
	cfgPath := emptyConfig(t)
	if code := run([]string{"--config", cfgPath, "frobnicate"}, nil, &stdout, &stderr); code != exitUsage {
		t.Fatalf("unknown command exit got=%d", code)
	}
	if !strings.Contains(stderr.String(), `unknown command "frobnicate"`) {
		t.Fatalf("stderr got=%q", stderr.String())
	}
	if code := run([]string{"--config", cfgPath, "--port", "sim://u", "serial", "open"}, nil, &stdout, &stderr); code != exitError {
		t.Fatalf("bad serial op exit got=%d", code)
	}
}

func TestRunAgainstSimulatedGateway(t *testing.T) {
	testlog.Start(t)
	dir, err := os.MkdirTemp("", "espm")
	if err != nil {
		t.Fatalf("temp dir: %v", err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	base := []string{"--config", emptyConfig(t), "--runtime-dir", dir, "--port", "sim://cli"}
	cmd := func(args ...string) (int, string, string) {
		var stdout, stderr bytes.Buffer
		code := run(append(append([]string(nil), base...), args...), nil, &stdout, &stderr)
		return code, stdout.String(), stderr.String()
	}

	done := make(chan int, 1)
	go func() {
		code, _, stderr := cmd("daemon", "start")
		if code != exitOK {
			t.Errorf("daemon exit=%d stderr=%s", code, stderr)
		}
		done <- code
	}()
	socket := daemon.SocketPath(dir, "sim://cli")
	deadline := time.Now().Add(3 * time.Second)
	for {
		if code, _, _ := cmd("daemon", "status"); code == exitOK {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("daemon never served %s", socket)
		}
		time.Sleep(20 * time.Millisecond)
	}

	code, out, stderr := cmd("discover", "--locked")
	if code != exitOK || !strings.Contains(out, "node-locked") || !strings.Contains(out, "node-a") {
		t.Fatalf("discover exit=%d out=%q stderr=%q", code, out, stderr)
	}

	statsFile := filepath.Join(t.TempDir(), "stats.json")
	code, out, stderr = cmd("stats", "uptime_s", "-f", statsFile)
	if code != exitOK || !strings.Contains(out, `"uptime_s": 3600`) {
		t.Fatalf("stats exit=%d out=%q stderr=%q", code, out, stderr)
	}
	if b, err := os.ReadFile(statsFile); err != nil || !strings.Contains(string(b), "uptime_s") {
		t.Fatalf("stats file: %q err=%v", b, err)
	}

	image := filepath.Join(t.TempDir(), "fw.bin")
	if err := os.WriteFile(image, bytes.Repeat([]byte{0xC0, 0xDB, 0x11}, 4000), 0o600); err != nil {
		t.Fatalf("write image: %v", err)
	}
	code, out, stderr = cmd("flash", image, "--target", "node-a")
	if code != exitOK || strings.TrimSpace(out) != "ok" {
		t.Fatalf("flash exit=%d out=%q stderr=%q", code, out, stderr)
	}

	code, out, _ = cmd("serial", "connect", "--target", "ghost")
	if code != exitError || strings.TrimSpace(out) != "unknown target" {
		t.Fatalf("serial to unknown target exit=%d out=%q", code, out)
	}

	code, out, stderr = cmd("control", `{"led": true}`)
	if code != exitOK || strings.TrimSpace(out) != "ok" {
		t.Fatalf("control exit=%d out=%q stderr=%q", code, out, stderr)
	}
	controlFile := filepath.Join(t.TempDir(), "control.json")
	if err := os.WriteFile(controlFile, []byte(`{"led": false}`), 0o600); err != nil {
		t.Fatalf("write control file: %v", err)
	}
	code, out, stderr = cmd("control", "-f", controlFile)
	if code != exitOK || strings.TrimSpace(out) != "ok" {
		t.Fatalf("control -f exit=%d out=%q stderr=%q", code, out, stderr)
	}

	if code, _, stderr := cmd("daemon", "stop"); code != exitOK {
		t.Fatalf("stop exit=%d stderr=%s", code, stderr)
	}
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatalf("daemon did not exit after stop")
	}
}
