package tools

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/danmuck/espmctl/internal/daemon"
	"github.com/rs/zerolog/log"
)

var ErrLaunch = errors.New("tools: daemon launch failed")

// ExecLauncher starts the owner daemon by re-executing a binary detached from
// the calling terminal, with output appended to the port's log file.
type ExecLauncher struct {
	// Executable defaults to the running binary.
	Executable string
	// Args are placed before the daemon arguments, e.g. --config or --baud.
	Args       []string
	RuntimeDir string
}

// Command builds the daemon command line for portID.
func (l ExecLauncher) Command(portID string) (string, []string, error) {
	exe := strings.TrimSpace(l.Executable)
	if exe == "" {
		self, err := os.Executable()
		if err != nil {
			return "", nil, fmt.Errorf("%w: resolve executable: %v", ErrLaunch, err)
		}
		exe = self
	}
	args := append([]string(nil), l.Args...)
	args = append(args, "--port", portID, "daemon", "start")
	return exe, args, nil
}

// Launch spawns the daemon and returns without waiting for it to serve.
func (l ExecLauncher) Launch(_ context.Context, portID string) error {
	runtimeDir := l.RuntimeDir
	if strings.TrimSpace(runtimeDir) == "" {
		runtimeDir = daemon.DefaultRuntimeDir()
	}
	if err := os.MkdirAll(runtimeDir, 0o700); err != nil {
		return fmt.Errorf("%w: runtime dir: %v", ErrLaunch, err)
	}
	exe, args, err := l.Command(portID)
	if err != nil {
		return err
	}
	logPath := daemon.LogPath(runtimeDir, portID)
	out, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("%w: log file: %v", ErrLaunch, err)
	}
	defer out.Close()

	// not CommandContext: the daemon must outlive the caller
	cmd := exec.Command(exe, args...)
	cmd.Stdin = nil
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.Env = os.Environ()
	detach(cmd)

	if err := cmd.Start(); err != nil {
		var execErr *exec.Error
		if errors.As(err, &execErr) {
			return fmt.Errorf("%w: %s not executable: %v", ErrLaunch, exe, execErr.Err)
		}
		return fmt.Errorf("%w: %v", ErrLaunch, err)
	}
	log.Info().
		Str("port", portID).
		Int("pid", cmd.Process.Pid).
		Str("log", logPath).
		Msg("tools.ExecLauncher daemon spawned")
	// reap the child if this process outlives it
	go func() { _ = cmd.Wait() }()
	return nil
}
