//go:build unix

package daemon

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/danmuck/espmctl/internal/protocol"
	"golang.org/x/sys/unix"
)

// portLock is an exclusive advisory lock held for the daemon's lifetime. The
// kernel drops it when the process exits, so a crashed owner never leaves a
// stale claim behind.
type portLock struct {
	f    *os.File
	path string
}

func acquireLock(path string) (*portLock, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("daemon: open lock %s: %w", path, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		holder := readHolder(f)
		_ = f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("%w: %s held by pid %s", protocol.ErrOwnershipConflict, path, holder)
		}
		return nil, fmt.Errorf("daemon: lock %s: %w", path, err)
	}
	if err := f.Truncate(0); err == nil {
		_, _ = f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0)
	}
	return &portLock{f: f, path: path}, nil
}

func (l *portLock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	_ = unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	err := l.f.Close()
	l.f = nil
	return err
}

func readHolder(f *os.File) string {
	buf := make([]byte, 32)
	n, _ := f.ReadAt(buf, 0)
	if pid := string(bytes.TrimSpace(buf[:n])); pid != "" {
		return pid
	}
	return "unknown"
}
