//go:build !unix

package daemon

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/danmuck/espmctl/internal/protocol"
)

// portLock falls back to an exclusive-create lock file where flock is not
// available. A crashed owner leaves the file behind and it must be removed by hand.
type portLock struct {
	f    *os.File
	path string
}

func acquireLock(path string) (*portLock, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("%w: %s exists", protocol.ErrOwnershipConflict, path)
		}
		return nil, fmt.Errorf("daemon: create lock %s: %w", path, err)
	}
	_, _ = f.WriteString(strconv.Itoa(os.Getpid()) + "\n")
	return &portLock{f: f, path: path}, nil
}

func (l *portLock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	_ = os.Remove(l.path)
	return err
}
