package daemon

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"
)

const maxKeyStem = 40

// DefaultRuntimeDir is where sockets, locks and daemon logs live.
func DefaultRuntimeDir() string {
	if dir := strings.TrimSpace(os.Getenv("XDG_RUNTIME_DIR")); dir != "" {
		return filepath.Join(dir, "espmctl")
	}
	return filepath.Join(os.TempDir(), fmt.Sprintf("espmctl-%d", os.Getuid()))
}

// PortKey maps a port identifier onto a filesystem-safe name. The hash
// suffix keeps identifiers that sanitize alike apart.
func PortKey(portID string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(portID) {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	stem := strings.Trim(b.String(), "_.")
	if len(stem) > maxKeyStem {
		stem = stem[len(stem)-maxKeyStem:]
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(portID))
	return fmt.Sprintf("%s-%08x", stem, h.Sum32())
}

func SocketPath(runtimeDir, portID string) string {
	return filepath.Join(runtimeDir, PortKey(portID)+".sock")
}

func LockPath(runtimeDir, portID string) string {
	return filepath.Join(runtimeDir, PortKey(portID)+".lock")
}

func LogPath(runtimeDir, portID string) string {
	return filepath.Join(runtimeDir, PortKey(portID)+".log")
}
