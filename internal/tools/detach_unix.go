//go:build unix

package tools

import (
	"os/exec"
	"syscall"
)

// detach puts the child in its own session so terminal signals and the
// parent's exit do not reach it.
func detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}
