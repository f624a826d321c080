//go:build !unix

package tools

import "os/exec"

func detach(cmd *exec.Cmd) {}
