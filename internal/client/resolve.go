package client

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

var (
	ErrNoPorts       = errors.New("client: no serial ports found")
	ErrAmbiguousPort = errors.New("client: several serial ports found, pass --port")
	ErrNoChoice      = errors.New("client: no port chosen")
)

// Chooser picks one port out of several candidates.
type Chooser interface {
	Choose(ports []string) (string, error)
}

// ResolvePort returns the explicit port when given, otherwise the only
// listed port or the one the chooser picks.
func ResolvePort(port string, list func() ([]string, error), chooser Chooser) (string, error) {
	if port = strings.TrimSpace(port); port != "" {
		return port, nil
	}
	if list == nil {
		return "", ErrNoPorts
	}
	ports, err := list()
	if err != nil {
		return "", fmt.Errorf("client: list ports: %w", err)
	}
	switch {
	case len(ports) == 0:
		return "", ErrNoPorts
	case len(ports) == 1:
		return ports[0], nil
	case chooser == nil:
		return "", fmt.Errorf("%w: %s", ErrAmbiguousPort, strings.Join(ports, ", "))
	}
	chosen, err := chooser.Choose(ports)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(chosen), nil
}

// PromptChooser lists the ports on Out and reads a 1-based index from In.
type PromptChooser struct {
	In  io.Reader
	Out io.Writer
}

func (p PromptChooser) Choose(ports []string) (string, error) {
	for i, name := range ports {
		fmt.Fprintf(p.Out, "  [%d] %s\n", i+1, name)
	}
	fmt.Fprintf(p.Out, "select port [1-%d]: ", len(ports))
	line, err := bufio.NewReader(p.In).ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", fmt.Errorf("%w: %v", ErrNoChoice, err)
	}
	n, err := strconv.Atoi(strings.TrimSpace(line))
	if err != nil || n < 1 || n > len(ports) {
		return "", fmt.Errorf("%w: invalid selection %q", ErrNoChoice, strings.TrimSpace(line))
	}
	return ports[n-1], nil
}
