package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/danmuck/espmctl/internal/client"
	"github.com/danmuck/espmctl/internal/config"
	"github.com/danmuck/espmctl/internal/logging"
	"github.com/danmuck/espmctl/internal/protocol"
	"github.com/danmuck/espmctl/internal/protocol/packet"
	"github.com/danmuck/espmctl/internal/serialport"
	"github.com/danmuck/espmctl/internal/sim"
	"github.com/danmuck/espmctl/internal/tools"
	"github.com/mattn/go-isatty"
)

const usage = `usage: espmctl [--port P] [--baud N] [--chip C] [--config F] [--timeout D] <command> [args]

commands:
  control <json> [--file]            send control parameters to the gateway
  discover [--locked]                list peers in range
  flash <image> [--target T]         flash a peer over the gateway
  serial connect|disconnect [--target T]
                                     open or close the serial bridge to a peer
  stats [key] [--filename F]         read gateway statistics
  daemon start|stop|status           manage the port owner daemon
  ports                              list serial ports
`

const (
	exitOK    = 0
	exitError = 1
	exitUsage = 2
)

var errUsage = errors.New("usage")

// globals are the options shared by every command.
type globals struct {
	port       string
	baud       string
	chip       string
	configPath string
	runtimeDir string
	timeout    time.Duration
}

// app carries the resolved settings into the command handlers.
type app struct {
	g      globals
	cfg    config.Config
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var g globals
	fs := flag.NewFlagSet("espmctl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() { fmt.Fprint(stderr, usage) }
	fs.StringVar(&g.port, "port", "", "serial port device (env ESPTOOL_PORT)")
	fs.StringVar(&g.port, "p", "", "shorthand for --port")
	fs.StringVar(&g.baud, "baud", "", "serial baud rate (env ESPTOOL_BAUD)")
	fs.StringVar(&g.baud, "b", "", "shorthand for --baud")
	fs.StringVar(&g.chip, "chip", "", "target chip type (env ESPTOOL_CHIP)")
	fs.StringVar(&g.chip, "c", "", "shorthand for --chip")
	fs.StringVar(&g.configPath, "config", "", "config file (default: user config dir)")
	fs.StringVar(&g.runtimeDir, "runtime-dir", "", "directory for daemon sockets, locks and logs")
	fs.DurationVar(&g.timeout, "timeout", 0, "per-request timeout")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		return exitUsage
	}
	rest := fs.Args()
	if len(rest) == 0 {
		fs.Usage()
		return exitUsage
	}

	cfg, err := resolveConfig(g, os.Getenv)
	if err != nil {
		fmt.Fprintf(stderr, "espmctl: %v\n", err)
		return exitError
	}
	a := &app{g: g, cfg: cfg, stdin: stdin, stdout: stdout, stderr: stderr}

	cmd, cmdArgs := rest[0], rest[1:]
	if cmd == "daemon" && len(cmdArgs) > 0 && cmdArgs[0] == "start" {
		logging.ConfigureDaemon()
	} else {
		logging.ConfigureRuntime()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if t, perr := packet.ParseCommand(cmd); perr == nil {
		return report(stderr, a.command(ctx, t, cmdArgs))
	}
	switch cmd {
	case "daemon":
		err = a.daemon(ctx, cmdArgs)
	case "ports":
		err = a.ports(cmdArgs)
	case "help":
		fmt.Fprint(stdout, usage)
		return exitOK
	default:
		err = fmt.Errorf("%w: unknown command %q", errUsage, cmd)
	}
	return report(stderr, err)
}

func report(stderr io.Writer, err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, errUsage):
		fmt.Fprintf(stderr, "espmctl: %v\n\n%s", err, usage)
		return exitUsage
	case errors.Is(err, flag.ErrHelp):
		return exitOK
	}
	kind := protocol.KindOf(err)
	if kind == protocol.KindInternal {
		fmt.Fprintf(stderr, "espmctl: %v\n", err)
	} else {
		fmt.Fprintf(stderr, "espmctl: %s: %v\n", kind, err)
	}
	return exitError
}

// resolveConfig layers defaults, the config file, ESPTOOL_* variables and
// flags, in that order.
func resolveConfig(g globals, getenv func(string) string) (config.Config, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return config.Config{}, err
	}
	if err := cfg.ApplyEnv(getenv); err != nil {
		return config.Config{}, err
	}
	if v := strings.TrimSpace(g.port); v != "" {
		cfg.Serial.Port = v
	}
	if v := strings.TrimSpace(g.baud); v != "" {
		baud, err := config.ParseBaud(v)
		if err != nil {
			return config.Config{}, err
		}
		cfg.Serial.Baud = baud
	}
	if v := strings.TrimSpace(g.chip); v != "" {
		cfg.Serial.Chip = config.NormalizeChip(v)
	}
	if v := strings.TrimSpace(g.runtimeDir); v != "" {
		cfg.Daemon.RuntimeDir = v
	}
	if g.timeout > 0 {
		cfg.Transport.RequestTimeout = g.timeout
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// daemonArgs forwards the settings a spawned daemon must share with us.
func (a *app) daemonArgs() []string {
	var args []string
	if a.g.configPath != "" {
		args = append(args, "--config", a.g.configPath)
	}
	args = append(args, "--baud", strconv.Itoa(a.cfg.Serial.Baud))
	if a.cfg.Daemon.RuntimeDir != "" {
		args = append(args, "--runtime-dir", a.cfg.Daemon.RuntimeDir)
	}
	if a.g.timeout > 0 {
		args = append(args, "--timeout", a.g.timeout.String())
	}
	return args
}

// resolvePort fixes the port for this invocation, prompting on a terminal
// when several ports are present.
func (a *app) resolvePort() error {
	var chooser client.Chooser
	if f, ok := a.stdin.(*os.File); ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())) {
		chooser = client.PromptChooser{In: a.stdin, Out: a.stderr}
	}
	port, err := client.ResolvePort(a.cfg.Serial.Port, serialport.List, chooser)
	if err != nil {
		return err
	}
	a.cfg.Serial.Port = port
	return nil
}

func (a *app) newClient() (*client.Client, error) {
	if err := a.resolvePort(); err != nil {
		return nil, err
	}
	launcher := tools.ExecLauncher{Args: a.daemonArgs(), RuntimeDir: a.cfg.Daemon.RuntimeDir}
	return client.New(a.cfg.ClientConfig(), launcher)
}

// opener serves sim:// names from the simulated gateway and everything else
// from real hardware.
func opener() serialport.Opener {
	return sim.WithSimulator(serialport.Open, sim.DefaultOptions())
}
