package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/danmuck/espmctl/internal/command"
	"github.com/danmuck/espmctl/internal/daemon"
	"github.com/danmuck/espmctl/internal/protocol/packet"
	"github.com/danmuck/espmctl/internal/serialport"
	"github.com/rs/zerolog/log"
)

// parseArgs parses flags that may appear before or after positionals.
func parseArgs(fs *flag.FlagSet, args []string) ([]string, error) {
	var positional []string
	for {
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		args = fs.Args()
		if len(args) == 0 {
			return positional, nil
		}
		positional = append(positional, args[0])
		args = args[1:]
	}
}

func (a *app) flagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet("espmctl "+name, flag.ContinueOnError)
	fs.SetOutput(a.stderr)
	return fs
}

// exchange sends msg through the port's daemon and prints the reply.
func (a *app) exchange(ctx context.Context, msg packet.Message) (command.Result, error) {
	c, err := a.newClient()
	if err != nil {
		return command.Result{}, err
	}
	start := time.Now()
	reply, err := c.Request(ctx, msg)
	if err != nil {
		return command.Result{}, err
	}
	log.Debug().
		Str("port", a.cfg.Serial.Port).
		Str("type", msg.Type.String()).
		Dur("elapsed", time.Since(start)).
		Msg("espmctl exchange done")
	res, decodeErr := command.Decode(msg.Type, reply)
	if renderErr := command.Render(a.stdout, res); renderErr != nil && decodeErr == nil {
		return res, renderErr
	}
	return res, decodeErr
}

// command runs one of the operator commands that exchange a message with
// the target.
func (a *app) command(ctx context.Context, t packet.MessageType, args []string) error {
	switch t {
	case packet.TypeControl:
		return a.control(ctx, args)
	case packet.TypeDiscover:
		return a.discover(ctx, args)
	case packet.TypeFlash:
		return a.flash(ctx, args)
	case packet.TypeSerial:
		return a.serial(ctx, args)
	case packet.TypeStats:
		return a.stats(ctx, args)
	default:
		return fmt.Errorf("%w: no command sends %s", errUsage, t)
	}
}

func (a *app) control(ctx context.Context, args []string) error {
	fs := a.flagSet("control")
	file := fs.Bool("file", false, "treat the argument as a path to a JSON file")
	fs.BoolVar(file, "f", false, "shorthand for --file")
	pos, err := parseArgs(fs, args)
	if err != nil {
		return err
	}
	if len(pos) != 1 {
		return fmt.Errorf("%w: control takes one JSON argument or, with --file, one path", errUsage)
	}
	params := []byte(pos[0])
	if *file {
		params, err = os.ReadFile(pos[0])
		if err != nil {
			return fmt.Errorf("control: %w", err)
		}
	}
	msg, err := command.Control(params)
	if err != nil {
		return err
	}
	_, err = a.exchange(ctx, msg)
	return err
}

func (a *app) discover(ctx context.Context, args []string) error {
	fs := a.flagSet("discover")
	locked := fs.Bool("locked", false, "include peers bound to another master")
	fs.BoolVar(locked, "l", false, "shorthand for --locked")
	pos, err := parseArgs(fs, args)
	if err != nil {
		return err
	}
	if len(pos) != 0 {
		return fmt.Errorf("%w: discover takes no arguments", errUsage)
	}
	_, err = a.exchange(ctx, command.Discover(*locked))
	return err
}

func (a *app) flash(ctx context.Context, args []string) error {
	fs := a.flagSet("flash")
	target := fs.String("target", "", "peer MAC or name (default: gateway's choice)")
	fs.StringVar(target, "t", "", "shorthand for --target")
	pos, err := parseArgs(fs, args)
	if err != nil {
		return err
	}
	if len(pos) != 1 {
		return fmt.Errorf("%w: flash takes one image path", errUsage)
	}
	image, err := os.ReadFile(pos[0])
	if err != nil {
		return fmt.Errorf("flash: %w", err)
	}
	msg, err := command.Flash(*target, image)
	if err != nil {
		return err
	}
	log.Info().
		Str("image", pos[0]).
		Int("bytes", len(image)).
		Int("chunks", packet.ChunkCount(len(image))).
		Str("chip", a.cfg.Serial.Chip).
		Msg("espmctl flash")
	_, err = a.exchange(ctx, msg)
	return err
}

func (a *app) serial(ctx context.Context, args []string) error {
	fs := a.flagSet("serial")
	target := fs.String("target", "", "peer MAC or name")
	fs.StringVar(target, "t", "", "shorthand for --target")
	pos, err := parseArgs(fs, args)
	if err != nil {
		return err
	}
	if len(pos) != 1 {
		return fmt.Errorf("%w: serial takes connect or disconnect", errUsage)
	}
	op, err := command.ParseSerialOp(pos[0])
	if err != nil {
		return err
	}
	msg, err := command.Serial(op, *target)
	if err != nil {
		return err
	}
	_, err = a.exchange(ctx, msg)
	return err
}

func (a *app) stats(ctx context.Context, args []string) error {
	fs := a.flagSet("stats")
	filename := fs.String("filename", "", "also write the stats JSON to this file")
	fs.StringVar(filename, "f", "", "shorthand for --filename")
	pos, err := parseArgs(fs, args)
	if err != nil {
		return err
	}
	if len(pos) > 1 {
		return fmt.Errorf("%w: stats takes at most one key", errUsage)
	}
	key := ""
	if len(pos) == 1 {
		key = pos[0]
	}
	res, err := a.exchange(ctx, command.Stats(key))
	if err != nil {
		return err
	}
	if *filename != "" {
		if err := command.WriteStatsFile(*filename, res.Stats); err != nil {
			return fmt.Errorf("stats: %w", err)
		}
	}
	return nil
}

func (a *app) daemon(ctx context.Context, args []string) error {
	fs := a.flagSet("daemon")
	detach := fs.Bool("detach", false, "start the daemon in the background and wait until it serves")
	pos, err := parseArgs(fs, args)
	if err != nil {
		return err
	}
	if len(pos) != 1 {
		return fmt.Errorf("%w: daemon takes start, stop or status", errUsage)
	}
	switch pos[0] {
	case "start":
		if *detach {
			c, err := a.newClient()
			if err != nil {
				return err
			}
			st, err := c.Ensure(ctx)
			if err != nil {
				return err
			}
			return writeStatus(a.stdout, st)
		}
		if err := a.resolvePort(); err != nil {
			return err
		}
		d, err := daemon.New(a.cfg.DaemonConfig(opener()))
		if err != nil {
			return err
		}
		return d.Serve(ctx)
	case "stop", "status":
		a.cfg.Client.AutoStart = false
		c, err := a.newClient()
		if err != nil {
			return err
		}
		var st daemon.Status
		if pos[0] == "stop" {
			st, err = c.Stop(ctx)
		} else {
			st, err = c.Status(ctx)
		}
		if err != nil {
			return err
		}
		return writeStatus(a.stdout, st)
	default:
		return fmt.Errorf("%w: unknown daemon action %q", errUsage, pos[0])
	}
}

func writeStatus(w io.Writer, st daemon.Status) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "port\t%s\n", st.PortID)
	fmt.Fprintf(tw, "state\t%s\n", st.State)
	fmt.Fprintf(tw, "pid\t%d\n", st.PID)
	fmt.Fprintf(tw, "baud\t%d\n", st.BaudRate)
	fmt.Fprintf(tw, "socket\t%s\n", st.Socket)
	if !st.StartedAt.IsZero() {
		fmt.Fprintf(tw, "uptime\t%s\n", time.Since(st.StartedAt).Round(time.Second))
	}
	fmt.Fprintf(tw, "queued\t%d\n", st.Queued)
	fmt.Fprintf(tw, "clients\t%d\n", st.Clients)
	fmt.Fprintf(tw, "served\t%d\n", st.Served)
	fmt.Fprintf(tw, "failed\t%d\n", st.Failed)
	fmt.Fprintf(tw, "framing errors\t%d\n", st.FramingErrors)
	return tw.Flush()
}

func (a *app) ports(args []string) error {
	fs := a.flagSet("ports")
	asJSON := fs.Bool("json", false, "print JSON")
	if _, err := parseArgs(fs, args); err != nil {
		return err
	}
	infos, err := serialport.Describe()
	if err != nil {
		// detailed enumeration is not available everywhere
		log.Debug().Err(err).Msg("espmctl ports falling back to plain list")
		names, listErr := serialport.List()
		if listErr != nil {
			return errors.Join(err, listErr)
		}
		infos = infos[:0]
		for _, n := range names {
			infos = append(infos, serialport.Info{Name: n})
		}
	}
	if *asJSON {
		enc := json.NewEncoder(a.stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(infos)
	}
	if len(infos) == 0 {
		fmt.Fprintln(a.stdout, "no serial ports found")
		return nil
	}
	for _, info := range infos {
		fmt.Fprintln(a.stdout, strings.TrimSpace(info.String()))
	}
	return nil
}
