// Package sim provides a simulated gateway target reachable through an
// in-memory port, so the tool runs end to end without hardware.
package sim

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/espmctl/internal/command"
	"github.com/danmuck/espmctl/internal/protocol"
	"github.com/danmuck/espmctl/internal/protocol/packet"
	"github.com/danmuck/espmctl/internal/protocol/session"
	"github.com/danmuck/espmctl/internal/serialport"
	"github.com/rs/zerolog/log"
)

// Scheme prefixes port identifiers served by a simulated gateway.
const Scheme = "sim://"

// Options shapes what the simulated gateway reports.
type Options struct {
	Peers       []command.Peer
	LockedPeers []command.Peer
	Stats       map[string]any
	// Delay is applied before every reply.
	Delay   time.Duration
	Session session.Config
}

func DefaultOptions() Options {
	return Options{
		Peers: []command.Peer{
			{MAC: net.HardwareAddr{0x24, 0x6f, 0x28, 0x01, 0x02, 0x03}, Name: "node-a", OTA: true, Serial: true, Control: true, Stats: true},
			{MAC: net.HardwareAddr{0x24, 0x6f, 0x28, 0x04, 0x05, 0x06}, Name: "node-b", OTA: true, Stats: true},
		},
		LockedPeers: []command.Peer{
			{MAC: net.HardwareAddr{0x24, 0x6f, 0x28, 0x07, 0x08, 0x09}, Name: "node-locked", OTA: true},
		},
		Stats: map[string]any{
			"uptime_s":    3600,
			"peers":       2,
			"rx_frames":   1024,
			"tx_frames":   998,
			"free_heap_b": 182344,
		},
		Session: session.DefaultConfig(),
	}
}

// Gateway answers host requests on one end of a port.
type Gateway struct {
	port serialport.Port
	sess *session.Session
	opts Options

	mu      sync.Mutex
	served  []packet.Message
	images  map[string][]byte
	bridges map[string]bool
	control [][]byte
}

func NewGateway(port serialport.Port, opts Options) *Gateway {
	cfg := opts.Session.WithDefaults()
	_ = port.SetReadTimeout(cfg.ReadTimeout)
	cfg.Label = "sim"
	return &Gateway{
		port:    port,
		sess:    session.New(port, cfg),
		opts:    opts,
		images:  make(map[string][]byte),
		bridges: make(map[string]bool),
	}
}

// Serve answers requests until ctx ends or the port goes away.
func (g *Gateway) Serve(ctx context.Context) error {
	for {
		req, err := g.sess.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, protocol.ErrPortUnavailable) {
				return err
			}
			log.Debug().Err(err).Msg("sim.Gateway dropped request")
			continue
		}
		reply := g.Handle(req)
		if g.opts.Delay > 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(g.opts.Delay):
			}
		}
		if err := g.sess.Send(ctx, reply.Type, reply.Payload); err != nil {
			if errors.Is(err, protocol.ErrPortUnavailable) {
				return err
			}
			log.Debug().Err(err).Msg("sim.Gateway reply failed")
		}
	}
}

// Handle produces the reply for one request.
func (g *Gateway) Handle(req packet.Message) packet.Message {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.served = append(g.served, packet.Message{Type: req.Type, Payload: append([]byte(nil), req.Payload...)})

	resp := packet.Message{Type: req.Type.Response()}
	switch req.Type {
	case packet.TypeDiscover:
		locked, err := command.ParseDiscover(req.Payload)
		if err != nil {
			locked = false
		}
		peers := append([]command.Peer(nil), g.opts.Peers...)
		if locked {
			peers = append(peers, g.opts.LockedPeers...)
		}
		resp.Payload = command.EncodePeers(peers)
	case packet.TypeFlash:
		target, image, err := command.ParseFlash(req.Payload)
		switch {
		case err != nil:
			resp.Payload = command.EncodeAck(command.AckNoMemory)
		case !g.known(target):
			resp.Payload = command.EncodeAck(command.AckUnknownTarget)
		default:
			g.images[target] = image
			resp.Payload = command.EncodeAck(command.AckOK)
		}
	case packet.TypeSerial:
		op, target, err := command.ParseSerial(req.Payload)
		switch {
		case err != nil:
			resp.Payload = command.EncodeAck(command.AckNoMemory)
		case !g.known(target):
			resp.Payload = command.EncodeAck(command.AckUnknownTarget)
		default:
			g.bridges[target] = op == command.SerialConnect
			resp.Payload = command.EncodeAck(command.AckOK)
		}
	case packet.TypeControl:
		if !json.Valid(req.Payload) {
			resp.Payload = command.EncodeAck(command.AckNoMemory)
			break
		}
		g.control = append(g.control, append([]byte(nil), req.Payload...))
		resp.Payload = command.EncodeAck(command.AckOK)
	case packet.TypeStats:
		resp.Payload = g.statsLocked(strings.TrimSpace(string(req.Payload)))
	}
	return resp
}

func (g *Gateway) known(target string) bool {
	if target == "" {
		return true
	}
	for _, p := range append(append([]command.Peer(nil), g.opts.Peers...), g.opts.LockedPeers...) {
		if strings.EqualFold(target, p.Name) || strings.EqualFold(target, p.MAC.String()) {
			return true
		}
	}
	return false
}

func (g *Gateway) statsLocked(key string) []byte {
	var out map[string]any
	if key == "" {
		out = g.opts.Stats
	} else {
		out = map[string]any{key: g.opts.Stats[key]}
	}
	b, err := json.Marshal(out)
	if err != nil {
		return []byte("{}")
	}
	return b
}

// Served returns the requests handled so far, in arrival order.
func (g *Gateway) Served() []packet.Message {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]packet.Message(nil), g.served...)
}

// Image returns the last firmware image flashed to target.
func (g *Gateway) Image(target string) ([]byte, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	img, ok := g.images[target]
	return img, ok
}

// Bridged reports whether the virtual serial bridge to target is open.
func (g *Gateway) Bridged(target string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.bridges[target]
}

func (g *Gateway) Control() [][]byte {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([][]byte(nil), g.control...)
}
