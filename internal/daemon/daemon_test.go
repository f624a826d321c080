package daemon

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/espmctl/internal/command"
	"github.com/danmuck/espmctl/internal/protocol"
	"github.com/danmuck/espmctl/internal/protocol/packet"
	"github.com/danmuck/espmctl/internal/protocol/session"
	"github.com/danmuck/espmctl/internal/serialport"
	"github.com/danmuck/espmctl/internal/sim"
	"github.com/danmuck/espmctl/internal/testutil/testlog"
)

type simHarness struct {
	mu      sync.Mutex
	opens   atomic.Int32
	gateway *sim.Gateway
	host    *serialport.PipePort
	opts    sim.Options
}

func (h *simHarness) open(name string, baud int, readTimeout time.Duration) (serialport.Port, error) {
	h.opens.Add(1)
	host, gw := sim.Dial(name, readTimeout, h.opts)
	h.mu.Lock()
	h.gateway, h.host = gw, host
	h.mu.Unlock()
	return host, nil
}

func (h *simHarness) gw() *sim.Gateway {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.gateway
}

func newHarness(delay time.Duration) *simHarness {
	opts := sim.DefaultOptions()
	opts.Delay = delay
	opts.Session.ReadTimeout = 20 * time.Millisecond
	return &simHarness{opts: opts}
}

func testConfig(t *testing.T, open serialport.Opener) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.PortID = "sim://bench"
	cfg.RuntimeDir = shortTempDir(t)
	cfg.HeartbeatInterval = 50 * time.Millisecond
	cfg.LateReplyGrace = time.Second
	cfg.Session.ReadTimeout = 20 * time.Millisecond
	cfg.Session.DrainTimeout = 60 * time.Millisecond
	cfg.Session.RequestTimeout = 2 * time.Second
	cfg.Open = open
	return cfg
}

// shortTempDir keeps socket paths under the unix address length limit.
func shortTempDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "espm")
	if err != nil {
		t.Fatalf("temp dir: %v", err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return dir
}

func startDaemon(t *testing.T, cfg Config) (*Daemon, <-chan error) {
	t.Helper()
	d, err := New(cfg)
	if err != nil {
		t.Fatalf("new daemon: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(3 * time.Second):
		}
	})
	select {
	case <-d.Ready():
	case <-time.After(2 * time.Second):
		t.Fatalf("daemon did not become ready")
	}
	if st := d.State(); st != StateIdle {
		t.Fatalf("expected idle after start, got %s", st)
	}
	return d, done
}

func call(t *testing.T, socket string, req session.Request) session.Reply {
	t.Helper()
	conn, err := net.DialTimeout("unix", socket, time.Second)
	if err != nil {
		t.Errorf("dial %s: %v", socket, err)
		return session.Reply{}
	}
	defer conn.Close()
	if err := session.WriteRequest(conn, req); err != nil {
		t.Errorf("write request: %v", err)
		return session.Reply{}
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	reply, err := session.ReadReply(bufio.NewReader(conn))
	if err != nil {
		t.Errorf("read reply: %v", err)
	}
	return reply
}

func statsRequest(key string, timeout time.Duration) session.Request {
	return session.NewRequest(command.Stats(key), timeout)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestConcurrentStartYieldsOneOwner(t *testing.T) {
	testlog.Start(t)
	h := newHarness(0)
	cfg := testConfig(t, h.open)

	a, err := New(cfg)
	if err != nil {
		t.Fatalf("new a: %v", err)
	}
	b, err := New(cfg)
	if err != nil {
		t.Fatalf("new b: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errs := make(chan error, 2)
	go func() { errs <- a.Serve(ctx) }()
	go func() { errs <- b.Serve(ctx) }()

	select {
	case err := <-errs:
		if !errors.Is(err, protocol.ErrOwnershipConflict) {
			t.Fatalf("expected ErrOwnershipConflict from the losing daemon, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("neither daemon reported a conflict")
	}
	<-a.Ready()
	<-b.Ready()
	if got := h.opens.Load(); got != 1 {
		t.Fatalf("port opened %d times, want 1", got)
	}
	serving := 0
	for _, d := range []*Daemon{a, b} {
		if d.State().Serving() {
			serving++
		}
	}
	if serving != 1 {
		t.Fatalf("serving daemons got=%d want=1", serving)
	}

	cancel()
	select {
	case err := <-errs:
		if err != nil {
			t.Fatalf("winner exit: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("winner did not stop")
	}
}

func TestRequestsServedInFIFOOrder(t *testing.T) {
	testlog.Start(t)
	h := newHarness(40 * time.Millisecond)
	d, _ := startDaemon(t, testConfig(t, h.open))
	socket := SocketPath(d.cfg.RuntimeDir, d.cfg.PortID)

	keys := []string{"A", "B", "C"}
	replies := make([]session.Reply, len(keys))
	var wg sync.WaitGroup
	for i, key := range keys {
		wg.Add(1)
		go func(i int, key string) {
			defer wg.Done()
			replies[i] = call(t, socket, statsRequest(key, time.Second))
		}(i, key)
		waitFor(t, "request "+key+" to be recorded", func() bool {
			for _, p := range d.Record().List() {
				if p.CorrelationID == uint64(i+1) {
					return true
				}
			}
			return false
		})
	}
	wg.Wait()

	served := h.gw().Served()
	if len(served) != len(keys) {
		t.Fatalf("gateway served %d requests, want %d", len(served), len(keys))
	}
	for i, key := range keys {
		if string(served[i].Payload) != key {
			t.Fatalf("served[%d]=%q want %q", i, served[i].Payload, key)
		}
		r := replies[i]
		if !r.OK {
			t.Fatalf("reply %s failed: %s", key, r.Error)
		}
		if r.CorrelationID != uint64(i+1) {
			t.Fatalf("reply %s correlation got=%d want=%d", key, r.CorrelationID, i+1)
		}
		stats, err := command.DecodeStats(r.Payload)
		if err != nil {
			t.Fatalf("decode %s: %v", key, err)
		}
		if _, ok := stats[key]; !ok || len(stats) != 1 {
			t.Fatalf("client %s received someone else's reply: %s", key, r.Payload)
		}
	}
	if st := d.Status(); st.Served != 3 || st.State != StateIdle {
		t.Fatalf("unexpected status after FIFO run: %+v", st)
	}
}

func TestAbandonedRequestReplyIsConsumed(t *testing.T) {
	testlog.Start(t)
	h := newHarness(150 * time.Millisecond)
	d, _ := startDaemon(t, testConfig(t, h.open))
	socket := SocketPath(d.cfg.RuntimeDir, d.cfg.PortID)

	conn, err := net.Dial("unix", socket)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if err := session.WriteRequest(conn, statsRequest("slow", time.Second)); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitFor(t, "slow request in flight", func() bool {
		item, ok := d.Record().Get(1)
		return ok && !item.StartedAt.IsZero()
	})
	_ = conn.Close()
	waitFor(t, "slow request abandoned", func() bool {
		item, ok := d.Record().Get(1)
		return !ok || item.Abandoned
	})

	reply := call(t, socket, statsRequest("next", time.Second))
	if !reply.OK {
		t.Fatalf("next request failed: %s", reply.Error)
	}
	stats, _ := command.DecodeStats(reply.Payload)
	if _, ok := stats["next"]; !ok {
		t.Fatalf("next request got stale reply %s", reply.Payload)
	}
	if served := h.gw().Served(); len(served) != 2 {
		t.Fatalf("gateway served %d, want 2", len(served))
	}
}

func TestTimedOutExchangeDoesNotLeakIntoNext(t *testing.T) {
	testlog.Start(t)
	h := newHarness(250 * time.Millisecond)
	d, _ := startDaemon(t, testConfig(t, h.open))
	socket := SocketPath(d.cfg.RuntimeDir, d.cfg.PortID)

	first := call(t, socket, statsRequest("late", 80*time.Millisecond))
	if first.OK || first.Kind != protocol.KindTimeout {
		t.Fatalf("expected timeout reply, got %+v", first)
	}
	if !errors.Is(first.Err(), protocol.ErrTimeout) {
		t.Fatalf("reply error does not map to ErrTimeout: %v", first.Err())
	}

	second := call(t, socket, statsRequest("fresh", 2*time.Second))
	if !second.OK {
		t.Fatalf("second request failed: %s", second.Error)
	}
	stats, _ := command.DecodeStats(second.Payload)
	if _, ok := stats["fresh"]; !ok {
		t.Fatalf("second request received the late reply: %s", second.Payload)
	}
}

func TestRepeatedTimeoutsStopDaemon(t *testing.T) {
	testlog.Start(t)
	h := newHarness(5 * time.Second)
	cfg := testConfig(t, h.open)
	cfg.LateReplyGrace = 0
	cfg.MaxTimeouts = 2
	d, done := startDaemon(t, cfg)
	socket := SocketPath(d.cfg.RuntimeDir, d.cfg.PortID)

	first := call(t, socket, statsRequest("a", 50*time.Millisecond))
	if first.Kind != protocol.KindTimeout {
		t.Fatalf("expected timeout reply, got %+v", first)
	}
	if st := d.State(); !st.Serving() {
		t.Fatalf("daemon gave up after a single timeout: %s", st)
	}

	second := call(t, socket, statsRequest("b", 50*time.Millisecond))
	if second.Kind != protocol.KindTimeout {
		t.Fatalf("expected timeout reply, got %+v", second)
	}
	select {
	case err := <-done:
		if !errors.Is(err, ErrUnresponsive) || !errors.Is(err, protocol.ErrPortUnavailable) {
			t.Fatalf("expected ErrUnresponsive exit, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("daemon kept running after repeated timeouts")
	}
}

func TestServiceStopShutsDown(t *testing.T) {
	testlog.Start(t)
	h := newHarness(0)
	d, done := startDaemon(t, testConfig(t, h.open))
	socket := SocketPath(d.cfg.RuntimeDir, d.cfg.PortID)

	ping := call(t, socket, session.NewRequest(packet.ServiceMessage(packet.ServicePing), 0))
	var st Status
	if err := json.Unmarshal(ping.Payload, &st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if st.PortID != "sim://bench" || st.State != StateIdle {
		t.Fatalf("unexpected ping status: %+v", st)
	}

	reply := call(t, socket, session.NewRequest(packet.ServiceMessage(packet.ServiceStop), 0))
	if !reply.OK {
		t.Fatalf("stop failed: %s", reply.Error)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve after stop: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("daemon did not stop")
	}
	if d.State() != StateStopping {
		t.Fatalf("expected stopping state, got %s", d.State())
	}
	if _, err := os.Stat(socket); !os.IsNotExist(err) {
		t.Fatalf("socket left behind: %v", err)
	}
}

func TestDeviceLossStopsDaemon(t *testing.T) {
	testlog.Start(t)
	h := newHarness(0)
	d, done := startDaemon(t, testConfig(t, h.open))
	socket := SocketPath(d.cfg.RuntimeDir, d.cfg.PortID)

	h.mu.Lock()
	h.host.Unplug()
	h.mu.Unlock()

	reply := call(t, socket, statsRequest("uptime_s", time.Second))
	if reply.OK || reply.Kind != protocol.KindPortUnavailable {
		t.Fatalf("expected port_unavailable reply, got %+v", reply)
	}
	select {
	case err := <-done:
		if !errors.Is(err, protocol.ErrPortUnavailable) {
			t.Fatalf("expected ErrPortUnavailable exit, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("daemon kept running after device loss")
	}
}

func TestPortOpenFailureReleasesOwnership(t *testing.T) {
	testlog.Start(t)
	failing := func(name string, baud int, readTimeout time.Duration) (serialport.Port, error) {
		return nil, errors.Join(protocol.ErrPortUnavailable, errors.New("no such device"))
	}
	cfg := testConfig(t, failing)
	d, err := New(cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := d.Serve(context.Background()); !errors.Is(err, protocol.ErrPortUnavailable) {
		t.Fatalf("expected ErrPortUnavailable, got %v", err)
	}

	h := newHarness(0)
	cfg.Open = h.open
	startDaemon(t, cfg)
}

func TestConfigValidate(t *testing.T) {
	testlog.Start(t)
	if _, err := New(Config{}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
	cfg := Config{PortID: " /dev/ttyUSB0 "}.WithDefaults()
	if cfg.PortID != "/dev/ttyUSB0" || cfg.Session.Label != "/dev/ttyUSB0" {
		t.Fatalf("port id not normalized: %+v", cfg)
	}
	if cfg.BaudRate != serialport.DefaultBaudRate {
		t.Fatalf("baud got=%d", cfg.BaudRate)
	}
}

func TestPortKeyIsFilesystemSafe(t *testing.T) {
	testlog.Start(t)
	a := PortKey("/dev/ttyUSB0")
	b := PortKey("/dev/ttyUSB1")
	if a == b {
		t.Fatalf("distinct ports share key %q", a)
	}
	if strings.ContainsAny(a, "/:") || !strings.HasPrefix(a, "dev_ttyUSB0-") {
		t.Fatalf("unexpected key %q", a)
	}
	if PortKey("sim://a/b") == PortKey("sim://a_b") {
		t.Fatalf("sanitized collisions must differ by hash")
	}
	long := PortKey("/dev/serial/by-id/usb-Silicon_Labs_CP2102_USB_to_UART_Bridge_Controller_0001-if00-port0")
	if len(long) > maxKeyStem+9 {
		t.Fatalf("key too long: %d", len(long))
	}
}
