package daemon

import (
	"testing"
	"time"

	"github.com/danmuck/espmctl/internal/protocol/packet"
	"github.com/danmuck/espmctl/internal/testutil/testlog"
)

func TestOwnershipRecordTracksExchanges(t *testing.T) {
	testlog.Start(t)
	r := NewOwnershipRecord("/dev/ttyUSB0")
	now := time.Now()

	a := r.Enqueue(packet.TypeStats, " client-1 ", now)
	b := r.Enqueue(packet.TypeFlash, "client-2", now)
	if a.CorrelationID != 1 || b.CorrelationID != 2 {
		t.Fatalf("ids not sequential: %d %d", a.CorrelationID, b.CorrelationID)
	}
	if a.Client != "client-1" {
		t.Fatalf("client not trimmed: %q", a.Client)
	}

	if _, ok := r.MarkStarted(a.CorrelationID, now, now.Add(time.Second)); !ok {
		t.Fatalf("mark started failed")
	}
	if _, ok := r.MarkAbandoned(b.CorrelationID); !ok {
		t.Fatalf("mark abandoned failed")
	}
	list := r.List()
	if len(list) != 2 || list[0].CorrelationID != 1 || list[1].CorrelationID != 2 {
		t.Fatalf("unexpected list order: %+v", list)
	}
	if list[0].StartedAt.IsZero() || !list[1].Abandoned {
		t.Fatalf("marks not recorded: %+v", list)
	}

	r.Remove(a.CorrelationID)
	if _, ok := r.Get(a.CorrelationID); ok {
		t.Fatalf("removed exchange still present")
	}
	if _, ok := r.MarkAbandoned(a.CorrelationID); ok {
		t.Fatalf("marking a removed exchange must fail")
	}
	if r.Len() != 1 {
		t.Fatalf("len got=%d want=1", r.Len())
	}
	if next := r.Enqueue(packet.TypeStats, "client-3", now); next.CorrelationID != 3 {
		t.Fatalf("ids must not be reused: %d", next.CorrelationID)
	}
}

func TestOwnershipRecordClients(t *testing.T) {
	testlog.Start(t)
	r := NewOwnershipRecord("sim://x")
	if n := r.AddClient("b", time.Now()); n != 1 {
		t.Fatalf("add b got=%d", n)
	}
	r.AddClient("a", time.Now())
	if got := r.Clients(); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("clients got=%v", got)
	}
	if n := r.RemoveClient("a"); n != 1 {
		t.Fatalf("remove a got=%d", n)
	}
	if r.PortID() != "sim://x" {
		t.Fatalf("port id got=%q", r.PortID())
	}
}
