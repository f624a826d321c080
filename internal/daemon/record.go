package daemon

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/espmctl/internal/protocol/packet"
)

// PendingExchange tracks one queued or in-flight request.
type PendingExchange struct {
	CorrelationID uint64             `json:"correlation_id"`
	MessageType   packet.MessageType `json:"message_type"`
	Client        string             `json:"client"`
	QueuedAt      time.Time          `json:"queued_at"`
	StartedAt     time.Time          `json:"started_at,omitempty"`
	DeadlineAt    time.Time          `json:"deadline_at,omitempty"`
	Abandoned     bool               `json:"abandoned,omitempty"`
}

// OwnershipRecord is the per-port state held by the owning daemon: pending
// exchanges by correlation id and the connected clients.
type OwnershipRecord struct {
	mu      sync.RWMutex
	portID  string
	nextID  uint64
	pending map[uint64]PendingExchange
	clients map[string]time.Time
}

func NewOwnershipRecord(portID string) *OwnershipRecord {
	return &OwnershipRecord{
		portID:  portID,
		pending: make(map[uint64]PendingExchange),
		clients: make(map[string]time.Time),
	}
}

func (r *OwnershipRecord) PortID() string {
	return r.portID
}

// Enqueue assigns the next correlation id and records the exchange.
func (r *OwnershipRecord) Enqueue(t packet.MessageType, client string, at time.Time) PendingExchange {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	item := PendingExchange{
		CorrelationID: r.nextID,
		MessageType:   t,
		Client:        strings.TrimSpace(client),
		QueuedAt:      at,
	}
	r.pending[item.CorrelationID] = item
	return item
}

func (r *OwnershipRecord) MarkStarted(id uint64, at, deadline time.Time) (PendingExchange, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	item, ok := r.pending[id]
	if !ok {
		return PendingExchange{}, false
	}
	item.StartedAt = at
	item.DeadlineAt = deadline
	r.pending[id] = item
	return item, true
}

// MarkAbandoned flags an exchange whose client stopped waiting. The worker
// still completes it and discards the reply.
func (r *OwnershipRecord) MarkAbandoned(id uint64) (PendingExchange, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	item, ok := r.pending[id]
	if !ok {
		return PendingExchange{}, false
	}
	item.Abandoned = true
	r.pending[id] = item
	return item, true
}

func (r *OwnershipRecord) Remove(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pending, id)
}

func (r *OwnershipRecord) Get(id uint64) (PendingExchange, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	item, ok := r.pending[id]
	return item, ok
}

// List returns pending exchanges in correlation (arrival) order.
func (r *OwnershipRecord) List() []PendingExchange {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]PendingExchange, 0, len(r.pending))
	for _, item := range r.pending {
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CorrelationID < out[j].CorrelationID
	})
	return out
}

func (r *OwnershipRecord) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.pending)
}

func (r *OwnershipRecord) AddClient(name string, at time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[name] = at
	return len(r.clients)
}

func (r *OwnershipRecord) RemoveClient(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, name)
	return len(r.clients)
}

func (r *OwnershipRecord) Clients() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.clients))
	for name := range r.clients {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
