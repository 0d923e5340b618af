// Package events fans job lifecycle notifications out to status API clients.
package events

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nbrelay/nbrelay/internal/protocol"
)

// Lifecycle event types, in the order a healthy job emits them.
const (
	TypeJobAccepted    = "job.accepted"
	TypeJobDispatched  = "job.dispatched"
	TypeBlockConverted = "block.converted"
	TypeBlockFailed    = "block.failed"
	TypeBlockRetried   = "block.retried"
	TypeJobFinalized   = "job.finalized"
)

// Event is one lifecycle notification.
type Event struct {
	ID   int64           `json:"id"`
	Type string          `json:"type"`
	At   time.Time       `json:"at"`
	Data json.RawMessage `json:"data"`
}

// JobEvent is the payload shared by all lifecycle events.
type JobEvent struct {
	JobID      string        `json:"job_id"`
	BlockIndex int           `json:"block_index,omitempty"`
	Kind       protocol.Kind `json:"kind,omitempty"`
	Status     string        `json:"status,omitempty"`
	Error      string        `json:"error,omitempty"`
	Blocks     int           `json:"blocks,omitempty"`
	Attempt    int           `json:"attempt,omitempty"`
}

// Hub is an in-memory pub/sub with a small ring buffer so late websocket
// clients can catch up on recent history.
type Hub struct {
	nextID atomic.Int64

	mu    sync.Mutex
	ring  []Event
	start int
	size  int

	subs      map[int]chan Event
	nextSubID int
}

// NewHub creates a hub retaining the last capacity events.
func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = 100
	}
	return &Hub{
		ring: make([]Event, capacity),
		subs: make(map[int]chan Event),
	}
}

// Publish broadcasts one lifecycle event. Slow subscribers lose events rather
// than blocking the dispatcher.
func (h *Hub) Publish(eventType string, payload JobEvent) {
	id := h.nextID.Add(1)

	data, err := json.Marshal(payload)
	if err != nil {
		data = []byte("{}")
	}

	ev := Event{
		ID:   id,
		Type: eventType,
		At:   time.Now().UTC(),
		Data: data,
	}

	h.mu.Lock()
	h.pushLocked(ev)
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	h.mu.Unlock()
}

// Subscribe returns a channel of future events and a cancel function.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextSubID
	h.nextSubID++
	ch := make(chan Event, 128)
	h.subs[id] = ch

	cancel := func() {
		h.mu.Lock()
		if c, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(c)
		}
		h.mu.Unlock()
	}

	return ch, cancel
}

// SnapshotSince returns buffered events with ID > lastID, oldest-first.
// lastID 0 returns the full buffer.
func (h *Hub) SnapshotSince(lastID int64) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Event, 0, h.size)
	for i := 0; i < h.size; i++ {
		ev := h.ring[(h.start+i)%len(h.ring)]
		if lastID == 0 || ev.ID > lastID {
			out = append(out, ev)
		}
	}
	return out
}

func (h *Hub) pushLocked(ev Event) {
	capacity := len(h.ring)
	if capacity == 0 {
		return
	}

	if h.size < capacity {
		idx := (h.start + h.size) % capacity
		h.ring[idx] = ev
		h.size++
		return
	}

	// Overwrite oldest.
	h.ring[h.start] = ev
	h.start = (h.start + 1) % capacity
}
