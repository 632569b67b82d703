// Package realtime delivers turn output to every client subscribed to a
// conversation room.
package realtime

import (
	"log/slog"
	"sync"

	"github.com/howard-nolan/llmgateway/internal/metrics"
)

// Event names on the wire.
const (
	EventMessageReceived   = "message_received"
	EventStreamStart       = "stream_start"
	EventStreamChunk       = "stream_chunk"
	EventStreamEnd         = "stream_end"
	EventGenerationStopped = "generation_stopped"
	EventMessageResponse   = "message_response"
	EventError             = "error"
)

// DefaultSubscriberBuffer is how many events a subscriber may lag behind
// before it is disconnected.
const DefaultSubscriberBuffer = 256

// Event is one message published to a room.
type Event struct {
	Name string         `json:"event"`
	Data map[string]any `json:"data"`
}

// Subscription is one client's view of a room. C is closed when the
// subscription ends, either by Unsubscribe or because the client fell
// too far behind.
type Subscription struct {
	C <-chan Event

	room string
	ch   chan Event
	once sync.Once
}

func (s *Subscription) close() {
	s.once.Do(func() { close(s.ch) })
}

// Hub keeps the set of subscriptions per room.
type Hub struct {
	mu     sync.RWMutex
	rooms  map[string]map[*Subscription]struct{}
	buffer int
}

// NewHub returns an empty hub. buffer <= 0 uses DefaultSubscriberBuffer.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	return &Hub{
		rooms:  make(map[string]map[*Subscription]struct{}),
		buffer: buffer,
	}
}

// Subscribe joins room.
func (h *Hub) Subscribe(room string) *Subscription {
	ch := make(chan Event, h.buffer)
	sub := &Subscription{C: ch, room: room, ch: ch}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[room] == nil {
		h.rooms[room] = make(map[*Subscription]struct{})
	}
	h.rooms[room][sub] = struct{}{}
	return sub
}

// Unsubscribe leaves the room and closes sub.C. Calling it twice is safe.
func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	h.remove(sub)
	h.mu.Unlock()
	sub.close()
}

// remove must be called with h.mu held.
func (h *Hub) remove(sub *Subscription) {
	subs := h.rooms[sub.room]
	delete(subs, sub)
	if len(subs) == 0 {
		delete(h.rooms, sub.room)
	}
}

// Publish fans ev out to every subscriber of room without blocking. A
// subscriber whose buffer is full is disconnected rather than skipped, so
// the events a client does receive are never missing one in the middle.
func (h *Hub) Publish(room string, ev Event) {
	var slow []*Subscription

	h.mu.RLock()
	for sub := range h.rooms[room] {
		select {
		case sub.ch <- ev:
		default:
			slow = append(slow, sub)
		}
	}
	h.mu.RUnlock()

	if len(slow) == 0 {
		return
	}

	h.mu.Lock()
	for _, sub := range slow {
		h.remove(sub)
	}
	h.mu.Unlock()

	for _, sub := range slow {
		slog.Warn("disconnecting slow subscriber", "room", room, "event", ev.Name)
		metrics.SubscribersDropped.Inc()
		sub.close()
	}
}

// Subscribers returns how many clients are in room.
func (h *Hub) Subscribers(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}
