// Package realtime fans out session lifecycle and message events to
// connected websocket observers.
package realtime

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

const subscriberBuffer = 64

// Event is one broadcast frame. Data carries the event-specific payload.
type Event struct {
	Type      string         `json:"event"`
	SessionID string         `json:"sessionId,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// Hub manages active observer subscriptions.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]chan Event
}

// NewHub creates a new broadcast hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string]chan Event)}
}

// Subscribe registers a new observer and returns its id and event channel.
func (h *Hub) Subscribe() (string, <-chan Event) {
	id := uuid.NewString()
	ch := make(chan Event, subscriberBuffer)

	h.mu.Lock()
	h.subs[id] = ch
	h.mu.Unlock()

	slog.Info("Realtime observer subscribed", "subscriber_id", id)
	return id, ch
}

// Unsubscribe removes an observer and closes its channel.
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	ch, ok := h.subs[id]
	if ok {
		delete(h.subs, id)
	}
	h.mu.Unlock()

	if ok {
		close(ch)
		slog.Info("Realtime observer unsubscribed", "subscriber_id", id)
	}
}

// Publish fans an event out to every observer. Never blocks the caller: a
// subscriber whose buffer is full misses the event.
func (h *Hub) Publish(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for id, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			slog.Warn("Dropping event for slow observer", "subscriber_id", id, "event", ev.Type)
		}
	}
}

// SubscriberCount returns the number of connected observers.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
