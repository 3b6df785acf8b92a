// Package realtime fans session-scoped progress events out to subscribed
// clients over websocket and SSE.
package realtime

import (
	"context"
	"sync"
	"time"
)

// Event kinds.
const (
	EventSessionStatus = "session_status"
	EventMessageUpdate = "message_update"
)

// Event is one session-scoped update delivered to subscribers.
type Event struct {
	SessionID string                 `json:"session_id"`
	Event     string                 `json:"event"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// subscriber receives events for the set of sessions it subscribed to.
type subscriber struct {
	ch       chan Event
	sessions map[string]bool
}

// Hub routes events to per-session subscribers. Delivery is best-effort: a
// subscriber that cannot keep up has events dropped rather than blocking the
// pipeline.
type Hub struct {
	mu   sync.RWMutex
	subs map[*subscriber]bool
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[*subscriber]bool)}
}

// Emit publishes a session-scoped event to all subscribers of that session.
// It implements the Emitter interfaces of the pipeline and completion flow.
func (h *Hub) Emit(sessionID, event string, payload map[string]interface{}) {
	evt := Event{
		SessionID: sessionID,
		Event:     event,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs {
		if !sub.sessions[sessionID] {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			// Slow consumer, drop.
		}
	}
}

// Subscribe registers a new subscriber and returns its event channel plus an
// unsubscribe-all cleanup func. Sessions are added via Add.
func (h *Hub) Subscribe(ctx context.Context) (<-chan Event, func(sessionID string), func(sessionID string), func()) {
	sub := &subscriber{
		ch:       make(chan Event, 64),
		sessions: make(map[string]bool),
	}

	h.mu.Lock()
	h.subs[sub] = true
	h.mu.Unlock()

	add := func(sessionID string) {
		h.mu.Lock()
		sub.sessions[sessionID] = true
		h.mu.Unlock()
	}
	remove := func(sessionID string) {
		h.mu.Lock()
		delete(sub.sessions, sessionID)
		h.mu.Unlock()
	}
	cancel := func() {
		h.mu.Lock()
		delete(h.subs, sub)
		h.mu.Unlock()
	}

	// Drop the subscriber when its context dies.
	go func() {
		<-ctx.Done()
		cancel()
	}()

	return sub.ch, add, remove, cancel
}

// SubscriberCount returns the number of connected subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
