package identity

import (
	"sync"
	"time"
)

// EventType names a lifecycle transition of the identity provider.
type EventType string

const (
	EventSignedIn       EventType = "signedIn"
	EventSignedOut      EventType = "signedOut"
	EventTokenRefreshed EventType = "tokenRefreshed"
)

// Event is a lifecycle notification.
type Event struct {
	Type    EventType
	Subject string
	At      time.Time
}

// Handler receives lifecycle events. Handlers must not publish to the hub they listen on.
type Handler func(Event)

// Hub fans lifecycle events out to subscribers in publish order.
type Hub struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[int]Handler
	order    []int

	publishMu sync.Mutex
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{handlers: make(map[int]Handler)}
}

// Subscribe registers fn and returns its release func.
func (h *Hub) Subscribe(fn Handler) func() {
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.handlers[id] = fn
	h.order = append(h.order, id)
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.handlers, id)
			for i, existing := range h.order {
				if existing == id {
					h.order = append(h.order[:i], h.order[i+1:]...)
					break
				}
			}
		})
	}
}

// Publish delivers evt to every current subscriber. Concurrent publishers are
// serialised so all subscribers observe the same order.
func (h *Hub) Publish(evt Event) {
	if evt.At.IsZero() {
		evt.At = time.Now()
	}

	h.publishMu.Lock()
	defer h.publishMu.Unlock()

	h.mu.RLock()
	handlers := make([]Handler, 0, len(h.order))
	for _, id := range h.order {
		handlers = append(handlers, h.handlers[id])
	}
	h.mu.RUnlock()

	for _, fn := range handlers {
		fn(evt)
	}
}

// Subscribers returns the number of active registrations.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.handlers)
}
