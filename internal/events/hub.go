package events

import (
	"context"
	"log/slog"
	"sync"

	"astro-solver/internal/telemetry"
)

const defaultBuffer = 32

// Hub is an in-process fan-out of events to subscribers.
type Hub struct {
	logger *slog.Logger
	buffer int

	mu     sync.RWMutex
	nextID int
	subs   map[int]chan Event
}

// NewHub creates a hub whose subscriber channels hold buffer events.
func NewHub(logger *slog.Logger, buffer int) *Hub {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{logger: logger, buffer: buffer, subs: make(map[int]chan Event)}
}

// Subscribe registers a subscriber. The returned cancel func unregisters it and closes the channel.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, h.buffer)

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Subscribers returns the number of live subscribers.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Emit encodes payload and delivers it to every subscriber without blocking.
func (h *Hub) Emit(ctx context.Context, name string, payload any) {
	ev, err := newEvent(name, payload)
	if err != nil {
		h.logger.WarnContext(ctx, "encode event", "event", name, "error", err)
		return
	}
	h.Publish(ev)
}

// Publish delivers an already encoded event. A subscriber with a full buffer misses the event.
func (h *Hub) Publish(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			telemetry.EventsDropped.Inc()
		}
	}
}
