package server

import (
	"log/slog"
	"sync"

	"github.com/floegence/flowerdesk/internal/ai"
)

const subscriberBuffer = 256

// Hub fans session events out to every connected event stream.
// A subscriber that falls behind by more than its buffer is dropped; it sees its channel closed
// and is expected to reconnect and re-read /v1/history.
type Hub struct {
	log *slog.Logger

	mu     sync.Mutex
	nextID int
	subs   map[int]chan ai.Event
	closed bool
}

var _ ai.Sink = (*Hub)(nil)

func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Hub{log: log, subs: make(map[int]chan ai.Event)}
}

func (h *Hub) Emit(ev ai.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			delete(h.subs, id)
			close(ch)
			h.log.Warn("event subscriber dropped", "subscriber", id, "turn_id", ev.TurnID)
		}
	}
}

// Subscribe registers a listener. The returned func unsubscribes and is safe to call twice.
func (h *Hub) Subscribe() (<-chan ai.Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch := make(chan ai.Event, subscriberBuffer)
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	h.nextID++
	id := h.nextID
	h.subs[id] = ch
	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if cur, ok := h.subs[id]; ok && cur == ch {
			delete(h.subs, id)
			close(ch)
		}
	}
}

func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close ends every subscription.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}
