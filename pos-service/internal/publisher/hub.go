package publisher

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/fjod/go_caja/pos-service/internal/domain"
)

// Hub fans events out to in-process subscribers such as SSE clients.
// A subscriber that falls behind loses events instead of blocking publishers.
type Hub struct {
	mu      sync.RWMutex
	subs    map[uint64]chan domain.Event
	nextID  uint64
	dropped atomic.Int64
}

func NewHub() *Hub {
	return &Hub{subs: make(map[uint64]chan domain.Event)}
}

// Subscribe registers a listener. The returned func unsubscribes and closes the channel.
func (h *Hub) Subscribe(buffer int) (<-chan domain.Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan domain.Event, buffer)

	h.mu.Lock()
	h.nextID++
	id := h.nextID
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

func (h *Hub) Publish(_ context.Context, ev domain.Event) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			h.dropped.Add(1)
		}
	}
	return nil
}

func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped counts events lost to slow subscribers.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}
