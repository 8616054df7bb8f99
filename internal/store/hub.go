package store

import (
	"sync"

	"TablePay/internal/models"
)

// Hub fans change events out to per-order subscribers.
type Hub struct {
	mu   sync.Mutex
	next int
	subs map[string]map[int]func(models.ChangeEvent)
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[int]func(models.ChangeEvent))}
}

// Subscribe registers fn for orderID. The returned func is idempotent.
func (h *Hub) Subscribe(orderID string, fn func(models.ChangeEvent)) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.next++
	id := h.next
	if h.subs[orderID] == nil {
		h.subs[orderID] = make(map[int]func(models.ChangeEvent))
	}
	h.subs[orderID][id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.subs[orderID], id)
			if len(h.subs[orderID]) == 0 {
				delete(h.subs, orderID)
			}
		})
	}
}

// Publish calls subscribers outside the lock so they may unsubscribe.
func (h *Hub) Publish(evt models.ChangeEvent) {
	h.mu.Lock()
	fns := make([]func(models.ChangeEvent), 0, len(h.subs[evt.OrderID]))
	for _, fn := range h.subs[evt.OrderID] {
		fns = append(fns, fn)
	}
	h.mu.Unlock()

	for _, fn := range fns {
		fn(evt)
	}
}

func (h *Hub) Subscribers(orderID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[orderID])
}
