// Package stream fans committed engine events out to live subscribers.
package stream

import (
	"context"
	"sync"

	"quorumvault/pkg/events"
)

// Filter selects the events a subscriber wants. A zero Filter matches all.
type Filter struct {
	Wallet string
	Types  map[events.Type]struct{}
}

func (f Filter) Match(evt events.Event) bool {
	if f.Wallet != "" && f.Wallet != evt.Wallet {
		return false
	}
	if len(f.Types) > 0 {
		if _, ok := f.Types[evt.Type]; !ok {
			return false
		}
	}
	return true
}

type Hub struct {
	mu      sync.RWMutex
	subs    map[chan events.Event]Filter
	dropped uint64
}

func NewHub() *Hub {
	return &Hub{subs: map[chan events.Event]Filter{}}
}

func (h *Hub) Subscribe(buffer int, filter Filter) chan events.Event {
	if buffer <= 0 {
		buffer = 32
	}
	ch := make(chan events.Event, buffer)
	h.mu.Lock()
	h.subs[ch] = filter
	h.mu.Unlock()
	return ch
}

func (h *Hub) Unsubscribe(ch chan events.Event) {
	h.mu.Lock()
	_, exists := h.subs[ch]
	if exists {
		delete(h.subs, ch)
	}
	h.mu.Unlock()
	if exists {
		close(ch)
	}
}

// Publish never blocks: a subscriber whose buffer is full misses the event.
func (h *Hub) Publish(_ context.Context, evts ...events.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, evt := range evts {
		for ch, filter := range h.subs {
			if !filter.Match(evt) {
				continue
			}
			select {
			case ch <- evt:
			default:
				h.dropped++
			}
		}
	}
	return nil
}

// Dropped reports how many deliveries were skipped on full buffers.
func (h *Hub) Dropped() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.dropped
}

// Subscribers reports the current subscriber count.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
