package server

import (
	"sync"

	"lendcore/core/events"
)

const defaultSubscriberBuffer = 64

type subscriber struct {
	account string
	ch      chan *events.Record
}

// Hub fans committed engine events out to live stream subscribers. It is an
// events.Emitter; slow subscribers lose events rather than block the engine.
type Hub struct {
	mu      sync.RWMutex
	buffer  int
	nextID  uint64
	subs    map[uint64]*subscriber
	dropped uint64
}

// NewHub builds a hub whose subscribers buffer up to buffer records.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	return &Hub{buffer: buffer, subs: make(map[uint64]*subscriber)}
}

// Subscribe registers interest in the events touching account. The returned
// cancel function must be called once the subscriber is gone.
func (h *Hub) Subscribe(account string) (<-chan *events.Record, func()) {
	sub := &subscriber{account: account, ch: make(chan *events.Record, h.buffer)}
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = sub
	h.mu.Unlock()
	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(sub.ch)
		})
	}
}

// Emit implements events.Emitter.
func (h *Hub) Emit(ev events.Event) {
	recordable, ok := ev.(events.Recordable)
	if !ok {
		return
	}
	rec := recordable.Record()
	account := rec.Attributes["account"]
	liquidator := rec.Attributes["liquidator"]
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, sub := range h.subs {
		if sub.account != account && sub.account != liquidator {
			continue
		}
		select {
		case sub.ch <- rec:
		default:
			h.dropped++
		}
	}
}

// Subscribers returns the number of live subscribers.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped returns the number of records discarded for slow subscribers.
func (h *Hub) Dropped() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.dropped
}
