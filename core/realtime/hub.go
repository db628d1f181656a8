package realtime

import (
	"context"
	"sync"
)

const subscriberBuffer = 16

type subscriber struct {
	ch chan Event
}

// Hub is an in-process Broker.
// Delivery never blocks the publisher: a subscriber whose buffer is full misses the event,
// which is fine as long as it already has a pending one (it reloads the latest state anyway).
type Hub struct {
	mu     sync.RWMutex
	topics map[string]map[*subscriber]struct{}
	closed bool
}

var _ Broker = (*Hub)(nil)

func NewHub() *Hub {
	return &Hub{topics: make(map[string]map[*subscriber]struct{})}
}

func (h *Hub) Publish(_ context.Context, evt Event) error {
	h.Dispatch(evt)
	return nil
}

// Dispatch delivers evt to the local subscribers of its topics.
func (h *Hub) Dispatch(evt Event) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for _, topic := range evt.Topics() {
		for sub := range h.topics[topic] {
			select {
			case sub.ch <- evt:
				delivered++
			default:
			}
		}
	}
	return delivered
}

func (h *Hub) Subscribe(topic string) (<-chan Event, func()) {
	sub := &subscriber{ch: make(chan Event, subscriberBuffer)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	}
	subs := h.topics[topic]
	if subs == nil {
		subs = make(map[*subscriber]struct{})
		h.topics[topic] = subs
	}
	subs[sub] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if subs, ok := h.topics[topic]; ok {
				if _, ok := subs[sub]; ok {
					delete(subs, sub)
					close(sub.ch)
				}
				if len(subs) == 0 {
					delete(h.topics, topic)
				}
			}
		})
	}
}

// Subscribers returns the number of subscribers of topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

// Close closes every subscription channel.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for topic, subs := range h.topics {
		for sub := range subs {
			close(sub.ch)
		}
		delete(h.topics, topic)
	}
	h.closed = true
	return nil
}
