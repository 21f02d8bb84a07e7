// Package notify pushes session and availability changes to interested
// displays. Delivery is best effort and never blocks the caller.
package notify

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

const (
	TopicSessions   = "sessions"
	TopicClinicians = "clinicians"
)

type Event struct {
	Topic string      `json:"topic"`
	Type  string      `json:"type"`
	Data  interface{} `json:"data"`
	At    time.Time   `json:"at"`
}

type Publisher interface {
	Publish(ctx context.Context, event Event)
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, Event) {}

func Nop() Publisher {
	return nopPublisher{}
}

// Fanout publishes to every publisher in order.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, event Event) {
	for _, p := range f {
		p.Publish(ctx, event)
	}
}

// Hub is an in-process topic fan-out. Slow subscribers lose events rather
// than stall publishers.
type Hub struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	buffer int
}

type Subscription struct {
	C      <-chan Event
	ch     chan Event
	topics map[string]bool
	hub    *Hub
	once   sync.Once
}

func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	return &Hub{subs: make(map[*Subscription]struct{}), buffer: buffer}
}

// Subscribe registers for the given topics, or all topics when none are given.
func (h *Hub) Subscribe(topics ...string) *Subscription {
	ch := make(chan Event, h.buffer)
	sub := &Subscription{C: ch, ch: ch, hub: h}
	if len(topics) > 0 {
		sub.topics = make(map[string]bool, len(topics))
		for _, t := range topics {
			sub.topics[t] = true
		}
	}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.mu.Lock()
		delete(s.hub.subs, s)
		s.hub.mu.Unlock()
		close(s.ch)
	})
}

func (s *Subscription) wants(topic string) bool {
	return s.topics == nil || s.topics[topic]
}

func (h *Hub) Publish(_ context.Context, event Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs {
		if !sub.wants(event.Topic) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
		}
	}
}

func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// MarshalData returns the event payload as JSON.
func (e Event) MarshalData() ([]byte, error) {
	return json.Marshal(e.Data)
}
