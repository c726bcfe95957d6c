// Package events implements the in-process broadcast bus behind the
// WebSocket event surface. Publishing never blocks: a subscriber whose
// buffer is full loses the event and learns about it through the Lagged
// count on its next delivery.
package events

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/hadrianai/hadrian/internal/metrics"
)

type Topic string

const (
	TopicAudit     Topic = "audit"
	TopicUsage     Topic = "usage"
	TopicHealth    Topic = "health"
	TopicBudget    Topic = "budget"
	TopicRateLimit Topic = "ratelimit"
	TopicAll       Topic = "all"
)

// ParseTopic maps a wire name to a Topic, defaulting to TopicAll.
func ParseTopic(s string) (Topic, bool) {
	switch Topic(s) {
	case TopicAudit, TopicUsage, TopicHealth, TopicBudget, TopicRateLimit, TopicAll:
		return Topic(s), true
	}
	return TopicAll, false
}

type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Topic     Topic           `json:"topic"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Delivery wraps an event with the number of events this subscriber lost
// since its previous delivery.
type Delivery struct {
	Event  Event
	Lagged uint64
}

type Subscription struct {
	ch      chan Delivery
	dropped atomic.Uint64
	bus     *Bus
	closed  atomic.Bool
}

// C is the delivery channel; it closes on Unsubscribe.
func (s *Subscription) C() <-chan Delivery { return s.ch }

func (s *Subscription) Unsubscribe() {
	if s.closed.CompareAndSwap(false, true) {
		s.bus.remove(s)
	}
}

type Bus struct {
	mu         sync.RWMutex
	subs       map[*Subscription]struct{}
	bufferSize int
}

func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &Bus{
		subs:       make(map[*Subscription]struct{}),
		bufferSize: bufferSize,
	}
}

func (b *Bus) Subscribe() *Subscription {
	sub := &Subscription{
		ch:  make(chan Delivery, b.bufferSize),
		bus: b,
	}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	delete(b.subs, sub)
	b.mu.Unlock()
	close(sub.ch)
}

// Publish fans the event out to every subscriber without blocking.
func (b *Bus) Publish(evt Event) {
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		delivery := Delivery{Event: evt, Lagged: sub.dropped.Swap(0)}
		select {
		case sub.ch <- delivery:
		default:
			// Buffer full: restore the lag we tried to flush, count this one.
			sub.dropped.Add(delivery.Lagged + 1)
			metrics.EventsDroppedTotal.WithLabelValues(string(evt.Topic)).Inc()
		}
	}
}

func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Typed publish helpers.

func (b *Bus) PublishAudit(data any) {
	b.publishJSON("audit_log.created", TopicAudit, data)
}

func (b *Bus) PublishUsage(data any) {
	b.publishJSON("usage.recorded", TopicUsage, data)
}

func (b *Bus) PublishHealth(data any) {
	b.publishJSON("health.changed", TopicHealth, data)
}

func (b *Bus) PublishBudget(data any) {
	b.publishJSON("budget.threshold_reached", TopicBudget, data)
}

func (b *Bus) PublishRateLimit(data any) {
	b.publishJSON("ratelimit.warning", TopicRateLimit, data)
}

func (b *Bus) publishJSON(eventType string, topic Topic, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		return
	}
	b.Publish(Event{Type: eventType, Topic: topic, Data: raw})
}
