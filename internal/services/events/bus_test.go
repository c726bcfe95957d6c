package events

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishFansOut(t *testing.T) {
	bus := NewBus(8)
	a := bus.Subscribe()
	b := bus.Subscribe()
	defer a.Unsubscribe()
	defer b.Unsubscribe()

	bus.PublishUsage(map[string]any{"model": "gpt-4o", "total_tokens": 42})

	for _, sub := range []*Subscription{a, b} {
		select {
		case d := <-sub.C():
			assert.Equal(t, "usage.recorded", d.Event.Type)
			assert.Equal(t, TopicUsage, d.Event.Topic)
			assert.NotEmpty(t, d.Event.ID)
			assert.False(t, d.Event.Timestamp.IsZero())
			assert.Zero(t, d.Lagged)
		case <-time.After(time.Second):
			t.Fatal("delivery did not arrive")
		}
	}
}

func TestPublishNeverBlocksAndCountsLag(t *testing.T) {
	bus := NewBus(2)
	sub := bus.Subscribe()
	defer sub.Unsubscribe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			bus.Publish(Event{Type: "t", Topic: TopicHealth})
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}

	// Two buffered deliveries survived; eight were dropped.
	<-sub.C()
	<-sub.C()

	bus.Publish(Event{Type: "t", Topic: TopicHealth})
	d := <-sub.C()
	assert.Equal(t, uint64(8), d.Lagged)

	// The lag counter resets after being flushed.
	bus.Publish(Event{Type: "t", Topic: TopicHealth})
	d = <-sub.C()
	assert.Zero(t, d.Lagged)
}

func TestLagRestoredWhenFlushFails(t *testing.T) {
	bus := NewBus(1)
	sub := bus.Subscribe()
	defer sub.Unsubscribe()

	bus.Publish(Event{Type: "t", Topic: TopicAudit}) // fills the buffer
	bus.Publish(Event{Type: "t", Topic: TopicAudit}) // dropped, lag 1
	bus.Publish(Event{Type: "t", Topic: TopicAudit}) // dropped, lag restored + 1

	<-sub.C()
	bus.Publish(Event{Type: "t", Topic: TopicAudit})
	d := <-sub.C()
	assert.Equal(t, uint64(2), d.Lagged)
}

func TestUnsubscribeClosesChannelAndIsIdempotent(t *testing.T) {
	bus := NewBus(4)
	sub := bus.Subscribe()
	require.Equal(t, 1, bus.SubscriberCount())

	sub.Unsubscribe()
	sub.Unsubscribe()
	assert.Equal(t, 0, bus.SubscriberCount())

	_, open := <-sub.C()
	assert.False(t, open)

	// Publishing with no subscribers is a no-op.
	bus.Publish(Event{Type: "t", Topic: TopicAll})
}

func TestConcurrentPublishAndSubscribe(t *testing.T) {
	bus := NewBus(16)
	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
				bus.Publish(Event{Type: "t", Topic: TopicUsage})
			}
		}
	}()

	for i := 0; i < 50; i++ {
		sub := bus.Subscribe()
		sub.Unsubscribe()
	}
	close(stop)
}

func TestParseTopic(t *testing.T) {
	for _, name := range []string{"audit", "usage", "health", "budget", "ratelimit", "all"} {
		topic, ok := ParseTopic(name)
		assert.True(t, ok, name)
		assert.Equal(t, Topic(name), topic)
	}
	topic, ok := ParseTopic("bogus")
	assert.False(t, ok)
	assert.Equal(t, TopicAll, topic)
}

func TestPublishJSONSkipsUnmarshalable(t *testing.T) {
	bus := NewBus(4)
	sub := bus.Subscribe()
	defer sub.Unsubscribe()

	bus.PublishAudit(map[string]any{"bad": func() {}})
	select {
	case d := <-sub.C():
		t.Fatalf("unexpected delivery: %+v", d)
	case <-time.After(50 * time.Millisecond):
	}

	bus.PublishAudit(map[string]any{"ok": true})
	d := <-sub.C()
	assert.Equal(t, "audit_log.created", d.Event.Type)
	assert.JSONEq(t, `{"ok":true}`, string(d.Event.Data))
}

func TestEventIDsUnique(t *testing.T) {
	bus := NewBus(64)
	sub := bus.Subscribe()
	defer sub.Unsubscribe()

	seen := map[string]bool{}
	for i := 0; i < 20; i++ {
		bus.Publish(Event{Type: fmt.Sprintf("t%d", i), Topic: TopicAll})
		d := <-sub.C()
		assert.False(t, seen[d.Event.ID])
		seen[d.Event.ID] = true
	}
}
