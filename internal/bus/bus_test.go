package bus

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPublishSync(t *testing.T) {
	b := NewEventBus()

	var mu sync.Mutex
	var got []EventType
	record := func(e Event) {
		mu.Lock()
		got = append(got, e.Type)
		mu.Unlock()
	}

	b.Subscribe(EventTypeClipGenerated, record)
	b.SubscribeAll(record)

	b.PublishSync(Event{Type: EventTypeClipGenerated, RunID: "r1"})
	b.PublishSync(Event{Type: EventTypeClipWritten, RunID: "r1"})

	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []EventType{EventTypeClipGenerated, EventTypeClipGenerated, EventTypeClipWritten}, got)
}

func TestSubscribe_FiltersByType(t *testing.T) {
	b := NewEventBus()
	var count atomic.Int32
	inc := func(Event) { count.Add(1) }
	b.Subscribe(EventTypeAvatarLoaded, inc)
	b.Subscribe(EventTypeDetectionCompleted, inc)

	b.PublishSync(Event{Type: EventTypeAvatarLoaded})
	b.PublishSync(Event{Type: EventTypeDetectionCompleted})
	b.PublishSync(Event{Type: EventTypeClipPushed})
	assert.Equal(t, int32(2), count.Load())
}

func TestPublishAsync(t *testing.T) {
	b := NewEventBus()
	done := make(chan Event, 1)
	b.Subscribe(EventTypeTimelineExtracted, func(e Event) { done <- e })

	b.Publish(Event{Type: EventTypeTimelineExtracted, Data: map[string]any{"segments": 4}})

	select {
	case e := <-done:
		assert.Equal(t, 4, e.Data["segments"])
	case <-time.After(time.Second):
		t.Fatal("handler not called")
	}
}

func TestClear(t *testing.T) {
	b := NewEventBus()
	var count atomic.Int32
	b.SubscribeAll(func(Event) { count.Add(1) })
	b.Clear()

	b.PublishSync(Event{Type: EventTypeProjectLoaded})
	assert.Zero(t, count.Load())
}
