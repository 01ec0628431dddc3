// Package bus provides an internal event bus for pipeline progress
package bus

import (
	"sync"
)

// EventType identifies different event types
type EventType string

// Event types published by the generator
const (
	// Project events
	EventTypeProjectLoaded     EventType = "project.loaded"
	EventTypeTimelineExtracted EventType = "timeline.extracted"

	// Avatar events
	EventTypeAvatarLoaded       EventType = "avatar.loaded"
	EventTypeDetectionCompleted EventType = "detection.completed"

	// Clip events
	EventTypeClipGenerated EventType = "clip.generated"
	EventTypeClipWritten   EventType = "clip.written"
	EventTypeClipPushed    EventType = "clip.pushed"

	// Run events
	EventTypeGenerationFailed EventType = "generation.failed"

	// Watch events
	EventTypeSourceChanged EventType = "source.changed"
)

// Event represents a bus event
type Event struct {
	Type  EventType
	RunID string
	Data  map[string]any
}

// Handler is a function that handles events
type Handler func(Event)

// EventBus is a simple pub/sub event bus
type EventBus struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
	all      []Handler
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		handlers: make(map[EventType][]Handler),
	}
}

// Subscribe adds a handler for an event type
func (b *EventBus) Subscribe(eventType EventType, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// SubscribeAll adds a handler that receives every event
func (b *EventBus) SubscribeAll(handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.all = append(b.all, handler)
}

func (b *EventBus) snapshot(eventType EventType) []Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()

	handlers := make([]Handler, 0, len(b.handlers[eventType])+len(b.all))
	handlers = append(handlers, b.handlers[eventType]...)
	return append(handlers, b.all...)
}

// Publish sends an event to all subscribed handlers
func (b *EventBus) Publish(event Event) {
	for _, handler := range b.snapshot(event.Type) {
		// Call handlers in goroutines to avoid blocking
		go handler(event)
	}
}

// PublishSync sends an event and waits for all handlers to complete
func (b *EventBus) PublishSync(event Event) {
	var wg sync.WaitGroup
	for _, handler := range b.snapshot(event.Type) {
		wg.Add(1)
		go func(h Handler) {
			defer wg.Done()
			h(event)
		}(handler)
	}
	wg.Wait()
}

// Clear removes all handlers
func (b *EventBus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = make(map[EventType][]Handler)
	b.all = nil
}
