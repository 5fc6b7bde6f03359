package eventbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"school-portal/internal/shared/logger"
)

// Event is a notification published inside the process.
type Event interface {
	Type() string
	Data() interface{}
	Timestamp() time.Time
	Source() string
}

// Handler reacts to one event. Handlers run on the publisher's goroutine.
type Handler func(ctx context.Context, event Event) error

// EventBusInterface is the publish/subscribe surface used by the query cache.
type EventBusInterface interface {
	Subscribe(eventType string, handler Handler)
	Publish(ctx context.Context, event Event) error
}

// EventBus delivers events synchronously, in subscription order.
type EventBus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	logger   logger.Logger
}

var _ EventBusInterface = (*EventBus)(nil)

// NewEventBus creates an empty bus.
func NewEventBus(log logger.Logger) *EventBus {
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &EventBus{
		handlers: make(map[string][]Handler),
		logger:   log.WithComponent("eventbus"),
	}
}

// Subscribe adds a handler for eventType.
func (eb *EventBus) Subscribe(eventType string, handler Handler) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.handlers[eventType] = append(eb.handlers[eventType], handler)
	eb.logger.Debugf("Subscribed handler for event type: %s", eventType)
}

// Publish runs every handler of the event's type. A failing or panicking
// handler does not stop the ones after it; their errors are joined.
func (eb *EventBus) Publish(ctx context.Context, event Event) error {
	eb.mu.RLock()
	handlers := eb.handlers[event.Type()]
	eb.mu.RUnlock()

	if len(handlers) == 0 {
		return nil
	}

	var errs []error
	for i, handler := range handlers {
		if err := eb.run(ctx, event, handler); err != nil {
			eb.logger.WithContext(ctx).Errorf("Handler %d failed for event %s: %v", i, event.Type(), err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (eb *EventBus) run(ctx context.Context, event Event, handler Handler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return handler(ctx, event)
}

// BasicEvent implements the Event interface
type BasicEvent struct {
	eventType string
	data      interface{}
	timestamp time.Time
	source    string
}

// NewBasicEvent creates an event with an unknown source.
func NewBasicEvent(eventType string, data interface{}) Event {
	return NewBasicEventWithSource(eventType, data, "unknown")
}

// NewBasicEventWithSource creates an event published by source.
func NewBasicEventWithSource(eventType string, data interface{}, source string) Event {
	return &BasicEvent{
		eventType: eventType,
		data:      data,
		timestamp: time.Now(),
		source:    source,
	}
}

func (e *BasicEvent) Type() string         { return e.eventType }
func (e *BasicEvent) Data() interface{}    { return e.data }
func (e *BasicEvent) Timestamp() time.Time { return e.timestamp }
func (e *BasicEvent) Source() string       { return e.source }

// Query cache event types
const (
	// EventTypeSnapshotApplied carries a model.SnapshotEvent after a live snapshot is written to the cache
	EventTypeSnapshotApplied = "querycache.snapshot_applied"
	// EventTypeSnapshotRejected carries a model.SnapshotEvent for a write discarded as out of order
	EventTypeSnapshotRejected = "querycache.snapshot_rejected"
	// EventTypeRemoteError carries a model.RecordedError for every remote failure of a subscription
	EventTypeRemoteError = "querycache.remote_error"
	// EventTypeEntriesEvicted carries a model.EvictionEvent after a reaper sweep removed entries
	EventTypeEntriesEvicted = "querycache.entries_evicted"
	// EventTypeSubscriptionOpened and EventTypeSubscriptionClosed carry the query identity as a string
	EventTypeSubscriptionOpened = "querycache.subscription_opened"
	EventTypeSubscriptionClosed = "querycache.subscription_closed"
)
