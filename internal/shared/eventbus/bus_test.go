package eventbus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// DummyEvent implements Event for testing
type DummyEvent struct {
	typeStr   string
	data      interface{}
	timestamp time.Time
	source    string
}

func (e *DummyEvent) Type() string         { return e.typeStr }
func (e *DummyEvent) Data() interface{}    { return e.data }
func (e *DummyEvent) Timestamp() time.Time { return e.timestamp }
func (e *DummyEvent) Source() string       { return e.source }

func TestEventBus_SubscribePublish(t *testing.T) {
	bus := NewEventBus(nil)
	var called bool
	bus.Subscribe("test", func(ctx context.Context, event Event) error {
		called = true
		assert.Equal(t, "test", event.Type())
		return nil
	})
	err := bus.Publish(context.Background(), &DummyEvent{typeStr: "test", timestamp: time.Now()})
	assert.NoError(t, err)
	assert.True(t, called)
}

func TestEventBus_NoHandlers(t *testing.T) {
	bus := NewEventBus(nil)
	assert.NoError(t, bus.Publish(context.Background(), NewBasicEvent(EventTypeEntriesEvicted, nil)))
}

func TestEventBus_HandlersRunInSubscriptionOrder(t *testing.T) {
	bus := NewEventBus(nil)
	var order []int
	for i := 0; i < 3; i++ {
		bus.Subscribe(EventTypeSnapshotApplied, func(ctx context.Context, event Event) error {
			order = append(order, i)
			return nil
		})
	}

	require.NoError(t, bus.Publish(context.Background(), NewBasicEvent(EventTypeSnapshotApplied, nil)))
	assert.Equal(t, []int{0, 1, 2}, order)
}

func TestEventBus_FailingHandlerDoesNotStopOthers(t *testing.T) {
	bus := NewEventBus(nil)
	sinkDown := errors.New("sink unavailable")
	var reached int
	bus.Subscribe(EventTypeRemoteError, func(ctx context.Context, event Event) error {
		return sinkDown
	})
	bus.Subscribe(EventTypeRemoteError, func(ctx context.Context, event Event) error {
		panic("boom")
	})
	bus.Subscribe(EventTypeRemoteError, func(ctx context.Context, event Event) error {
		reached++
		return nil
	})

	err := bus.Publish(context.Background(), NewBasicEventWithSource(EventTypeRemoteError, "students|limit=2", "test"))
	require.Error(t, err)
	assert.ErrorIs(t, err, sinkDown)
	assert.Contains(t, err.Error(), "handler panicked: boom")
	assert.Equal(t, 1, reached)
}

func TestBasicEvent(t *testing.T) {
	event := NewBasicEventWithSource(EventTypeSubscriptionOpened, "students|limit=2", "subscription_manager")
	assert.Equal(t, EventTypeSubscriptionOpened, event.Type())
	assert.Equal(t, "students|limit=2", event.Data())
	assert.Equal(t, "subscription_manager", event.Source())
	assert.False(t, event.Timestamp().IsZero())

	assert.Equal(t, "unknown", NewBasicEvent(EventTypeEntriesEvicted, nil).Source())
}
