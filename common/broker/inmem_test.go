package broker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velocart/platform/common/events"
)

func TestInmemBusDeliversToSubscribers(t *testing.T) {
	bus := NewInmemBus()
	ctx := context.Background()

	var got atomic.Int32
	err := bus.Subscribe(ctx, events.TopicOrderCreated, "inventory.order-created", func(ctx context.Context, e events.Event) error {
		_, ok := e.(*events.OrderCreated)
		require.True(t, ok)
		got.Add(1)
		return nil
	})
	require.NoError(t, err)

	e := &events.OrderCreated{Envelope: events.NewEnvelope("OrderCreatedEvent", "o-1"), OrderID: "o-1"}
	require.NoError(t, bus.Publish(ctx, e))
	assert.Equal(t, int32(1), got.Load())
}

func TestInmemBusDeadLettersAfterRetries(t *testing.T) {
	bus := NewInmemBus()
	ctx := context.Background()

	var attempts atomic.Int32
	boom := errors.New("handler down")
	require.NoError(t, bus.Subscribe(ctx, events.TopicOrderPaid, "q", func(ctx context.Context, e events.Event) error {
		attempts.Add(1)
		return boom
	}))

	e := &events.OrderPaid{Envelope: events.NewEnvelope("OrderPaidEvent", "o-2"), OrderID: "o-2"}
	require.NoError(t, bus.Publish(ctx, e))

	assert.Equal(t, int32(MaxRetryCount), attempts.Load())
	dlq := bus.DeadLetters()
	require.Len(t, dlq, 1)
	assert.Equal(t, events.TopicOrderPaid, dlq[0].Topic)
	assert.ErrorIs(t, dlq[0].Err, boom)
}

func TestInmemBusQueueGroupReplaces(t *testing.T) {
	bus := NewInmemBus()
	ctx := context.Background()

	var first, second atomic.Int32
	require.NoError(t, bus.Subscribe(ctx, events.TopicOrderCreated, "same-queue", func(ctx context.Context, e events.Event) error {
		first.Add(1)
		return nil
	}))
	require.NoError(t, bus.Subscribe(ctx, events.TopicOrderCreated, "same-queue", func(ctx context.Context, e events.Event) error {
		second.Add(1)
		return nil
	}))

	e := &events.OrderCreated{Envelope: events.NewEnvelope("OrderCreatedEvent", "o-3"), OrderID: "o-3"}
	require.NoError(t, bus.Publish(ctx, e))
	assert.Equal(t, int32(0), first.Load())
	assert.Equal(t, int32(1), second.Load())
}
