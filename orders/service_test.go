package main

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velocart/platform/common/broker"
	"github.com/velocart/platform/common/events"
	"github.com/velocart/platform/common/inbox"
	"github.com/velocart/platform/common/metrics"
	"github.com/velocart/platform/common/money"
)

var testMetrics = metrics.NewBusinessMetrics("orders_test")

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService(t *testing.T) (*Service, *InmemStore, *broker.InmemBus) {
	t.Helper()
	store := NewInmemStore()
	bus := broker.NewInmemBus()
	svc := NewService(store, bus, discardLogger(), testMetrics, ServiceOptions{})
	return svc, store, bus
}

func collect(t *testing.T, bus *broker.InmemBus, topic string) func() []events.Event {
	t.Helper()
	var mu sync.Mutex
	var got []events.Event
	err := bus.Subscribe(context.Background(), topic, "test."+topic, func(ctx context.Context, e events.Event) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, e)
		return nil
	})
	require.NoError(t, err)
	return func() []events.Event {
		mu.Lock()
		defer mu.Unlock()
		out := make([]events.Event, len(got))
		copy(out, got)
		return out
	}
}

func testItems() []events.OrderItem {
	return []events.OrderItem{
		{ProductID: "p-1", Name: "widget", Quantity: 2, UnitPrice: money.MustNew(500, "EUR")},
		{ProductID: "p-2", Name: "gadget", Quantity: 1, UnitPrice: money.MustNew(1200, "EUR")},
	}
}

func TestCreateOrderComputesTotalAndPublishes(t *testing.T) {
	svc, _, bus := newTestService(t)
	created := collect(t, bus, events.TopicOrderCreated)

	order, err := svc.CreateOrder(context.Background(), "cust-1", testItems())
	require.NoError(t, err)
	assert.Equal(t, StatusPending, order.Status)
	assert.Equal(t, money.MustNew(2200, "EUR"), order.TotalAmount)

	got := created()
	require.Len(t, got, 1)
	e := got[0].(*events.OrderCreated)
	assert.Equal(t, order.ID, e.OrderID)
	assert.Equal(t, "cust-1", e.CustomerID)
}

func TestCreateOrderRejectsDuplicateWithinWindow(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreateOrder(ctx, "cust-1", testItems())
	require.NoError(t, err)

	// Same customer, same item multiset in a different line order.
	reordered := []events.OrderItem{
		{ProductID: "p-2", Quantity: 1, UnitPrice: money.MustNew(1200, "EUR")},
		{ProductID: "p-1", Quantity: 2, UnitPrice: money.MustNew(500, "EUR")},
	}
	_, err = svc.CreateOrder(ctx, "cust-1", reordered)
	require.ErrorIs(t, err, ErrDuplicateOrder)

	// Different customer is fine.
	_, err = svc.CreateOrder(ctx, "cust-2", testItems())
	require.NoError(t, err)

	// Different quantity is fine.
	other := testItems()
	other[0].Quantity = 3
	_, err = svc.CreateOrder(ctx, "cust-1", other)
	require.NoError(t, err)
}

func TestCreateOrderAllowsDuplicateAfterWindow(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreateOrder(ctx, "cust-1", testItems())
	require.NoError(t, err)

	svc.now = func() time.Time { return time.Now().Add(10 * time.Minute) }
	_, err = svc.CreateOrder(ctx, "cust-1", testItems())
	require.NoError(t, err)
}

func TestConfirmMovesToPaymentPending(t *testing.T) {
	svc, store, bus := newTestService(t)
	ctx := context.Background()
	confirmed := collect(t, bus, events.TopicOrderConfirmed)

	order, err := svc.CreateOrder(ctx, "cust-1", testItems())
	require.NoError(t, err)

	reservations := map[string]string{"p-1": "r-1", "p-2": "r-2"}
	require.NoError(t, svc.Confirm(ctx, order.ID, reservations))

	got, err := store.Get(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPaymentPending, got.Status)
	assert.Equal(t, reservations, got.Reservations)
	require.Len(t, confirmed(), 1)
}

func TestConfirmRejectsNonPendingOrder(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	order, err := svc.CreateOrder(ctx, "cust-1", testItems())
	require.NoError(t, err)
	require.NoError(t, svc.Confirm(ctx, order.ID, map[string]string{"p-1": "r-1"}))

	err = svc.Confirm(ctx, order.ID, map[string]string{"p-1": "r-1"})
	require.ErrorIs(t, err, ErrIllegalTransition)
}

func TestMarkPaidHappyPath(t *testing.T) {
	svc, store, bus := newTestService(t)
	ctx := context.Background()
	paid := collect(t, bus, events.TopicOrderPaid)

	order, err := svc.CreateOrder(ctx, "cust-1", testItems())
	require.NoError(t, err)
	require.NoError(t, svc.Confirm(ctx, order.ID, map[string]string{"p-1": "r-1"}))
	require.NoError(t, svc.MarkPaid(ctx, order.ID, "tx-42"))

	got, err := store.Get(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPaid, got.Status)
	assert.Equal(t, "tx-42", got.TransactionID)
	require.Len(t, paid(), 1)
}

func TestMarkPaidRejectedOutsidePaymentPhase(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	order, err := svc.CreateOrder(ctx, "cust-1", testItems())
	require.NoError(t, err)

	// Still PENDING: the payment event is early and must be refused.
	err = svc.MarkPaid(ctx, order.ID, "tx-1")
	require.ErrorIs(t, err, ErrIllegalTransition)

	// Cancelled: the payment event is late.
	require.NoError(t, svc.Cancel(ctx, order.ID, "changed mind", "customer"))
	err = svc.MarkPaid(ctx, order.ID, "tx-1")
	require.ErrorIs(t, err, ErrIllegalTransition)
}

func TestCancelEmitsCompensationForReservedOrder(t *testing.T) {
	svc, store, bus := newTestService(t)
	ctx := context.Background()
	cancelled := collect(t, bus, events.TopicOrderCancelled)

	order, err := svc.CreateOrder(ctx, "cust-1", testItems())
	require.NoError(t, err)
	reservations := map[string]string{"p-1": "r-1", "p-2": "r-2"}
	require.NoError(t, svc.Confirm(ctx, order.ID, reservations))

	require.NoError(t, svc.Cancel(ctx, order.ID, "payment timeout", "system"))

	got, err := store.Get(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)

	published := cancelled()
	require.Len(t, published, 1)
	e := published[0].(*events.OrderCancelled)
	require.Len(t, e.Compensations, 1)
	assert.Equal(t, events.CompensationStockRelease, e.Compensations[0].Action)
	assert.Equal(t, reservations, e.Compensations[0].Reservations)
}

func TestCancelWithoutReservationCarriesNoCompensation(t *testing.T) {
	svc, _, bus := newTestService(t)
	ctx := context.Background()
	cancelled := collect(t, bus, events.TopicOrderCancelled)

	order, err := svc.CreateOrder(ctx, "cust-1", testItems())
	require.NoError(t, err)
	require.NoError(t, svc.Cancel(ctx, order.ID, "changed mind", "customer"))

	published := cancelled()
	require.Len(t, published, 1)
	assert.Empty(t, published[0].(*events.OrderCancelled).Compensations)
}

func TestCustomerCancelBoundToWindow(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	order, err := svc.CreateOrder(ctx, "cust-1", testItems())
	require.NoError(t, err)

	svc.now = func() time.Time { return time.Now().Add(25 * time.Hour) }

	err = svc.Cancel(ctx, order.ID, "too late", "customer")
	require.ErrorIs(t, err, ErrCancellationWindow)

	// The system ignores the window.
	require.NoError(t, svc.Cancel(ctx, order.ID, "fraud check", "system"))
}

func TestCancelRefusedPastShipping(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	order, err := svc.CreateOrder(ctx, "cust-1", testItems())
	require.NoError(t, err)
	require.NoError(t, svc.Confirm(ctx, order.ID, map[string]string{"p-1": "r-1"}))
	require.NoError(t, svc.MarkPaid(ctx, order.ID, "tx-1"))
	_, err = svc.Advance(ctx, order.ID, StatusPreparing)
	require.NoError(t, err)
	_, err = svc.Advance(ctx, order.ID, StatusShipped)
	require.NoError(t, err)

	err = svc.Cancel(ctx, order.ID, "too late", "system")
	require.ErrorIs(t, err, ErrNotCancellable)
}

func TestAdvanceFollowsGraphOnly(t *testing.T) {
	svc, _, bus := newTestService(t)
	ctx := context.Background()
	completed := collect(t, bus, events.TopicOrderCompleted)

	order, err := svc.CreateOrder(ctx, "cust-1", testItems())
	require.NoError(t, err)

	// PENDING cannot jump to SHIPPED.
	_, err = svc.Advance(ctx, order.ID, StatusShipped)
	require.ErrorIs(t, err, ErrIllegalTransition)

	require.NoError(t, svc.Confirm(ctx, order.ID, map[string]string{"p-1": "r-1"}))
	require.NoError(t, svc.MarkPaid(ctx, order.ID, "tx-1"))
	for _, next := range []Status{StatusPreparing, StatusShipped, StatusDelivered, StatusCompleted} {
		_, err = svc.Advance(ctx, order.ID, next)
		require.NoError(t, err)
	}
	require.Len(t, completed(), 1)

	// COMPLETED is terminal.
	_, err = svc.Advance(ctx, order.ID, StatusRefunding)
	require.ErrorIs(t, err, ErrIllegalTransition)
}

func TestRefundPath(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	order, err := svc.CreateOrder(ctx, "cust-1", testItems())
	require.NoError(t, err)
	require.NoError(t, svc.Confirm(ctx, order.ID, map[string]string{"p-1": "r-1"}))
	require.NoError(t, svc.MarkPaid(ctx, order.ID, "tx-1"))

	_, err = svc.Advance(ctx, order.ID, StatusRefunding)
	require.NoError(t, err)
	_, err = svc.Advance(ctx, order.ID, StatusRefunded)
	require.NoError(t, err)

	got, err := store.Get(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRefunded, got.Status)
	assert.True(t, got.Status.Terminal())
}

func TestConsumerDrivesSagaFromEvents(t *testing.T) {
	svc, store, bus := newTestService(t)
	ctx := context.Background()

	consumer := NewConsumer(svc, inbox.New(time.Hour, 0), discardLogger(), testMetrics)
	require.NoError(t, consumer.Start(ctx, bus))

	order, err := svc.CreateOrder(ctx, "cust-1", testItems())
	require.NoError(t, err)

	// Batch reservation confirms the order.
	require.NoError(t, bus.Publish(ctx, &events.StockReserved{
		Envelope:     events.NewEnvelope("StockReservedEvent", order.ID),
		OrderID:      order.ID,
		Reservations: map[string]string{"p-1": "r-1", "p-2": "r-2"},
		ExpiresAt:    time.Now().Add(15 * time.Minute),
	}))
	got, err := store.Get(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPaymentPending, got.Status)

	// Payment completes the payment phase.
	require.NoError(t, bus.Publish(ctx, &events.PaymentCompleted{
		Envelope:      events.NewEnvelope("PaymentCompletedEvent", order.ID),
		OrderID:       order.ID,
		TransactionID: "tx-9",
		Amount:        money.MustNew(2200, "EUR"),
	}))
	got, err = store.Get(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPaid, got.Status)
}

func TestConsumerIgnoresPerProductReservationForm(t *testing.T) {
	svc, store, bus := newTestService(t)
	ctx := context.Background()

	consumer := NewConsumer(svc, inbox.New(time.Hour, 0), discardLogger(), testMetrics)
	require.NoError(t, consumer.Start(ctx, bus))

	order, err := svc.CreateOrder(ctx, "cust-1", testItems())
	require.NoError(t, err)

	// The ledger form has per-product fields and no reservation map.
	require.NoError(t, bus.Publish(ctx, &events.StockReserved{
		Envelope:      events.NewEnvelope("StockReservedEvent", "p-1"),
		OrderID:       order.ID,
		ProductID:     "p-1",
		ReservationID: "r-1",
		Quantity:      2,
	}))

	got, err := store.Get(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status, "ledger form must not advance the saga")
}

func TestConsumerInsufficientStockCancels(t *testing.T) {
	svc, store, bus := newTestService(t)
	ctx := context.Background()

	consumer := NewConsumer(svc, inbox.New(time.Hour, 0), discardLogger(), testMetrics)
	require.NoError(t, consumer.Start(ctx, bus))

	order, err := svc.CreateOrder(ctx, "cust-1", testItems())
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, &events.InsufficientStock{
		Envelope:    events.NewEnvelope("InsufficientStockEvent", order.ID),
		OrderID:     order.ID,
		FailedItems: []events.FailedItem{{ProductID: "p-1", Requested: 2, Available: 0}},
	}))

	got, err := store.Get(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.Equal(t, "system", got.Initiator)
}

func TestConsumerPaymentFailedCompensates(t *testing.T) {
	svc, store, bus := newTestService(t)
	ctx := context.Background()
	cancelled := collect(t, bus, events.TopicOrderCancelled)

	consumer := NewConsumer(svc, inbox.New(time.Hour, 0), discardLogger(), testMetrics)
	require.NoError(t, consumer.Start(ctx, bus))

	order, err := svc.CreateOrder(ctx, "cust-1", testItems())
	require.NoError(t, err)
	require.NoError(t, svc.Confirm(ctx, order.ID, map[string]string{"p-1": "r-1"}))

	require.NoError(t, bus.Publish(ctx, &events.PaymentFailed{
		Envelope: events.NewEnvelope("PaymentFailedEvent", order.ID),
		OrderID:  order.ID,
		Reason:   "card declined",
	}))

	got, err := store.Get(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)

	published := cancelled()
	require.Len(t, published, 1)
	e := published[0].(*events.OrderCancelled)
	require.Len(t, e.Compensations, 1)
	assert.Equal(t, map[string]string{"p-1": "r-1"}, e.Compensations[0].Reservations)
}

// flakyStore rejects the next n updates with a version conflict.
type flakyStore struct {
	OrderStore
	mu        sync.Mutex
	conflicts int
}

func (s *flakyStore) fail(n int) {
	s.mu.Lock()
	s.conflicts = n
	s.mu.Unlock()
}

func (s *flakyStore) Update(ctx context.Context, o *Order) error {
	s.mu.Lock()
	if s.conflicts > 0 {
		s.conflicts--
		s.mu.Unlock()
		return ErrVersionConflict
	}
	s.mu.Unlock()
	return s.OrderStore.Update(ctx, o)
}

func TestConsumerRetriesTransientFailureBeforeRecordingEvent(t *testing.T) {
	inner := NewInmemStore()
	store := &flakyStore{OrderStore: inner}
	bus := broker.NewInmemBus()
	svc := NewService(store, bus, discardLogger(), testMetrics, ServiceOptions{})
	ctx := context.Background()

	consumer := NewConsumer(svc, inbox.New(time.Hour, 0), discardLogger(), testMetrics)
	require.NoError(t, consumer.Start(ctx, bus))

	order, err := svc.CreateOrder(ctx, "cust-1", testItems())
	require.NoError(t, err)
	require.NoError(t, svc.Confirm(ctx, order.ID, map[string]string{"p-1": "r-1"}))

	// The first delivery attempt exhausts the update retry budget. The event
	// must stay unrecorded so the redelivery applies the transition instead
	// of acking it as a duplicate.
	store.fail(updateAttempts)
	require.NoError(t, bus.Publish(ctx, &events.PaymentCompleted{
		Envelope:      events.NewEnvelope("PaymentCompletedEvent", order.ID),
		OrderID:       order.ID,
		TransactionID: "tx-7",
		Amount:        money.MustNew(2200, "EUR"),
	}))

	assert.Empty(t, bus.DeadLetters())
	got, err := inner.Get(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPaid, got.Status, "redelivery completed the transition")
	assert.Equal(t, "tx-7", got.TransactionID)
}

func TestConsumerDuplicateEventIgnored(t *testing.T) {
	svc, store, bus := newTestService(t)
	ctx := context.Background()

	consumer := NewConsumer(svc, inbox.New(time.Hour, 0), discardLogger(), testMetrics)
	require.NoError(t, consumer.Start(ctx, bus))

	order, err := svc.CreateOrder(ctx, "cust-1", testItems())
	require.NoError(t, err)

	reserved := &events.StockReserved{
		Envelope:     events.NewEnvelope("StockReservedEvent", order.ID),
		OrderID:      order.ID,
		Reservations: map[string]string{"p-1": "r-1"},
	}
	require.NoError(t, bus.Publish(ctx, reserved))
	// Redelivery of the same event id must not trip the illegal-transition
	// path into a dead letter.
	require.NoError(t, bus.Publish(ctx, reserved))

	assert.Empty(t, bus.DeadLetters())
	got, err := store.Get(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPaymentPending, got.Status)
}
