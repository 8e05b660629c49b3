package main

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velocart/platform/common/events"
)

func newProduct(available int) *Product {
	return &Product{
		ID:                "p-1",
		Name:              "widget",
		Active:            true,
		LowStockThreshold: 5,
		Available:         available,
		Reservations:      map[string]*Reservation{},
	}
}

func decodeOutbox(t *testing.T, p *Product) []events.Event {
	t.Helper()
	out := make([]events.Event, 0, len(p.Outbox))
	for _, row := range p.Outbox {
		e, err := events.Unmarshal(row.Payload)
		require.NoError(t, err)
		out = append(out, e)
	}
	return out
}

func TestReserveMovesAvailableToReserved(t *testing.T) {
	p := newProduct(100)
	now := time.Now()

	r, err := Reserve(p, 10, "order-1", 15*time.Minute, now)
	require.NoError(t, err)

	assert.Equal(t, 90, p.Available)
	assert.Equal(t, 10, p.Reserved)
	assert.Equal(t, 100, p.Total())
	assert.Equal(t, ReservationActive, r.State)
	assert.Equal(t, now.Add(15*time.Minute), r.ExpiresAt)

	require.Len(t, p.PendingMovements, 1)
	m := p.PendingMovements[0]
	assert.Equal(t, MovementReserve, m.Type)
	assert.Equal(t, 100, m.BalanceBefore)
	assert.Equal(t, 90, m.BalanceAfter)

	decoded := decodeOutbox(t, p)
	require.Len(t, decoded, 1)
	reserved, ok := decoded[0].(*events.StockReserved)
	require.True(t, ok)
	assert.Equal(t, "order-1", reserved.OrderID)
	assert.Equal(t, r.ID, reserved.ReservationID)
}

func TestReserveInsufficientStock(t *testing.T) {
	p := newProduct(3)

	_, err := Reserve(p, 5, "order-1", time.Minute, time.Now())
	require.ErrorIs(t, err, ErrInsufficientStock)

	// State untouched on rejection.
	assert.Equal(t, 3, p.Available)
	assert.Equal(t, 0, p.Reserved)
	assert.Empty(t, p.Outbox)
}

func TestReserveInactiveProduct(t *testing.T) {
	p := newProduct(10)
	p.Active = false

	_, err := Reserve(p, 1, "order-1", time.Minute, time.Now())
	require.ErrorIs(t, err, ErrProductInactive)
}

func TestReleaseReturnsStock(t *testing.T) {
	p := newProduct(10)
	now := time.Now()
	r, err := Reserve(p, 4, "order-1", time.Minute, now)
	require.NoError(t, err)

	moved, err := Release(p, r.ID, "released", now)
	require.NoError(t, err)
	assert.True(t, moved)
	assert.Equal(t, 10, p.Available)
	assert.Equal(t, 0, p.Reserved)
	assert.Equal(t, ReservationReleased, p.Reservations[r.ID].State)
}

func TestReleaseTerminalIsNoop(t *testing.T) {
	p := newProduct(10)
	now := time.Now()
	r, err := Reserve(p, 4, "order-1", time.Minute, now)
	require.NoError(t, err)

	_, err = Release(p, r.ID, "released", now)
	require.NoError(t, err)
	before := len(p.Outbox)

	moved, err := Release(p, r.ID, "released", now)
	require.NoError(t, err)
	assert.False(t, moved)
	assert.Equal(t, 10, p.Available)
	assert.Len(t, p.Outbox, before, "no event for the no-op release")
}

func TestReleaseUnknownReservation(t *testing.T) {
	p := newProduct(10)
	_, err := Release(p, "missing", "released", time.Now())
	require.ErrorIs(t, err, ErrReservationNotFound)
}

func TestDeductConfirmsWithoutTouchingAvailable(t *testing.T) {
	p := newProduct(10)
	r, err := Reserve(p, 4, "order-1", time.Minute, time.Now())
	require.NoError(t, err)

	require.NoError(t, Deduct(p, r.ID))
	assert.Equal(t, 6, p.Available)
	assert.Equal(t, 0, p.Reserved)
	assert.Equal(t, 6, p.Total(), "sold units left the total")
	assert.Equal(t, ReservationConfirmed, p.Reservations[r.ID].State)

	require.Error(t, Deduct(p, r.ID))
	assert.ErrorIs(t, Deduct(p, r.ID), ErrAlreadyTerminal)
}

func TestAdjustRejectsBelowReserved(t *testing.T) {
	p := newProduct(10)
	_, err := Reserve(p, 6, "order-1", time.Minute, time.Now())
	require.NoError(t, err)

	err = Adjust(p, 4, "stocktake")
	require.ErrorIs(t, err, ErrBelowReserved)

	require.NoError(t, Adjust(p, 20, "stocktake"))
	assert.Equal(t, 14, p.Available)
	assert.Equal(t, 6, p.Reserved)
	assert.Equal(t, 20, p.Total())
}

func TestAdjustRejectsNegativeTotal(t *testing.T) {
	p := newProduct(10)
	require.Error(t, Adjust(p, -1, "oops"))
}

func TestExpireDueReleasesOnlyOverdue(t *testing.T) {
	p := newProduct(10)
	now := time.Now()

	r1, err := Reserve(p, 2, "order-1", time.Minute, now)
	require.NoError(t, err)
	r2, err := Reserve(p, 3, "order-2", time.Hour, now)
	require.NoError(t, err)

	expired, err := ExpireDue(p, now.Add(5*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, []string{r1.ID}, expired)

	assert.Equal(t, ReservationExpired, p.Reservations[r1.ID].State)
	assert.Equal(t, ReservationActive, p.Reservations[r2.ID].State)
	assert.Equal(t, 7, p.Available)
	assert.Equal(t, 3, p.Reserved)
}

func TestExpireDueEmitsExpiredReason(t *testing.T) {
	p := newProduct(10)
	now := time.Now()
	_, err := Reserve(p, 2, "order-1", time.Minute, now)
	require.NoError(t, err)

	_, err = ExpireDue(p, now.Add(time.Hour))
	require.NoError(t, err)

	var released *events.StockReleased
	for _, e := range decodeOutbox(t, p) {
		if r, ok := e.(*events.StockReleased); ok {
			released = r
		}
	}
	require.NotNil(t, released)
	assert.Equal(t, "expired", released.Reason)

	require.Len(t, p.PendingMovements, 2)
	assert.Equal(t, MovementExpire, p.PendingMovements[1].Type)
}

func TestLowStockAlertFiresOncePerCrossing(t *testing.T) {
	p := newProduct(10)
	p.LowStockThreshold = 5
	now := time.Now()

	countAlerts := func() int {
		n := 0
		for _, e := range decodeOutbox(t, p) {
			if _, ok := e.(*events.LowStockAlert); ok {
				n++
			}
		}
		return n
	}

	// 10 -> 4 crosses the threshold.
	r1, err := Reserve(p, 6, "order-1", time.Minute, now)
	require.NoError(t, err)
	assert.Equal(t, 1, countAlerts())

	// Staying below emits nothing further.
	_, err = Reserve(p, 2, "order-2", time.Minute, now)
	require.NoError(t, err)
	assert.Equal(t, 1, countAlerts())

	// Recover above, then cross down again: second alert.
	_, err = Release(p, r1.ID, "released", now)
	require.NoError(t, err)
	assert.Equal(t, 1, countAlerts())

	_, err = Reserve(p, 5, "order-3", time.Minute, now)
	require.NoError(t, err)
	assert.Equal(t, 2, countAlerts())
}

func TestInvariantHoldsAcrossMixedMutations(t *testing.T) {
	p := newProduct(50)
	now := time.Now()

	var live []string
	for i := 0; i < 10; i++ {
		r, err := Reserve(p, 3, "order-n", time.Minute, now)
		require.NoError(t, err)
		live = append(live, r.ID)
	}
	require.NoError(t, Deduct(p, live[0]))
	_, err := Release(p, live[1], "released", now)
	require.NoError(t, err)
	require.NoError(t, Adjust(p, 100, "restock"))

	// total = available + reserved, active reservations sum to reserved.
	assert.Equal(t, 100, p.Total())
	active := 0
	for _, r := range p.Reservations {
		if r.State == ReservationActive {
			active += r.Quantity
		}
	}
	assert.Equal(t, p.Reserved, active)
	assert.GreaterOrEqual(t, p.Available, 0)
}

func TestValidateCatchesCorruption(t *testing.T) {
	p := newProduct(10)
	p.Reserved = -1
	err := validate(p)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvariantBroken))
}
