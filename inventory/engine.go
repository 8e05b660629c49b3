package main

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/velocart/platform/common/errs"
	"github.com/velocart/platform/common/events"
)

// The engine mutates a Product aggregate in memory. It runs inside the
// product lock; the caller persists the aggregate, its movements and its
// outbox in one transactional Save. Per-product event order equals
// mutation order because the outbox is appended inside the same critical
// section.

// Reserve places a hold of qty units for orderID. ttl must already be
// clamped by the service layer.
func Reserve(p *Product, qty int, orderID string, ttl time.Duration, now time.Time) (*Reservation, error) {
	if !p.Active {
		return nil, ErrProductInactive
	}
	if qty <= 0 {
		return nil, errs.New(errs.KindDomainRejection, "INVALID_QUANTITY", "quantity must be positive")
	}
	if p.Available < qty {
		return nil, ErrInsufficientStock.WithDetails(map[string]any{
			"productId": p.ID,
			"requested": qty,
			"available": p.Available,
		})
	}

	r := &Reservation{
		ID:        uuid.NewString(),
		ProductID: p.ID,
		OrderID:   orderID,
		Quantity:  qty,
		ExpiresAt: now.Add(ttl),
		State:     ReservationActive,
	}

	before := p.Available
	p.Available -= qty
	p.Reserved += qty
	p.Reservations[r.ID] = r

	p.PendingMovements = append(p.PendingMovements, Movement{
		Type:          MovementReserve,
		Quantity:      qty,
		BalanceBefore: before,
		BalanceAfter:  p.Available,
		ReferenceID:   r.ID,
	})
	appendOutbox(p, &events.StockReserved{
		Envelope:      events.NewEnvelope("StockReservedEvent", p.ID),
		OrderID:       orderID,
		ProductID:     p.ID,
		ReservationID: r.ID,
		Quantity:      qty,
		ExpiresAt:     r.ExpiresAt,
	})
	checkLowStock(p)

	if err := validate(p); err != nil {
		return nil, err
	}
	return r, nil
}

// Release returns a reservation's units to available stock. Releasing a
// terminal reservation is a no-op success; the bool reports whether stock
// actually moved. reason is carried on the StockReleased event
// ("released", "expired", "compensation").
func Release(p *Product, reservationID, reason string, now time.Time) (bool, error) {
	r, ok := p.Reservations[reservationID]
	if !ok {
		return false, ErrReservationNotFound
	}
	if r.State.Terminal() {
		return false, nil
	}

	before := p.Available
	p.Available += r.Quantity
	p.Reserved -= r.Quantity
	if reason == "expired" {
		r.State = ReservationExpired
	} else {
		r.State = ReservationReleased
	}

	movementType := MovementRelease
	if reason == "expired" {
		movementType = MovementExpire
	}
	p.PendingMovements = append(p.PendingMovements, Movement{
		Type:          movementType,
		Quantity:      r.Quantity,
		BalanceBefore: before,
		BalanceAfter:  p.Available,
		ReferenceID:   r.ID,
	})
	appendOutbox(p, &events.StockReleased{
		Envelope:      events.NewEnvelope("StockReleasedEvent", p.ID),
		OrderID:       r.OrderID,
		ProductID:     p.ID,
		ReservationID: r.ID,
		Quantity:      r.Quantity,
		Reason:        reason,
	})

	if err := validate(p); err != nil {
		return false, err
	}
	return true, nil
}

// Deduct confirms a reservation: the held units leave reserved without
// touching available, completing the sale.
func Deduct(p *Product, reservationID string) error {
	r, ok := p.Reservations[reservationID]
	if !ok {
		return ErrReservationNotFound
	}
	if r.State.Terminal() {
		return ErrAlreadyTerminal
	}

	p.Reserved -= r.Quantity
	r.State = ReservationConfirmed

	p.PendingMovements = append(p.PendingMovements, Movement{
		Type:          MovementDeduct,
		Quantity:      r.Quantity,
		BalanceBefore: p.Available,
		BalanceAfter:  p.Available,
		ReferenceID:   r.ID,
	})
	appendOutbox(p, &events.StockDeducted{
		Envelope:      events.NewEnvelope("StockDeductedEvent", p.ID),
		OrderID:       r.OrderID,
		ProductID:     p.ID,
		ReservationID: r.ID,
		Quantity:      r.Quantity,
	})
	checkLowStock(p)

	return validate(p)
}

// Adjust sets a new stock total administratively. The new total may not
// fall below the currently reserved quantity.
func Adjust(p *Product, newTotal int, reason string) error {
	if newTotal < 0 {
		return errs.New(errs.KindDomainRejection, "INVALID_QUANTITY", "total must not be negative")
	}
	if newTotal < p.Reserved {
		return ErrBelowReserved.WithDetails(map[string]any{
			"productId": p.ID,
			"newTotal":  newTotal,
			"reserved":  p.Reserved,
		})
	}

	before := p.Available
	p.Available = newTotal - p.Reserved

	p.PendingMovements = append(p.PendingMovements, Movement{
		Type:          MovementAdjust,
		Quantity:      p.Available - before,
		BalanceBefore: before,
		BalanceAfter:  p.Available,
		ReferenceID:   reason,
	})
	appendOutbox(p, &events.StockAdjusted{
		Envelope:  events.NewEnvelope("StockAdjustedEvent", p.ID),
		ProductID: p.ID,
		NewTotal:  newTotal,
		Reason:    reason,
	})
	checkLowStock(p)

	return validate(p)
}

// ExpireDue releases every ACTIVE reservation whose deadline has passed
// and returns their ids. Emission order is deterministic per product.
func ExpireDue(p *Product, now time.Time) ([]string, error) {
	var due []string
	for id, r := range p.Reservations {
		if r.State == ReservationActive && !r.ExpiresAt.After(now) {
			due = append(due, id)
		}
	}
	sort.Strings(due)

	for _, id := range due {
		if _, err := Release(p, id, "expired", now); err != nil {
			return nil, err
		}
	}
	return due, nil
}

// checkLowStock appends a LowStockAlert once per downward threshold
// crossing. The crossing counter, not the mutation count, dedupes alerts:
// staying below the threshold emits nothing until stock recovers and
// crosses down again.
func checkLowStock(p *Product) {
	below := p.Available <= p.LowStockThreshold
	wasBelow := p.LowStockCrossings%2 == 1

	if below && !wasBelow {
		p.LowStockCrossings++ // odd: below
		appendOutbox(p, &events.LowStockAlert{
			Envelope:  events.NewEnvelope("LowStockAlertEvent", p.ID),
			ProductID: p.ID,
			Available: p.Available,
			Threshold: p.LowStockThreshold,
			Crossing:  (p.LowStockCrossings + 1) / 2,
		})
	} else if !below && wasBelow {
		p.LowStockCrossings++ // even: recovered
	}
}

func appendOutbox(p *Product, e events.Event) {
	payload, err := events.Marshal(e)
	if err != nil {
		// Marshal of our own event types cannot fail at runtime.
		panic(fmt.Sprintf("marshal outbox event: %v", err))
	}
	p.Outbox = append(p.Outbox, OutboxEvent{Topic: e.Topic(), Payload: payload})
}

// validate enforces the aggregate invariants after every mutation.
func validate(p *Product) error {
	if p.Available < 0 || p.Reserved < 0 {
		return ErrInvariantBroken.WithDetails(map[string]any{
			"productId": p.ID, "available": p.Available, "reserved": p.Reserved,
		})
	}
	activeSum := 0
	for _, r := range p.Reservations {
		if r.State == ReservationActive {
			activeSum += r.Quantity
		}
	}
	if activeSum != p.Reserved {
		return ErrInvariantBroken.WithDetails(map[string]any{
			"productId": p.ID, "reserved": p.Reserved, "activeSum": activeSum,
		})
	}
	return nil
}
