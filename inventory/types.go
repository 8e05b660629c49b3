package main

import (
	"time"

	"github.com/velocart/platform/common/errs"
)

// ReservationState is the reservation lifecycle. Terminal states are never
// revived.
type ReservationState string

const (
	ReservationActive    ReservationState = "ACTIVE"
	ReservationConfirmed ReservationState = "CONFIRMED"
	ReservationReleased  ReservationState = "RELEASED"
	ReservationExpired   ReservationState = "EXPIRED"
)

// Terminal reports whether the state permits no further transitions.
func (s ReservationState) Terminal() bool {
	return s != ReservationActive
}

// Reservation is a time-bounded hold on product stock.
type Reservation struct {
	ID        string           `json:"id"`
	ProductID string           `json:"productId"`
	OrderID   string           `json:"orderId"`
	Quantity  int              `json:"quantity"`
	ExpiresAt time.Time        `json:"expiresAt"`
	State     ReservationState `json:"state"`
}

// Movement is one row of the stock_movements ledger; every quantity change
// appends one, carrying the available balance around the change.
type Movement struct {
	Type          string
	Quantity      int
	BalanceBefore int
	BalanceAfter  int
	ReferenceID   string
}

const (
	MovementReserve = "RESERVE"
	MovementRelease = "RELEASE"
	MovementDeduct  = "DEDUCT"
	MovementAdjust  = "ADJUST"
	MovementExpire  = "EXPIRE"
)

// Product is the aggregate root. Invariant at every externally observable
// state: total = Available + Reserved, both non-negative, and the sum of
// ACTIVE reservation quantities equals Reserved.
type Product struct {
	ID                string
	Name              string
	Active            bool
	LowStockThreshold int
	Available         int
	Reserved          int
	Reservations      map[string]*Reservation
	LowStockCrossings int
	Version           int64

	// Outbox and PendingMovements accumulate per mutation and are
	// persisted atomically with the state change by Save.
	Outbox           []OutboxEvent
	PendingMovements []Movement
}

// OutboxEvent is a domain event awaiting transactional persistence.
type OutboxEvent struct {
	Topic   string
	Payload []byte
}

// Total is the externally observable stock total.
func (p *Product) Total() int { return p.Available + p.Reserved }

// Clone deep-copies the aggregate; stores hand out clones so callers never
// share mutable state.
func (p *Product) Clone() *Product {
	clone := *p
	clone.Reservations = make(map[string]*Reservation, len(p.Reservations))
	for id, r := range p.Reservations {
		cp := *r
		clone.Reservations[id] = &cp
	}
	clone.Outbox = append([]OutboxEvent(nil), p.Outbox...)
	clone.PendingMovements = append([]Movement(nil), p.PendingMovements...)
	return &clone
}

// Domain errors. Insufficient stock carries optional detail
// {productId, requested, available}; one kind covers both the single and
// batch shapes.
var (
	ErrProductNotFound = errs.New(errs.KindNotFound, "PRODUCT_NOT_FOUND", "product not found")
	ErrProductInactive = errs.New(errs.KindDomainRejection, "PRODUCT_INACTIVE", "product is not active")
	ErrInsufficientStock = errs.New(errs.KindDomainRejection, "INSUFFICIENT_STOCK",
		"insufficient stock available")
	ErrReservationNotFound = errs.New(errs.KindNotFound, "RESERVATION_NOT_FOUND",
		"reservation not found")
	ErrAlreadyTerminal = errs.New(errs.KindDomainRejection, "RESERVATION_TERMINAL",
		"reservation is already in a terminal state")
	ErrBelowReserved = errs.New(errs.KindDomainRejection, "BELOW_RESERVED",
		"new total would be below reserved quantity")
	ErrVersionConflict = errs.New(errs.KindTransientInfra, "VERSION_CONFLICT",
		"concurrent modification detected")
	ErrInvariantBroken = errs.New(errs.KindFatal, "STOCK_INVARIANT_BROKEN",
		"stock bookkeeping invariant violated")
)
