package main

import (
	"time"

	"github.com/velocart/platform/common/errs"
	"github.com/velocart/platform/common/events"
	"github.com/velocart/platform/common/money"
)

// Status is the order saga state. Transitions outside the graph below are
// rejected as illegal.
type Status string

const (
	StatusPending           Status = "PENDING"
	StatusConfirmed         Status = "CONFIRMED"
	StatusPaymentPending    Status = "PAYMENT_PENDING"
	StatusPaymentProcessing Status = "PAYMENT_PROCESSING"
	StatusPaid              Status = "PAID"
	StatusPreparing         Status = "PREPARING"
	StatusShipped           Status = "SHIPPED"
	StatusDelivered         Status = "DELIVERED"
	StatusCompleted         Status = "COMPLETED"
	StatusCancelled         Status = "CANCELLED"
	StatusFailed            Status = "FAILED"
	StatusRefunding         Status = "REFUNDING"
	StatusRefunded          Status = "REFUNDED"
)

// transitions is the saga graph. Absent keys are terminal states.
var transitions = map[Status][]Status{
	StatusPending:           {StatusConfirmed, StatusCancelled},
	StatusConfirmed:         {StatusPaymentPending, StatusCancelled},
	StatusPaymentPending:    {StatusPaymentProcessing, StatusPaid, StatusFailed},
	StatusPaymentProcessing: {StatusPaid, StatusFailed, StatusCancelled},
	StatusPaid:              {StatusPreparing, StatusRefunding, StatusCancelled},
	StatusPreparing:         {StatusShipped, StatusCancelled},
	StatusShipped:           {StatusDelivered},
	StatusDelivered:         {StatusCompleted},
	StatusRefunding:         {StatusRefunded},
}

// CanTransition reports whether from -> to is an allowed move.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// cancellable is the set of states a cancel request may leave from.
var cancellable = map[Status]bool{
	StatusPending:           true,
	StatusConfirmed:         true,
	StatusPaymentProcessing: true,
	StatusPaid:              true,
	StatusPreparing:         true,
}

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	return len(transitions[s]) == 0
}

// Order is the saga aggregate. Version increments on every committed update
// and fences concurrent event handlers.
type Order struct {
	ID           string             `json:"orderId"`
	CustomerID   string             `json:"customerId"`
	Items        []events.OrderItem `json:"items"`
	TotalAmount  money.Money        `json:"totalAmount"`
	Status       Status             `json:"status"`
	Reservations map[string]string  `json:"reservations,omitempty"`
	CancelReason string             `json:"cancelReason,omitempty"`
	Initiator    string             `json:"initiator,omitempty"`
	TransactionID string            `json:"transactionId,omitempty"`
	Version      int64              `json:"version"`
	CreatedAt    time.Time          `json:"createdAt"`
	UpdatedAt    time.Time          `json:"updatedAt"`
}

var (
	ErrOrderNotFound = errs.New(errs.KindNotFound, "ORDER_NOT_FOUND", "order not found")
	ErrDuplicateOrder = errs.New(errs.KindDomainRejection, "DUPLICATE_ORDER",
		"an identical order was created moments ago")
	ErrIllegalTransition = errs.New(errs.KindDomainRejection, "ILLEGAL_TRANSITION",
		"status transition not allowed")
	ErrNotCancellable = errs.New(errs.KindDomainRejection, "NOT_CANCELLABLE",
		"order can no longer be cancelled")
	ErrCancellationWindow = errs.New(errs.KindDomainRejection, "CANCELLATION_WINDOW_CLOSED",
		"cancellation window has closed")
	ErrVersionConflict = errs.New(errs.KindTransientInfra, "VERSION_CONFLICT",
		"concurrent modification detected")
)
