package main

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/velocart/platform/common/broker"
	"github.com/velocart/platform/common/errs"
	"github.com/velocart/platform/common/events"
	"github.com/velocart/platform/common/metrics"
	"github.com/velocart/platform/common/money"
)

const (
	updateAttempts = 3
	updateBackoff  = 50 * time.Millisecond
)

// Service drives orders through the saga graph.
type Service struct {
	store   OrderStore
	bus     broker.EventBus
	logger  *slog.Logger
	metrics *metrics.BusinessMetrics

	// duplicateWindow refuses an identical (customer, items) order created
	// within it; cancelWindow bounds customer-initiated cancellation.
	duplicateWindow time.Duration
	cancelWindow    time.Duration
	now             func() time.Time
}

type ServiceOptions struct {
	DuplicateWindow time.Duration
	CancelWindow    time.Duration
}

func NewService(store OrderStore, bus broker.EventBus, logger *slog.Logger,
	m *metrics.BusinessMetrics, opts ServiceOptions) *Service {
	if opts.DuplicateWindow <= 0 {
		opts.DuplicateWindow = 5 * time.Minute
	}
	if opts.CancelWindow <= 0 {
		opts.CancelWindow = 24 * time.Hour
	}
	return &Service{
		store:           store,
		bus:             bus,
		logger:          logger,
		metrics:         m,
		duplicateWindow: opts.DuplicateWindow,
		cancelWindow:    opts.CancelWindow,
		now:             time.Now,
	}
}

// itemsFingerprint canonicalizes an item list for duplicate detection: the
// sorted multiset of productId:quantity pairs.
func itemsFingerprint(items []events.OrderItem) string {
	merged := map[string]int{}
	for _, item := range items {
		merged[item.ProductID] += item.Quantity
	}
	parts := make([]string, 0, len(merged))
	for id, qty := range merged {
		parts = append(parts, id+":"+strconv.Itoa(qty))
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}

// CreateOrder validates, persists and announces a new PENDING order.
func (s *Service) CreateOrder(ctx context.Context, customerID string, items []events.OrderItem) (*Order, error) {
	total := money.Money{}
	for _, item := range items {
		line, err := item.UnitPrice.Mul(int64(item.Quantity))
		if err != nil {
			return nil, errs.Wrap(errs.KindDomainRejection, "INVALID_PRICE", "invalid item price", err)
		}
		if total.IsZero() && total.Currency == "" {
			total = line
			continue
		}
		sum, err := total.Add(line)
		if err != nil {
			return nil, errs.Wrap(errs.KindDomainRejection, "CURRENCY_MISMATCH",
				"items carry mixed currencies", err)
		}
		total = sum
	}

	since := s.now().Add(-s.duplicateWindow)
	recent, err := s.store.RecentByCustomer(ctx, customerID, since)
	if err != nil {
		return nil, err
	}
	fingerprint := itemsFingerprint(items)
	for _, prev := range recent {
		if itemsFingerprint(prev.Items) == fingerprint {
			return nil, ErrDuplicateOrder.WithDetails(map[string]any{
				"existingOrderId": prev.ID,
			})
		}
	}

	order := &Order{
		ID:           uuid.NewString(),
		CustomerID:   customerID,
		Items:        items,
		TotalAmount:  total,
		Status:       StatusPending,
		Reservations: map[string]string{},
		CreatedAt:    s.now(),
		UpdatedAt:    s.now(),
	}
	if err := s.store.Create(ctx, order); err != nil {
		return nil, err
	}

	if err := s.bus.Publish(ctx, &events.OrderCreated{
		Envelope:    events.NewEnvelope("OrderCreatedEvent", order.ID),
		OrderID:     order.ID,
		CustomerID:  customerID,
		Items:       items,
		TotalAmount: total,
	}); err != nil {
		return nil, err
	}

	s.metrics.OrdersCreated.Inc()
	s.logger.Info("order created",
		slog.String("order_id", order.ID),
		slog.String("customer_id", customerID),
		slog.Int("items", len(items)))
	return order, nil
}

func (s *Service) Get(ctx context.Context, orderID string) (*Order, error) {
	return s.store.Get(ctx, orderID)
}

func (s *Service) ByStatus(ctx context.Context, status Status) ([]*Order, error) {
	return s.store.ByStatus(ctx, status)
}

// update loads the order, applies mutate and commits, retrying a lost
// version race. mutate sees a fresh aggregate per attempt.
func (s *Service) update(ctx context.Context, orderID string, mutate func(o *Order) error) (*Order, error) {
	op := func() (*Order, error) {
		o, err := s.store.Get(ctx, orderID)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		if err := mutate(o); err != nil {
			return nil, backoff.Permanent(err)
		}
		if err := s.store.Update(ctx, o); err != nil {
			if errors.Is(err, ErrVersionConflict) {
				return nil, err
			}
			return nil, backoff.Permanent(err)
		}
		return o, nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = updateBackoff
	return backoff.Retry(ctx, op, backoff.WithBackOff(b), backoff.WithMaxTries(updateAttempts))
}

// transition validates one saga move.
func transition(o *Order, to Status) error {
	if !CanTransition(o.Status, to) {
		return ErrIllegalTransition.WithDetails(map[string]any{
			"orderId": o.ID,
			"from":    string(o.Status),
			"to":      string(to),
		})
	}
	o.Status = to
	return nil
}

// Confirm reacts to a successful batch reservation: the order moves through
// CONFIRMED into PAYMENT_PENDING carrying the reservation map, and payment
// is requested via OrderConfirmed.
func (s *Service) Confirm(ctx context.Context, orderID string, reservations map[string]string) error {
	o, err := s.update(ctx, orderID, func(o *Order) error {
		if err := transition(o, StatusConfirmed); err != nil {
			return err
		}
		o.Reservations = reservations
		return transition(o, StatusPaymentPending)
	})
	if err != nil {
		return err
	}

	if err := s.bus.Publish(ctx, &events.OrderConfirmed{
		Envelope:    events.NewEnvelope("OrderConfirmedEvent", orderID),
		OrderID:     orderID,
		CustomerID:  o.CustomerID,
		TotalAmount: o.TotalAmount,
	}); err != nil {
		return err
	}

	s.logger.Info("order confirmed, payment requested",
		slog.String("order_id", orderID),
		slog.Int("reservations", len(reservations)))
	return nil
}

// Cancel moves the order to CANCELLED and emits the compensation list. The
// customer initiator is bound to the cancellation window; the system is not.
func (s *Service) Cancel(ctx context.Context, orderID, reason, initiator string) error {
	o, err := s.update(ctx, orderID, func(o *Order) error {
		if o.Status == StatusCancelled {
			// Replayed cancel: nothing to do.
			return nil
		}
		if !cancellable[o.Status] {
			return ErrNotCancellable.WithDetails(map[string]any{
				"orderId": o.ID, "status": string(o.Status),
			})
		}
		if initiator == "customer" && s.now().Sub(o.CreatedAt) > s.cancelWindow {
			return ErrCancellationWindow
		}
		o.Status = StatusCancelled
		o.CancelReason = reason
		o.Initiator = initiator
		return nil
	})
	if err != nil {
		return err
	}

	var compensations []events.Compensation
	if len(o.Reservations) > 0 {
		compensations = append(compensations, events.Compensation{
			Action:       events.CompensationStockRelease,
			Target:       "inventory",
			Reservations: o.Reservations,
		})
	}
	if err := s.bus.Publish(ctx, &events.OrderCancelled{
		Envelope:      events.NewEnvelope("OrderCancelledEvent", orderID),
		OrderID:       orderID,
		Reason:        reason,
		Initiator:     initiator,
		Compensations: compensations,
	}); err != nil {
		return err
	}

	s.metrics.OrdersCancelled.Inc()
	s.logger.Info("order cancelled",
		slog.String("order_id", orderID),
		slog.String("reason", reason),
		slog.String("initiator", initiator))
	return nil
}

// MarkPaid reacts to a completed payment. Valid only while payment is
// pending or processing; anything else is an illegal transition the caller
// drops and logs.
func (s *Service) MarkPaid(ctx context.Context, orderID, transactionID string) error {
	_, err := s.update(ctx, orderID, func(o *Order) error {
		if o.Status != StatusPaymentPending && o.Status != StatusPaymentProcessing {
			return ErrIllegalTransition.WithDetails(map[string]any{
				"orderId": o.ID, "from": string(o.Status), "to": string(StatusPaid),
			})
		}
		o.Status = StatusPaid
		o.TransactionID = transactionID
		return nil
	})
	if err != nil {
		return err
	}

	if err := s.bus.Publish(ctx, &events.OrderPaid{
		Envelope:      events.NewEnvelope("OrderPaidEvent", orderID),
		OrderID:       orderID,
		TransactionID: transactionID,
	}); err != nil {
		return err
	}

	s.logger.Info("order paid",
		slog.String("order_id", orderID),
		slog.String("transaction_id", transactionID))
	return nil
}

// MarkPaymentFailed moves the order to FAILED and emits the stock-release
// compensation so the reservations return to the pool.
func (s *Service) MarkPaymentFailed(ctx context.Context, orderID, reason string) error {
	o, err := s.update(ctx, orderID, func(o *Order) error {
		if o.Status == StatusFailed {
			return nil
		}
		return transition(o, StatusFailed)
	})
	if err != nil {
		return err
	}

	var compensations []events.Compensation
	if len(o.Reservations) > 0 {
		compensations = append(compensations, events.Compensation{
			Action:       events.CompensationStockRelease,
			Target:       "inventory",
			Reservations: o.Reservations,
		})
	}
	if err := s.bus.Publish(ctx, &events.OrderCancelled{
		Envelope:      events.NewEnvelope("OrderCancelledEvent", orderID),
		OrderID:       orderID,
		Reason:        reason,
		Initiator:     "system",
		Compensations: compensations,
	}); err != nil {
		return err
	}

	s.logger.Warn("order failed, compensating",
		slog.String("order_id", orderID),
		slog.String("reason", reason))
	return nil
}

// Advance applies an operator-driven transition (fulfilment and refund
// moves). COMPLETED additionally announces OrderCompleted.
func (s *Service) Advance(ctx context.Context, orderID string, target Status) (*Order, error) {
	o, err := s.update(ctx, orderID, func(o *Order) error {
		return transition(o, target)
	})
	if err != nil {
		return nil, err
	}

	if target == StatusCompleted {
		if err := s.bus.Publish(ctx, &events.OrderCompleted{
			Envelope: events.NewEnvelope("OrderCompletedEvent", orderID),
			OrderID:  orderID,
		}); err != nil {
			return nil, err
		}
	}

	s.logger.Info("order advanced",
		slog.String("order_id", orderID),
		slog.String("status", string(target)))
	return o, nil
}
