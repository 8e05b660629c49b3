package main

import (
	"context"

	"go.uber.org/zap"

	"github.com/velocart/platform/common/broker"
	"github.com/velocart/platform/common/errs"
	"github.com/velocart/platform/common/events"
	"github.com/velocart/platform/common/inbox"
	"github.com/velocart/platform/common/metrics"
)

// Consumer reacts to order saga events. Every handler is idempotent: the
// inbox drops duplicate deliveries, and the underlying operations tolerate
// replays (terminal reservations no-op).
type Consumer struct {
	svc     *Service
	store   ProductStore
	inbox   *inbox.Inbox
	logger  *zap.Logger
	metrics *metrics.BusinessMetrics
}

func NewConsumer(svc *Service, store ProductStore, box *inbox.Inbox,
	logger *zap.Logger, m *metrics.BusinessMetrics) *Consumer {
	return &Consumer{svc: svc, store: store, inbox: box, logger: logger, metrics: m}
}

// Start binds the consumer's queues. The queue names are stable so competing
// replicas share deliveries.
func (c *Consumer) Start(ctx context.Context, bus broker.EventBus) error {
	if err := bus.Subscribe(ctx, events.TopicOrderCreated, "inventory.order-created", c.handleOrderCreated); err != nil {
		return err
	}
	if err := bus.Subscribe(ctx, events.TopicOrderCancelled, "inventory.order-cancelled", c.handleOrderCancelled); err != nil {
		return err
	}
	return bus.Subscribe(ctx, events.TopicOrderPaid, "inventory.order-paid", c.handleOrderPaid)
}

// duplicate acks and counts an event whose processing already completed.
func (c *Consumer) duplicate(e events.Event) bool {
	if !c.inbox.Seen(e.Meta().EventID) {
		return false
	}
	c.metrics.DuplicateEventsSeen.Inc()
	c.logger.Info("duplicate event skipped",
		zap.String("eventId", e.Meta().EventID),
		zap.String("eventType", e.Meta().EventType))
	return true
}

// settle maps a handler error to the broker contract: domain rejections are
// final and must be acked, everything else is retried. The event id enters
// the inbox only on a terminal outcome, so a transient failure leaves the
// redelivery free to run the handler again.
func (c *Consumer) settle(e events.Event, err error, orderID string) error {
	if err == nil {
		c.inbox.MarkProcessed(e.Meta().EventID)
		return nil
	}
	if kind := errs.KindOf(err); kind == errs.KindDomainRejection || kind == errs.KindNotFound {
		c.logger.Info("event settled with domain rejection",
			zap.String("orderId", orderID), zap.Error(err))
		c.inbox.MarkProcessed(e.Meta().EventID)
		return nil
	}
	return err
}

func (c *Consumer) handleOrderCreated(ctx context.Context, e events.Event) error {
	created, ok := e.(*events.OrderCreated)
	if !ok {
		c.logger.Warn("unexpected event on order.created", zap.String("type", e.TypeTag()))
		return nil
	}
	if c.duplicate(e) {
		return nil
	}

	c.logger.Info("reserving stock for order",
		zap.String("orderId", created.OrderID), zap.Int("items", len(created.Items)))

	// A domain rejection here already published InsufficientStock.
	_, err := c.svc.ReserveBatch(ctx, created.OrderID, created.Items, 0)
	return c.settle(e, err, created.OrderID)
}

func (c *Consumer) handleOrderCancelled(ctx context.Context, e events.Event) error {
	cancelled, ok := e.(*events.OrderCancelled)
	if !ok {
		c.logger.Warn("unexpected event on order.cancelled", zap.String("type", e.TypeTag()))
		return nil
	}
	if c.duplicate(e) {
		return nil
	}

	for _, comp := range cancelled.Compensations {
		if comp.Action != events.CompensationStockRelease {
			continue
		}
		c.svc.ReleaseReservations(ctx, comp.Reservations, "compensation")
	}
	return c.settle(e, nil, cancelled.OrderID)
}

func (c *Consumer) handleOrderPaid(ctx context.Context, e events.Event) error {
	paid, ok := e.(*events.OrderPaid)
	if !ok {
		c.logger.Warn("unexpected event on order.paid", zap.String("type", e.TypeTag()))
		return nil
	}
	if c.duplicate(e) {
		return nil
	}

	reservations, err := c.store.ReservationsForOrder(ctx, paid.OrderID)
	if err != nil {
		return err
	}
	if len(reservations) == 0 {
		// Replay after the deduction already committed.
		c.logger.Info("no active reservations to deduct",
			zap.String("orderId", paid.OrderID))
		return c.settle(e, nil, paid.OrderID)
	}
	return c.settle(e, c.svc.DeductReservations(ctx, reservations), paid.OrderID)
}
