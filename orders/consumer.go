package main

import (
	"context"
	"log/slog"

	"github.com/velocart/platform/common/broker"
	"github.com/velocart/platform/common/errs"
	"github.com/velocart/platform/common/events"
	"github.com/velocart/platform/common/inbox"
	"github.com/velocart/platform/common/metrics"
)

// Consumer advances sagas from inventory and payment outcomes. Handlers are
// idempotent through the event-id inbox plus the order version fence in the
// store.
type Consumer struct {
	svc     *Service
	inbox   *inbox.Inbox
	logger  *slog.Logger
	metrics *metrics.BusinessMetrics
}

func NewConsumer(svc *Service, box *inbox.Inbox, logger *slog.Logger, m *metrics.BusinessMetrics) *Consumer {
	return &Consumer{svc: svc, inbox: box, logger: logger, metrics: m}
}

func (c *Consumer) Start(ctx context.Context, bus broker.EventBus) error {
	if err := bus.Subscribe(ctx, events.TopicStockReserved, "orders.stock-reserved", c.handleStockReserved); err != nil {
		return err
	}
	if err := bus.Subscribe(ctx, events.TopicInsufficientStock, "orders.insufficient-stock", c.handleInsufficientStock); err != nil {
		return err
	}
	if err := bus.Subscribe(ctx, events.TopicPaymentCompleted, "orders.payment-completed", c.handlePaymentCompleted); err != nil {
		return err
	}
	return bus.Subscribe(ctx, events.TopicPaymentFailed, "orders.payment-failed", c.handlePaymentFailed)
}

func (c *Consumer) duplicate(e events.Event) bool {
	if !c.inbox.Seen(e.Meta().EventID) {
		return false
	}
	c.metrics.DuplicateEventsSeen.Inc()
	c.logger.Info("duplicate event skipped",
		slog.String("event_id", e.Meta().EventID),
		slog.String("event_type", e.Meta().EventType))
	return true
}

// settle acknowledges domain rejections: an illegal transition is terminal
// for that event, recorded and never retried. Transient failures leave the
// inbox untouched so the redelivery runs the transition again.
func (c *Consumer) settle(e events.Event, err error, orderID string) error {
	if err == nil {
		c.inbox.MarkProcessed(e.Meta().EventID)
		return nil
	}
	if kind := errs.KindOf(err); kind == errs.KindDomainRejection || kind == errs.KindNotFound {
		c.logger.Warn("event dropped by saga state",
			slog.String("order_id", orderID),
			slog.Any("error", err))
		c.inbox.MarkProcessed(e.Meta().EventID)
		return nil
	}
	return err
}

func (c *Consumer) handleStockReserved(ctx context.Context, e events.Event) error {
	reserved, ok := e.(*events.StockReserved)
	if !ok {
		return nil
	}
	// The per-product ledger form has no reservation map; only the batch
	// form advances the saga.
	if len(reserved.Reservations) == 0 {
		return nil
	}
	if c.duplicate(e) {
		return nil
	}
	return c.settle(e, c.svc.Confirm(ctx, reserved.OrderID, reserved.Reservations), reserved.OrderID)
}

func (c *Consumer) handleInsufficientStock(ctx context.Context, e events.Event) error {
	insufficient, ok := e.(*events.InsufficientStock)
	if !ok {
		return nil
	}
	if c.duplicate(e) {
		return nil
	}
	return c.settle(e, c.svc.Cancel(ctx, insufficient.OrderID, "insufficient stock", "system"), insufficient.OrderID)
}

func (c *Consumer) handlePaymentCompleted(ctx context.Context, e events.Event) error {
	completed, ok := e.(*events.PaymentCompleted)
	if !ok {
		return nil
	}
	if c.duplicate(e) {
		return nil
	}
	return c.settle(e, c.svc.MarkPaid(ctx, completed.OrderID, completed.TransactionID), completed.OrderID)
}

func (c *Consumer) handlePaymentFailed(ctx context.Context, e events.Event) error {
	failed, ok := e.(*events.PaymentFailed)
	if !ok {
		return nil
	}
	if c.duplicate(e) {
		return nil
	}
	return c.settle(e, c.svc.MarkPaymentFailed(ctx, failed.OrderID, failed.Reason), failed.OrderID)
}
