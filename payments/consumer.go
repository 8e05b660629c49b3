package main

import (
	"context"
	"log/slog"

	"github.com/velocart/platform/common/broker"
	"github.com/velocart/platform/common/events"
	"github.com/velocart/platform/common/inbox"
	"github.com/velocart/platform/common/metrics"
)

// Consumer waits passively for confirmed orders and charges them. The inbox
// guards against double charging on redelivery.
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
	return bus.Subscribe(ctx, events.TopicOrderConfirmed, "payments.order-confirmed", c.handleOrderConfirmed)
}

func (c *Consumer) handleOrderConfirmed(ctx context.Context, e events.Event) error {
	confirmed, ok := e.(*events.OrderConfirmed)
	if !ok {
		return nil
	}
	if c.inbox.Seen(e.Meta().EventID) {
		c.metrics.DuplicateEventsSeen.Inc()
		c.logger.Info("duplicate event skipped", slog.String("event_id", e.Meta().EventID))
		return nil
	}

	c.logger.Info("processing payment",
		slog.String("order_id", confirmed.OrderID),
		slog.String("amount", confirmed.TotalAmount.String()))
	if err := c.svc.ProcessPayment(ctx, confirmed.OrderID, confirmed.TotalAmount); err != nil {
		// Not recorded in the inbox, so the broker's redelivery retries the
		// charge instead of acking it as a duplicate.
		return err
	}
	c.inbox.MarkProcessed(e.Meta().EventID)
	return nil
}
