package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/velocart/platform/common/broker"
	"github.com/velocart/platform/common/errs"
	"github.com/velocart/platform/common/events"
	"github.com/velocart/platform/common/metrics"
	"github.com/velocart/platform/common/money"
	"github.com/velocart/platform/payments/processor"
)

// Service charges confirmed orders and announces the outcome. Declines are
// final and published as PaymentFailed; provider faults bubble up so the
// broker redelivers.
type Service struct {
	processor processor.Processor
	bus       broker.EventBus
	logger    *slog.Logger
	metrics   *metrics.BusinessMetrics
}

func NewService(p processor.Processor, bus broker.EventBus, logger *slog.Logger, m *metrics.BusinessMetrics) *Service {
	return &Service{processor: p, bus: bus, logger: logger, metrics: m}
}

// ProcessPayment runs one charge attempt for an order.
func (s *Service) ProcessPayment(ctx context.Context, orderID string, amount money.Money) error {
	start := time.Now()
	transactionID, err := s.processor.Charge(ctx, orderID, amount)
	s.metrics.ProcessorAPIDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		if errs.KindOf(err) == errs.KindDomainRejection {
			s.metrics.PaymentsProcessed.WithLabelValues("failed").Inc()
			s.logger.Warn("payment declined",
				slog.String("order_id", orderID),
				slog.Any("error", err))
			return s.bus.Publish(ctx, &events.PaymentFailed{
				Envelope: events.NewEnvelope("PaymentFailedEvent", orderID),
				OrderID:  orderID,
				Reason:   err.Error(),
			})
		}
		// Transient: let the broker retry the OrderConfirmed delivery.
		return err
	}

	s.metrics.PaymentsProcessed.WithLabelValues("completed").Inc()
	s.logger.Info("payment completed",
		slog.String("order_id", orderID),
		slog.String("transaction_id", transactionID))
	return s.bus.Publish(ctx, &events.PaymentCompleted{
		Envelope:      events.NewEnvelope("PaymentCompletedEvent", orderID),
		OrderID:       orderID,
		TransactionID: transactionID,
		Amount:        amount,
	})
}

// RefundPayment returns a completed charge.
func (s *Service) RefundPayment(ctx context.Context, transactionID string, amount money.Money) error {
	if err := s.processor.Refund(ctx, transactionID, amount); err != nil {
		return err
	}
	s.metrics.PaymentsProcessed.WithLabelValues("refunded").Inc()
	s.logger.Info("payment refunded", slog.String("transaction_id", transactionID))
	return nil
}
