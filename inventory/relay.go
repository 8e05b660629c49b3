package main

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/velocart/platform/common/broker"
	"github.com/velocart/platform/common/events"
)

// Relay drains the transactional outbox onto the event bus. Rows are
// published in insert order and marked published afterwards, so a crash
// between the two steps redelivers; consumers dedup by event id.
type Relay struct {
	store    ProductStore
	bus      broker.EventBus
	logger   *zap.Logger
	interval time.Duration
	batch    int
}

func NewRelay(store ProductStore, bus broker.EventBus, logger *zap.Logger, interval time.Duration) *Relay {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	return &Relay{store: store, bus: bus, logger: logger, interval: interval, batch: 100}
}

// Run polls until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Drain(ctx); err != nil {
				r.logger.Error("outbox drain failed", zap.Error(err))
			}
		}
	}
}

// Drain publishes one batch of pending rows. It stops at the first publish
// failure to preserve per-aggregate order.
func (r *Relay) Drain(ctx context.Context) error {
	rows, err := r.store.PendingOutbox(ctx, r.batch)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}

	published := make([]int64, 0, len(rows))
	for _, row := range rows {
		e, err := events.Unmarshal(row.Payload)
		if err != nil {
			// Undecodable rows would wedge the relay; drop them loudly.
			r.logger.Error("dropping undecodable outbox row",
				zap.Int64("id", row.ID),
				zap.String("topic", row.Topic),
				zap.Error(err))
			published = append(published, row.ID)
			continue
		}
		if err := r.bus.Publish(ctx, e); err != nil {
			r.logger.Warn("outbox publish failed, will retry",
				zap.Int64("id", row.ID),
				zap.String("topic", row.Topic),
				zap.Error(err))
			break
		}
		published = append(published, row.ID)
	}

	if len(published) == 0 {
		return nil
	}
	return r.store.MarkPublished(ctx, published)
}
