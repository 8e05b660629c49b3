package main

import (
	"context"
	"time"
)

// OutboxRow is a persisted, not-yet-published domain event.
type OutboxRow struct {
	ID          int64
	AggregateID string
	Topic       string
	Payload     []byte
	CreatedAt   time.Time
}

// ProductStore persists Product aggregates. Save applies the row-version
// check: it succeeds only when the stored version equals the aggregate's
// loaded version, bumps it by one, and writes the state, the pending
// movements and the outbox rows in one transactional commit. A mismatch
// yields ErrVersionConflict, which the service retries with bounded
// backoff.
type ProductStore interface {
	Create(ctx context.Context, p *Product) error
	Get(ctx context.Context, productID string) (*Product, error)
	Save(ctx context.Context, p *Product) error
	// ProductIDs lists all product ids; the expiry sweeper partitions its
	// scan by product so each partition runs under its own lock.
	ProductIDs(ctx context.Context) ([]string, error)
	// ReservationsForOrder maps productId to the order's ACTIVE reservation
	// id; the payment consumer uses it to confirm deductions.
	ReservationsForOrder(ctx context.Context, orderID string) (map[string]string, error)

	// PendingOutbox returns unpublished events in insert order, which is
	// mutation order per aggregate.
	PendingOutbox(ctx context.Context, limit int) ([]OutboxRow, error)
	MarkPublished(ctx context.Context, ids []int64) error
}
