package main

import (
	"context"
	"time"
)

// OrderStore persists saga aggregates. Update applies the version fence: it
// succeeds only when the stored version equals the aggregate's loaded
// version, then bumps it; a mismatch yields ErrVersionConflict and the
// caller reloads and reapplies.
type OrderStore interface {
	Create(ctx context.Context, o *Order) error
	Get(ctx context.Context, orderID string) (*Order, error)
	Update(ctx context.Context, o *Order) error
	// RecentByCustomer returns the customer's orders created at or after
	// since; the duplicate-order check scans them.
	RecentByCustomer(ctx context.Context, customerID string, since time.Time) ([]*Order, error)
	ByStatus(ctx context.Context, status Status) ([]*Order, error)
}
