package main

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Sweeper releases expired reservations in the background. It scans per
// product so each partition runs under that product's own lock, never one
// global critical section. The interval must stay well under the shortest
// reservation TTL so holds are reclaimed promptly.
type Sweeper struct {
	svc      *Service
	store    ProductStore
	logger   *zap.Logger
	interval time.Duration
}

func NewSweeper(svc *Service, store ProductStore, logger *zap.Logger, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{svc: svc, store: store, logger: logger, interval: interval}
}

func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one full pass and returns how many reservations it released.
// A failing partition is logged and skipped; the next pass retries it.
func (s *Sweeper) Sweep(ctx context.Context) int {
	ids, err := s.store.ProductIDs(ctx)
	if err != nil {
		s.logger.Error("sweeper product scan failed", zap.Error(err))
		return 0
	}

	total := 0
	for _, productID := range ids {
		if ctx.Err() != nil {
			return total
		}
		n, err := s.svc.ExpireProduct(ctx, productID)
		if err != nil {
			s.logger.Warn("sweep partition failed",
				zap.String("productId", productID), zap.Error(err))
			continue
		}
		total += n
	}
	return total
}
