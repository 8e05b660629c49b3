package main

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/velocart/platform/common/events"
	"github.com/velocart/platform/common/metrics"
	"github.com/velocart/platform/lock"
)

const (
	// saveAttempts bounds retries of the optimistic save on version conflict.
	saveAttempts = 3
	saveBackoff  = 50 * time.Millisecond
)

// StockLevel is the read-model view of one product.
type StockLevel struct {
	ProductID         string `json:"productId"`
	Name              string `json:"name"`
	Active            bool   `json:"active"`
	Available         int    `json:"available"`
	Reserved          int    `json:"reserved"`
	Total             int    `json:"total"`
	LowStockThreshold int    `json:"lowStockThreshold"`
}

// Service executes stock operations. Every mutation runs under the product
// lock, loads the aggregate, applies the engine mutation and saves
// optimistically; a version conflict is retried with backoff inside the same
// critical section. Events leave through the aggregate outbox only, so the
// relay is the single publisher for this service.
type Service struct {
	store   ProductStore
	locker  lock.Locker
	cache   *LevelCache
	logger  *zap.Logger
	metrics *metrics.BusinessMetrics

	defaultTTL time.Duration
	maxTTL     time.Duration
	now        func() time.Time
}

type ServiceOptions struct {
	// DefaultTTL applies when a reservation request carries no TTL.
	DefaultTTL time.Duration
	// MaxTTL clamps requested TTLs.
	MaxTTL time.Duration
	// Cache is optional; nil disables the read cache.
	Cache *LevelCache
}

func NewService(store ProductStore, locker lock.Locker,
	logger *zap.Logger, m *metrics.BusinessMetrics, opts ServiceOptions) *Service {
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = 15 * time.Minute
	}
	if opts.MaxTTL <= 0 {
		opts.MaxTTL = time.Hour
	}
	return &Service{
		store:      store,
		locker:     locker,
		cache:      opts.Cache,
		logger:     logger,
		metrics:    m,
		defaultTTL: opts.DefaultTTL,
		maxTTL:     opts.MaxTTL,
		now:        time.Now,
	}
}

func (s *Service) clampTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return s.defaultTTL
	}
	if ttl > s.maxTTL {
		return s.maxTTL
	}
	return ttl
}

func lockKey(productID string) string {
	return "stock:" + productID
}

// withProduct runs mutate on the aggregate inside the product's critical
// section. mutate may run more than once when the save loses the version
// race, so it must only touch the freshly loaded aggregate.
func (s *Service) withProduct(ctx context.Context, productID string, mutate func(p *Product) error) error {
	return s.locker.WithLock(ctx, lockKey(productID), func(ctx context.Context, _ uint64) error {
		op := func() (struct{}, error) {
			p, err := s.store.Get(ctx, productID)
			if err != nil {
				return struct{}{}, backoff.Permanent(err)
			}
			if err := mutate(p); err != nil {
				return struct{}{}, backoff.Permanent(err)
			}
			// Count threshold crossings before Save clears the outbox.
			alerts := 0
			for _, o := range p.Outbox {
				if o.Topic == events.TopicLowStock {
					alerts++
				}
			}
			if err := s.store.Save(ctx, p); err != nil {
				if errors.Is(err, ErrVersionConflict) {
					return struct{}{}, err
				}
				return struct{}{}, backoff.Permanent(err)
			}
			if alerts > 0 {
				s.metrics.LowStockAlerts.Add(float64(alerts))
			}
			return struct{}{}, nil
		}

		b := backoff.NewExponentialBackOff()
		b.InitialInterval = saveBackoff
		_, err := backoff.Retry(ctx, op,
			backoff.WithBackOff(b), backoff.WithMaxTries(saveAttempts))

		if err == nil {
			s.invalidate(ctx, productID)
		}
		return err
	})
}

func (s *Service) invalidate(ctx context.Context, productID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, productID); err != nil {
		s.logger.Warn("cache invalidation failed",
			zap.String("productId", productID), zap.Error(err))
	}
}

// CreateProduct registers a product with an initial stock total.
func (s *Service) CreateProduct(ctx context.Context, id, name string, total, lowStockThreshold int) error {
	if total < 0 {
		return fmt.Errorf("initial total must not be negative")
	}
	p := &Product{
		ID:                id,
		Name:              name,
		Active:            true,
		LowStockThreshold: lowStockThreshold,
		Available:         total,
		Reservations:      map[string]*Reservation{},
	}
	if err := s.store.Create(ctx, p); err != nil {
		return err
	}
	s.logger.Info("product created",
		zap.String("productId", id), zap.Int("total", total))
	return nil
}

// StockLevel returns the read-model view, cache first.
func (s *Service) StockLevel(ctx context.Context, productID string) (*StockLevel, error) {
	if s.cache != nil {
		level, err := s.cache.Get(ctx, productID)
		if err != nil {
			s.logger.Warn("cache read failed", zap.Error(err))
		} else if level != nil {
			return level, nil
		}
	}

	p, err := s.store.Get(ctx, productID)
	if err != nil {
		return nil, err
	}
	level := &StockLevel{
		ProductID:         p.ID,
		Name:              p.Name,
		Active:            p.Active,
		Available:         p.Available,
		Reserved:          p.Reserved,
		Total:             p.Total(),
		LowStockThreshold: p.LowStockThreshold,
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, level); err != nil {
			s.logger.Warn("cache populate failed", zap.Error(err))
		}
	}
	return level, nil
}

// Reserve holds qty units of one product for orderID.
func (s *Service) Reserve(ctx context.Context, productID, orderID string, qty int, ttl time.Duration) (*Reservation, error) {
	ttl = s.clampTTL(ttl)

	var reservation *Reservation
	err := s.withProduct(ctx, productID, func(p *Product) error {
		r, err := Reserve(p, qty, orderID, ttl, s.now())
		if err != nil {
			return err
		}
		reservation = r
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrInsufficientStock) {
			s.metrics.InsufficientStock.Inc()
		}
		return nil, err
	}

	s.metrics.StockReservations.Inc()
	s.logger.Info("stock reserved",
		zap.String("productId", productID),
		zap.String("orderId", orderID),
		zap.String("reservationId", reservation.ID),
		zap.Int("quantity", qty))
	return reservation, nil
}

// Release returns a reservation's units. Terminal reservations are a no-op.
func (s *Service) Release(ctx context.Context, productID, reservationID, reason string) error {
	var moved bool
	err := s.withProduct(ctx, productID, func(p *Product) error {
		m, err := Release(p, reservationID, reason, s.now())
		moved = m
		return err
	})
	if err != nil {
		return err
	}
	if moved {
		s.metrics.StockReleases.Inc()
		s.logger.Info("stock released",
			zap.String("productId", productID),
			zap.String("reservationId", reservationID),
			zap.String("reason", reason))
	}
	return nil
}

// Deduct confirms a reservation into a completed sale.
func (s *Service) Deduct(ctx context.Context, productID, reservationID string) error {
	err := s.withProduct(ctx, productID, func(p *Product) error {
		return Deduct(p, reservationID)
	})
	if err != nil {
		return err
	}
	s.logger.Info("stock deducted",
		zap.String("productId", productID),
		zap.String("reservationId", reservationID))
	return nil
}

// Adjust sets a new administrative stock total.
func (s *Service) Adjust(ctx context.Context, productID string, newTotal int, reason string) error {
	err := s.withProduct(ctx, productID, func(p *Product) error {
		return Adjust(p, newTotal, reason)
	})
	if err != nil {
		return err
	}
	s.logger.Info("stock adjusted",
		zap.String("productId", productID),
		zap.Int("newTotal", newTotal),
		zap.String("reason", reason))
	return nil
}

// ReserveBatch reserves every line of an order or none of them. Products are
// locked one at a time in sorted id order; on the first failure all
// already-committed reservations are rolled back. The outcome event, one
// batch StockReserved or one InsufficientStock keyed to the order, rides the
// outbox of the product saved last, so it commits with the state change and
// the relay publishes it even across a crash.
func (s *Service) ReserveBatch(ctx context.Context, orderID string, items []events.OrderItem, ttl time.Duration) (map[string]string, error) {
	ttl = s.clampTTL(ttl)
	expiresAt := s.now().Add(ttl)

	// Merge duplicate lines, then fix the acquisition order.
	wanted := map[string]int{}
	for _, item := range items {
		wanted[item.ProductID] += item.Quantity
	}
	productIDs := make([]string, 0, len(wanted))
	for id := range wanted {
		productIDs = append(productIDs, id)
	}
	sort.Strings(productIDs)

	reserved := map[string]string{}
	for i, productID := range productIDs {
		qty := wanted[productID]
		last := i == len(productIDs)-1

		var failed *events.FailedItem
		var rejection error
		var reservation *Reservation
		err := s.withProduct(ctx, productID, func(p *Product) error {
			failed, rejection = nil, nil
			r, err := Reserve(p, qty, orderID, ttl, s.now())
			if err != nil {
				if errors.Is(err, ErrInsufficientStock) {
					failed = &events.FailedItem{
						ProductID: productID,
						Requested: qty,
						Available: p.Available,
					}
					rejection = err
					// The rejection is saved with the failing product and
					// reaches the saga through the relay.
					appendOutbox(p, &events.InsufficientStock{
						Envelope:    events.NewEnvelope("InsufficientStockEvent", orderID),
						OrderID:     orderID,
						FailedItems: []events.FailedItem{*failed},
					})
					return nil
				}
				return err
			}
			reservation = r
			if last {
				all := make(map[string]string, len(reserved)+1)
				for id, rid := range reserved {
					all[id] = rid
				}
				all[productID] = r.ID
				// The batch announcement commits in the same transaction as
				// the final reservation.
				appendOutbox(p, &events.StockReserved{
					Envelope:     events.NewEnvelope("StockReservedEvent", orderID),
					OrderID:      orderID,
					Reservations: all,
					ExpiresAt:    expiresAt,
				})
			}
			return nil
		})
		if err != nil {
			s.rollback(ctx, orderID, reserved)
			return nil, err
		}
		if failed != nil {
			s.rollback(ctx, orderID, reserved)
			s.metrics.InsufficientStock.Inc()
			return nil, rejection
		}
		reserved[productID] = reservation.ID
	}

	s.metrics.StockReservations.Add(float64(len(reserved)))
	s.logger.Info("order stock reserved",
		zap.String("orderId", orderID), zap.Int("products", len(reserved)))
	return reserved, nil
}

// rollback releases already-committed reservations of a failed batch.
func (s *Service) rollback(ctx context.Context, orderID string, reserved map[string]string) {
	for productID, reservationID := range reserved {
		if err := s.Release(ctx, productID, reservationID, "released"); err != nil {
			// The expiry sweeper reclaims anything that slips through here.
			s.logger.Error("batch rollback release failed",
				zap.String("orderId", orderID),
				zap.String("productId", productID),
				zap.String("reservationId", reservationID),
				zap.Error(err))
		}
	}
}

// ReleaseReservations executes a compensation: reservations maps productId to
// reservationId. Individual failures are logged and skipped so a partial
// compensation still frees what it can.
func (s *Service) ReleaseReservations(ctx context.Context, reservations map[string]string, reason string) {
	productIDs := make([]string, 0, len(reservations))
	for id := range reservations {
		productIDs = append(productIDs, id)
	}
	sort.Strings(productIDs)

	for _, productID := range productIDs {
		if err := s.Release(ctx, productID, reservations[productID], reason); err != nil {
			s.logger.Error("compensation release failed",
				zap.String("productId", productID),
				zap.String("reservationId", reservations[productID]),
				zap.Error(err))
		}
	}
}

// DeductReservations confirms every reservation of a paid order.
func (s *Service) DeductReservations(ctx context.Context, reservations map[string]string) error {
	productIDs := make([]string, 0, len(reservations))
	for id := range reservations {
		productIDs = append(productIDs, id)
	}
	sort.Strings(productIDs)

	for _, productID := range productIDs {
		err := s.Deduct(ctx, productID, reservations[productID])
		if err != nil && !errors.Is(err, ErrAlreadyTerminal) {
			return err
		}
	}
	return nil
}

// ExpireProduct releases every overdue reservation of one product and
// returns how many it released.
func (s *Service) ExpireProduct(ctx context.Context, productID string) (int, error) {
	var expired []string
	err := s.withProduct(ctx, productID, func(p *Product) error {
		due, err := ExpireDue(p, s.now())
		expired = due
		return err
	})
	if err != nil {
		return 0, err
	}
	if len(expired) > 0 {
		s.metrics.ExpiredReservations.Add(float64(len(expired)))
		s.logger.Info("expired reservations released",
			zap.String("productId", productID), zap.Int("count", len(expired)))
	}
	return len(expired), nil
}
