package main

import (
	"context"
	"sync"
	"time"

	"github.com/velocart/platform/common/events"
)

// InmemStore backs tests and local runs with the same version semantics as
// the Mongo store.
type InmemStore struct {
	mu     sync.Mutex
	orders map[string]*Order
}

func NewInmemStore() *InmemStore {
	return &InmemStore{orders: map[string]*Order{}}
}

func cloneOrder(o *Order) *Order {
	clone := *o
	clone.Items = append([]events.OrderItem(nil), o.Items...)
	clone.Reservations = make(map[string]string, len(o.Reservations))
	for k, v := range o.Reservations {
		clone.Reservations[k] = v
	}
	return &clone
}

func (s *InmemStore) Create(ctx context.Context, o *Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := cloneOrder(o)
	clone.Version = 1
	s.orders[o.ID] = clone
	o.Version = 1
	return nil
}

func (s *InmemStore) Get(ctx context.Context, orderID string) (*Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return cloneOrder(o), nil
}

func (s *InmemStore) Update(ctx context.Context, o *Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.orders[o.ID]
	if !ok {
		return ErrOrderNotFound
	}
	if current.Version != o.Version {
		return ErrVersionConflict
	}
	clone := cloneOrder(o)
	clone.Version = o.Version + 1
	clone.UpdatedAt = time.Now()
	s.orders[o.ID] = clone
	o.Version = clone.Version
	return nil
}

func (s *InmemStore) RecentByCustomer(ctx context.Context, customerID string, since time.Time) ([]*Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Order
	for _, o := range s.orders {
		if o.CustomerID == customerID && !o.CreatedAt.Before(since) {
			out = append(out, cloneOrder(o))
		}
	}
	return out, nil
}

func (s *InmemStore) ByStatus(ctx context.Context, status Status) ([]*Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Order
	for _, o := range s.orders {
		if o.Status == status {
			out = append(out, cloneOrder(o))
		}
	}
	return out, nil
}

var _ OrderStore = (*InmemStore)(nil)
