package main

import (
	"context"
	"sort"
	"sync"
	"time"
)

// InmemStore keeps aggregates in process memory with the same version-check
// semantics as the Postgres store. It backs tests and local runs.
type InmemStore struct {
	mu        sync.Mutex
	products  map[string]*Product
	outbox    []OutboxRow
	outboxSeq int64
	movements []Movement
}

func NewInmemStore() *InmemStore {
	return &InmemStore{products: map[string]*Product{}}
}

func (s *InmemStore) Create(ctx context.Context, p *Product) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.products[p.ID]; exists {
		return ErrVersionConflict
	}
	clone := p.Clone()
	clone.Version = 1
	clone.Outbox = nil
	clone.PendingMovements = nil
	s.products[p.ID] = clone
	return nil
}

func (s *InmemStore) Get(ctx context.Context, productID string) (*Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[productID]
	if !ok {
		return nil, ErrProductNotFound
	}
	return p.Clone(), nil
}

func (s *InmemStore) Save(ctx context.Context, p *Product) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.products[p.ID]
	if !ok {
		return ErrProductNotFound
	}
	if current.Version != p.Version {
		return ErrVersionConflict
	}

	for _, e := range p.Outbox {
		s.outboxSeq++
		s.outbox = append(s.outbox, OutboxRow{
			ID:          s.outboxSeq,
			AggregateID: p.ID,
			Topic:       e.Topic,
			Payload:     e.Payload,
			CreatedAt:   time.Now(),
		})
	}
	s.movements = append(s.movements, p.PendingMovements...)

	clone := p.Clone()
	clone.Version = p.Version + 1
	clone.Outbox = nil
	clone.PendingMovements = nil
	s.products[p.ID] = clone

	p.Version = clone.Version
	p.Outbox = nil
	p.PendingMovements = nil
	return nil
}

func (s *InmemStore) ProductIDs(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.products))
	for id := range s.products {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *InmemStore) ReservationsForOrder(ctx context.Context, orderID string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[string]string{}
	for _, p := range s.products {
		for id, r := range p.Reservations {
			if r.OrderID == orderID && r.State == ReservationActive {
				out[p.ID] = id
			}
		}
	}
	return out, nil
}

func (s *InmemStore) PendingOutbox(ctx context.Context, limit int) ([]OutboxRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 || limit > len(s.outbox) {
		limit = len(s.outbox)
	}
	rows := make([]OutboxRow, limit)
	copy(rows, s.outbox[:limit])
	return rows, nil
}

func (s *InmemStore) MarkPublished(ctx context.Context, ids []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	published := make(map[int64]bool, len(ids))
	for _, id := range ids {
		published[id] = true
	}
	remaining := s.outbox[:0]
	for _, row := range s.outbox {
		if !published[row.ID] {
			remaining = append(remaining, row)
		}
	}
	s.outbox = remaining
	return nil
}

// Movements returns the recorded ledger; tests assert against it.
func (s *InmemStore) Movements() []Movement {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Movement, len(s.movements))
	copy(out, s.movements)
	return out
}

var _ ProductStore = (*InmemStore)(nil)
