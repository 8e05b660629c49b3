package processor

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/velocart/platform/common/money"
)

// Inmem approves everything unless told otherwise. Tests and local runs
// steer it through Decline and Fail.
type Inmem struct {
	mu       sync.Mutex
	declined map[string]bool
	err      error
	charges  map[string]money.Money
}

func NewInmem() *Inmem {
	return &Inmem{
		declined: map[string]bool{},
		charges:  map[string]money.Money{},
	}
}

// Decline marks an order so its charge is refused.
func (p *Inmem) Decline(orderID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.declined[orderID] = true
}

// Fail makes every call return err until reset with nil.
func (p *Inmem) Fail(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

func (p *Inmem) Charge(ctx context.Context, orderID string, amount money.Money) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	if p.declined[orderID] {
		return "", ErrDeclined.WithDetails(map[string]any{"orderId": orderID})
	}
	txn := "txn_" + uuid.NewString()
	p.charges[txn] = amount
	return txn, nil
}

func (p *Inmem) Refund(ctx context.Context, transactionID string, amount money.Money) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	delete(p.charges, transactionID)
	return nil
}

// Charged returns the amount held for a transaction.
func (p *Inmem) Charged(transactionID string) (money.Money, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.charges[transactionID]
	return m, ok
}

var _ Processor = (*Inmem)(nil)
