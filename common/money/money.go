// Package money holds amounts as integer minor units (cents) together with
// an ISO-4217 currency code. Arithmetic across currencies is rejected.
package money

import (
	"errors"
	"fmt"
)

var (
	ErrCurrencyMismatch = errors.New("currency mismatch")
	ErrNegativeAmount   = errors.New("amount must not be negative")
)

// Money is an immutable amount in minor units of one currency.
type Money struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

// New builds a Money value. Negative amounts are rejected; refunds are
// modelled as separate movements, not negative money.
func New(amount int64, currency string) (Money, error) {
	if amount < 0 {
		return Money{}, ErrNegativeAmount
	}
	if len(currency) != 3 {
		return Money{}, fmt.Errorf("invalid currency code %q", currency)
	}
	return Money{Amount: amount, Currency: currency}, nil
}

// MustNew is New for static values; panics on invalid input.
func MustNew(amount int64, currency string) Money {
	m, err := New(amount, currency)
	if err != nil {
		panic(err)
	}
	return m
}

// Add returns m + other.
func (m Money) Add(other Money) (Money, error) {
	if m.Currency != other.Currency {
		return Money{}, fmt.Errorf("%w: %s vs %s", ErrCurrencyMismatch, m.Currency, other.Currency)
	}
	return Money{Amount: m.Amount + other.Amount, Currency: m.Currency}, nil
}

// Mul returns m scaled by a non-negative quantity.
func (m Money) Mul(qty int64) (Money, error) {
	if qty < 0 {
		return Money{}, ErrNegativeAmount
	}
	return Money{Amount: m.Amount * qty, Currency: m.Currency}, nil
}

// IsZero reports a zero amount.
func (m Money) IsZero() bool { return m.Amount == 0 }

func (m Money) String() string {
	return fmt.Sprintf("%d.%02d %s", m.Amount/100, m.Amount%100, m.Currency)
}
