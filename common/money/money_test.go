package money

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddSameCurrency(t *testing.T) {
	a := MustNew(1050, "EUR")
	b := MustNew(250, "EUR")

	sum, err := a.Add(b)
	require.NoError(t, err)
	assert.Equal(t, int64(1300), sum.Amount)
	assert.Equal(t, "EUR", sum.Currency)
}

func TestAddRejectsMixedCurrencies(t *testing.T) {
	a := MustNew(100, "EUR")
	b := MustNew(100, "USD")

	_, err := a.Add(b)
	assert.ErrorIs(t, err, ErrCurrencyMismatch)
}

func TestNewRejectsNegative(t *testing.T) {
	_, err := New(-1, "EUR")
	assert.ErrorIs(t, err, ErrNegativeAmount)
}

func TestMul(t *testing.T) {
	m := MustNew(499, "EUR")

	total, err := m.Mul(3)
	require.NoError(t, err)
	assert.Equal(t, int64(1497), total.Amount)

	_, err = m.Mul(-1)
	assert.ErrorIs(t, err, ErrNegativeAmount)
}

func TestString(t *testing.T) {
	assert.Equal(t, "12.05 EUR", MustNew(1205, "EUR").String())
}
