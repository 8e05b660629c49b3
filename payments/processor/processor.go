// Package processor abstracts the payment provider. Charge outcomes are
// classified through the shared error taxonomy: a decline is a domain
// rejection and final, a provider outage is transient and retried.
package processor

import (
	"context"

	"github.com/velocart/platform/common/errs"
	"github.com/velocart/platform/common/money"
)

// ErrDeclined is the final no-funds/no-card outcome.
var ErrDeclined = errs.New(errs.KindDomainRejection, "PAYMENT_DECLINED", "payment was declined")

// Processor charges and refunds orders.
type Processor interface {
	// Charge collects amount for orderID and returns the provider
	// transaction id.
	Charge(ctx context.Context, orderID string, amount money.Money) (string, error)
	// Refund returns amount of transactionID to the customer.
	Refund(ctx context.Context, transactionID string, amount money.Money) error
}
