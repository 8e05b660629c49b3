package processor

import (
	"context"
	"strings"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/paymentintent"
	"github.com/stripe/stripe-go/v78/refund"

	"github.com/velocart/platform/common/errs"
	"github.com/velocart/platform/common/money"
)

// Stripe charges through PaymentIntents, confirmed off-session against the
// configured payment method. Amounts are already in minor units, which is
// what the Stripe API expects.
type Stripe struct {
	paymentMethod string
}

func NewStripe(apiKey, paymentMethod string) *Stripe {
	stripe.Key = apiKey
	return &Stripe{paymentMethod: paymentMethod}
}

func (s *Stripe) Charge(ctx context.Context, orderID string, amount money.Money) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(amount.Amount),
		Currency:      stripe.String(strings.ToLower(amount.Currency)),
		PaymentMethod: stripe.String(s.paymentMethod),
		Confirm:       stripe.Bool(true),
		OffSession:    stripe.Bool(true),
		Metadata:      map[string]string{"orderID": orderID},
	}
	params.Context = ctx

	intent, err := paymentintent.New(params)
	if err != nil {
		return "", classify(err)
	}
	if intent.Status != stripe.PaymentIntentStatusSucceeded {
		return "", ErrDeclined.WithDetails(map[string]any{
			"orderId": orderID,
			"status":  string(intent.Status),
		})
	}
	return intent.ID, nil
}

func (s *Stripe) Refund(ctx context.Context, transactionID string, amount money.Money) error {
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(transactionID),
		Amount:        stripe.Int64(amount.Amount),
	}
	params.Context = ctx

	if _, err := refund.New(params); err != nil {
		return classify(err)
	}
	return nil
}

// classify maps Stripe errors onto the taxonomy: card errors are final
// declines, everything else is a transient provider fault.
func classify(err error) error {
	if stripeErr, ok := err.(*stripe.Error); ok {
		if stripeErr.Type == stripe.ErrorTypeCard {
			return errs.Wrap(errs.KindDomainRejection, "PAYMENT_DECLINED", "payment was declined", err)
		}
	}
	return errs.Wrap(errs.KindTransientInfra, "PAYMENT_PROVIDER_ERROR", "payment provider unavailable", err)
}

var _ Processor = (*Stripe)(nil)
