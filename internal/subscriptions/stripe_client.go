package subscriptions

import (
	"context"

	pkgstripe "github.com/flipstash/flipstash-backend/pkg/stripe"
	"github.com/stripe/stripe-go/v84"
	"github.com/stripe/stripe-go/v84/invoice"
	"github.com/stripe/stripe-go/v84/subscription"
)

// StripeSubscriptionClient exposes the subset of Stripe reads required by the
// reducer and the reconciler.
type StripeSubscriptionClient interface {
	Get(ctx context.Context, id string, params *stripe.SubscriptionParams) (*stripe.Subscription, error)
	LatestInvoicePaymentIntent(ctx context.Context, subscriptionID string) (*stripe.PaymentIntent, error)
}

type stripeClientWrapper struct{}

// NewStripeClient wraps the provided Stripe client so consumers can be tested.
func NewStripeClient(api *pkgstripe.Client) StripeSubscriptionClient {
	if api == nil {
		return nil
	}
	return &stripeClientWrapper{}
}

func (w *stripeClientWrapper) Get(ctx context.Context, id string, params *stripe.SubscriptionParams) (*stripe.Subscription, error) {
	if params == nil {
		params = &stripe.SubscriptionParams{}
	}
	params.Context = ctx
	return subscription.Get(id, params)
}

func (w *stripeClientWrapper) LatestInvoicePaymentIntent(ctx context.Context, subscriptionID string) (*stripe.PaymentIntent, error) {
	params := &stripe.InvoiceListParams{
		Subscription: stripe.String(subscriptionID),
	}
	params.Context = ctx
	params.Limit = stripe.Int64(1)
	params.AddExpand("data.payments.data.payment.payment_intent")

	iter := invoice.List(params)
	for iter.Next() {
		return paymentIntentFromInvoice(iter.Invoice()), nil
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return nil, nil
}

func paymentIntentFromInvoice(inv *stripe.Invoice) *stripe.PaymentIntent {
	if inv == nil || inv.Payments == nil || len(inv.Payments.Data) == 0 {
		return nil
	}
	payment := inv.Payments.Data[0].Payment
	if payment == nil {
		return nil
	}
	return payment.PaymentIntent
}
