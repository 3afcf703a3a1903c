package payments

import (
	"context"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"
)

// StripeClient wraps stripe-go for the hold/capture/cancel flow used around
// a ride: funds are held when the fare is settled and captured when the ride
// completes. The coordinator only ever calls this fire-and-forget.
type StripeClient struct{}

func NewStripeClient(apiKey string) *StripeClient {
	stripe.Key = apiKey
	return &StripeClient{}
}

// Hold creates a manual-capture PaymentIntent for the fare and returns its
// ID, which the ride carries as its payment reference.
func (s *StripeClient) Hold(ctx context.Context, amount int64, currency, customerID string) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(amount),
		Currency: stripe.String(currency),
	}
	if customerID != "" {
		params.Customer = stripe.String(customerID)
	}
	params.CaptureMethod = stripe.String(string(stripe.PaymentIntentCaptureMethodManual))
	pi, err := paymentintent.New(params)
	if err != nil {
		return "", err
	}
	return pi.ID, nil
}

// Capture finalizes a held PaymentIntent after ride completion.
func (s *StripeClient) Capture(ctx context.Context, paymentRef string) error {
	_, err := paymentintent.Capture(paymentRef, nil)
	return err
}

// Cancel releases a hold when the ride is cancelled.
func (s *StripeClient) Cancel(ctx context.Context, paymentRef string) error {
	_, err := paymentintent.Cancel(paymentRef, nil)
	return err
}
