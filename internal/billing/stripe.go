// Package billing provides the plan catalog, period arithmetic and the
// Stripe integration used by the entitlement engine.
package billing

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/DukeRupert/hookmeter/internal/domain"
	"github.com/sethvargo/go-retry"
	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/customer"
	"github.com/stripe/stripe-go/v79/subscription"
	"github.com/stripe/stripe-go/v79/webhook"
)

// Client defines the payment-provider operations the engine consumes.
type Client interface {
	// CreateCustomer creates a customer tagged with metadata.user_id.
	CreateCustomer(ctx context.Context, userID, email string) (string, error)

	// RetrieveSubscription fetches a subscription by ID.
	RetrieveSubscription(ctx context.Context, subscriptionID string) (*stripe.Subscription, error)

	// SetCancelAtPeriodEnd sets or clears the cancel_at_period_end flag.
	SetCancelAtPeriodEnd(ctx context.Context, subscriptionID string, cancel bool) error

	// ConstructEvent verifies the webhook signature over the raw body and
	// returns the event. Failure wraps domain.ErrInvalidSignature.
	ConstructEvent(payload []byte, signature string) (stripe.Event, error)
}

// stripeClient is the concrete implementation of Client.
type stripeClient struct {
	webhookSecret string
	maxRetries    uint64
	retryBase     time.Duration
}

// NewStripeClient creates a new Stripe client.
//
// The secretKey is used to authenticate Stripe API calls.
// The webhookSecret is used to verify incoming webhook signatures.
// Retryable API failures are retried up to maxRetries times with
// exponential backoff.
func NewStripeClient(secretKey, webhookSecret string, maxRetries int) Client {
	stripe.Key = secretKey
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &stripeClient{
		webhookSecret: webhookSecret,
		maxRetries:    uint64(maxRetries),
		retryBase:     200 * time.Millisecond,
	}
}

func (s *stripeClient) CreateCustomer(ctx context.Context, userID, email string) (string, error) {
	const op = "stripe.create_customer"

	params := &stripe.CustomerParams{
		Email: stripe.String(email),
	}
	params.Context = ctx
	params.AddMetadata(MetadataUserIDKey, userID)
	// Same key on every attempt so a retried create cannot produce two customers.
	params.SetIdempotencyKey("customer-" + userID)

	var id string
	err := s.do(ctx, op, func() error {
		c, err := customer.New(params)
		if err != nil {
			return err
		}
		id = c.ID
		return nil
	})
	return id, err
}

func (s *stripeClient) RetrieveSubscription(ctx context.Context, subscriptionID string) (*stripe.Subscription, error) {
	const op = "stripe.retrieve_subscription"

	params := &stripe.SubscriptionParams{}
	params.Context = ctx

	var sub *stripe.Subscription
	err := s.do(ctx, op, func() error {
		var err error
		sub, err = subscription.Get(subscriptionID, params)
		return err
	})
	return sub, err
}

func (s *stripeClient) SetCancelAtPeriodEnd(ctx context.Context, subscriptionID string, cancel bool) error {
	const op = "stripe.set_cancel_at_period_end"

	params := &stripe.SubscriptionParams{
		CancelAtPeriodEnd: stripe.Bool(cancel),
	}
	params.Context = ctx

	return s.do(ctx, op, func() error {
		_, err := subscription.Update(subscriptionID, params)
		return err
	})
}

func (s *stripeClient) ConstructEvent(payload []byte, signature string) (stripe.Event, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signature, s.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return stripe.Event{}, fmt.Errorf("%w: %v", domain.ErrInvalidSignature, err)
	}
	return event, nil
}

// do runs fn, retrying failures the provider marks as transient. The final
// error is returned as a payments ExternalServiceError.
func (s *stripeClient) do(ctx context.Context, op string, fn func() error) error {
	backoff := retry.WithMaxRetries(s.maxRetries, retry.NewExponential(s.retryBase))

	var last error
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		last = fn()
		if last != nil && isRetryableStripeError(last) {
			return retry.RetryableError(last)
		}
		return last
	})
	if err == nil {
		return nil
	}
	if last == nil {
		last = err
	}
	return domain.PaymentsError(op, isRetryableStripeError(last), last)
}

// isRetryableStripeError reports whether a Stripe failure is transient:
// rate limiting, server errors and network failures.
func isRetryableStripeError(err error) bool {
	var serr *stripe.Error
	if errors.As(err, &serr) {
		return serr.HTTPStatusCode == http.StatusTooManyRequests ||
			serr.HTTPStatusCode >= http.StatusInternalServerError
	}
	return !errors.Is(err, context.Canceled)
}
