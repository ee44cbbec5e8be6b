package service

import (
	"context"
	"errors"
	"net/mail"
	"strings"

	"github.com/DukeRupert/hookmeter/internal/domain"
	"github.com/DukeRupert/hookmeter/internal/events"
	"github.com/google/uuid"
)

const (
	// DefaultHistoryLimit is the number of periods returned when none is requested.
	DefaultHistoryLimit = 12

	// MaxHistoryLimit caps one usage history page.
	MaxHistoryLimit = 100
)

// GetSubscriptionOverview returns the plan, status and current usage shown
// in account settings. Results are cached until the next state change or
// until the cached period ends.
func (e *Engine) GetSubscriptionOverview(ctx context.Context, userID uuid.UUID) (*domain.SubscriptionOverview, error) {
	if e.cache != nil {
		ov, ok, err := e.cache.Get(ctx, userID)
		switch {
		case err != nil:
			e.logger.Warn("overview cache read failed", "user_id", userID, "error", err)
		case ok && ov.Usage.PeriodEnd.After(e.now()):
			return ov, nil
		}
	}

	st, err := e.currentState(ctx, userID)
	if err != nil {
		return nil, err
	}
	ov := &domain.SubscriptionOverview{
		Plan:              st.sub.EffectivePlan(),
		Status:            st.sub.Status,
		PeriodEnd:         st.sub.CurrentPeriodEnd,
		CancelAtPeriodEnd: st.sub.CancelAtPeriodEnd,
		Usage:             domain.SummarizeUsage(st.row),
	}

	if e.cache != nil {
		if err := e.cache.Set(ctx, userID, ov); err != nil {
			e.logger.Warn("overview cache write failed", "user_id", userID, "error", err)
		}
	}
	return ov, nil
}

// GetUsageHistory returns the user's ledger rows, newest first.
func (e *Engine) GetUsageHistory(ctx context.Context, userID uuid.UUID, limit int) ([]domain.UsageRow, error) {
	const op = "subscription.usage_history"

	switch {
	case limit <= 0:
		limit = DefaultHistoryLimit
	case limit > MaxHistoryLimit:
		limit = MaxHistoryLimit
	}
	return withStorage(ctx, e, op, func(ctx context.Context) ([]domain.UsageRow, error) {
		return e.store.ListUsageHistory(ctx, userID, limit)
	})
}

// EnsureCustomer returns the user's provider customer id, creating the
// customer on first use.
func (e *Engine) EnsureCustomer(ctx context.Context, userID uuid.UUID, email string) (string, error) {
	const op = "subscription.ensure_customer"

	email = strings.TrimSpace(email)
	if email == "" {
		return "", domain.NewValidationError(op, "email", "Email is required")
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return "", domain.NewValidationError(op, "email", "Email is not valid")
	}

	sub, err := e.loadSubscription(ctx, userID)
	if err != nil {
		return "", err
	}
	if sub.ProviderCustomerID != "" {
		return sub.ProviderCustomerID, nil
	}

	created, err := e.payments.CreateCustomer(ctx, userID.String(), email)
	if err != nil {
		return "", err
	}

	stored, err := withStorage(ctx, e, op, func(ctx context.Context) (string, error) {
		return e.store.SetCustomerID(ctx, userID, created, e.now())
	})
	if err != nil {
		return "", err
	}
	if stored != created {
		e.logger.Warn("customer created concurrently; keeping the first",
			"user_id", userID,
			"kept_customer_id", stored,
			"orphan_customer_id", created,
		)
	}
	e.invalidate(ctx, userID)
	return stored, nil
}

// CancelSubscription schedules the paid subscription to end at period end.
func (e *Engine) CancelSubscription(ctx context.Context, userID uuid.UUID) error {
	return e.setCancelAtPeriodEnd(ctx, "subscription.cancel", userID, true)
}

// ReactivateSubscription withdraws a scheduled cancellation.
func (e *Engine) ReactivateSubscription(ctx context.Context, userID uuid.UUID) error {
	return e.setCancelAtPeriodEnd(ctx, "subscription.reactivate", userID, false)
}

func (e *Engine) setCancelAtPeriodEnd(ctx context.Context, op string, userID uuid.UUID, cancel bool) error {
	sub, err := e.loadSubscription(ctx, userID)
	if err != nil {
		return err
	}
	if !sub.HasPaidSubscription() || !sub.Status.GrantsPaidPlan() {
		return domain.NewValidationError(op, "subscription", "No active paid subscription")
	}
	if sub.CancelAtPeriodEnd == cancel {
		return nil
	}

	subscriptionID := sub.ProviderSubscriptionID
	if err := e.payments.SetCancelAtPeriodEnd(ctx, subscriptionID, cancel); err != nil {
		return err
	}

	for attempt := 1; ; attempt++ {
		sub.CancelAtPeriodEnd = cancel
		sub.UpdatedAt = e.now()
		_, err := withStorage(ctx, e, op, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, e.store.SaveSubscription(ctx, sub)
		})
		if err == nil {
			break
		}
		if !errors.Is(err, domain.ErrConditionFailed) {
			return err
		}
		if attempt == maxWriteAttempts {
			return domain.Wrap(err, domain.ECONFLICT, op, "Subscription is being updated. Please try again.")
		}
		if sub, err = e.loadSubscription(ctx, userID); err != nil {
			return err
		}
		if sub.ProviderSubscriptionID != subscriptionID {
			return domain.Conflict(op, "subscription changed while updating")
		}
	}

	e.logger.Info("subscription cancellation updated",
		"user_id", userID,
		"subscription_id", subscriptionID,
		"cancel_at_period_end", cancel,
	)
	e.invalidate(ctx, userID)
	e.publish(ctx, events.TypeSubscriptionTransitioned, userID, map[string]any{
		"from_status":          sub.Status,
		"to_status":            sub.Status,
		"plan":                 sub.PlanName,
		"cancel_at_period_end": cancel,
	})
	return nil
}
