package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/DukeRupert/hookmeter/internal/billing"
	"github.com/DukeRupert/hookmeter/internal/domain"
	"github.com/DukeRupert/hookmeter/internal/events"
	"github.com/DukeRupert/hookmeter/internal/metrics"
	"github.com/google/uuid"
)

// userState is a user's record together with the ledger row in effect now.
type userState struct {
	sub *domain.Subscription
	row *domain.UsageRow
}

// RolloverIfExpired returns the user's current ledger row. When the newest
// row has ended, the next period is opened first, anchored at the previous
// period end. Safe to retry and to abandon.
func (e *Engine) RolloverIfExpired(ctx context.Context, userID uuid.UUID) (*domain.UsageRow, error) {
	st, err := e.currentState(ctx, userID)
	if err != nil {
		return nil, err
	}
	return st.row, nil
}

// currentState coalesces concurrent lookups for one user. Callers receive
// their own copies.
func (e *Engine) currentState(ctx context.Context, userID uuid.UUID) (userState, error) {
	v, err, _ := e.rollovers.Do(userID.String(), func() (any, error) {
		return e.rollover(ctx, userID)
	})
	if err != nil {
		return userState{}, err
	}
	shared := v.(userState)
	sub, row := *shared.sub, *shared.row
	return userState{sub: &sub, row: &row}, nil
}

func (e *Engine) rollover(ctx context.Context, userID uuid.UUID) (userState, error) {
	const op = "rollover.rollover_if_expired"

	sub, err := e.loadSubscription(ctx, userID)
	if err != nil {
		return userState{}, err
	}

	for attempt := 1; attempt <= maxRolloverAttempts; attempt++ {
		now := e.now()

		latest, err := e.getLatestRow(ctx, userID)
		if err != nil {
			return userState{}, err
		}
		if latest != nil && latest.Contains(now) {
			return userState{sub: sub, row: latest}, nil
		}
		if latest != nil && latest.PeriodStart.After(now) {
			// Opened by an instance whose clock runs ahead of ours.
			current, err := e.getCurrentRow(ctx, userID, now)
			if err != nil {
				return userState{}, err
			}
			if current != nil {
				return userState{sub: sub, row: current}, nil
			}
			return userState{}, e.reportInvariant(op, userID, fmt.Sprintf(
				"newest period starts at %s, after now %s, and no period contains now", latest.PeriodStart, now))
		}

		// Plan lookup failures abort here and leave the expired row in place.
		plan, err := e.catalog.GetPlan(sub.EffectivePlan())
		if err != nil {
			return userState{}, err
		}

		var start, end time.Time
		trigger := metrics.TriggerExpired
		if latest == nil {
			anchor := sub.CreatedAt
			if anchor.IsZero() || anchor.After(now) {
				anchor = now
			}
			start, end = billing.PeriodContaining(anchor, plan.ResetInterval, now)
			trigger = metrics.TriggerInitial
		} else {
			start, end = billing.NextPeriod(latest.PeriodStart, latest.PeriodEnd, plan.ResetInterval, now)
		}

		row, err := e.initializeRow(ctx, userID, plan, start, end, paidSubscriptionID(sub))
		if errors.Is(err, domain.ErrAlreadyInitialized) {
			// Another caller opened the period; re-read.
			continue
		}
		if err != nil {
			return userState{}, err
		}
		e.periodOpened(ctx, row, trigger)
		return userState{sub: sub, row: row}, nil
	}

	return userState{}, domain.StorageUnavailable(op, errors.New("usage period still unsettled after re-read"))
}

// openPlanPeriod makes plan's limits apply at once. When the current row
// already belongs to the same subscription its period and counters carry
// on: a price change only re-snapshots the limits. Otherwise a new period
// starts at the provider's period start when that is in the past, never at
// or before the newest existing period.
func (e *Engine) openPlanPeriod(ctx context.Context, userID uuid.UUID, plan domain.Plan, providerSubID string, providerStart, providerEnd time.Time) (*domain.UsageRow, error) {
	const op = "rollover.open_plan_period"
	now := e.now()

	latest, err := e.getLatestRow(ctx, userID)
	if err != nil {
		return nil, err
	}
	if latest != nil && latest.Contains(now) && latest.ProviderSubscriptionID == providerSubID {
		switch {
		case latest.PlanName == plan.Name:
			return latest, nil
		case plan.IsPaid():
			return e.applyPlanLimits(ctx, latest, plan, now)
		}
	}

	start := now
	if !providerStart.IsZero() && providerStart.Before(now) {
		start = providerStart
	}
	if latest != nil && !start.After(latest.PeriodStart) {
		start = latest.PeriodStart.Add(time.Second)
	}
	if start.After(now) {
		return nil, domain.Conflict(op, "a usage period was opened less than a second ago")
	}
	return e.openPeriodAt(ctx, userID, plan, providerSubID, start, providerEnd, now, metrics.TriggerPlanChange)
}

// forceRollover starts a fresh period at a renewal boundary regardless of
// the stored period end. Each boundary opens at most one period.
func (e *Engine) forceRollover(ctx context.Context, userID uuid.UUID, plan domain.Plan, providerSubID string, boundary, providerEnd time.Time) (*domain.UsageRow, error) {
	now := e.now()

	start := boundary
	if start.IsZero() || start.After(now) {
		start = now
	}

	latest, err := e.getLatestRow(ctx, userID)
	if err != nil {
		return nil, err
	}
	if latest != nil && !start.After(latest.PeriodStart) {
		return latest, nil
	}
	return e.openPeriodAt(ctx, userID, plan, providerSubID, start, providerEnd, now, metrics.TriggerRenewal)
}

// openPeriodAt opens a period starting at start. It ends one reset interval
// later, or earlier at the provider's period end, and is stepped forward
// until it contains now.
func (e *Engine) openPeriodAt(ctx context.Context, userID uuid.UUID, plan domain.Plan, providerSubID string, start, providerEnd, now time.Time, trigger string) (*domain.UsageRow, error) {
	end := billing.AddInterval(start, plan.ResetInterval, 1)
	if providerEnd.After(now) && providerEnd.Before(end) {
		end = providerEnd
	}
	if !end.After(now) {
		start, end = billing.NextPeriod(start, end, plan.ResetInterval, now)
	}

	row, err := e.initializeRow(ctx, userID, plan, start, end, providerSubID)
	if errors.Is(err, domain.ErrAlreadyInitialized) {
		current, err := e.getCurrentRow(ctx, userID, now)
		if err != nil {
			return nil, err
		}
		if current == nil {
			return nil, domain.Conflict("rollover.open_period", "a newer usage period is already open")
		}
		return current, nil
	}
	if err != nil {
		return nil, err
	}
	e.periodOpened(ctx, row, trigger)
	return row, nil
}

func (e *Engine) periodOpened(ctx context.Context, row *domain.UsageRow, trigger string) {
	metrics.PeriodOpened(trigger)
	e.invalidate(ctx, row.UserID)
	e.publish(ctx, events.TypeUsagePeriodOpened, row.UserID, map[string]any{
		"plan":         row.PlanName,
		"period_start": row.PeriodStart,
		"period_end":   row.PeriodEnd,
		"trigger":      trigger,
	})
}

func (e *Engine) reportInvariant(op string, userID uuid.UUID, detail string) error {
	metrics.InvariantViolated()
	err := &domain.InvariantViolation{Op: op, Detail: detail}
	e.logger.Error("usage ledger invariant violated",
		"severity", "critical",
		"op", op,
		"user_id", userID,
		"error", err,
	)
	return err
}

// paidSubscriptionID returns the provider subscription backing the
// effective plan, or empty for free usage.
func paidSubscriptionID(sub *domain.Subscription) string {
	if sub.EffectivePlan() == domain.PlanFree {
		return ""
	}
	return sub.ProviderSubscriptionID
}
