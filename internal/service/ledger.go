package service

import (
	"context"
	"errors"
	"time"

	"github.com/DukeRupert/hookmeter/internal/domain"
	"github.com/DukeRupert/hookmeter/internal/metrics"
	"github.com/DukeRupert/hookmeter/internal/repository"
	"github.com/google/uuid"
)

// getCurrentRow returns the row whose period contains now, or nil if the
// user has none.
func (e *Engine) getCurrentRow(ctx context.Context, userID uuid.UUID, now time.Time) (*domain.UsageRow, error) {
	const op = "ledger.get_current_row"

	row, err := withStorage(ctx, e, op, func(ctx context.Context) (*domain.UsageRow, error) {
		return e.store.GetCurrentUsage(ctx, userID, now)
	})
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row, e.checkRow(op, row)
}

// getLatestRow returns the row with the newest period, or nil if none.
func (e *Engine) getLatestRow(ctx context.Context, userID uuid.UUID) (*domain.UsageRow, error) {
	const op = "ledger.get_latest_row"

	row, err := withStorage(ctx, e, op, func(ctx context.Context) (*domain.UsageRow, error) {
		return e.store.GetLatestUsage(ctx, userID)
	})
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row, e.checkRow(op, row)
}

// initializeRow opens [start, end) with zeroed counters and limits
// snapshotted from plan. If a period starting at or after start already
// exists it returns domain.ErrAlreadyInitialized and the caller re-reads.
func (e *Engine) initializeRow(ctx context.Context, userID uuid.UUID, plan domain.Plan, start, end time.Time, providerSubID string) (*domain.UsageRow, error) {
	const op = "ledger.initialize_row"

	if !end.After(start) {
		return nil, &domain.InvariantViolation{Op: op, Detail: "period end must follow period start"}
	}

	row := domain.NewUsageRow(userID, plan, start, end, providerSubID, e.now())
	type result struct {
		row      *domain.UsageRow
		inserted bool
	}
	res, err := withStorage(ctx, e, op, func(ctx context.Context) (result, error) {
		current, inserted, err := e.store.OpenUsagePeriod(ctx, row)
		return result{current, inserted}, err
	})
	if err != nil {
		return nil, err
	}
	if !res.inserted {
		return nil, domain.ErrAlreadyInitialized
	}

	e.logger.Info("usage period opened",
		"user_id", userID,
		"plan", plan.Name,
		"period_start", start,
		"period_end", end,
	)
	return res.row, nil
}

// applyPlanLimits moves an open row onto plan's limits. Usage already
// recorded in the period stays on the row.
func (e *Engine) applyPlanLimits(ctx context.Context, row *domain.UsageRow, plan domain.Plan, now time.Time) (*domain.UsageRow, error) {
	const op = "ledger.apply_plan_limits"

	updated, err := withStorage(ctx, e, op, func(ctx context.Context) (*domain.UsageRow, error) {
		return e.store.ApplyPlanLimits(ctx, row.ID, plan, now)
	})
	if errors.Is(err, domain.ErrConditionFailed) {
		return nil, domain.Conflict(op, "usage period ended while its plan changed")
	}
	if err != nil {
		return nil, err
	}

	e.logger.Info("usage period moved to new plan",
		"user_id", row.UserID,
		"from_plan", row.PlanName,
		"to_plan", plan.Name,
		"pro_used", updated.ProUsed,
	)
	return updated, e.checkRow(op, updated)
}

// incrementCounter adds amount to one counter if it stays within the row's
// ceiling and the period is still open. A failed guard returns
// domain.ErrConditionFailed.
func (e *Engine) incrementCounter(ctx context.Context, rowID uuid.UUID, counter domain.Counter, amount, charge int64) (*domain.UsageRow, error) {
	const op = "ledger.increment_counter"

	if !counter.IsValid() {
		return nil, domain.Invalid(op, "unknown counter "+string(counter))
	}
	row, err := withStorage(ctx, e, op, func(ctx context.Context) (*domain.UsageRow, error) {
		return e.store.IncrementUsage(ctx, repository.IncrementParams{
			RowID:   rowID,
			Counter: counter,
			Amount:  amount,
			Charge:  charge,
			Now:     e.now(),
		})
	})
	if err != nil {
		return nil, err
	}
	return row, e.checkRow(op, row)
}

// checkRow aborts on a row that breaks a ledger invariant.
func (e *Engine) checkRow(op string, row *domain.UsageRow) error {
	err := row.CheckInvariants(op)
	if err == nil {
		return nil
	}
	metrics.InvariantViolated()
	e.logger.Error("usage ledger invariant violated",
		"severity", "critical",
		"op", op,
		"user_id", row.UserID,
		"row_id", row.ID,
		"error", err,
	)
	return err
}
