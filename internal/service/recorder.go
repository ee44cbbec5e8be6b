package service

import (
	"context"
	"errors"

	"github.com/DukeRupert/hookmeter/internal/domain"
	"github.com/DukeRupert/hookmeter/internal/events"
	"github.com/DukeRupert/hookmeter/internal/metrics"
	"github.com/google/uuid"
)

// RecordGeneration meters one completed generation. Base or overage is
// decided again at write time from the stored counters; the conditional
// increment makes concurrent writers see each other's updates.
func (e *Engine) RecordGeneration(ctx context.Context, userID uuid.UUID, class domain.ModelClass) error {
	const op = "recorder.record"

	if !class.IsValid() {
		return domain.NewValidationError(op, "model_class", "must be draft or pro")
	}

	st, err := e.currentState(ctx, userID)
	if err != nil {
		return err
	}
	plan, err := e.catalog.GetPlan(st.sub.EffectivePlan())
	if err != nil {
		return err
	}
	if !plan.Allows(class) {
		return domain.Errorf(domain.EPAYMENT, op, "%s generations are not included in the %s plan", class, plan.Name)
	}

	// A failed increment means the targeted counter is full or the period
	// ended, so each retry reads fresh state and moves on.
	current := st.row
	for attempt := 1; attempt <= maxWriteAttempts; attempt++ {
		counter, charge, ok := classify(current, class)
		if !ok {
			return domain.QuotaExhausted(op, class)
		}

		row, err := e.incrementCounter(ctx, current.ID, counter, 1, charge)
		if errors.Is(err, domain.ErrConditionFailed) {
			if current, err = e.rereadRow(ctx, userID); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			return err
		}

		overage := counter == domain.CounterProOverageUsed
		metrics.GenerationRecorded(class.String(), overage, charge)
		if overage {
			e.publish(ctx, events.TypeUsageOverageRecorded, userID, map[string]any{
				"plan":           row.PlanName,
				"period_start":   row.PeriodStart,
				"overage_used":   row.ProOverageUsed,
				"unit_price":     charge,
				"overage_charge": row.OverageCharge,
			})
		}
		e.invalidate(ctx, userID)

		e.logger.Debug("generation recorded",
			"user_id", userID,
			"model_class", class,
			"counter", counter,
			"row_id", row.ID,
		)
		return nil
	}

	if _, _, ok := classify(current, class); !ok {
		return domain.QuotaExhausted(op, class)
	}
	return domain.StorageUnavailable(op, errors.New("usage row contended; retry"))
}

// rereadRow reads the current row directly, bypassing coalesced lookups
// that may predate the failed write. An ended period is rolled over.
func (e *Engine) rereadRow(ctx context.Context, userID uuid.UUID) (*domain.UsageRow, error) {
	row, err := e.getCurrentRow(ctx, userID, e.now())
	if err != nil || row != nil {
		return row, err
	}
	st, err := e.currentState(ctx, userID)
	if err != nil {
		return nil, err
	}
	return st.row, nil
}

// classify picks the counter a generation consumes and its overage charge.
// ok is false when nothing remains.
func classify(row *domain.UsageRow, class domain.ModelClass) (counter domain.Counter, charge int64, ok bool) {
	switch class {
	case domain.ModelClassDraft:
		if left := row.RemainingDraft(); left == nil || *left > 0 {
			return domain.CounterDraftUsed, 0, true
		}
	case domain.ModelClassPro:
		if left := row.RemainingPro(); left == nil || *left > 0 {
			return domain.CounterProUsed, 0, true
		}
		if row.RemainingOverage() > 0 {
			return domain.CounterProOverageUsed, row.OverageUnitPrice, true
		}
	}
	return "", 0, false
}
