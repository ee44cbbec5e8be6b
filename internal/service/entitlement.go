package service

import (
	"context"
	"math"

	"github.com/DukeRupert/hookmeter/internal/billing"
	"github.com/DukeRupert/hookmeter/internal/domain"
	"github.com/DukeRupert/hookmeter/internal/metrics"
	"github.com/google/uuid"
)

// CheckEntitlement decides whether userID may run one generation of class.
// The decision is always made against a row whose period contains now.
func (e *Engine) CheckEntitlement(ctx context.Context, userID uuid.UUID, class domain.ModelClass) (domain.Decision, error) {
	const op = "entitlement.check"

	if !class.IsValid() {
		return domain.Decision{}, domain.NewValidationError(op, "model_class", "must be draft or pro")
	}

	st, err := e.currentState(ctx, userID)
	if err != nil {
		return e.failClosed(op, userID, class, err)
	}
	plan, err := e.catalog.GetPlan(st.sub.EffectivePlan())
	if err != nil {
		return e.failClosed(op, userID, class, err)
	}

	d := Evaluate(e.catalog, plan, st.row, class)
	metrics.DecisionMade(class.String(), decisionResult(d))
	e.logger.Debug("entitlement checked",
		"user_id", userID,
		"model_class", class,
		"plan", plan.Name,
		"can_generate", d.CanGenerate,
		"reason", d.Reason,
	)
	return d, nil
}

// failClosed denies the generation when the engine cannot decide.
func (e *Engine) failClosed(op string, userID uuid.UUID, class domain.ModelClass, err error) (domain.Decision, error) {
	d := domain.Unavailable()
	d.CanRetry = domain.IsRetryable(err)
	metrics.DecisionMade(class.String(), string(d.Reason))
	e.logger.Warn("entitlement check failed closed",
		"op", op,
		"user_id", userID,
		"model_class", class,
		"retryable", d.CanRetry,
		"error", err,
	)
	return d, err
}

// Evaluate decides a generation request against the current ledger row.
// It has no side effects; the same inputs give the same decision.
func Evaluate(catalog *billing.Catalog, plan domain.Plan, row *domain.UsageRow, class domain.ModelClass) domain.Decision {
	d := domain.Decision{
		Plan:            plan.Name,
		RemainingPro:    row.RemainingPro(),
		RemainingDraft:  row.RemainingDraft(),
		UsagePercentage: usagePercentage(row, class),
	}

	if !plan.Allows(class) {
		d.Reason = domain.ReasonModelNotAllowed
		d.UpgradeHint = catalog.ModelUpgradeHint(class)
		return d
	}

	switch class {
	case domain.ModelClassDraft:
		if left := d.RemainingDraft; left == nil || *left > 0 {
			d.CanGenerate = true
			return d
		}
	case domain.ModelClassPro:
		if left := d.RemainingPro; left == nil || *left > 0 {
			d.CanGenerate = true
			return d
		}
		if row.ProOverageUsed < row.ProOverageLimit {
			d.CanGenerate = true
			d.IsOverage = true
			return d
		}
	}

	d.Reason = domain.ReasonLimitReached
	d.UpgradeHint = catalog.LimitUpgradeHint(plan.Name)
	return d
}

// usagePercentage is used / (limit + overage allowance) for the requested
// class, or 0 when the class is unlimited.
func usagePercentage(row *domain.UsageRow, class domain.ModelClass) float64 {
	var used, capacity int64
	switch class {
	case domain.ModelClassPro:
		if row.ProLimit == nil {
			return 0
		}
		used = row.ProUsed + row.ProOverageUsed
		capacity = *row.ProLimit + row.ProOverageLimit
	case domain.ModelClassDraft:
		if row.DraftLimit == nil {
			return 0
		}
		used = row.DraftUsed
		capacity = *row.DraftLimit
	}
	if capacity <= 0 {
		return 0
	}
	// Usage from before a downgrade can exceed the new capacity.
	used = min(used, capacity)
	return math.Round(float64(used)/float64(capacity)*10000) / 100
}

func decisionResult(d domain.Decision) string {
	switch {
	case d.IsOverage:
		return "overage"
	case d.CanGenerate:
		return "allowed"
	}
	return string(d.Reason)
}
