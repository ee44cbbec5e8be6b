package service

import (
	"context"
	"testing"

	"github.com/DukeRupert/hookmeter/internal/billing"
	"github.com/DukeRupert/hookmeter/internal/domain"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckEntitlement_FreeDraftLimit(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := uuid.New()

	for i := 0; i < 5; i++ {
		d, err := env.engine.CheckEntitlement(ctx, user, domain.ModelClassDraft)
		require.NoError(t, err)
		require.True(t, d.CanGenerate, "generation %d", i+1)
		require.NoError(t, env.engine.RecordGeneration(ctx, user, domain.ModelClassDraft))
	}

	d, err := env.engine.CheckEntitlement(ctx, user, domain.ModelClassDraft)
	require.NoError(t, err)
	assert.False(t, d.CanGenerate)
	assert.Equal(t, domain.ReasonLimitReached, d.Reason)
	assert.Equal(t, domain.PlanFree, d.Plan)
	require.NotNil(t, d.RemainingDraft)
	assert.Equal(t, int64(0), *d.RemainingDraft)
	assert.Equal(t, 100.0, d.UsagePercentage)
	require.NotNil(t, d.UpgradeHint)
	assert.Equal(t, domain.PlanStarter, d.UpgradeHint.Plan)

	err = env.engine.RecordGeneration(ctx, user, domain.ModelClassDraft)
	assert.Equal(t, domain.EPAYMENT, domain.ErrorCode(err))
}

func TestCheckEntitlement_FreePlanNeverGetsPro(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := uuid.New()

	for i := 0; i <= 5; i++ {
		d, err := env.engine.CheckEntitlement(ctx, user, domain.ModelClassPro)
		require.NoError(t, err)
		assert.False(t, d.CanGenerate)
		assert.Equal(t, domain.ReasonModelNotAllowed, d.Reason)
		require.NotNil(t, d.UpgradeHint)
		assert.Equal(t, domain.PlanStarter, d.UpgradeHint.Plan)
		assert.Contains(t, d.UpgradeHint.Message, "Starter")

		// Draft usage does not change the gate.
		_ = env.engine.RecordGeneration(ctx, user, domain.ModelClassDraft)
	}

	err := env.engine.RecordGeneration(ctx, user, domain.ModelClassPro)
	assert.Equal(t, domain.EPAYMENT, domain.ErrorCode(err))
}

func TestCheckEntitlement_StarterOverage(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := uuid.New()
	env.activate(t, user, "sub_starter", priceStarter)

	for i := 1; i <= 100; i++ {
		d, err := env.engine.CheckEntitlement(ctx, user, domain.ModelClassPro)
		require.NoError(t, err)
		require.True(t, d.CanGenerate, "generation %d", i)
		require.False(t, d.IsOverage, "generation %d", i)
		require.NoError(t, env.engine.RecordGeneration(ctx, user, domain.ModelClassPro))
	}

	for i := 101; i <= 110; i++ {
		d, err := env.engine.CheckEntitlement(ctx, user, domain.ModelClassPro)
		require.NoError(t, err)
		require.True(t, d.CanGenerate, "generation %d", i)
		require.True(t, d.IsOverage, "generation %d", i)
		require.NoError(t, env.engine.RecordGeneration(ctx, user, domain.ModelClassPro))
	}

	d, err := env.engine.CheckEntitlement(ctx, user, domain.ModelClassPro)
	require.NoError(t, err)
	assert.False(t, d.CanGenerate)
	assert.Equal(t, domain.ReasonLimitReached, d.Reason)
	assert.Equal(t, 100.0, d.UsagePercentage)
	require.NotNil(t, d.UpgradeHint)
	assert.Equal(t, domain.PlanCreator, d.UpgradeHint.Plan)

	row, err := env.engine.RolloverIfExpired(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, int64(100), row.ProUsed)
	assert.Equal(t, int64(10), row.ProOverageUsed)
	assert.Equal(t, int64(10*5), row.OverageCharge)
	assert.Equal(t, 10, env.publisher.count("usage.overage_recorded"))
}

func TestCheckEntitlement_IsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := uuid.New()

	first, err := env.engine.CheckEntitlement(ctx, user, domain.ModelClassDraft)
	require.NoError(t, err)
	second, err := env.engine.CheckEntitlement(ctx, user, domain.ModelClassDraft)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Len(t, env.history(t, user), 1)
}

func TestCheckEntitlement_InvalidModelClass(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.engine.CheckEntitlement(context.Background(), uuid.New(), domain.ModelClass("video"))
	assert.Equal(t, domain.EINVALID, domain.ErrorCode(err))
}

func TestCheckEntitlement_FailsClosedWhenStorageIsDown(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.store.Close())

	d, err := env.engine.CheckEntitlement(context.Background(), uuid.New(), domain.ModelClassDraft)
	require.Error(t, err)
	assert.Equal(t, domain.EUNAVAILABLE, domain.ErrorCode(err))
	assert.False(t, d.CanGenerate)
	assert.Equal(t, domain.ReasonServiceUnavailable, d.Reason)
	assert.True(t, d.CanRetry)
}

func TestEvaluate(t *testing.T) {
	catalog, err := billing.NewCatalog(billing.DefaultPlans(domain.IntervalMonth), billing.PriceConfig{})
	require.NoError(t, err)
	starter, err := catalog.GetPlan(domain.PlanStarter)
	require.NoError(t, err)
	teams, err := catalog.GetPlan(domain.PlanTeams)
	require.NoError(t, err)

	row := func(plan domain.Plan, proUsed, overageUsed int64) *domain.UsageRow {
		r := domain.NewUsageRow(uuid.New(), plan, testStart, testStart.AddDate(0, 1, 0), "sub_1", testStart)
		r.ProUsed = proUsed
		r.ProOverageUsed = overageUsed
		return r
	}

	tests := []struct {
		name        string
		plan        domain.Plan
		row         *domain.UsageRow
		wantAllowed bool
		wantOverage bool
		wantReason  domain.DenyReason
		wantPercent float64
	}{
		{"base quota left", starter, row(starter, 55, 0), true, false, domain.ReasonNone, 50},
		{"last base unit", starter, row(starter, 99, 0), true, false, domain.ReasonNone, 90},
		{"first overage unit", starter, row(starter, 100, 0), true, true, domain.ReasonNone, 90.91},
		{"last overage unit", starter, row(starter, 100, 9), true, true, domain.ReasonNone, 99.09},
		{"overage spent", starter, row(starter, 100, 10), false, false, domain.ReasonLimitReached, 100},
		{"unlimited", teams, row(teams, 5000, 0), true, false, domain.ReasonNone, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Evaluate(catalog, tt.plan, tt.row, domain.ModelClassPro)
			assert.Equal(t, tt.wantAllowed, d.CanGenerate)
			assert.Equal(t, tt.wantOverage, d.IsOverage)
			assert.Equal(t, tt.wantReason, d.Reason)
			assert.InDelta(t, tt.wantPercent, d.UsagePercentage, 0.001)
		})
	}
}
