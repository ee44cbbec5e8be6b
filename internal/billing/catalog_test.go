package billing

import (
	"testing"

	"github.com/DukeRupert/hookmeter/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCatalog(t *testing.T) *Catalog {
	t.Helper()
	c, err := NewCatalog(DefaultPlans(domain.IntervalMonth), PriceConfig{
		StarterMonthlyPriceID: "price_starter_m",
		StarterYearlyPriceID:  "price_starter_y",
		CreatorMonthlyPriceID: "price_creator_m",
		ProMonthlyPriceID:     "price_pro_m",
		TeamsMonthlyPriceID:   "price_teams_m",
	})
	require.NoError(t, err)
	return c
}

func TestCatalog_GetPlan(t *testing.T) {
	c := testCatalog(t)

	p, err := c.GetPlan(domain.PlanStarter)
	require.NoError(t, err)
	assert.Equal(t, int64(100), *p.ProGenerationsLimit)
	assert.Equal(t, int64(10), p.MaxOverage())

	_, err = c.GetPlan("gold")
	assert.Equal(t, domain.ECONFIG, domain.ErrorCode(err))
}

func TestCatalog_GetPlanByExternalPriceID(t *testing.T) {
	c := testCatalog(t)

	tests := []struct {
		price string
		want  domain.PlanName
	}{
		{"price_starter_m", domain.PlanStarter},
		{"price_starter_y", domain.PlanStarter},
		{"price_creator_m", domain.PlanCreator},
		{"price_pro_m", domain.PlanPro},
		{"price_teams_m", domain.PlanTeams},
	}
	for _, tt := range tests {
		t.Run(tt.price, func(t *testing.T) {
			p, err := c.GetPlanByExternalPriceID(tt.price)
			require.NoError(t, err)
			assert.Equal(t, tt.want, p.Name)
		})
	}

	_, err := c.GetPlanByExternalPriceID("price_unknown")
	assert.Equal(t, domain.ECONFIG, domain.ErrorCode(err))

	// Unset price IDs must not map the empty string.
	_, err = c.GetPlanByExternalPriceID("")
	assert.Error(t, err)
}

func TestCatalog_UpgradeLadder(t *testing.T) {
	c := testCatalog(t)

	ladder := []domain.PlanName{domain.PlanFree, domain.PlanStarter, domain.PlanCreator, domain.PlanPro, domain.PlanTeams}
	for i := 0; i < len(ladder)-1; i++ {
		next, ok := c.NextTier(ladder[i])
		require.True(t, ok, "plan %s", ladder[i])
		assert.Equal(t, ladder[i+1], next.Name)
	}
	_, ok := c.NextTier(domain.PlanTeams)
	assert.False(t, ok)
	assert.Nil(t, c.LimitUpgradeHint(domain.PlanTeams))

	hint := c.LimitUpgradeHint(domain.PlanFree)
	require.NotNil(t, hint)
	assert.Equal(t, domain.PlanStarter, hint.Plan)
	assert.Contains(t, hint.Message, "Starter")
}

func TestCatalog_ModelUpgradeHint(t *testing.T) {
	c := testCatalog(t)

	hint := c.ModelUpgradeHint(domain.ModelClassPro)
	require.NotNil(t, hint)
	assert.Equal(t, domain.PlanStarter, hint.Plan)
	assert.Equal(t, "Pro generations are available on the Starter plan and above.", hint.Message)
}

func TestNewCatalog_Rejects(t *testing.T) {
	t.Run("missing free plan", func(t *testing.T) {
		plans := DefaultPlans(domain.IntervalMonth)[1:]
		_, err := NewCatalog(plans, PriceConfig{})
		assert.Error(t, err)
	})

	t.Run("duplicate plan", func(t *testing.T) {
		plans := DefaultPlans(domain.IntervalMonth)
		plans = append(plans, plans[0])
		_, err := NewCatalog(plans, PriceConfig{})
		assert.Error(t, err)
	})

	t.Run("free plan without reset cadence", func(t *testing.T) {
		_, err := NewCatalog(DefaultPlans(domain.IntervalNone), PriceConfig{})
		assert.Error(t, err)
	})
}
