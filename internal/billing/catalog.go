package billing

import (
	"fmt"
	"sort"

	"github.com/DukeRupert/hookmeter/internal/domain"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// PriceConfig holds the Stripe price IDs for each paid plan. Monthly and
// yearly prices map to the same plan.
type PriceConfig struct {
	StarterMonthlyPriceID string
	StarterYearlyPriceID  string
	CreatorMonthlyPriceID string
	CreatorYearlyPriceID  string
	ProMonthlyPriceID     string
	ProYearlyPriceID      string
	TeamsMonthlyPriceID   string
	TeamsYearlyPriceID    string
}

// Catalog is the read-only table of subscription plans.
type Catalog struct {
	plans       map[domain.PlanName]domain.Plan
	ordered     []domain.Plan
	priceToPlan map[string]domain.PlanName
}

// DefaultPlans returns the built-in plan table. freeReset sets the cadence of
// free-tier usage resets (month or week).
func DefaultPlans(freeReset domain.Interval) []domain.Plan {
	both := []domain.ModelClass{domain.ModelClassDraft, domain.ModelClassPro}
	return []domain.Plan{
		{
			Name:                  domain.PlanFree,
			Rank:                  0,
			ProGenerationsLimit:   domain.Limit(0),
			DraftGenerationsLimit: domain.Limit(5),
			AllowedModelClasses:   []domain.ModelClass{domain.ModelClassDraft},
			BillingInterval:       domain.IntervalNone,
			ResetInterval:         freeReset,
		},
		{
			Name:                    domain.PlanStarter,
			Rank:                    1,
			ProGenerationsLimit:     domain.Limit(100),
			AllowedModelClasses:     both,
			BillingInterval:         domain.IntervalMonth,
			ResetInterval:           domain.IntervalMonth,
			OverageAllowancePercent: 0.10,
			OverageUnitPrice:        5,
		},
		{
			Name:                    domain.PlanCreator,
			Rank:                    2,
			ProGenerationsLimit:     domain.Limit(300),
			AllowedModelClasses:     both,
			BillingInterval:         domain.IntervalMonth,
			ResetInterval:           domain.IntervalMonth,
			OverageAllowancePercent: 0.10,
			OverageUnitPrice:        4,
		},
		{
			Name:                    domain.PlanPro,
			Rank:                    3,
			ProGenerationsLimit:     domain.Limit(1000),
			AllowedModelClasses:     both,
			BillingInterval:         domain.IntervalMonth,
			ResetInterval:           domain.IntervalMonth,
			OverageAllowancePercent: 0.15,
			OverageUnitPrice:        3,
		},
		{
			Name:                domain.PlanTeams,
			Rank:                4,
			AllowedModelClasses: both,
			BillingInterval:     domain.IntervalMonth,
			ResetInterval:       domain.IntervalMonth,
		},
	}
}

// NewCatalog builds a catalog from a plan table and the provider price IDs.
// Empty price IDs are skipped.
func NewCatalog(plans []domain.Plan, prices PriceConfig) (*Catalog, error) {
	c := &Catalog{
		plans:       make(map[domain.PlanName]domain.Plan, len(plans)),
		priceToPlan: make(map[string]domain.PlanName),
	}
	for _, p := range plans {
		if _, dup := c.plans[p.Name]; dup {
			return nil, fmt.Errorf("duplicate plan %q", p.Name)
		}
		if !p.ResetInterval.IsValid() || p.ResetInterval == domain.IntervalNone {
			return nil, fmt.Errorf("plan %q: reset interval %q is not a usable cadence", p.Name, p.ResetInterval)
		}
		c.plans[p.Name] = p
		c.ordered = append(c.ordered, p)
	}
	if _, ok := c.plans[domain.PlanFree]; !ok {
		return nil, fmt.Errorf("catalog has no %q plan", domain.PlanFree)
	}
	sort.Slice(c.ordered, func(i, j int) bool { return c.ordered[i].Rank < c.ordered[j].Rank })

	mapping := map[string]domain.PlanName{
		prices.StarterMonthlyPriceID: domain.PlanStarter,
		prices.StarterYearlyPriceID:  domain.PlanStarter,
		prices.CreatorMonthlyPriceID: domain.PlanCreator,
		prices.CreatorYearlyPriceID:  domain.PlanCreator,
		prices.ProMonthlyPriceID:     domain.PlanPro,
		prices.ProYearlyPriceID:      domain.PlanPro,
		prices.TeamsMonthlyPriceID:   domain.PlanTeams,
		prices.TeamsYearlyPriceID:    domain.PlanTeams,
	}
	for priceID, name := range mapping {
		if priceID == "" {
			continue
		}
		if _, ok := c.plans[name]; !ok {
			return nil, fmt.Errorf("price %q maps to unknown plan %q", priceID, name)
		}
		c.priceToPlan[priceID] = name
	}
	return c, nil
}

// GetPlan returns the plan with the given name.
func (c *Catalog) GetPlan(name domain.PlanName) (domain.Plan, error) {
	p, ok := c.plans[name]
	if !ok {
		return domain.Plan{}, domain.ConfigurationError("catalog.get_plan", "unknown plan %q", name)
	}
	return p, nil
}

// GetPlanByExternalPriceID returns the plan billed under a provider price ID.
func (c *Catalog) GetPlanByExternalPriceID(priceID string) (domain.Plan, error) {
	name, ok := c.priceToPlan[priceID]
	if !ok {
		return domain.Plan{}, domain.ConfigurationError("catalog.get_plan_by_price", "unknown price %q", priceID)
	}
	return c.plans[name], nil
}

// Plans returns every plan ordered by rank.
func (c *Catalog) Plans() []domain.Plan {
	out := make([]domain.Plan, len(c.ordered))
	copy(out, c.ordered)
	return out
}

// CheapestAllowing returns the lowest-ranked plan that grants the model class.
func (c *Catalog) CheapestAllowing(class domain.ModelClass) (domain.Plan, bool) {
	for _, p := range c.ordered {
		if p.Allows(class) {
			return p, true
		}
	}
	return domain.Plan{}, false
}

// NextTier returns the plan one step up the upgrade ladder. The top plan has none.
func (c *Catalog) NextTier(name domain.PlanName) (domain.Plan, bool) {
	for i, p := range c.ordered {
		if p.Name == name && i+1 < len(c.ordered) {
			return c.ordered[i+1], true
		}
	}
	return domain.Plan{}, false
}

// DisplayName returns the user-facing name of a plan. Casers hold state, so
// one is built per call.
func DisplayName(name domain.PlanName) string {
	return cases.Title(language.English).String(string(name))
}

// ModelUpgradeHint builds the hint shown when a model class is not included in the plan.
func (c *Catalog) ModelUpgradeHint(class domain.ModelClass) *domain.UpgradeHint {
	p, ok := c.CheapestAllowing(class)
	if !ok {
		return nil
	}
	return &domain.UpgradeHint{
		Plan:    p.Name,
		Message: fmt.Sprintf("%s generations are available on the %s plan and above.", DisplayName(domain.PlanName(class)), DisplayName(p.Name)),
	}
}

// LimitUpgradeHint builds the hint shown when the current plan's quota is spent.
func (c *Catalog) LimitUpgradeHint(current domain.PlanName) *domain.UpgradeHint {
	next, ok := c.NextTier(current)
	if !ok {
		return nil
	}
	return &domain.UpgradeHint{
		Plan:    next.Name,
		Message: fmt.Sprintf("You've used this period's %s allowance. Upgrade to %s for more generations.", DisplayName(current), DisplayName(next.Name)),
	}
}
