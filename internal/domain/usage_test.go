package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func starterPlan() Plan {
	return Plan{
		Name:                    PlanStarter,
		Rank:                    1,
		ProGenerationsLimit:     Limit(100),
		AllowedModelClasses:     []ModelClass{ModelClassDraft, ModelClassPro},
		BillingInterval:         IntervalMonth,
		ResetInterval:           IntervalMonth,
		OverageAllowancePercent: 0.1,
		OverageUnitPrice:        5,
	}
}

func TestMaxOverage(t *testing.T) {
	tests := []struct {
		name    string
		limit   *int64
		percent float64
		want    int64
	}{
		{"starter", Limit(100), 0.1, 10},
		{"pro with inexact float", Limit(1000), 0.15, 150},
		{"floors fractional", Limit(15), 0.1, 1},
		{"unlimited", nil, 0.1, 0},
		{"no allowance", Limit(100), 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MaxOverage(tt.limit, tt.percent))
		})
	}
}

func TestNewUsageRow_SnapshotsPlan(t *testing.T) {
	plan := starterPlan()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)

	row := NewUsageRow(uuid.New(), plan, start, end, "sub_1", start)

	require.NotNil(t, row.ProLimit)
	assert.Equal(t, int64(100), *row.ProLimit)
	assert.Nil(t, row.DraftLimit)
	assert.Equal(t, int64(10), row.ProOverageLimit)
	assert.Equal(t, int64(5), row.OverageUnitPrice)
	assert.Equal(t, PlanStarter, row.PlanName)

	// Later catalog edits must not reach the snapshot.
	*plan.ProGenerationsLimit = 5
	assert.Equal(t, int64(100), *row.ProLimit)
}

func TestUsageRow_PeriodBounds(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	row := &UsageRow{PeriodStart: start, PeriodEnd: start.AddDate(0, 1, 0)}

	assert.True(t, row.Contains(start))
	assert.True(t, row.Contains(row.PeriodEnd.Add(-time.Second)))
	assert.False(t, row.Contains(row.PeriodEnd))
	assert.False(t, row.Contains(start.Add(-time.Second)))

	assert.False(t, row.Expired(start))
	assert.True(t, row.Expired(row.PeriodEnd))
}

func TestUsageRow_CheckInvariants(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	valid := func() *UsageRow {
		return &UsageRow{
			ID:              uuid.New(),
			PeriodStart:     start,
			PeriodEnd:       start.AddDate(0, 1, 0),
			ProLimit:        Limit(100),
			DraftLimit:      Limit(5),
			ProOverageLimit: 10,
		}
	}

	tests := []struct {
		name    string
		mutate  func(r *UsageRow)
		wantErr bool
	}{
		{"valid", func(r *UsageRow) {}, false},
		{"at limits", func(r *UsageRow) { r.ProUsed, r.DraftUsed, r.ProOverageUsed = 100, 5, 10 }, false},
		{"negative draft", func(r *UsageRow) { r.DraftUsed = -1 }, true},
		{"negative charge", func(r *UsageRow) { r.OverageCharge = -5 }, true},
		{"above ceilings after downgrade", func(r *UsageRow) { r.ProUsed, r.DraftUsed, r.ProOverageUsed = 150, 6, 11 }, false},
		{"unlimited pro", func(r *UsageRow) { r.ProLimit = nil; r.ProUsed = 1_000_000 }, false},
		{"overage kept after upgrade to unlimited", func(r *UsageRow) { r.ProLimit = nil; r.ProOverageUsed = 3 }, false},
		{"empty period", func(r *UsageRow) { r.PeriodEnd = r.PeriodStart }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			row := valid()
			tt.mutate(row)
			err := row.CheckInvariants("test")
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			var iv *InvariantViolation
			assert.True(t, errors.As(err, &iv))
		})
	}
}

func TestUsageRow_Remaining(t *testing.T) {
	row := &UsageRow{ProLimit: Limit(100), ProUsed: 95, ProOverageLimit: 10, ProOverageUsed: 10}

	require.NotNil(t, row.RemainingPro())
	assert.Equal(t, int64(5), *row.RemainingPro())
	assert.Nil(t, row.RemainingDraft())
	assert.Equal(t, int64(0), row.RemainingOverage())

	downgraded := &UsageRow{ProLimit: Limit(100), ProUsed: 150, ProOverageLimit: 10, ProOverageUsed: 12}
	require.NotNil(t, downgraded.RemainingPro())
	assert.Equal(t, int64(0), *downgraded.RemainingPro())
	assert.Equal(t, int64(0), downgraded.RemainingOverage())
}
