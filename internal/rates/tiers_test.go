package rates

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvlparking/pricelab/internal/domain"
)

func TestRoundToQuarter(t *testing.T) {
	cases := []struct {
		in   float64
		want float64
	}{
		{4.00, 4.00},
		{4.10, 4.00},
		{4.125, 4.25},
		{4.12, 4.00},
		{4.13, 4.25},
		{4.20, 4.25},
		{1.65, 1.75},
		{1.60, 1.50},
		{0.10, 0.00},
		{0.13, 0.25},
	}
	for _, tc := range cases {
		assert.InDelta(t, tc.want, RoundToQuarter(tc.in), 1e-9, "round %v", tc.in)
	}
}

func TestBuildProposal(t *testing.T) {
	plan := domain.RatePlan{
		ZoneID:  "Z-100",
		Daypart: domain.DaypartMorning,
		DOW:     2,
		Tiers: []domain.RateTier{
			{Name: "shortstay", DurationMaxMin: 60, RatePerHour: 4.00},
			{Name: "midstay", DurationMaxMin: 180, RatePerHour: 6.00},
		},
	}
	eff := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	p := BuildProposal(plan, 0.05, eff)
	require.Len(t, p.Tiers, 2)
	assert.Equal(t, "Z-100", p.ZoneID)
	assert.Equal(t, domain.DaypartMorning, p.Daypart)
	assert.Equal(t, 2, p.DOW)
	assert.Equal(t, eff, p.EffectiveFrom)

	// 4.00 * 1.05 = 4.20 -> 4.25; 6.00 * 1.05 = 6.30 -> 6.25
	assert.InDelta(t, 4.25, p.Tiers[0].RatePerHour, 1e-9)
	assert.InDelta(t, 4.00, p.Tiers[0].OriginalRate, 1e-9)
	assert.InDelta(t, 0.05, p.Tiers[0].DeltaApplied, 1e-9)
	assert.InDelta(t, 6.25, p.Tiers[1].RatePerHour, 1e-9)
}

func TestBuildProposalControlKeepsRates(t *testing.T) {
	plan := domain.RatePlan{
		Tiers: []domain.RateTier{
			{Name: "shortstay", DurationMaxMin: 60, RatePerHour: 4.10},
		},
	}
	p := BuildProposal(plan, 0, time.Now())
	require.Len(t, p.Tiers, 1)

	// Control never re-rounds; it publishes the plan as-is.
	assert.InDelta(t, 4.10, p.Tiers[0].RatePerHour, 1e-9)
	assert.InDelta(t, 0.0, p.Tiers[0].DeltaApplied, 1e-9)
}

func TestMinRate(t *testing.T) {
	p := domain.PriceProposal{
		Tiers: []domain.ProposalTier{
			{RatePerHour: 4.25},
			{RatePerHour: 2.50},
			{RatePerHour: 6.00},
		},
	}
	assert.InDelta(t, 2.50, MinRate(p), 1e-9)
	assert.InDelta(t, 0.0, MinRate(domain.PriceProposal{}), 1e-9)
}

func TestInferTiers(t *testing.T) {
	mk := func(n, durMin int, hourly float64) []Session {
		out := make([]Session, n)
		for i := range out {
			out[i] = Session{
				DurationMinutes: durMin,
				AmountPaid:      hourly * float64(durMin) / 60.0,
			}
		}
		return out
	}

	var sessions []Session
	sessions = append(sessions, mk(6, 45, 4.10)...)
	sessions = append(sessions, mk(6, 120, 3.60)...)
	sessions = append(sessions, mk(6, 480, 2.10)...)

	tiers := InferTiers(sessions)
	require.Len(t, tiers, 3)

	assert.Equal(t, "shortstay", tiers[0].Name)
	assert.Equal(t, 60, tiers[0].DurationMaxMin)
	assert.InDelta(t, 4.00, tiers[0].RatePerHour, 1e-9)

	assert.Equal(t, "midstay", tiers[1].Name)
	assert.InDelta(t, 3.50, tiers[1].RatePerHour, 1e-9)

	assert.Equal(t, "extended", tiers[2].Name)
	assert.Equal(t, 0, tiers[2].DurationMaxMin)
	assert.InDelta(t, 2.00, tiers[2].RatePerHour, 1e-9)
}

func TestInferTiersSkipsSparseBuckets(t *testing.T) {
	sessions := []Session{
		{DurationMinutes: 30, AmountPaid: 2.00},
		{DurationMinutes: 30, AmountPaid: 2.00},
	}
	assert.Empty(t, InferTiers(sessions))
}

func TestInferTiersIgnoresJunkSessions(t *testing.T) {
	sessions := []Session{
		{DurationMinutes: 0, AmountPaid: 5.00},
		{DurationMinutes: 60, AmountPaid: 0},
		{DurationMinutes: -10, AmountPaid: 4.00},
	}
	assert.Empty(t, InferTiers(sessions))
}
