// Package rates expands price proposals from inferred rate plans and infers
// tier tables from observed parking sessions.
package rates

import (
	"math"
	"time"

	"github.com/lvlparking/pricelab/internal/domain"
)

// RoundToQuarter rounds a price to the nearest $0.25, half away from zero.
// All published rates land on quarter boundaries.
func RoundToQuarter(price float64) float64 {
	return math.Floor(price*4+0.5) / 4
}

// BuildProposal applies a relative delta to every tier of the base plan and
// quarter-rounds the results. The control arm passes delta 0 and gets the
// unchanged tiers back.
func BuildProposal(plan domain.RatePlan, delta float64, effectiveFrom time.Time) domain.PriceProposal {
	tiers := make([]domain.ProposalTier, 0, len(plan.Tiers))
	for _, t := range plan.Tiers {
		adjusted := t.RatePerHour
		if delta != 0 {
			adjusted = RoundToQuarter(t.RatePerHour * (1 + delta))
		}
		tiers = append(tiers, domain.ProposalTier{
			Name:           t.Name,
			DurationMaxMin: t.DurationMaxMin,
			RatePerHour:    adjusted,
			OriginalRate:   t.RatePerHour,
			DeltaApplied:   delta,
		})
	}
	return domain.PriceProposal{
		ZoneID:        plan.ZoneID,
		Daypart:       plan.Daypart,
		DOW:           plan.DOW,
		Tiers:         tiers,
		EffectiveFrom: effectiveFrom,
	}
}

// MinRate returns the lowest adjusted per-hour rate in the proposal, used to
// check the policy price floor. Returns 0 for an empty proposal.
func MinRate(p domain.PriceProposal) float64 {
	if len(p.Tiers) == 0 {
		return 0
	}
	min := p.Tiers[0].RatePerHour
	for _, t := range p.Tiers[1:] {
		if t.RatePerHour < min {
			min = t.RatePerHour
		}
	}
	return min
}
