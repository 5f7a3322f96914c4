package domain

import "time"

// RateTier is one duration-bucketed hourly rate within a rate plan.
// DurationMaxMin of 0 means no upper bound (extended stay).
type RateTier struct {
	Name           string  `json:"name"`
	DurationMaxMin int     `json:"duration_max_min"`
	RatePerHour    float64 `json:"rate_per_hour"`
}

// ProposalTier is a tier after a delta has been applied, keeping the
// original rate for auditability.
type ProposalTier struct {
	Name           string  `json:"name"`
	DurationMaxMin int     `json:"duration_max_min"`
	RatePerHour    float64 `json:"rate_per_hour"`
	OriginalRate   float64 `json:"original_rate"`
	DeltaApplied   float64 `json:"delta_applied"`
}

// PriceProposal is the fully materialized price change an arm would apply:
// the segment plus the tier-by-tier adjusted rates. The control arm's
// proposal carries the unchanged tiers.
type PriceProposal struct {
	ZoneID        string         `json:"zone_id"`
	Daypart       Daypart        `json:"daypart"`
	DOW           int            `json:"dow"`
	Tiers         []ProposalTier `json:"tiers"`
	EffectiveFrom time.Time      `json:"effective_from"`
}

// RatePlan is the current inferred tier table for a segment, used as the
// base the validator expands arm proposals from.
type RatePlan struct {
	ZoneID     string
	LocationID *string
	Daypart    Daypart
	DOW        int
	Tiers      []RateTier
	Source     string
	CreatedAt  time.Time
}
