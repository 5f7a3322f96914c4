package domain

import (
	"context"
	"time"
)

// MetricsSlice is the aggregated outcome of one segment over one window.
type MetricsSlice struct {
	RevPSH         float64 // revenue per space-hour
	OccupancyRatio float64 // [0,1]
	SampleCount    int64   // underlying transaction count
}

// MetricsSource supplies aggregated revenue/occupancy for a segment and
// window. Implementations read the analytics warehouse; the engine never
// computes raw aggregates itself.
type MetricsSource interface {
	Aggregate(ctx context.Context, zoneID string, daypart Daypart, dow int, start, end time.Time) (MetricsSlice, error)
}

// PolicyProvider supplies the active guardrail policy for a zone.
type PolicyProvider interface {
	Current(ctx context.Context, zoneID string) (Policy, error)
}

// ChangeRef identifies the change record the external rates API produced
// when it applied an arm.
type ChangeRef string

// PricingMechanism is the external rate-application service. Apply and
// Revert are at-least-once; the mechanism deduplicates on
// (experimentID, armID), so retrying a timed-out call is safe.
type PricingMechanism interface {
	Apply(ctx context.Context, experimentID, armID string, proposal PriceProposal) (ChangeRef, error)
	Revert(ctx context.Context, ref ChangeRef) error
}
