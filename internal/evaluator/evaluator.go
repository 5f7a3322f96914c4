// Package evaluator computes per-arm lift results for running experiments
// from warehouse aggregates.
package evaluator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/lvlparking/pricelab/internal/domain"
)

// Evaluator reads segment metrics for each arm's effective window, computes
// lift against the control arm, and upserts one result row per arm.
type Evaluator struct {
	source     domain.MetricsSource
	results    domain.ResultStore
	minSamples int64
	logger     *slog.Logger
}

// New creates an Evaluator. minSamples is the transaction count below which
// a window is recorded as insufficient data rather than a lift.
func New(source domain.MetricsSource, results domain.ResultStore, minSamples int64, logger *slog.Logger) *Evaluator {
	return &Evaluator{
		source:     source,
		results:    results,
		minSamples: minSamples,
		logger:     logger.With(slog.String("component", "evaluator")),
	}
}

// Evaluate computes and persists results for every applied arm of the
// experiment. Re-evaluating overwrites the rows for the same windows, so the
// call is idempotent for a fixed clock.
//
// A metrics source failure returns a *domain.EvalError with
// EvalMetricsUnavailable; nothing is persisted and the caller retries later.
// Thin windows are not errors: they produce insufficient_data rows.
func (e *Evaluator) Evaluate(ctx context.Context, exp domain.Experiment, now time.Time) ([]domain.Result, error) {
	if exp.Status != domain.ExperimentStatusRunning {
		return nil, domain.ErrNotEvaluatable
	}
	if exp.StartedAt == nil {
		return nil, domain.ErrNotEvaluatable
	}

	control, ok := exp.ControlArm()
	if !ok {
		return nil, fmt.Errorf("evaluator: experiment %s has no control arm", exp.ID)
	}

	type armSlice struct {
		arm   domain.Arm
		slice domain.MetricsSlice
		start time.Time
		end   time.Time
	}

	var slices []armSlice
	for _, arm := range exp.Arms {
		if arm.Status != domain.ArmStatusApplied {
			continue
		}

		start, end := armWindow(exp, arm, now)
		if !end.After(start) {
			continue
		}

		slice, err := e.source.Aggregate(ctx, exp.ZoneID, exp.Daypart, exp.DOW, start, end)
		if err != nil {
			return nil, &domain.EvalError{
				Reason: domain.EvalMetricsUnavailable,
				Err:    fmt.Errorf("aggregate arm %s: %w", arm.ID, err),
			}
		}
		slices = append(slices, armSlice{arm: arm, slice: slice, start: start, end: end})
	}

	if len(slices) == 0 {
		return nil, domain.ErrNotEvaluatable
	}

	var controlSlice domain.MetricsSlice
	controlSeen := false
	for _, s := range slices {
		if s.arm.ID == control.ID {
			controlSlice = s.slice
			controlSeen = true
			break
		}
	}

	computedAt := now.UTC()
	results := make([]domain.Result, 0, len(slices))
	for _, s := range slices {
		r := domain.Result{
			ExperimentID: exp.ID,
			ArmID:        s.arm.ID,
			WindowStart:  s.start,
			WindowEnd:    s.end,
			RevPSH:       ptr(s.slice.RevPSH),
			Occupancy:    ptr(s.slice.OccupancyRatio),
			SampleCount:  s.slice.SampleCount,
			ComputedAt:   computedAt,
		}

		switch {
		case s.slice.SampleCount < e.minSamples:
			r.Method = domain.ResultMethodInsufficientData
		case s.arm.ID == control.ID:
			// The control is its own baseline: lift is zero by definition.
			r.Method = domain.ResultMethodRatioVsControl
			r.LiftRevPSH = ptr(0.0)
			r.LiftOccupancy = ptr(0.0)
		case !controlSeen || controlSlice.SampleCount < e.minSamples || controlSlice.RevPSH == 0:
			// No usable baseline means no lift can be attributed.
			r.Method = domain.ResultMethodInsufficientData
		default:
			r.Method = domain.ResultMethodRatioVsControl
			r.LiftRevPSH = ptr((s.slice.RevPSH - controlSlice.RevPSH) / controlSlice.RevPSH)
			r.LiftOccupancy = ptr(s.slice.OccupancyRatio - controlSlice.OccupancyRatio)
		}

		results = append(results, r)
	}

	if err := e.results.Upsert(ctx, results); err != nil {
		return nil, fmt.Errorf("evaluator: store results for %s: %w", exp.ID, err)
	}

	e.logger.Info("experiment evaluated",
		slog.String("experiment_id", exp.ID),
		slog.Int("arms", len(results)))

	return results, nil
}

// armWindow returns the effective metric window for one arm: from the moment
// its rates took effect until the experiment's end or now, whichever is
// earlier.
func armWindow(exp domain.Experiment, arm domain.Arm, now time.Time) (time.Time, time.Time) {
	start := *exp.StartedAt
	if arm.AppliedAt != nil {
		start = *arm.AppliedAt
	}

	end := now
	if exp.EndsAt != nil && exp.EndsAt.Before(end) {
		end = *exp.EndsAt
	}
	return start.UTC(), end.UTC()
}

func ptr(v float64) *float64 { return &v }
