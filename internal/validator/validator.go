// Package validator turns raw experiment requests into fully materialized,
// policy-checked experiments ready to persist.
package validator

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/lvlparking/pricelab/internal/domain"
	"github.com/lvlparking/pricelab/internal/rates"
)

// deltaEpsilon is the tolerance used when deduplicating requested deltas and
// detecting an explicit control arm.
const deltaEpsilon = 1e-9

// Request is a raw experiment creation request before validation.
type Request struct {
	ZoneID      string
	LocationID  *string
	Daypart     domain.Daypart
	DOW         int
	Deltas      []float64 // empty means use the policy defaults
	HorizonDays int       // zero means use the policy default
	CreatedBy   string
}

// Validator checks requests against the active guardrail policy and expands
// them into experiments with one proposal per arm plus a synthesized control.
type Validator struct {
	policies domain.PolicyProvider
	plans    domain.RatePlanStore
	logger   *slog.Logger
}

// New creates a Validator.
func New(policies domain.PolicyProvider, plans domain.RatePlanStore, logger *slog.Logger) *Validator {
	return &Validator{
		policies: policies,
		plans:    plans,
		logger:   logger.With(slog.String("component", "validator")),
	}
}

// Build validates the request and returns a scheduled experiment carrying a
// policy snapshot and fully expanded arms. All policy violations come back as
// *domain.ValidationError; the caller surfaces them synchronously and never
// retries. Active-segment conflicts are not checked here; the store detects
// them atomically at insert.
func (v *Validator) Build(ctx context.Context, req Request) (domain.Experiment, error) {
	if err := checkShape(req); err != nil {
		return domain.Experiment{}, err
	}

	pol, err := v.policies.Current(ctx, req.ZoneID)
	if err != nil {
		return domain.Experiment{}, fmt.Errorf("validator: load policy: %w", err)
	}

	deltas := req.Deltas
	if len(deltas) == 0 {
		deltas = pol.DefaultDeltas
	}
	deltas = dedupe(deltas)

	horizon := req.HorizonDays
	if horizon == 0 {
		horizon = pol.DefaultHorizonDays
	}
	if horizon < 1 {
		return domain.Experiment{}, domain.NewValidationError(domain.ReasonBadRequest,
			"horizon_days must be at least 1, got %d", horizon)
	}

	for _, d := range deltas {
		if math.Abs(d) > pol.MaxDelta+deltaEpsilon {
			return domain.Experiment{}, domain.NewValidationError(domain.ReasonDeltaOutOfBounds,
				"delta %.4f exceeds policy max %.4f", d, pol.MaxDelta)
		}
	}

	if pol.Blackout(req.Daypart, req.DOW) {
		return domain.Experiment{}, domain.NewValidationError(domain.ReasonBlackoutWindow,
			"segment %s dow %d is blacked out", req.Daypart, req.DOW)
	}

	plan, err := v.plans.Get(ctx, req.ZoneID, req.Daypart, req.DOW)
	if err != nil {
		if err == domain.ErrNoRatePlan {
			return domain.Experiment{}, domain.NewValidationError(domain.ReasonBadRequest,
				"no rate plan inferred for zone %s %s dow %d", req.ZoneID, req.Daypart, req.DOW)
		}
		return domain.Experiment{}, fmt.Errorf("validator: load rate plan: %w", err)
	}

	now := time.Now().UTC()

	// The control arm is always present. A requested zero delta becomes the
	// control rather than a second arm.
	withControl := ensureControl(deltas)

	arms := make([]domain.Arm, 0, len(withControl))
	for _, d := range withControl {
		proposal := rates.BuildProposal(plan, d, now)

		// Proposed rates may never land below the policy floor. A violating
		// delta rejects the whole request; rates are never clamped.
		if d != 0 && rates.MinRate(proposal) < pol.MinPrice-deltaEpsilon {
			return domain.Experiment{}, domain.NewValidationError(domain.ReasonMinPriceViolated,
				"delta %.4f drops a rate below the %.2f floor", d, pol.MinPrice)
		}

		arms = append(arms, domain.Arm{
			ID:       uuid.NewString(),
			Delta:    d,
			Control:  d == 0,
			Proposal: proposal,
			Status:   domain.ArmStatusPending,
		})
	}

	exp := domain.Experiment{
		ID:          uuid.NewString(),
		ZoneID:      req.ZoneID,
		LocationID:  req.LocationID,
		Daypart:     req.Daypart,
		DOW:         req.DOW,
		Deltas:      deltas,
		HorizonDays: horizon,
		Policy:      pol,
		Status:      domain.ExperimentStatusScheduled,
		CreatedBy:   req.CreatedBy,
		CreatedAt:   now,
		Arms:        arms,
	}
	for i := range exp.Arms {
		exp.Arms[i].ExperimentID = exp.ID
	}

	v.logger.Info("experiment validated",
		slog.String("experiment_id", exp.ID),
		slog.String("zone_id", exp.ZoneID),
		slog.String("daypart", string(exp.Daypart)),
		slog.Int("dow", exp.DOW),
		slog.Int("arms", len(exp.Arms)))

	return exp, nil
}

func checkShape(req Request) error {
	if req.ZoneID == "" {
		return domain.NewValidationError(domain.ReasonBadRequest, "zone_id is required")
	}
	if !req.Daypart.Valid() {
		return domain.NewValidationError(domain.ReasonBadRequest,
			"daypart must be morning or evening, got %q", req.Daypart)
	}
	if req.DOW < 0 || req.DOW > 6 {
		return domain.NewValidationError(domain.ReasonBadRequest,
			"dow must be 0-6, got %d", req.DOW)
	}
	if req.HorizonDays < 0 {
		return domain.NewValidationError(domain.ReasonBadRequest,
			"horizon_days must not be negative, got %d", req.HorizonDays)
	}
	return nil
}

// dedupe drops deltas that differ by less than the epsilon, keeping first
// occurrence order.
func dedupe(deltas []float64) []float64 {
	var out []float64
	for _, d := range deltas {
		dup := false
		for _, seen := range out {
			if math.Abs(d-seen) < deltaEpsilon {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, d)
		}
	}
	return out
}

// ensureControl returns the delta list with exactly one zero entry. An
// explicitly requested zero delta is normalized to exactly 0.
func ensureControl(deltas []float64) []float64 {
	out := make([]float64, 0, len(deltas)+1)
	hasControl := false
	for _, d := range deltas {
		if math.Abs(d) < deltaEpsilon {
			if hasControl {
				continue
			}
			hasControl = true
			out = append(out, 0)
			continue
		}
		out = append(out, d)
	}
	if !hasControl {
		out = append(out, 0)
	}
	return out
}
