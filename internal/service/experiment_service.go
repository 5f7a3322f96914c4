// Package service orchestrates the experiment lifecycle across the
// validator, stores, scheduler, and event surfaces.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/lvlparking/pricelab/internal/domain"
	"github.com/lvlparking/pricelab/internal/evaluator"
	"github.com/lvlparking/pricelab/internal/validator"
)

// Triggerer requests an immediate scheduler pass. Satisfied by
// scheduler.Scheduler; nil-able for server-only deployments.
type Triggerer interface {
	Trigger()
}

// ExperimentService handles experiment creation, querying, manual
// evaluation, and abort requests.
type ExperimentService struct {
	experiments domain.ExperimentStore
	results     domain.ResultStore
	validator   *validator.Validator
	evaluator   *evaluator.Evaluator
	policies    domain.PolicyProvider
	bus         domain.SignalBus
	audit       domain.AuditStore
	scheduler   Triggerer
	logger      *slog.Logger
}

// NewExperimentService creates an ExperimentService with all required
// dependencies.
func NewExperimentService(
	experiments domain.ExperimentStore,
	results domain.ResultStore,
	v *validator.Validator,
	e *evaluator.Evaluator,
	policies domain.PolicyProvider,
	bus domain.SignalBus,
	audit domain.AuditStore,
	logger *slog.Logger,
) *ExperimentService {
	return &ExperimentService{
		experiments: experiments,
		results:     results,
		validator:   v,
		evaluator:   e,
		policies:    policies,
		bus:         bus,
		audit:       audit,
		logger:      logger,
	}
}

// WithScheduler attaches a scheduler trigger so creation and abort take
// effect without waiting for the next tick. Without one (server-only mode)
// the scheduler process picks changes up on its own ticker.
func (s *ExperimentService) WithScheduler(t Triggerer) *ExperimentService {
	s.scheduler = t
	return s
}

// Create validates the request, persists the experiment atomically with its
// arms, and nudges the scheduler. Policy violations come back as
// *domain.ValidationError.
func (s *ExperimentService) Create(ctx context.Context, req validator.Request) (domain.Experiment, error) {
	exp, err := s.validator.Build(ctx, req)
	if err != nil {
		return domain.Experiment{}, err
	}

	if err := s.experiments.Create(ctx, exp); err != nil {
		return domain.Experiment{}, err
	}

	s.logger.Info("experiment created",
		slog.String("experiment_id", exp.ID),
		slog.String("zone_id", exp.ZoneID),
		slog.String("daypart", string(exp.Daypart)),
		slog.Int("dow", exp.DOW),
		slog.Int("arms", len(exp.Arms)),
		slog.String("created_by", exp.CreatedBy))

	s.publishEvent(ctx, "experiment.created", exp.ID, map[string]any{
		"zone_id":    exp.ZoneID,
		"daypart":    string(exp.Daypart),
		"dow":        exp.DOW,
		"arms":       len(exp.Arms),
		"created_by": exp.CreatedBy,
	})

	if s.scheduler != nil {
		s.scheduler.Trigger()
	}

	return exp, nil
}

// Get returns one experiment with arms and all stored results.
func (s *ExperimentService) Get(ctx context.Context, id string) (domain.Experiment, []domain.Result, error) {
	exp, err := s.experiments.GetByID(ctx, id)
	if err != nil {
		return domain.Experiment{}, nil, err
	}

	results, err := s.results.ListByExperiment(ctx, id)
	if err != nil {
		return domain.Experiment{}, nil, fmt.Errorf("service: load results for %s: %w", id, err)
	}
	return exp, results, nil
}

// List returns experiments matching the filters.
func (s *ExperimentService) List(ctx context.Context, opts domain.ListOpts) ([]domain.Experiment, error) {
	return s.experiments.List(ctx, opts)
}

// Evaluate runs an on-demand evaluation of a running experiment and returns
// the fresh results. It does not change lifecycle state.
func (s *ExperimentService) Evaluate(ctx context.Context, id string) ([]domain.Result, error) {
	exp, err := s.experiments.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	results, err := s.evaluator.Evaluate(ctx, exp, time.Now())
	if err != nil {
		return nil, err
	}

	s.publishEvent(ctx, "experiment.evaluated", exp.ID, map[string]any{
		"zone_id": exp.ZoneID,
		"arms":    len(results),
	})
	return results, nil
}

// Abort flags the experiment for abort. The scheduler reverts applied arms
// and finalizes the status on its next pass.
func (s *ExperimentService) Abort(ctx context.Context, id, requestedBy string) error {
	if err := s.experiments.RequestAbort(ctx, id); err != nil {
		return err
	}

	s.logger.Info("abort requested",
		slog.String("experiment_id", id),
		slog.String("requested_by", requestedBy))

	s.publishEvent(ctx, "experiment.abort_requested", id, map[string]any{
		"requested_by": requestedBy,
	})

	if s.scheduler != nil {
		s.scheduler.Trigger()
	}
	return nil
}

// Policy returns the active merged guardrail policy for a zone.
func (s *ExperimentService) Policy(ctx context.Context, zoneID string) (domain.Policy, error) {
	return s.policies.Current(ctx, zoneID)
}

// AuditTrail returns recent audit entries.
func (s *ExperimentService) AuditTrail(ctx context.Context, limit, offset int) ([]domain.AuditEntry, error) {
	return s.audit.List(ctx, limit, offset)
}

// publishEvent fans a lifecycle event out to the signal bus, the durable
// stream, and the audit log. Failures are logged, never propagated; event
// delivery must not fail the underlying operation.
func (s *ExperimentService) publishEvent(ctx context.Context, event, experimentID string, detail map[string]any) {
	if s.audit != nil {
		withID := map[string]any{"experiment_id": experimentID}
		for k, v := range detail {
			withID[k] = v
		}
		if err := s.audit.Log(ctx, event, withID); err != nil {
			s.logger.Warn("audit log failed",
				slog.String("event", event),
				slog.String("error", err.Error()))
		}
	}

	if s.bus == nil {
		return
	}

	payload, err := json.Marshal(map[string]any{
		"event":         event,
		"experiment_id": experimentID,
		"detail":        detail,
		"at":            time.Now().UTC(),
	})
	if err != nil {
		return
	}

	if err := s.bus.Publish(ctx, "experiments.events", payload); err != nil {
		s.logger.Warn("event publish failed",
			slog.String("event", event),
			slog.String("error", err.Error()))
	}
	if err := s.bus.StreamAppend(ctx, "stream:experiments.events", payload); err != nil {
		s.logger.Warn("event stream append failed",
			slog.String("event", event),
			slog.String("error", err.Error()))
	}
}
