// Package scheduler drives experiment lifecycles: applying arm rates,
// starting runs, periodic evaluation, completion, and abort handling.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lvlparking/pricelab/internal/domain"
	"github.com/lvlparking/pricelab/internal/evaluator"
)

// Notifier is the alerting surface the scheduler uses for operator-facing
// events. Satisfied by notify.Notifier.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Config tunes the reconciliation loop.
type Config struct {
	TickInterval time.Duration
	// MaxApplyAttempts bounds how often a failing arm application is retried
	// before the whole experiment is aborted.
	MaxApplyAttempts int
	// EvalWarnAfter is the consecutive evaluation-failure count that triggers
	// an operator alert.
	EvalWarnAfter int
	// LockTTL guards per-experiment processing across workers.
	LockTTL time.Duration
}

// Scheduler reconciles every non-terminal experiment on a ticker. Each
// experiment is processed under a distributed lock so multiple workers can
// run the loop concurrently without double-applying rates.
type Scheduler struct {
	experiments domain.ExperimentStore
	mechanism   domain.PricingMechanism
	evaluator   *evaluator.Evaluator
	locks       domain.LockManager
	bus         domain.SignalBus
	audit       domain.AuditStore
	notifier    Notifier
	cfg         Config
	logger      *slog.Logger

	trigger chan struct{}
	now     func() time.Time
}

// New creates a Scheduler.
func New(
	experiments domain.ExperimentStore,
	mechanism domain.PricingMechanism,
	eval *evaluator.Evaluator,
	locks domain.LockManager,
	bus domain.SignalBus,
	audit domain.AuditStore,
	notifier Notifier,
	cfg Config,
	logger *slog.Logger,
) *Scheduler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Minute
	}
	if cfg.MaxApplyAttempts <= 0 {
		cfg.MaxApplyAttempts = 3
	}
	if cfg.EvalWarnAfter <= 0 {
		cfg.EvalWarnAfter = 10
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 2 * time.Minute
	}
	return &Scheduler{
		experiments: experiments,
		mechanism:   mechanism,
		evaluator:   eval,
		locks:       locks,
		bus:         bus,
		audit:       audit,
		notifier:    notifier,
		cfg:         cfg,
		logger:      logger.With(slog.String("component", "scheduler")),
		trigger:     make(chan struct{}, 1),
		now:         time.Now,
	}
}

// Trigger requests an immediate reconciliation pass without waiting for the
// next tick. Non-blocking; coalesces with a pass already pending.
func (s *Scheduler) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Run executes the reconciliation loop until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler starting",
		slog.Duration("tick_interval", s.cfg.TickInterval),
		slog.Int("max_apply_attempts", s.cfg.MaxApplyAttempts))

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	// First pass immediately on start.
	s.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			s.Tick(ctx)
		case <-s.trigger:
			s.Tick(ctx)
		}
	}
}

// Tick runs one reconciliation pass over all actionable experiments.
func (s *Scheduler) Tick(ctx context.Context) {
	exps, err := s.experiments.ListActionable(ctx)
	if err != nil {
		s.logger.Error("list actionable experiments failed", slog.String("error", err.Error()))
		return
	}

	for _, exp := range exps {
		if ctx.Err() != nil {
			return
		}
		s.reconcileOne(ctx, exp)
	}
}

func (s *Scheduler) reconcileOne(ctx context.Context, exp domain.Experiment) {
	unlock, err := s.locks.Acquire(ctx, "experiment:"+exp.ID, s.cfg.LockTTL)
	if err != nil {
		if errors.Is(err, domain.ErrLockHeld) {
			return // another worker has it
		}
		s.logger.Error("lock acquire failed",
			slog.String("experiment_id", exp.ID),
			slog.String("error", err.Error()))
		return
	}
	defer unlock()

	if err := s.process(ctx, exp); err != nil {
		if errors.Is(err, domain.ErrStaleStatus) {
			// Someone else moved the experiment between our read and write.
			// The next tick re-reads and reconverges.
			s.logger.Debug("stale status, skipping",
				slog.String("experiment_id", exp.ID))
			return
		}
		s.logger.Error("reconcile failed",
			slog.String("experiment_id", exp.ID),
			slog.String("status", string(exp.Status)),
			slog.String("error", err.Error()))
	}
}

// process advances a single experiment one step. Abort requests win over any
// other pending transition.
func (s *Scheduler) process(ctx context.Context, exp domain.Experiment) error {
	if exp.AbortRequested {
		return s.abort(ctx, exp, "abort requested")
	}

	switch exp.Status {
	case domain.ExperimentStatusScheduled:
		return s.applyArms(ctx, exp)
	case domain.ExperimentStatusRunning:
		return s.evaluate(ctx, exp)
	default:
		return nil
	}
}

// applyArms pushes each pending arm's rates through the pricing mechanism.
// Once every arm is applied the experiment starts running. An arm that keeps
// failing past the attempt budget aborts the whole experiment.
func (s *Scheduler) applyArms(ctx context.Context, exp domain.Experiment) error {
	for i, arm := range exp.Arms {
		switch arm.Status {
		case domain.ArmStatusPending, domain.ArmStatusErrored:
		default:
			continue
		}

		// The control arm keeps the baseline rates; there is nothing to
		// push externally. Mark it applied so its metric window opens.
		if arm.Control {
			now := s.now().UTC()
			arm.Status = domain.ArmStatusApplied
			arm.AppliedAt = &now
			if err := s.experiments.UpdateArm(ctx, arm); err != nil {
				return fmt.Errorf("update arm %s: %w", arm.ID, err)
			}
			exp.Arms[i] = arm
			continue
		}

		if arm.Attempts >= s.cfg.MaxApplyAttempts {
			s.logger.Warn("arm exhausted apply attempts, aborting experiment",
				slog.String("experiment_id", exp.ID),
				slog.String("arm_id", arm.ID),
				slog.Int("attempts", arm.Attempts))
			return s.abort(ctx, exp,
				fmt.Sprintf("arm %s failed %d apply attempts", arm.ID, arm.Attempts))
		}

		ref, err := s.mechanism.Apply(ctx, exp.ID, arm.ID, arm.Proposal)
		arm.Attempts++
		if err != nil {
			arm.Status = domain.ArmStatusErrored
			s.logger.Warn("arm apply failed",
				slog.String("experiment_id", exp.ID),
				slog.String("arm_id", arm.ID),
				slog.Int("attempts", arm.Attempts),
				slog.String("error", err.Error()))
		} else {
			now := s.now().UTC()
			refStr := string(ref)
			arm.Status = domain.ArmStatusApplied
			arm.ChangeRef = &refStr
			arm.AppliedAt = &now
		}

		if err := s.experiments.UpdateArm(ctx, arm); err != nil {
			return fmt.Errorf("update arm %s: %w", arm.ID, err)
		}
		exp.Arms[i] = arm
	}

	allApplied := true
	for _, arm := range exp.Arms {
		if arm.Status != domain.ArmStatusApplied {
			allApplied = false
		}
	}
	if !allApplied {
		return nil // retry remaining arms next tick
	}

	now := s.now().UTC()
	ends := now.Add(time.Duration(exp.HorizonDays) * 24 * time.Hour)
	err := s.experiments.TransitionStatus(ctx, exp.ID, domain.StatusUpdate{
		From:      domain.ExperimentStatusScheduled,
		To:        domain.ExperimentStatusRunning,
		StartedAt: &now,
		EndsAt:    &ends,
	})
	if err != nil {
		return err
	}

	s.logger.Info("experiment started",
		slog.String("experiment_id", exp.ID),
		slog.Time("ends_at", ends))
	s.emit(ctx, "experiment.started", exp.ID, map[string]any{
		"zone_id": exp.ZoneID,
		"ends_at": ends,
	})
	return nil
}

// evaluate finalizes a running experiment once its horizon has elapsed.
// Inside the horizon the scheduler leaves results alone; ad-hoc mid-horizon
// reads go through the manual evaluation endpoint instead. Completion
// requires a successful final evaluation; a metrics outage keeps the
// experiment running and is retried next tick.
func (s *Scheduler) evaluate(ctx context.Context, exp domain.Experiment) error {
	now := s.now().UTC()
	if exp.EndsAt == nil || now.Before(*exp.EndsAt) {
		return nil // still inside the horizon
	}

	_, err := s.evaluator.Evaluate(ctx, exp, now)
	switch {
	case err == nil:
		if exp.EvalFailures > 0 {
			if err := s.experiments.SetEvalFailures(ctx, exp.ID, 0); err != nil {
				s.logger.Warn("reset eval failures failed",
					slog.String("experiment_id", exp.ID),
					slog.String("error", err.Error()))
			}
		}
	case errors.Is(err, domain.ErrNotEvaluatable):
		// No applied arm has a usable window, e.g. a crash between revert
		// and completion. Fall through so the experiment still terminates.
	default:
		var evalErr *domain.EvalError
		if errors.As(err, &evalErr) {
			return s.recordEvalFailure(ctx, exp, evalErr)
		}
		return err
	}

	if err := s.revertArms(ctx, &exp); err != nil {
		return err
	}

	err = s.experiments.TransitionStatus(ctx, exp.ID, domain.StatusUpdate{
		From: domain.ExperimentStatusRunning,
		To:   domain.ExperimentStatusComplete,
	})
	if err != nil {
		return err
	}

	s.logger.Info("experiment complete", slog.String("experiment_id", exp.ID))
	s.emit(ctx, "experiment.completed", exp.ID, map[string]any{
		"zone_id": exp.ZoneID,
	})
	if s.notifier != nil {
		_ = s.notifier.Notify(ctx, "experiment.completed",
			"Experiment complete",
			fmt.Sprintf("Experiment %s (zone %s, %s dow %d) finished its %d-day horizon.",
				exp.ID, exp.ZoneID, exp.Daypart, exp.DOW, exp.HorizonDays))
	}
	return nil
}

func (s *Scheduler) recordEvalFailure(ctx context.Context, exp domain.Experiment, evalErr *domain.EvalError) error {
	failures := exp.EvalFailures + 1
	if err := s.experiments.SetEvalFailures(ctx, exp.ID, failures); err != nil {
		return fmt.Errorf("record eval failure: %w", err)
	}

	s.logger.Warn("evaluation failed",
		slog.String("experiment_id", exp.ID),
		slog.String("reason", string(evalErr.Reason)),
		slog.Int("consecutive_failures", failures),
		slog.String("error", evalErr.Error()))

	if failures == s.cfg.EvalWarnAfter && s.notifier != nil {
		_ = s.notifier.Notify(ctx, "experiment.eval_stalled",
			"Experiment evaluation stalled",
			fmt.Sprintf("Experiment %s has failed evaluation %d times in a row (%s).",
				exp.ID, failures, evalErr.Reason))
	}
	return nil
}

// abort reverts every applied arm and moves the experiment to aborted from
// whatever non-terminal status it is in.
func (s *Scheduler) abort(ctx context.Context, exp domain.Experiment, reason string) error {
	if err := s.revertArms(ctx, &exp); err != nil {
		return err
	}

	err := s.experiments.TransitionStatus(ctx, exp.ID, domain.StatusUpdate{
		From: exp.Status,
		To:   domain.ExperimentStatusAborted,
	})
	if err != nil {
		return err
	}

	s.logger.Info("experiment aborted",
		slog.String("experiment_id", exp.ID),
		slog.String("reason", reason))
	s.emit(ctx, "experiment.aborted", exp.ID, map[string]any{
		"zone_id": exp.ZoneID,
		"reason":  reason,
	})
	if s.notifier != nil {
		_ = s.notifier.Notify(ctx, "experiment.aborted",
			"Experiment aborted",
			fmt.Sprintf("Experiment %s (zone %s) was aborted: %s.", exp.ID, exp.ZoneID, reason))
	}
	return nil
}

// revertArms rolls back every applied arm through the pricing mechanism. A
// revert failure stops the pass; the experiment stays in its current status
// and the remaining arms are retried next tick. Arms without a change ref
// (the control arm) were never pushed externally and are only status-flipped.
func (s *Scheduler) revertArms(ctx context.Context, exp *domain.Experiment) error {
	for i, arm := range exp.Arms {
		if arm.Status != domain.ArmStatusApplied {
			continue
		}

		if arm.ChangeRef != nil {
			if err := s.mechanism.Revert(ctx, domain.ChangeRef(*arm.ChangeRef)); err != nil {
				return fmt.Errorf("revert arm %s: %w", arm.ID, err)
			}
		}

		arm.Status = domain.ArmStatusReverted
		if err := s.experiments.UpdateArm(ctx, arm); err != nil {
			return fmt.Errorf("update reverted arm %s: %w", arm.ID, err)
		}
		exp.Arms[i] = arm
	}
	return nil
}

// emit publishes a lifecycle event on the signal bus and appends it to the
// durable stream and audit log. Event delivery is best effort.
func (s *Scheduler) emit(ctx context.Context, event, experimentID string, detail map[string]any) {
	payload, err := json.Marshal(map[string]any{
		"event":         event,
		"experiment_id": experimentID,
		"detail":        detail,
		"at":            s.now().UTC(),
	})
	if err != nil {
		return
	}

	if s.bus != nil {
		if err := s.bus.Publish(ctx, "experiments.events", payload); err != nil {
			s.logger.Warn("event publish failed", slog.String("error", err.Error()))
		}
		if err := s.bus.StreamAppend(ctx, "stream:experiments.events", payload); err != nil {
			s.logger.Warn("event stream append failed", slog.String("error", err.Error()))
		}
	}
	if s.audit != nil {
		detailCopy := map[string]any{"experiment_id": experimentID}
		for k, v := range detail {
			detailCopy[k] = v
		}
		if err := s.audit.Log(ctx, event, detailCopy); err != nil {
			s.logger.Warn("audit log failed", slog.String("error", err.Error()))
		}
	}
}
