package app

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lvlparking/pricelab/internal/domain"
	"github.com/lvlparking/pricelab/internal/evaluator"
	"github.com/lvlparking/pricelab/internal/policy"
	"github.com/lvlparking/pricelab/internal/rates"
	"github.com/lvlparking/pricelab/internal/scheduler"
	"github.com/lvlparking/pricelab/internal/server"
	"github.com/lvlparking/pricelab/internal/server/handler"
	"github.com/lvlparking/pricelab/internal/server/ws"
	"github.com/lvlparking/pricelab/internal/service"
	"github.com/lvlparking/pricelab/internal/validator"
)

// ServerMode runs the HTTP and WebSocket API without the reconciliation
// loop. A separate scheduler process picks up created experiments on its own
// ticker.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	g, ctx := errgroup.WithContext(ctx)

	svc, inferrer, _ := a.buildCore(deps)
	a.startHTTPServer(ctx, g, deps, svc, inferrer)

	return g.Wait()
}

// SchedulerMode runs the reconciliation loop and the maintenance tick
// without the HTTP API.
func (a *App) SchedulerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting scheduler mode")

	g, ctx := errgroup.WithContext(ctx)

	_, inferrer, eval := a.buildCore(deps)
	sched := a.buildScheduler(deps, eval)

	g.Go(func() error {
		return sched.Run(ctx)
	})
	a.startMaintenance(ctx, g, deps, inferrer)

	return g.Wait()
}

// FullMode runs everything in one process: the HTTP API, the reconciliation
// loop, and the maintenance tick. Creation and abort requests trigger an
// immediate scheduler pass instead of waiting for the next tick.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)

	svc, inferrer, eval := a.buildCore(deps)

	if a.cfg.Scheduler.Enabled {
		sched := a.buildScheduler(deps, eval)
		svc.WithScheduler(sched)
		g.Go(func() error {
			return sched.Run(ctx)
		})
		a.startMaintenance(ctx, g, deps, inferrer)
	}
	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, svc, inferrer)
	}

	return g.Wait()
}

// buildCore constructs the policy provider, validator, evaluator, inferrer,
// and experiment service shared by all modes.
func (a *App) buildCore(deps *Dependencies) (*service.ExperimentService, *rates.Inferrer, *evaluator.Evaluator) {
	provider := policy.NewProvider(deps.Guardrails, deps.PolicyCache, policy.Defaults{
		MaxDelta:           a.cfg.Probe.MaxDelta,
		MinPrice:           a.cfg.Probe.MinPrice,
		ApprovalThreshold:  a.cfg.Probe.ApprovalThreshold,
		DefaultDeltas:      a.cfg.Probe.DefaultDeltas,
		DefaultHorizonDays: a.cfg.Probe.DefaultHorizonDays,
	}, a.logger)

	v := validator.New(provider, deps.RatePlans, a.logger)
	eval := evaluator.New(deps.Metrics, deps.Results, a.cfg.Probe.MinSamples, a.logger)

	svc := service.NewExperimentService(
		deps.Experiments, deps.Results, v, eval, provider, deps.Bus, deps.Audit, a.logger,
	)

	inferrer := rates.NewInferrer(deps.Sessions, deps.RatePlans, a.fallbackTiers(), 0, a.logger)

	return svc, inferrer, eval
}

// buildScheduler constructs the reconciliation loop from configuration.
func (a *App) buildScheduler(deps *Dependencies, eval *evaluator.Evaluator) *scheduler.Scheduler {
	return scheduler.New(
		deps.Experiments,
		deps.Mechanism,
		eval,
		deps.Locks,
		deps.Bus,
		deps.Audit,
		deps.Notifier,
		scheduler.Config{
			TickInterval:     a.cfg.Scheduler.TickInterval.Duration,
			MaxApplyAttempts: a.cfg.Scheduler.MaxApplyAttempts,
			EvalWarnAfter:    a.cfg.Scheduler.EvalWarnAfter,
		},
		a.logger,
	)
}

// fallbackTiers builds the default tier table used for segments with no
// usable session history.
func (a *App) fallbackTiers() []domain.RateTier {
	minutes := a.cfg.Probe.DefaultTierMinutes
	tiers := make([]domain.RateTier, 0, len(minutes))
	for i, maxMin := range minutes {
		if i >= len(a.cfg.Probe.DefaultTierRates) {
			break
		}
		tiers = append(tiers, domain.RateTier{
			Name:           tierName(maxMin),
			DurationMaxMin: maxMin,
			RatePerHour:    a.cfg.Probe.DefaultTierRates[i],
		})
	}
	return tiers
}

// tierName labels a fallback tier by its duration ceiling.
func tierName(maxMin int) string {
	switch {
	case maxMin > 0 && maxMin <= 60:
		return "shortstay"
	case maxMin > 0 && maxMin <= 180:
		return "midstay"
	case maxMin > 0 && maxMin <= 720:
		return "extended"
	default:
		return "daily"
	}
}

// startMaintenance launches the periodic maintenance tick: segment
// re-inference and, when enabled, cold-storage archival.
func (a *App) startMaintenance(ctx context.Context, g *errgroup.Group, deps *Dependencies, inferrer *rates.Inferrer) {
	interval := a.cfg.Scheduler.InferInterval.Duration
	if interval <= 0 {
		interval = 24 * time.Hour
	}

	g.Go(func() error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				a.runMaintenance(ctx, deps, inferrer)
			}
		}
	})
}

// runMaintenance performs one maintenance pass. Failures are logged, never
// fatal; the next tick retries.
func (a *App) runMaintenance(ctx context.Context, deps *Dependencies, inferrer *rates.Inferrer) {
	stored, err := inferrer.InferAll(ctx, deps.Sessions)
	if err != nil {
		a.logger.WarnContext(ctx, "maintenance: rate inference failed",
			slog.String("error", err.Error()))
	} else {
		a.logger.InfoContext(ctx, "maintenance: rate plans refreshed",
			slog.Int("stored", stored))
	}

	if deps.Archiver != nil {
		archived, err := deps.Archiver.ArchiveTerminal(ctx, a.cfg.Scheduler.ArchiveRetentionDays)
		if err != nil {
			a.logger.WarnContext(ctx, "maintenance: archival failed",
				slog.String("error", err.Error()))
		} else if archived > 0 {
			a.logger.InfoContext(ctx, "maintenance: experiments archived",
				slog.Int("archived", archived))
		}
	}
}

// startHTTPServer wires the WebSocket hub, handlers, and HTTP server onto
// the errgroup, including graceful shutdown on context cancellation.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, svc *service.ExperimentService, inferrer *rates.Inferrer) {
	startedAt := time.Now().UTC()

	hub := ws.NewHub(deps.Bus, a.logger, ws.Config{
		Mode:      a.cfg.Mode,
		StartedAt: startedAt,
	})
	g.Go(func() error {
		return hub.Run(ctx)
	})

	handlers := server.Handlers{
		Health:      handler.NewHealthHandler(a.logger),
		Status:      handler.NewStatusHandler(a.cfg.Mode, startedAt),
		Experiments: handler.NewExperimentHandler(svc, a.logger),
		Policy:      handler.NewPolicyHandler(svc, a.logger),
		Rates:       handler.NewRatesHandler(inferrer, deps.RatePlans, a.logger),
	}

	srv := server.NewServer(server.Config{
		Port:             a.cfg.Server.Port,
		CORSOrigins:      a.cfg.Server.CORSOrigins,
		APIKey:           a.cfg.Server.APIKey,
		CreateRateLimit:  a.cfg.Server.CreateRateLimit,
		CreateRateWindow: time.Minute,
	}, handlers, hub, deps.RateLimiter, a.logger)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}
