package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	s3blob "github.com/lvlparking/pricelab/internal/blob/s3"
	"github.com/lvlparking/pricelab/internal/cache/redis"
	"github.com/lvlparking/pricelab/internal/config"
	"github.com/lvlparking/pricelab/internal/domain"
	"github.com/lvlparking/pricelab/internal/metrics"
	"github.com/lvlparking/pricelab/internal/notify"
	"github.com/lvlparking/pricelab/internal/platform/ratesapi"
	"github.com/lvlparking/pricelab/internal/store/postgres"
)

// Dependencies bundles every domain-level dependency the application modes
// need. It is constructed by Wire and torn down by the returned cleanup
// function.
type Dependencies struct {
	// Stores
	Experiments domain.ExperimentStore
	Results     domain.ResultStore
	RatePlans   domain.RatePlanStore
	Guardrails  domain.GuardrailStore
	Audit       domain.AuditStore

	// Warehouse reads
	Metrics  domain.MetricsSource
	Sessions *metrics.SessionReader

	// Caches
	PolicyCache domain.PolicyCache
	RateLimiter domain.RateLimiter
	Locks       domain.LockManager
	Bus         domain.SignalBus

	// External rate-application service
	Mechanism domain.PricingMechanism

	// Blob storage (only when archiving is enabled)
	BlobWriter domain.BlobWriter
	Archiver   domain.Archiver

	// Notifications
	Notifier *notify.Notifier
}

// needsMechanism returns true for modes that apply and revert rates.
func needsMechanism(mode string) bool {
	switch strings.ToLower(mode) {
	case "scheduler", "full":
		return true
	default:
		return false
	}
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function to be
// called on shutdown.
func Wire(ctx context.Context, cfg *config.Config) (*Dependencies, func(), error) {
	logger := slog.Default()

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- PostgreSQL ---
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Postgres.DSN,
		Host:     cfg.Postgres.Host,
		Port:     cfg.Postgres.Port,
		Database: cfg.Postgres.Database,
		User:     cfg.Postgres.User,
		Password: cfg.Postgres.Password,
		SSLMode:  cfg.Postgres.SSLMode,
		MaxConns: cfg.Postgres.PoolMaxConns,
		MinConns: cfg.Postgres.PoolMinConns,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: postgres: %w", err)
	}
	closers = append(closers, pgClient.Close)

	if cfg.Postgres.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
		}
	}

	pool := pgClient.Pool()
	deps.Experiments = postgres.NewExperimentStore(pool)
	deps.Results = postgres.NewResultStore(pool)
	deps.RatePlans = postgres.NewRatePlanStore(pool)
	deps.Guardrails = postgres.NewGuardrailStore(pool)
	deps.Audit = postgres.NewAuditStore(pool)
	deps.Metrics = metrics.NewWarehouseSource(pool)
	deps.Sessions = metrics.NewSessionReader(pool)

	// --- Redis ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: redis: %w", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })

	policyTTL := 5 * time.Minute
	if cfg.Redis.PolicyTTLMinutes > 0 {
		policyTTL = time.Duration(cfg.Redis.PolicyTTLMinutes) * time.Minute
	}

	deps.PolicyCache = redis.NewPolicyCache(redisClient, policyTTL)
	deps.RateLimiter = redis.NewRateLimiter(redisClient)
	deps.Locks = redis.NewLockManager(redisClient)
	deps.Bus = redis.NewSignalBus(redisClient)

	// --- External rates API (only for modes that apply rates) ---
	if needsMechanism(cfg.Mode) {
		deps.Mechanism = ratesapi.NewClient(
			cfg.RatesAPI.BaseURL,
			cfg.RatesAPI.Token,
			cfg.RatesAPI.Timeout.Duration,
		)
	}

	// --- S3 cold storage (only when archiving is enabled) ---
	if cfg.Scheduler.ArchiveEnabled && needsMechanism(cfg.Mode) {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		closers = append(closers, func() { _ = s3Client.Close() })

		deps.BlobWriter = s3blob.NewWriter(s3Client)
		deps.Archiver = s3blob.NewArchiver(deps.BlobWriter, deps.Experiments, deps.Results, deps.Audit)
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}
