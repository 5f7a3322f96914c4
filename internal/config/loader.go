package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies PRICELAB_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known PRICELAB_* environment variables and
// overwrites the corresponding Config fields when a variable is set. This
// lets operators inject secrets at deploy time without touching the TOML
// file.
func applyEnvOverrides(cfg *Config) {
	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "PRICELAB_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "PRICELAB_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "PRICELAB_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "PRICELAB_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "PRICELAB_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "PRICELAB_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "PRICELAB_POSTGRES_SSLMODE")
	setInt(&cfg.Postgres.PoolMaxConns, "PRICELAB_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "PRICELAB_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "PRICELAB_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "PRICELAB_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "PRICELAB_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "PRICELAB_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "PRICELAB_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "PRICELAB_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "PRICELAB_REDIS_TLS_ENABLED")
	setInt(&cfg.Redis.PolicyTTLMinutes, "PRICELAB_REDIS_POLICY_TTL_MINUTES")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "PRICELAB_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "PRICELAB_S3_REGION")
	setStr(&cfg.S3.Bucket, "PRICELAB_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "PRICELAB_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "PRICELAB_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "PRICELAB_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "PRICELAB_S3_FORCE_PATH_STYLE")

	// ── Rates API ──
	setStr(&cfg.RatesAPI.BaseURL, "PRICELAB_RATES_API_BASE_URL")
	setStr(&cfg.RatesAPI.Token, "PRICELAB_RATES_API_TOKEN")
	setDuration(&cfg.RatesAPI.Timeout, "PRICELAB_RATES_API_TIMEOUT")

	// ── Probe ──
	setFloat64(&cfg.Probe.MaxDelta, "PRICELAB_PROBE_MAX_DELTA")
	setFloat64(&cfg.Probe.MinPrice, "PRICELAB_PROBE_MIN_PRICE")
	setInt(&cfg.Probe.DefaultHorizonDays, "PRICELAB_PROBE_DEFAULT_HORIZON_DAYS")
	setInt64(&cfg.Probe.MinSamples, "PRICELAB_PROBE_MIN_SAMPLES")
	setFloat64(&cfg.Probe.ApprovalThreshold, "PRICELAB_PROBE_APPROVAL_THRESHOLD")
	setFloatSlice(&cfg.Probe.DefaultDeltas, "PRICELAB_PROBE_DEFAULT_DELTAS")

	// ── Scheduler ──
	setBool(&cfg.Scheduler.Enabled, "PRICELAB_SCHEDULER_ENABLED")
	setDuration(&cfg.Scheduler.TickInterval, "PRICELAB_SCHEDULER_TICK_INTERVAL")
	setInt(&cfg.Scheduler.MaxApplyAttempts, "PRICELAB_SCHEDULER_MAX_APPLY_ATTEMPTS")
	setInt(&cfg.Scheduler.EvalWarnAfter, "PRICELAB_SCHEDULER_EVAL_WARN_AFTER")
	setBool(&cfg.Scheduler.ArchiveEnabled, "PRICELAB_SCHEDULER_ARCHIVE_ENABLED")
	setInt(&cfg.Scheduler.ArchiveRetentionDays, "PRICELAB_SCHEDULER_ARCHIVE_RETENTION_DAYS")
	setDuration(&cfg.Scheduler.InferInterval, "PRICELAB_SCHEDULER_INFER_INTERVAL")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "PRICELAB_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "PRICELAB_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "PRICELAB_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "PRICELAB_SERVER_API_KEY")
	setInt(&cfg.Server.CreateRateLimit, "PRICELAB_SERVER_CREATE_RATE_LIMIT")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "PRICELAB_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "PRICELAB_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "PRICELAB_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "PRICELAB_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "PRICELAB_MODE")
	setStr(&cfg.LogLevel, "PRICELAB_LOG_LEVEL")
	setStr(&cfg.LogFormat, "PRICELAB_LOG_FORMAT")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}

func setFloatSlice(dst *[]float64, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]float64, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p == "" {
				continue
			}
			if f, err := strconv.ParseFloat(p, 64); err == nil {
				cleaned = append(cleaned, f)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
