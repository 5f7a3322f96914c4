// Package config defines the top-level configuration for the pricelab
// service and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by PRICELAB_* environment variables.
type Config struct {
	Postgres  PostgresConfig  `toml:"postgres"`
	Redis     RedisConfig     `toml:"redis"`
	S3        S3Config        `toml:"s3"`
	RatesAPI  RatesAPIConfig  `toml:"rates_api"`
	Probe     ProbeConfig     `toml:"probe"`
	Scheduler SchedulerConfig `toml:"scheduler"`
	Server    ServerConfig    `toml:"server"`
	Notify    NotifyConfig    `toml:"notify"`
	Mode      string          `toml:"mode"`
	LogLevel  string          `toml:"log_level"`
	LogFormat string          `toml:"log_format"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr            string `toml:"addr"`
	Password        string `toml:"password"`
	DB              int    `toml:"db"`
	PoolSize        int    `toml:"pool_size"`
	MaxRetries      int    `toml:"max_retries"`
	TLSEnabled      bool   `toml:"tls_enabled"`
	PolicyTTLMinutes int   `toml:"policy_ttl_minutes"`
}

// S3Config holds S3-compatible object storage parameters for the archiver.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// RatesAPIConfig holds the external rate-application service endpoint.
type RatesAPIConfig struct {
	BaseURL string   `toml:"base_url"`
	Token   string   `toml:"token"`
	Timeout duration `toml:"timeout"`
}

// ProbeConfig holds defaults and limits for experiment creation and
// evaluation. Policy rows in the database can tighten these but never loosen
// the hard MaxDelta ceiling.
type ProbeConfig struct {
	MaxDelta           float64   `toml:"max_delta"`
	MinPrice           float64   `toml:"min_price"`
	DefaultDeltas      []float64 `toml:"default_deltas"`
	DefaultHorizonDays int       `toml:"default_horizon_days"`
	MinSamples         int64     `toml:"min_samples"`
	ApprovalThreshold  float64   `toml:"approval_threshold"`
	// DefaultTiers is the fallback tier table when no rate plan has been
	// inferred for a segment yet: parallel arrays of max duration (minutes)
	// and hourly rate.
	DefaultTierMinutes []int     `toml:"default_tier_minutes"`
	DefaultTierRates   []float64 `toml:"default_tier_rates"`
}

// SchedulerConfig holds reconciliation loop parameters.
type SchedulerConfig struct {
	Enabled              bool     `toml:"enabled"`
	TickInterval         duration `toml:"tick_interval"`
	MaxApplyAttempts     int      `toml:"max_apply_attempts"`
	EvalWarnAfter        int      `toml:"eval_warn_after"`
	ArchiveEnabled       bool     `toml:"archive_enabled"`
	ArchiveRetentionDays int      `toml:"archive_retention_days"`
	InferInterval        duration `toml:"infer_interval"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`
	// CreateRateLimit bounds experiment creations per caller per minute.
	CreateRateLimit int `toml:"create_rate_limit"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "pricelab",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:             "localhost:6379",
			DB:               0,
			PoolSize:         20,
			MaxRetries:       3,
			TLSEnabled:       false,
			PolicyTTLMinutes: 5,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "pricelab-archive",
			UseSSL:         false,
			ForcePathStyle: true,
		},
		RatesAPI: RatesAPIConfig{
			Timeout: duration{15 * time.Second},
		},
		Probe: ProbeConfig{
			MaxDelta:           0.10,
			MinPrice:           1.00,
			DefaultDeltas:      []float64{-0.05, -0.02, 0.02, 0.05},
			DefaultHorizonDays: 14,
			MinSamples:         30,
			ApprovalThreshold:  0.6,
			DefaultTierMinutes: []int{60, 180, 480, 1440},
			DefaultTierRates:   []float64{4.00, 6.00, 8.00, 10.00},
		},
		Scheduler: SchedulerConfig{
			Enabled:              true,
			TickInterval:         duration{time.Minute},
			MaxApplyAttempts:     3,
			EvalWarnAfter:        10,
			ArchiveEnabled:       false,
			ArchiveRetentionDays: 180,
			InferInterval:        duration{24 * time.Hour},
		},
		Server: ServerConfig{
			Enabled:         true,
			Port:            8088,
			CORSOrigins:     []string{"http://localhost:5173"},
			CreateRateLimit: 10,
		},
		Notify: NotifyConfig{
			Events: []string{"experiment.aborted", "experiment.eval_stalled"},
		},
		Mode:      "full",
		LogLevel:  "info",
		LogFormat: "json",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"server":    true,
	"scheduler": true,
	"full":      true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns
// a combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: server, scheduler, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		errs = append(errs, fmt.Sprintf("unknown log_format %q (valid: json, text)", c.LogFormat))
	}

	// Postgres
	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
		}
		if c.Postgres.Database == "" {
			errs = append(errs, "postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		errs = append(errs, "postgres: pool_max_conns must be >= 1")
	}
	if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// Probe limits
	if c.Probe.MaxDelta <= 0 || c.Probe.MaxDelta >= 1 {
		errs = append(errs, fmt.Sprintf("probe: max_delta must be in (0,1), got %g", c.Probe.MaxDelta))
	}
	if c.Probe.MinPrice < 0 {
		errs = append(errs, "probe: min_price must be >= 0")
	}
	if c.Probe.DefaultHorizonDays < 1 || c.Probe.DefaultHorizonDays > 90 {
		errs = append(errs, fmt.Sprintf("probe: default_horizon_days must be 1-90, got %d", c.Probe.DefaultHorizonDays))
	}
	if c.Probe.MinSamples < 1 {
		errs = append(errs, "probe: min_samples must be >= 1")
	}
	for _, d := range c.Probe.DefaultDeltas {
		if d == 0 {
			continue
		}
		if d <= -1 || d >= 1 {
			errs = append(errs, fmt.Sprintf("probe: default delta %g out of range", d))
		}
	}
	if len(c.Probe.DefaultTierMinutes) != len(c.Probe.DefaultTierRates) {
		errs = append(errs, "probe: default_tier_minutes and default_tier_rates must have equal length")
	}

	// Scheduler
	if c.Scheduler.Enabled {
		if c.Scheduler.TickInterval.Duration <= 0 {
			errs = append(errs, "scheduler: tick_interval must be > 0")
		}
		if c.Scheduler.MaxApplyAttempts < 1 {
			errs = append(errs, "scheduler: max_apply_attempts must be >= 1")
		}
		if c.Scheduler.EvalWarnAfter < 1 {
			errs = append(errs, "scheduler: eval_warn_after must be >= 1")
		}
	}
	if c.Scheduler.ArchiveEnabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty when archiving is enabled")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when archiving is enabled")
		}
		if c.Scheduler.ArchiveRetentionDays < 1 {
			errs = append(errs, "scheduler: archive_retention_days must be >= 1")
		}
	}

	// Rates API is required in any mode that drives arm application.
	mode := strings.ToLower(c.Mode)
	if (mode == "scheduler" || mode == "full") && c.RatesAPI.BaseURL == "" {
		errs = append(errs, "rates_api: base_url is required for mode "+c.Mode)
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.CreateRateLimit < 1 {
			errs = append(errs, "server: create_rate_limit must be >= 1")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
