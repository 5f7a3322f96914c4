package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	cfg.RatesAPI.BaseURL = "http://rates.local"
	require.NoError(t, cfg.Validate())
}

func TestValidateCollectsAllProblems(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "banana"
	cfg.LogLevel = "loud"
	cfg.Probe.MaxDelta = 1.5
	cfg.Redis.Addr = ""

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
	assert.Contains(t, err.Error(), "unknown log_level")
	assert.Contains(t, err.Error(), "max_delta")
	assert.Contains(t, err.Error(), "redis: addr")
}

func TestValidateRequiresRatesAPIForSchedulerModes(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "scheduler"
	cfg.RatesAPI.BaseURL = ""
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rates_api: base_url")

	// Server-only mode does not drive arm application.
	cfg.Mode = "server"
	require.NoError(t, cfg.Validate())
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PRICELAB_POSTGRES_HOST", "db.internal")
	t.Setenv("PRICELAB_PROBE_MAX_DELTA", "0.08")
	t.Setenv("PRICELAB_PROBE_DEFAULT_DELTAS", "-0.03, 0.03")
	t.Setenv("PRICELAB_SCHEDULER_TICK_INTERVAL", "30s")

	cfg := Defaults()
	applyEnvOverrides(&cfg)

	assert.Equal(t, "db.internal", cfg.Postgres.Host)
	assert.Equal(t, 0.08, cfg.Probe.MaxDelta)
	assert.Equal(t, []float64{-0.03, 0.03}, cfg.Probe.DefaultDeltas)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.TickInterval.Duration)
}
