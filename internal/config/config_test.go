package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adi99/vidai/internal/config"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "dev", cfg.AppEnv)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "runpod", cfg.GPUPrimary)
	assert.Equal(t, "modal", cfg.GPUFallback)
	assert.Equal(t, 2, cfg.GPURetryAttempts)
	assert.Equal(t, 3, cfg.GPUFailureThreshold)
	assert.Equal(t, 60*time.Second, cfg.GPUCooldown)
	assert.Equal(t, 120*time.Second, cfg.GPUTimeout)
	assert.Equal(t, 10, cfg.WorkerConcurrency)
	assert.Equal(t, 15*time.Second, cfg.TrainingStepInterval)
	assert.Equal(t, 7, cfg.ViolationRetentionDays)
	assert.Equal(t, "notifications", cfg.NotificationsTopic)
	assert.True(t, cfg.IsDev())
	assert.False(t, cfg.IsProd())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("APP_ENV", "prod")
	t.Setenv("PORT", "9090")
	t.Setenv("GPU_PRIMARY_PROVIDER", "modal")
	t.Setenv("GPU_FALLBACK_PROVIDER", "runpod")
	t.Setenv("GPU_RETRY_ATTEMPTS", "4")
	t.Setenv("GPU_TIMEOUT_MS", "30000ms")
	t.Setenv("WORKER_CONCURRENCY", "25")
	t.Setenv("KAFKA_BROKERS", "a:9092,b:9092")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "prod", cfg.AppEnv)
	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, "modal", cfg.GPUPrimary)
	assert.Equal(t, "runpod", cfg.GPUFallback)
	assert.Equal(t, 4, cfg.GPURetryAttempts)
	assert.Equal(t, 30*time.Second, cfg.GPUTimeout)
	assert.Equal(t, 25, cfg.WorkerConcurrency)
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.KafkaBrokers)
	assert.True(t, cfg.IsProd())
}

func TestLoadInvalidPort(t *testing.T) {
	t.Setenv("PORT", "not-a-number")

	_, err := config.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "op=config.Load")
}

func TestAdminEnabled(t *testing.T) {
	cfg := config.Config{}
	assert.False(t, cfg.AdminEnabled())

	cfg.AdminUsername = "admin"
	assert.False(t, cfg.AdminEnabled())

	cfg.AdminPassword = "s3cret"
	assert.True(t, cfg.AdminEnabled())
}

func TestRefundBackoffCompressedInTests(t *testing.T) {
	t.Setenv("APP_ENV", "test")

	cfg, err := config.Load()
	require.NoError(t, err)
	require.True(t, cfg.IsTest())

	initial, maxElapsed := cfg.RefundBackoff()
	assert.Equal(t, 10*time.Millisecond, initial)
	assert.Equal(t, 200*time.Millisecond, maxElapsed)
}
