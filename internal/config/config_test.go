package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 250*time.Millisecond, cfg.WorkerPollInterval)
	assert.Equal(t, 20, cfg.WorkerBatchSize)
	assert.Equal(t, int64(16), cfg.WorkerConcurrency)
	assert.Equal(t, 10, cfg.JobMaxAttempts)
	assert.Equal(t, "auto", cfg.DeciderProvider)
	assert.NotEmpty(t, cfg.DatabaseURL)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("RENRAKU_PORT", "9090")
	t.Setenv("RENRAKU_WORKER_POLL_INTERVAL", "2s")
	t.Setenv("RENRAKU_WEBHOOK_SECRET", "shh")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, 2*time.Second, cfg.WorkerPollInterval)
	assert.Equal(t, "shh", cfg.WebhookSecret)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := Config{
		DatabaseURL:         "postgres://x",
		WorkerBatchSize:     1,
		WorkerConcurrency:   1,
		JobMaxAttempts:      1,
		MaxRequestBodyBytes: 1,
	}
	assert.NoError(t, cfg.Validate())

	bad := cfg
	bad.DatabaseURL = ""
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.WorkerBatchSize = 0
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.WorkerConcurrency = -1
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.JobMaxAttempts = 0
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.MaxRequestBodyBytes = 0
	assert.Error(t, bad.Validate())
}

func TestEnvHelpersIgnoreMalformedValues(t *testing.T) {
	t.Setenv("RENRAKU_WORKER_BATCH_SIZE", "not-a-number")
	t.Setenv("RENRAKU_READ_TIMEOUT", "eleven seconds")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 20, cfg.WorkerBatchSize)
	assert.Equal(t, 30*time.Second, cfg.ReadTimeout)
}
