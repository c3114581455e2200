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
	assert.Equal(t, "8080", cfg.AppPort)
	assert.Equal(t, 3000*time.Millisecond, cfg.PollInitialInterval)
	assert.Equal(t, 60, cfg.PollMaxAttempts)
	assert.Equal(t, 1.2, cfg.PollBackoffMultiplier)
	assert.Equal(t, 300*time.Second, cfg.SigMaxAge)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("POLL_MAX_ATTEMPTS", "5")
	t.Setenv("POLL_INITIAL_INTERVAL_MS", "100")
	t.Setenv("GATEWAY_BASE_URL", "https://pay.example.com")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.PollMaxAttempts)
	assert.Equal(t, 100*time.Millisecond, cfg.PollInitialInterval)
	assert.Equal(t, "https://pay.example.com", cfg.GatewayBaseURL)
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("GATEWAY_BASE_URL", "not a url")
	_, err := Load()
	require.Error(t, err)
}
