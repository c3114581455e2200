// Package config loads service configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
)

type Config struct {
	AppPort string

	// GatewayBaseURL is the payment gateway's REST base for status queries.
	GatewayBaseURL string `validate:"required,url"`
	// OrderServiceURL is the order service's REST base for status upserts.
	OrderServiceURL string `validate:"required,url"`
	// PushChannelURL is the gateway's WebSocket push endpoint. Optional:
	// without it the service runs on polling and webhooks alone.
	PushChannelURL string

	// WebhookSecret is the shared secret of the gateway's HMAC scheme.
	WebhookSecret string `validate:"required"`
	// SigMaxAge bounds the webhook signature timestamp age.
	SigMaxAge time.Duration

	// RedisAddr backs the pending-transaction store. Optional: empty
	// selects the in-memory store (single process, no resume across
	// restarts).
	RedisAddr string
	// ReconLogPath is the SQLite file of the observation log. Optional.
	ReconLogPath string

	PollInitialInterval   time.Duration `validate:"gt=0"`
	PollMaxInterval       time.Duration `validate:"gt=0"`
	PollMaxAttempts       int           `validate:"gt=0"`
	PollBackoffMultiplier float64       `validate:"gt=1"`
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getMillis(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Millisecond
		}
	}
	return def
}

// Load reads the environment and validates the result.
func Load() (Config, error) {
	cfg := Config{
		AppPort:         getenv("APP_PORT", "8080"),
		GatewayBaseURL:  getenv("GATEWAY_BASE_URL", "http://localhost:9400"),
		OrderServiceURL: getenv("ORDER_SERVICE_URL", "http://localhost:9500"),
		PushChannelURL:  getenv("PUSH_CHANNEL_URL", ""),
		WebhookSecret:   getenv("WEBHOOK_SECRET", "supersecret-dev"),
		SigMaxAge:       time.Duration(getInt("SIG_MAX_AGE_SECONDS", 300)) * time.Second,
		RedisAddr:       getenv("REDIS_ADDR", ""),
		ReconLogPath:    getenv("RECON_LOG_PATH", ""),

		PollInitialInterval:   getMillis("POLL_INITIAL_INTERVAL_MS", 3000*time.Millisecond),
		PollMaxInterval:       getMillis("POLL_MAX_INTERVAL_MS", 30000*time.Millisecond),
		PollMaxAttempts:       getInt("POLL_MAX_ATTEMPTS", 60),
		PollBackoffMultiplier: getFloat("POLL_BACKOFF_MULTIPLIER", 1.2),
	}

	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}
