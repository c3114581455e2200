package reconciler

import (
	"math"
	"time"
)

// Defaults applied by Config.withDefaults for zero fields.
const (
	DefaultInitialInterval   = 3000 * time.Millisecond
	DefaultMaxAttempts       = 60
	DefaultBackoffMultiplier = 1.2
	DefaultMaxInterval       = 30000 * time.Millisecond

	// transientErrorBudget is how many consecutive transport errors are
	// absorbed before one normal attempt is consumed.
	transientErrorBudget = 3
)

// Config holds the immutable parameters of one reconciliation session.
type Config struct {
	InitialInterval   time.Duration
	MaxAttempts       int
	BackoffMultiplier float64
	MaxInterval       time.Duration
}

func (c Config) withDefaults() Config {
	if c.InitialInterval <= 0 {
		c.InitialInterval = DefaultInitialInterval
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.BackoffMultiplier <= 1 {
		c.BackoffMultiplier = DefaultBackoffMultiplier
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = DefaultMaxInterval
	}
	return c
}

// Interval returns the delay scheduled after the given 1-based attempt:
// min(InitialInterval × BackoffMultiplier^(attempt−1), MaxInterval).
func (c Config) Interval(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(float64(c.InitialInterval) * math.Pow(c.BackoffMultiplier, float64(attempt-1)))
	if d > c.MaxInterval || d <= 0 {
		return c.MaxInterval
	}
	return d
}
