package middleware

import (
	"errors"
	"fmt"
	"time"

	"github.com/avesa-io/avesa/internal/config"
)

// Rate limit defaults.
const (
	defaultRequestsPerSecond = 10.0
	defaultBurst             = 20
	defaultCleanupInterval   = time.Minute
	defaultIdleTTL           = 10 * time.Minute
)

// Rate limit configuration errors.
var (
	ErrRateNotPositive  = errors.New("requests per second must be positive")
	ErrBurstNotPositive = errors.New("burst must be positive")
)

// RateLimitConfig holds per-client rate limiting settings.
type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
	CleanupInterval   time.Duration
	IdleTTL           time.Duration
}

// LoadRateLimitConfig loads rate limit settings from environment variables
// with sensible defaults.
func LoadRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		RequestsPerSecond: config.GetEnvFloat("AVESA_RATE_LIMIT_RPS", defaultRequestsPerSecond),
		Burst:             config.GetEnvInt("AVESA_RATE_LIMIT_BURST", defaultBurst),
		CleanupInterval:   config.GetEnvDuration("AVESA_RATE_LIMIT_CLEANUP_INTERVAL", defaultCleanupInterval),
		IdleTTL:           config.GetEnvDuration("AVESA_RATE_LIMIT_IDLE_TTL", defaultIdleTTL),
	}
}

// Validate checks the rate limit configuration for invalid values.
func (c *RateLimitConfig) Validate() error {
	if c.RequestsPerSecond <= 0 {
		return fmt.Errorf("%w: got %v", ErrRateNotPositive, c.RequestsPerSecond)
	}

	if c.Burst <= 0 {
		return fmt.Errorf("%w: got %d", ErrBurstNotPositive, c.Burst)
	}

	return nil
}
