package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T, rps float64, burst int) *InMemoryRateLimiter {
	t.Helper()

	limiter := NewInMemoryRateLimiter(&RateLimitConfig{
		RequestsPerSecond: rps,
		Burst:             burst,
		CleanupInterval:   time.Minute,
		IdleTTL:           time.Minute,
	})
	t.Cleanup(limiter.Close)

	return limiter
}

func TestInMemoryRateLimiterAllowsBurstThenDenies(t *testing.T) {
	limiter := newTestLimiter(t, 0.001, 2)

	assert.True(t, limiter.Allow("client-a"))
	assert.True(t, limiter.Allow("client-a"))
	assert.False(t, limiter.Allow("client-a"))

	// Other clients are tracked independently
	assert.True(t, limiter.Allow("client-b"))
}

func TestRateLimitMiddlewareReturns429(t *testing.T) {
	limiter := newTestLimiter(t, 0.001, 1)

	handler := RateLimit(limiter, discardLogger())(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/v1/tables/companies/drift", nil))
	assert.Equal(t, http.StatusOK, first.Code)

	second := httptest.NewRecorder()
	handler.ServeHTTP(second, httptest.NewRequest(http.MethodGet, "/v1/tables/companies/drift", nil))
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.Equal(t, "application/problem+json", second.Header().Get("Content-Type"))
}

func TestRateLimitConfigValidate(t *testing.T) {
	valid := &RateLimitConfig{RequestsPerSecond: 10, Burst: 20}
	require.NoError(t, valid.Validate())

	badRate := &RateLimitConfig{RequestsPerSecond: 0, Burst: 20}
	assert.ErrorIs(t, badRate.Validate(), ErrRateNotPositive)

	badBurst := &RateLimitConfig{RequestsPerSecond: 10, Burst: 0}
	assert.ErrorIs(t, badBurst.Validate(), ErrBurstNotPositive)
}

func TestLoadRateLimitConfigDefaults(t *testing.T) {
	cfg := LoadRateLimitConfig()

	assert.InDelta(t, defaultRequestsPerSecond, cfg.RequestsPerSecond, 0.0001)
	assert.Equal(t, defaultBurst, cfg.Burst)
	assert.Equal(t, defaultCleanupInterval, cfg.CleanupInterval)
	assert.Equal(t, defaultIdleTTL, cfg.IdleTTL)
}
