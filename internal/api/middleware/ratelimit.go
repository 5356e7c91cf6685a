package middleware

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter decides whether a request identified by a client key may proceed.
type RateLimiter interface {
	// Allow reports whether the request for the given client key is within
	// the configured rate.
	Allow(clientKey string) bool

	// Close releases any background resources held by the limiter.
	Close()
}

// clientLimiter tracks the token bucket and last activity for one client.
type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// InMemoryRateLimiter applies a per-client token bucket rate limit. Idle
// client entries are evicted by a background goroutine.
type InMemoryRateLimiter struct {
	mu       sync.Mutex
	clients  map[string]*clientLimiter
	rate     rate.Limit
	burst    int
	idleTTL  time.Duration
	stopOnce sync.Once
	stop     chan struct{}
}

var _ RateLimiter = (*InMemoryRateLimiter)(nil)

// NewInMemoryRateLimiter creates a rate limiter with the given requests per
// second and burst size. Cleanup of idle clients runs every cleanupInterval.
func NewInMemoryRateLimiter(cfg *RateLimitConfig) *InMemoryRateLimiter {
	l := &InMemoryRateLimiter{
		clients: make(map[string]*clientLimiter),
		rate:    rate.Limit(cfg.RequestsPerSecond),
		burst:   cfg.Burst,
		idleTTL: cfg.IdleTTL,
		stop:    make(chan struct{}),
	}

	go l.cleanupLoop(cfg.CleanupInterval)

	return l
}

// Allow reports whether the request for clientKey is within the rate limit.
func (l *InMemoryRateLimiter) Allow(clientKey string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	client, ok := l.clients[clientKey]
	if !ok {
		client = &clientLimiter{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.clients[clientKey] = client
	}

	client.lastSeen = time.Now()

	return client.limiter.Allow()
}

// Close stops the background cleanup goroutine.
func (l *InMemoryRateLimiter) Close() {
	l.stopOnce.Do(func() {
		close(l.stop)
	})
}

func (l *InMemoryRateLimiter) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.evictIdle()
		}
	}
}

func (l *InMemoryRateLimiter) evictIdle() {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().Add(-l.idleTTL)
	for key, client := range l.clients {
		if client.lastSeen.Before(cutoff) {
			delete(l.clients, key)
		}
	}
}

// RateLimit creates a middleware that rejects requests exceeding the
// per-client rate limit with 429 Too Many Requests. Authenticated requests
// are keyed by client ID, anonymous requests by remote host.
func RateLimit(limiter RateLimiter, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientKey := GetClientID(r.Context())
			if clientKey == "" {
				clientKey = remoteHost(r)
			}

			if !limiter.Allow(clientKey) {
				logger.Warn("Rate limit exceeded",
					slog.String("client_key", clientKey),
					slog.String("path", r.URL.Path),
					slog.String("correlation_id", GetCorrelationID(r.Context())),
				)
				writeProblem(w, http.StatusTooManyRequests, "Too Many Requests",
					"Request rate limit exceeded, retry later")

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// remoteHost extracts the host portion of the request's remote address.
func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return host
}

// writeProblem writes an RFC 7807 problem response from middleware, where
// the api package's error helpers are not importable.
func writeProblem(w http.ResponseWriter, status int, title, detail string) {
	problem := struct {
		Type   string `json:"type"`
		Title  string `json:"title"`
		Status int    `json:"status"`
		Detail string `json:"detail"`
	}{
		Type:   fmt.Sprintf("https://avesa.io/problems/%d", status),
		Title:  title,
		Status: status,
		Detail: detail,
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	//nolint:errcheck,errchkjson
	json.NewEncoder(w).Encode(problem)
}
