package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/avesa-io/avesa/internal/storage"
)

// Authentication errors.
var (
	ErrMissingAPIKey  = errors.New("missing API key")
	ErrInvalidAPIKey  = errors.New("invalid API key")
	ErrAPIKeyExpired  = errors.New("API key expired")
	ErrAPIKeyInactive = errors.New("API key inactive")
)

// clientIDKey is the context key for the authenticated client ID.
type clientIDKey struct{}

// publicEndpoints lists paths that bypass authentication. Health and
// readiness probes must stay reachable without credentials.
//
//nolint:gochecknoglobals
var publicEndpoints = map[string]bool{
	"/ping":    true,
	"/health":  true,
	"/ready":   true,
	"/version": true,
}

//nolint:gochecknoglobals
var publicEndpointsMu sync.RWMutex

// RegisterPublicEndpoint marks a path as accessible without an API key.
func RegisterPublicEndpoint(path string) {
	publicEndpointsMu.Lock()
	defer publicEndpointsMu.Unlock()

	publicEndpoints[path] = true
}

// isPublicEndpoint reports whether the path bypasses authentication.
func isPublicEndpoint(path string) bool {
	publicEndpointsMu.RLock()
	defer publicEndpointsMu.RUnlock()

	return publicEndpoints[path]
}

// AuthenticateClient creates a middleware that validates API keys against
// the key store. The authenticated client ID is added to the request context.
func AuthenticateClient(store storage.KeyStore, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isPublicEndpoint(r.URL.Path) {
				next.ServeHTTP(w, r)

				return
			}

			correlationID := GetCorrelationID(r.Context())

			rawKey, err := extractAPIKey(r)
			if err != nil {
				logger.Warn("Authentication failed",
					slog.String("path", r.URL.Path),
					slog.String("correlation_id", correlationID),
					slog.Any("error", err),
				)
				writeAuthError(w, err)

				return
			}

			key, ok := store.FindByKey(rawKey)
			if !ok {
				logger.Warn("Authentication failed",
					slog.String("path", r.URL.Path),
					slog.String("correlation_id", correlationID),
					slog.Any("error", ErrInvalidAPIKey),
				)
				writeAuthError(w, ErrInvalidAPIKey)

				return
			}

			if err := validateKey(key, rawKey); err != nil {
				logger.Warn("Authentication failed",
					slog.String("path", r.URL.Path),
					slog.String("client_id", key.ClientID),
					slog.String("correlation_id", correlationID),
					slog.Any("error", err),
				)
				writeAuthError(w, err)

				return
			}

			ctx := context.WithValue(r.Context(), clientIDKey{}, key.ClientID)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetClientID extracts the authenticated client ID from the request context.
func GetClientID(ctx context.Context) string {
	if clientID, ok := ctx.Value(clientIDKey{}).(string); ok {
		return clientID
	}

	return ""
}

// extractAPIKey reads the API key from the X-Api-Key header or the
// Authorization header with a Bearer scheme. Keys containing control
// characters are rejected outright.
func extractAPIKey(r *http.Request) (string, error) {
	apiKey := r.Header.Get("X-Api-Key")

	if apiKey == "" {
		authHeader := r.Header.Get("Authorization")
		if bearer, ok := strings.CutPrefix(authHeader, "Bearer "); ok {
			apiKey = bearer
		}
	}

	apiKey = strings.TrimSpace(apiKey)

	if apiKey == "" {
		return "", ErrMissingAPIKey
	}

	if strings.ContainsAny(apiKey, "\r\n") {
		return "", ErrInvalidAPIKey
	}

	return apiKey, nil
}

// validateKey checks the stored key's state and compares the presented key
// in constant time.
func validateKey(key *storage.Key, rawKey string) error {
	if key == nil {
		return ErrInvalidAPIKey
	}

	if !key.Active {
		return ErrAPIKeyInactive
	}

	if key.ExpiresAt != nil && time.Now().After(*key.ExpiresAt) {
		return ErrAPIKeyExpired
	}

	if !storage.SecureCompare(key.Key, rawKey) {
		return ErrInvalidAPIKey
	}

	return nil
}

// writeAuthError writes an RFC 7807 authentication failure response.
func writeAuthError(w http.ResponseWriter, err error) {
	status := http.StatusUnauthorized
	detail := "A valid API key is required to access this resource"

	switch {
	case errors.Is(err, ErrAPIKeyExpired):
		detail = "The provided API key has expired"
	case errors.Is(err, ErrAPIKeyInactive):
		detail = "The provided API key has been deactivated"
	case errors.Is(err, ErrMissingAPIKey):
		detail = "An API key must be provided via the X-Api-Key header or a Bearer token"
	}

	writeProblem(w, status, "Unauthorized", detail)
}
