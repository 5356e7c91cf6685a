package middleware

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avesa-io/avesa/internal/storage"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestKeyStore(t *testing.T) (storage.KeyStore, string) {
	t.Helper()

	rawKey, err := storage.GenerateKeyString()
	require.NoError(t, err)

	store := storage.NewInMemoryKeyStore()
	require.NoError(t, store.Add(&storage.Key{
		ID:        "key-1",
		Key:       rawKey,
		ClientID:  "audit-scheduler",
		Name:      "scheduler key",
		CreatedAt: time.Now(),
		Active:    true,
	}))

	return store, rawKey
}

func authHandler(store storage.KeyStore, seenClient *string) http.Handler {
	return AuthenticateClient(store, discardLogger())(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if seenClient != nil {
				*seenClient = GetClientID(r.Context())
			}
			w.WriteHeader(http.StatusOK)
		}))
}

func TestAuthenticateClientAcceptsXAPIKeyHeader(t *testing.T) {
	store, rawKey := newTestKeyStore(t)

	var client string
	handler := authHandler(store, &client)

	req := httptest.NewRequest(http.MethodGet, "/v1/tables/companies/drift", nil)
	req.Header.Set("X-Api-Key", rawKey)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "audit-scheduler", client)
}

func TestAuthenticateClientAcceptsBearerToken(t *testing.T) {
	store, rawKey := newTestKeyStore(t)
	handler := authHandler(store, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/tables/companies/drift", nil)
	req.Header.Set("Authorization", "Bearer "+rawKey)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthenticateClientRejectsMissingKey(t *testing.T) {
	store, _ := newTestKeyStore(t)
	handler := authHandler(store, nil)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/tables/companies/drift", nil))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
}

func TestAuthenticateClientRejectsUnknownKey(t *testing.T) {
	store, _ := newTestKeyStore(t)
	handler := authHandler(store, nil)

	unknown, err := storage.GenerateKeyString()
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/v1/tables/companies/drift", nil)
	req.Header.Set("X-Api-Key", unknown)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthenticateClientRejectsInactiveKey(t *testing.T) {
	rawKey, err := storage.GenerateKeyString()
	require.NoError(t, err)

	store := storage.NewInMemoryKeyStore()
	require.NoError(t, store.Add(&storage.Key{
		ID:       "key-2",
		Key:      rawKey,
		ClientID: "dashboard",
		Active:   false,
	}))

	handler := authHandler(store, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/tables/companies/drift", nil)
	req.Header.Set("X-Api-Key", rawKey)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthenticateClientRejectsExpiredKey(t *testing.T) {
	rawKey, err := storage.GenerateKeyString()
	require.NoError(t, err)

	expired := time.Now().Add(-time.Hour)
	store := storage.NewInMemoryKeyStore()
	require.NoError(t, store.Add(&storage.Key{
		ID:        "key-3",
		Key:       rawKey,
		ClientID:  "dashboard",
		Active:    true,
		ExpiresAt: &expired,
	}))

	handler := authHandler(store, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/tables/companies/drift", nil)
	req.Header.Set("X-Api-Key", rawKey)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthenticateClientBypassesPublicEndpoints(t *testing.T) {
	store, _ := newTestKeyStore(t)
	handler := authHandler(store, nil)

	for _, path := range []string{"/ping", "/health", "/ready"} {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))

		assert.Equal(t, http.StatusOK, rec.Code, "path %s should bypass auth", path)
	}
}

func TestRegisterPublicEndpoint(t *testing.T) {
	store, _ := newTestKeyStore(t)
	handler := authHandler(store, nil)

	RegisterPublicEndpoint("/metrics")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestExtractAPIKey(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		want    string
		wantErr error
	}{
		{
			name:    "x-api-key header",
			headers: map[string]string{"X-Api-Key": "avesa_ak_abc"},
			want:    "avesa_ak_abc",
		},
		{
			name:    "bearer token",
			headers: map[string]string{"Authorization": "Bearer avesa_ak_def"},
			want:    "avesa_ak_def",
		},
		{
			name:    "x-api-key wins over bearer",
			headers: map[string]string{"X-Api-Key": "avesa_ak_abc", "Authorization": "Bearer avesa_ak_def"},
			want:    "avesa_ak_abc",
		},
		{
			name:    "missing key",
			headers: map[string]string{},
			wantErr: ErrMissingAPIKey,
		},
		{
			name:    "non-bearer authorization ignored",
			headers: map[string]string{"Authorization": "Basic dXNlcjpwYXNz"},
			wantErr: ErrMissingAPIKey,
		},
		{
			name:    "whitespace only",
			headers: map[string]string{"X-Api-Key": "   "},
			wantErr: ErrMissingAPIKey,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}

			got, err := extractAPIKey(req)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
