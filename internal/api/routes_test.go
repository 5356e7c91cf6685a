package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avesa-io/avesa/internal/canonical"
	"github.com/avesa-io/avesa/internal/scd"
	"github.com/avesa-io/avesa/internal/storage"
)

type fakeSchemaService struct {
	report   *DriftReport
	err      error
	gotTable string
}

func (f *fakeSchemaService) Drift(_ context.Context, tableName string) (*DriftReport, error) {
	f.gotTable = tableName

	return f.report, f.err
}

type fakeAuditService struct {
	result    *storage.AuditResult
	err       error
	gotTable  string
	gotRepair bool
}

func (f *fakeAuditService) Audit(_ context.Context, tableName string, repair bool) (*storage.AuditResult, error) {
	f.gotTable = tableName
	f.gotRepair = repair

	return f.result, f.err
}

func testServerConfig() *ServerConfig {
	return &ServerConfig{
		Port:            8080,
		Host:            "127.0.0.1",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    5 * time.Second,
		ShutdownTimeout: time.Second,
		MaxRequestSize:  1 << 20,
	}
}

func newTestServer(t *testing.T, schema SchemaService, audit AuditService, opts ...ServerOption) *Server {
	t.Helper()

	opts = append(opts, WithServerLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))

	server, err := NewServer(testServerConfig(), nil, schema, audit, opts...)
	require.NoError(t, err)

	return server
}

func (s *Server) serve(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)

	return rec
}

func TestPingEndpoint(t *testing.T) {
	server := newTestServer(t, &fakeSchemaService{}, &fakeAuditService{})

	rec := server.serve(httptest.NewRequest(http.MethodGet, "/ping", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "pong")
}

func TestHealthEndpoint(t *testing.T) {
	server := newTestServer(t, &fakeSchemaService{}, &fakeAuditService{})

	rec := server.serve(httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var body healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body.Status)
	assert.Equal(t, "avesa-api", body.Service)
	assert.Equal(t, Version, body.Version)
}

func TestReadyWithoutStorageBackend(t *testing.T) {
	server := newTestServer(t, &fakeSchemaService{}, &fakeAuditService{})

	rec := server.serve(httptest.NewRequest(http.MethodGet, "/ready", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ready")
}

func TestDriftEndpoint(t *testing.T) {
	schema := &fakeSchemaService{
		report: &DriftReport{
			Table:   "companies",
			SCDType: canonical.SCDType2,
			Alignment: canonical.AlignmentReport{
				MissingFields: []string{"website"},
				ExtraFields:   []string{},
				IsAligned:     false,
			},
		},
	}
	server := newTestServer(t, schema, &fakeAuditService{})

	rec := server.serve(httptest.NewRequest(http.MethodGet, "/v1/tables/companies/drift", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "companies", schema.gotTable)

	var body DriftReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "companies", body.Table)
	assert.Equal(t, canonical.SCDType2, body.SCDType)
	assert.False(t, body.Alignment.IsAligned)
	assert.Equal(t, []string{"website"}, body.Alignment.MissingFields)
}

func TestDriftEndpointMappingNotFound(t *testing.T) {
	schema := &fakeSchemaService{
		err: fmt.Errorf("failed to load mapping: %w", canonical.ErrMappingNotFound),
	}
	server := newTestServer(t, schema, &fakeAuditService{})

	rec := server.serve(httptest.NewRequest(http.MethodGet, "/v1/tables/nope/drift", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "https://avesa.io/problems/404")
}

func TestDriftEndpointMalformedMappingIsBadRequest(t *testing.T) {
	schema := &fakeSchemaService{
		err: fmt.Errorf("%w: companies.json", canonical.ErrMappingMalformed),
	}
	server := newTestServer(t, schema, &fakeAuditService{})

	rec := server.serve(httptest.NewRequest(http.MethodGet, "/v1/tables/companies/drift", nil))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDriftEndpointInternalError(t *testing.T) {
	schema := &fakeSchemaService{err: errors.New("connection refused")}
	server := newTestServer(t, schema, &fakeAuditService{})

	rec := server.serve(httptest.NewRequest(http.MethodGet, "/v1/tables/companies/drift", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	// Internal details must not leak to clients
	assert.NotContains(t, rec.Body.String(), "connection refused")
}

func TestSCDAuditDryRunByDefault(t *testing.T) {
	audit := &fakeAuditService{
		result: &storage.AuditResult{
			RunID: "run-1",
			Table: "companies",
			Report: scd.Report{
				RowsChecked: 10,
				Orphans:     []scd.VersionRow{{TenantID: "acme", NaturalKey: "19297"}},
			},
		},
	}
	server := newTestServer(t, &fakeSchemaService{}, audit)

	rec := server.serve(httptest.NewRequest(http.MethodPost, "/v1/tables/companies/scd-audit", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "companies", audit.gotTable)
	assert.False(t, audit.gotRepair)

	var body auditResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "run-1", body.RunID)
	assert.Equal(t, 10, body.RowsChecked)
	assert.Equal(t, 1, body.Violations.Orphans)
	assert.False(t, body.Clean)
	assert.False(t, body.Repaired)
}

func TestSCDAuditRepairQueryParam(t *testing.T) {
	audit := &fakeAuditService{
		result: &storage.AuditResult{
			RunID:          "run-2",
			Table:          "companies",
			Report:         scd.Report{RowsChecked: 10},
			Repaired:       true,
			RepairsApplied: 2,
		},
	}
	server := newTestServer(t, &fakeSchemaService{}, audit)

	rec := server.serve(httptest.NewRequest(http.MethodPost, "/v1/tables/companies/scd-audit?repair=true", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, audit.gotRepair)

	var body auditResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.Repaired)
	assert.Equal(t, 2, body.RepairsApplied)
	assert.True(t, body.Clean)
}

func TestUnknownRouteReturnsProblem(t *testing.T) {
	server := newTestServer(t, &fakeSchemaService{}, &fakeAuditService{})

	rec := server.serve(httptest.NewRequest(http.MethodGet, "/no/such/route", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
}

func TestProtectedEndpointsRequireAPIKey(t *testing.T) {
	rawKey, err := storage.GenerateKeyString()
	require.NoError(t, err)

	store := storage.NewInMemoryKeyStore()
	require.NoError(t, store.Add(&storage.Key{
		ID:       "key-1",
		Key:      rawKey,
		ClientID: "dashboard",
		Active:   true,
	}))

	schema := &fakeSchemaService{report: &DriftReport{Table: "companies"}}
	server := newTestServer(t, schema, &fakeAuditService{}, WithKeyStore(store))

	// Without a key the protected endpoint is rejected
	rec := server.serve(httptest.NewRequest(http.MethodGet, "/v1/tables/companies/drift", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Public probes stay open
	rec = server.serve(httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	// With a valid key the request goes through
	req := httptest.NewRequest(http.MethodGet, "/v1/tables/companies/drift", nil)
	req.Header.Set("X-Api-Key", rawKey)
	rec = server.serve(req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCorrelationIDPropagatesToResponse(t *testing.T) {
	server := newTestServer(t, &fakeSchemaService{}, &fakeAuditService{})

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("X-Correlation-ID", "req-42")
	rec := server.serve(req)

	assert.Equal(t, "req-42", rec.Header().Get("X-Correlation-ID"))
}
