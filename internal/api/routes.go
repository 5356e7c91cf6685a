package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/avesa-io/avesa/internal/canonical"
	"github.com/avesa-io/avesa/internal/storage"
)

// Version is the API version reported by the health endpoint.
const Version = "1.0.0"

type (
	// healthResponse is the /health endpoint response body.
	healthResponse struct {
		Status  string `json:"status"`
		Service string `json:"service"`
		Version string `json:"version"`
		Uptime  string `json:"uptime"`
	}

	// auditResponse is the scd-audit endpoint response body.
	auditResponse struct {
		RunID          string      `json:"run_id"`   //nolint: tagliatelle
		Table          string      `json:"table"`
		StartedAt      time.Time   `json:"started_at"`      //nolint: tagliatelle
		FinishedAt     time.Time   `json:"finished_at"`     //nolint: tagliatelle
		RowsChecked    int         `json:"rows_checked"`    //nolint: tagliatelle
		Violations     auditCounts `json:"violations"`
		Clean          bool        `json:"clean"`
		Repaired       bool        `json:"repaired"`
		RepairsApplied int         `json:"repairs_applied"` //nolint: tagliatelle
	}

	auditCounts struct {
		Overlaps       int `json:"overlaps"`
		Orphans        int `json:"orphans"`
		FutureDated    int `json:"future_dated"`    //nolint: tagliatelle
		InvertedRanges int `json:"inverted_ranges"` //nolint: tagliatelle
	}
)

// newRouter builds the HTTP route multiplexer for the operational API.
func (s *Server) newRouter() *http.ServeMux {
	mux := http.NewServeMux()

	// Public endpoints (registered as auth bypasses in middleware)
	mux.HandleFunc("GET /ping", s.handlePing)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)

	// Protected pipeline operations
	mux.HandleFunc("GET /v1/tables/{table}/drift", s.handleDrift)
	mux.HandleFunc("POST /v1/tables/{table}/scd-audit", s.handleSCDAudit)

	// Catch-all for unmatched routes
	mux.HandleFunc("/", s.handleNotFound)

	return mux
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, http.StatusOK, map[string]string{"message": "pong"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, http.StatusOK, healthResponse{
		Status:  "healthy",
		Service: "avesa-api",
		Version: Version,
		Uptime:  time.Since(s.startTime).Round(time.Second).String(),
	})
}

// handleReady reports whether the server can reach its storage backend.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.conn == nil {
		s.writeJSON(w, r, http.StatusOK, map[string]string{"status": "ready"})

		return
	}

	if err := s.conn.HealthCheck(r.Context()); err != nil {
		s.logger.Warn("Readiness check failed",
			slog.Any("error", err),
		)
		WriteErrorResponse(w, r, http.StatusServiceUnavailable, "Service Unavailable",
			"Storage backend is not reachable")

		return
	}

	s.writeJSON(w, r, http.StatusOK, map[string]string{"status": "ready"})
}

// handleDrift reports schema drift between a table's canonical mapping and
// its stored schema.
func (s *Server) handleDrift(w http.ResponseWriter, r *http.Request) {
	tableName := r.PathValue("table")
	if tableName == "" {
		BadRequest(w, r, "Table name is required")

		return
	}

	report, err := s.schema.Drift(r.Context(), tableName)
	if err != nil {
		s.writeServiceError(w, r, tableName, err)

		return
	}

	s.writeJSON(w, r, http.StatusOK, report)
}

// handleSCDAudit runs an SCD integrity audit over a table. With
// ?repair=true the planned repairs are applied; otherwise the audit is a
// dry run.
func (s *Server) handleSCDAudit(w http.ResponseWriter, r *http.Request) {
	tableName := r.PathValue("table")
	if tableName == "" {
		BadRequest(w, r, "Table name is required")

		return
	}

	repair := r.URL.Query().Get("repair") == "true"

	result, err := s.audit.Audit(r.Context(), tableName, repair)
	if err != nil {
		s.writeServiceError(w, r, tableName, err)

		return
	}

	s.writeJSON(w, r, http.StatusOK, auditResultResponse(result))
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	NotFound(w, r, "The requested resource does not exist")
}

// writeServiceError maps pipeline service errors to problem responses.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, tableName string, err error) {
	correlationID := r.Header.Get("X-Correlation-ID")

	switch {
	case errors.Is(err, canonical.ErrMappingNotFound):
		NotFound(w, r, "No canonical mapping exists for table "+tableName)
	case errors.Is(err, canonical.ErrMappingMalformed), errors.Is(err, storage.ErrTableNameInvalid):
		BadRequest(w, r, err.Error())
	default:
		s.logger.Error("Pipeline operation failed",
			slog.String("table", tableName),
			slog.String("correlation_id", correlationID),
			slog.Any("error", err),
		)
		InternalServerError(w, r, "The operation could not be completed")
	}
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("Failed to encode response",
			slog.String("path", r.URL.Path),
			slog.Any("error", err),
		)
	}
}

// auditResultResponse flattens a stored audit result for the API.
func auditResultResponse(result *storage.AuditResult) auditResponse {
	return auditResponse{
		RunID:       result.RunID,
		Table:       result.Table,
		StartedAt:   result.StartedAt,
		FinishedAt:  result.FinishedAt,
		RowsChecked: result.Report.RowsChecked,
		Violations: auditCounts{
			Overlaps:       len(result.Report.Overlaps),
			Orphans:        len(result.Report.Orphans),
			FutureDated:    len(result.Report.FutureDated),
			InvertedRanges: len(result.Report.InvertedRanges),
		},
		Clean:          result.Report.Clean(),
		Repaired:       result.Repaired,
		RepairsApplied: result.RepairsApplied,
	}
}
