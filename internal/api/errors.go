package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/avesa-io/avesa/internal/api/middleware"
)

// ProblemDetail represents an RFC 7807 problem details response.
type ProblemDetail struct {
	Type          string `json:"type"`
	Title         string `json:"title"`
	Status        int    `json:"status"`
	Detail        string `json:"detail"`
	Instance      string `json:"instance"`
	CorrelationID string `json:"correlation_id,omitempty"` //nolint: tagliatelle
}

// WriteErrorResponse writes an RFC 7807 compliant error response.
func WriteErrorResponse(w http.ResponseWriter, r *http.Request, status int, title, detail string) {
	problem := ProblemDetail{
		Type:          fmt.Sprintf("https://avesa.io/problems/%d", status),
		Title:         title,
		Status:        status,
		Detail:        detail,
		Instance:      r.URL.Path,
		CorrelationID: middleware.GetCorrelationID(r.Context()),
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(problem); err != nil {
		slog.Error("Failed to encode error response",
			slog.Any("error", err),
			slog.String("correlation_id", problem.CorrelationID),
		)
	}
}

// BadRequest writes a 400 Bad Request problem response.
func BadRequest(w http.ResponseWriter, r *http.Request, detail string) {
	WriteErrorResponse(w, r, http.StatusBadRequest, "Bad Request", detail)
}

// NotFound writes a 404 Not Found problem response.
func NotFound(w http.ResponseWriter, r *http.Request, detail string) {
	WriteErrorResponse(w, r, http.StatusNotFound, "Not Found", detail)
}

// MethodNotAllowed writes a 405 Method Not Allowed problem response.
func MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	WriteErrorResponse(w, r, http.StatusMethodNotAllowed, "Method Not Allowed",
		fmt.Sprintf("Method %s is not allowed for this resource", r.Method))
}

// InternalServerError writes a 500 Internal Server Error problem response.
func InternalServerError(w http.ResponseWriter, r *http.Request, detail string) {
	WriteErrorResponse(w, r, http.StatusInternalServerError, "Internal Server Error", detail)
}
