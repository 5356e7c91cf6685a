package middleware

import (
	"log/slog"
	"net/http"
	"time"
)

// RequestLogger emits one structured log line per request once the handler
// finishes, carrying the status, timing, and correlation ID.
func RequestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(recorder, r)

			logger.Info("Handled request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", recorder.status),
				slog.Duration("duration", time.Since(start)),
				slog.String("remote_addr", r.RemoteAddr),
				slog.String("correlation_id", GetCorrelationID(r.Context())),
			)
		})
	}
}

// statusRecorder captures the status code written by the wrapped handler.
// Handlers that never call WriteHeader implicitly return 200.
type statusRecorder struct {
	http.ResponseWriter

	status int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.status = code
	rec.ResponseWriter.WriteHeader(code)
}
