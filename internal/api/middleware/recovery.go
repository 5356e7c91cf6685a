package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"
)

// Recovery converts handler panics into problem responses. The stack is
// logged server-side; the client sees only a generic 500.
func Recovery(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				cause := recover()
				if cause == nil {
					return
				}

				logger.Error("Recovered panicking handler",
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.String("correlation_id", GetCorrelationID(r.Context())),
					slog.Any("panic", cause),
					slog.String("stack", string(debug.Stack())),
				)

				writeProblem(w, http.StatusInternalServerError,
					"Internal Server Error",
					"The request could not be processed")
			}()

			next.ServeHTTP(w, r)
		})
	}
}
