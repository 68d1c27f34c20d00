package middleware

import (
	"log/slog"
	"net/http"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
)

// probePaths are scraped constantly; logging them at info would drown the
// delivery logs.
var probePaths = map[string]bool{
	"/health":  true,
	"/healthz": true,
	"/readyz":  true,
	"/metrics": true,
}

// Logging logs one line per completed request, leveled by status code.
func Logging(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			// WebSocket upgrades hijack the connection without writing a
			// status through the wrapper.
			if status == 0 {
				status = http.StatusSwitchingProtocols
			}

			logFn := logger.Info
			switch {
			case status >= 500:
				logFn = logger.Error
			case status >= 400:
				logFn = logger.Warn
			case probePaths[r.URL.Path]:
				logFn = logger.Debug
			}

			logFn("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", status,
				"bytes", ww.BytesWritten(),
				"duration_ms", time.Since(start).Milliseconds(),
				"correlation_id", GetCorrelationID(r.Context()),
				"remote_addr", r.RemoteAddr,
			)
		})
	}
}
