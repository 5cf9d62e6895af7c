package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// HealthCheck probes a dependency. A nil HealthCheck reports healthy.
type HealthCheck func(ctx context.Context) error

// HandleHealth reports liveness, and readiness of the backing store when a
// check is provided.
func HandleHealth(check HealthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		if check != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := check(ctx); err != nil {
				slog.WarnContext(r.Context(), "health check failed", "err", err)
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte("unavailable"))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}
}
