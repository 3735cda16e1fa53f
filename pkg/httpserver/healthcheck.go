package httpserver

import (
	"context"
	"net/http"
)

// HealthCheck is a dependency probe run by the health endpoint.
type HealthCheck func(ctx context.Context) error

// HealthHandler returns a handler that responds 200 when every check
// passes and 503 as soon as one fails. Check errors are not exposed in the
// response body.
func HealthHandler(checks ...HealthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		for _, check := range checks {
			if err := check(r.Context()); err != nil {
				http.Error(w, "unhealthy", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}
}
