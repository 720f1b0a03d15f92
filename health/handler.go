package health

import (
	"encoding/json"
	"net/http"
)

// Handler serves the result of fn as JSON. Unhealthy statuses answer 503,
// healthy and degraded answer 200.
func Handler(fn func() Status) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		status := fn()

		code := http.StatusOK
		if status.IsUnhealthy() {
			code = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(status)
	})
}
