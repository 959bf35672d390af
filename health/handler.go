package health

import (
	"encoding/json"
	"net/http"
)

// Handler serves the aggregate status of c as JSON under system. Unhealthy
// answers 503; healthy and degraded answer 200.
func (c *Checker) Handler(system string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		status := c.Check(r.Context(), system)
		code := http.StatusOK
		if status.IsUnhealthy() {
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(status)
	})
}
