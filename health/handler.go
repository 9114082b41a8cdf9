package health

import (
	"encoding/json"
	"net/http"
)

// Handler serves the monitor's aggregate as JSON. Unhealthy systems answer 503 so
// load balancers and orchestrators can act on the status code alone.
func Handler(m *Monitor, systemName string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		status := m.AggregateHealth(systemName)

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
