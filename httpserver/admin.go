package httpserver

import (
	"net/http"

	json "github.com/goccy/go-json"

	"github.com/kroma-labs/servekit/health"
)

// Health endpoint paths on the metrics/health listener.
const (
	MetricsPath     = "/metrics"
	LivenessPath    = "/health/live"
	ReadinessPath   = "/health/ready"
	statusOK        = "ok"
	statusUnhealthy = "unavailable"
)

// HealthStatus is the body of the health endpoints.
type HealthStatus struct {
	Status string `json:"status"`
}

// LiveHandler answers 200 while state is live and 503 otherwise.
//
// Example:
//
//	mux.Handle("GET /health/live", httpserver.LiveHandler(state))
func LiveHandler(state *health.State) http.Handler {
	return signalHandler(state.Live)
}

// ReadyHandler answers 200 while state is ready and 503 otherwise.
func ReadyHandler(state *health.State) http.Handler {
	return signalHandler(state.Ready)
}

func signalHandler(up func() bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		if up() {
			writeStatus(w, http.StatusOK, statusOK)
			return
		}
		writeStatus(w, http.StatusServiceUnavailable, statusUnhealthy)
	})
}

func writeStatus(w http.ResponseWriter, code int, status string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(HealthStatus{Status: status})
}

// newAdminHandler builds the router of the metrics/health listener. It runs
// outside the request pipeline.
func newAdminHandler(state *health.State, metrics http.Handler, pprof *PprofConfig) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET "+MetricsPath, metrics)
	mux.Handle("GET "+LivenessPath, LiveHandler(state))
	mux.Handle("GET "+ReadinessPath, ReadyHandler(state))
	if pprof != nil {
		RegisterPprof(mux, *pprof)
	}
	return mux
}
