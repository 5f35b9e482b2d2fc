// Package ops exposes the operational HTTP surface: service health, a
// telemetry snapshot and the Prometheus scrape endpoint.
package ops

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/timekeeperhq/trackstore/internal/app"
)

// NewRouter builds the ops router over an assembled app.
func NewRouter(a *app.App) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/v0/health", checkHealth(a)).Methods(http.MethodGet)
	r.HandleFunc("/v0/metrics", snapshotMetrics(a)).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	return r
}

// checkHealth handles GET /v0/health.
// Always returns 200; the body reports healthy/unhealthy. 500 indicates
// handler failure only.
func checkHealth(a *app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := "unhealthy"
		if a.Health.IsHealthy() {
			status = "healthy"
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":    status,
			"timestamp": time.Now().Format(time.RFC3339),
		})
	}
}

// snapshotMetrics handles GET /v0/metrics with a JSON telemetry snapshot.
// The Prometheus scrape format lives at /metrics.
func snapshotMetrics(a *app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, a.Store.Metrics(r.Context()))
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
