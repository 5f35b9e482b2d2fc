package ops

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/timekeeperhq/trackstore/internal/app"
	"github.com/timekeeperhq/trackstore/internal/config"
	"github.com/timekeeperhq/trackstore/internal/kv/kvtest"
)

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()
	cfg := config.NewForTesting()
	a, err := app.New(cfg, zerolog.Nop(), app.WithDialer(kvtest.New().Dialer()))
	if err != nil {
		t.Fatalf("app.New: %v", err)
	}
	t.Cleanup(func() { _ = a.Close(context.Background()) })

	// Give the background probes a moment so health reflects reality.
	deadline := time.Now().Add(3 * time.Second)
	for !a.Health.IsHealthy() && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	return NewRouter(a)
}

func TestHealthEndpoint(t *testing.T) {
	t.Parallel()
	router := newTestRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v0/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d", rec.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "healthy" {
		t.Fatalf("status field: %v", body)
	}
	if _, ok := body["timestamp"]; !ok {
		t.Fatalf("missing timestamp: %v", body)
	}
}

func TestMetricsSnapshotEndpoint(t *testing.T) {
	t.Parallel()
	router := newTestRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v0/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d", rec.Code)
	}
	var body struct {
		Pool struct {
			Size int `json:"Size"`
		} `json:"pool"`
		Caches []json.RawMessage `json:"caches"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Pool.Size == 0 || len(body.Caches) == 0 {
		t.Fatalf("snapshot incomplete: %s", rec.Body.String())
	}
}

func TestPrometheusEndpoint(t *testing.T) {
	t.Parallel()
	router := newTestRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d", rec.Code)
	}
	if rec.Body.Len() == 0 {
		t.Fatal("empty scrape body")
	}
}

func TestUnknownMethodRejected(t *testing.T) {
	t.Parallel()
	router := newTestRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v0/health", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status: %d", rec.Code)
	}
}
