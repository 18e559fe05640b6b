package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func TestMetricsServer_MetricsEndpoint(t *testing.T) {
	// Vec metrics only show up after WithLabelValues() is called.
	AccessRecorded.WithLabelValues("read").Add(0)
	AccessRejected.WithLabelValues("read").Add(0)
	RegistryFiles.Set(0)
	PlacementAssigns.WithLabelValues("read", "fast").Add(0)
	PlacementErrors.WithLabelValues("write", "limit").Add(0)
	PolicyRuns.WithLabelValues("operator").Add(0)
	PolicyDuration.WithLabelValues("operator").Observe(0)
	HotRuns.Add(0)
	HotBlocks.Add(0)
	RelocationRequests.WithLabelValues("log", "ok").Add(0)
	APIRequests.WithLabelValues("http", "analyze", "ok").Add(0)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	body := w.Body.String()
	expectedMetrics := []string{
		"hetfs_access_recorded_total",
		"hetfs_access_rejected_total",
		"hetfs_registry_files",
		"hetfs_placement_assigns_total",
		"hetfs_placement_errors_total",
		"hetfs_policy_runs_total",
		"hetfs_policy_duration_seconds",
		"hetfs_hot_runs_total",
		"hetfs_hot_blocks_total",
		"hetfs_relocation_requests_total",
		"hetfs_api_requests_total",
	}

	for _, name := range expectedMetrics {
		if !strings.Contains(body, name) {
			t.Errorf("expected /metrics to contain %q", name)
		}
	}

	ct := w.Header().Get("Content-Type")
	if !strings.Contains(ct, "text/plain") && !strings.Contains(ct, "text/openmetrics") {
		t.Errorf("expected text/plain or openmetrics content type, got %s", ct)
	}
}
