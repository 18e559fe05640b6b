package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/gftdcojp/hetfs-tiering/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Access recording
	AccessRecorded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hetfs_access_recorded_total",
		Help: "Block accesses recorded, by operation kind",
	}, []string{"op"})

	AccessRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hetfs_access_rejected_total",
		Help: "Block accesses dropped because the access table was full",
	}, []string{"op"})

	RegistryFiles = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hetfs_registry_files",
		Help: "Number of files tracked in the registry",
	})

	// Placement maps
	PlacementAssigns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hetfs_placement_assigns_total",
		Help: "Placement map assignments, by map and medium",
	}, []string{"map", "medium"})

	PlacementErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hetfs_placement_errors_total",
		Help: "Failed placement map assignments",
	}, []string{"map", "error_type"})

	// Policy
	PolicyRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hetfs_policy_runs_total",
		Help: "Hot-run extraction passes, by trigger",
	}, []string{"trigger"})

	PolicyDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "hetfs_policy_duration_seconds",
		Help:    "Time for one analysis pass over one file",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
	}, []string{"trigger"})

	HotRuns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hetfs_hot_runs_total",
		Help: "Hot block runs promoted to the fast medium",
	})

	HotBlocks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hetfs_hot_blocks_total",
		Help: "Blocks covered by promoted hot runs",
	})

	// Movers
	RelocationRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hetfs_relocation_requests_total",
		Help: "Relocation requests handed to movers",
	}, []string{"mover", "status"})

	// Durable ingest
	IngestMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hetfs_ingest_messages_total",
		Help: "JetStream event messages consumed, by kind and outcome",
	}, []string{"kind", "status"})

	IngestFetchErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hetfs_ingest_fetch_errors_total",
		Help: "Failed JetStream fetches",
	})

	JournalPending = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hetfs_journal_pending",
		Help: "Relocation requests queued in the journal and not yet acknowledged",
	})

	// Control surface
	APIRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hetfs_api_requests_total",
		Help: "Operator requests, by transport, operation and status",
	}, []string{"transport", "op", "status"})
)

// RunServer starts the Prometheus metrics HTTP server.
func RunServer(ctx context.Context, cfg config.MetricsConfig) error {
	mux := http.NewServeMux()
	path := cfg.Path
	if path == "" {
		path = "/metrics"
	}
	mux.Handle(path, promhttp.Handler())

	srv := &http.Server{
		Addr:    cfg.Listen,
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
