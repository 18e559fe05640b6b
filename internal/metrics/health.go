package metrics

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/gftdcojp/hetfs-tiering/internal/config"
	"github.com/nats-io/nats.go"
)

// HealthStatus is the body of both health endpoints.
type HealthStatus struct {
	OK           bool    `json:"ok"`
	Uptime       string  `json:"uptime,omitempty"`
	TrackedFiles int     `json:"tracked_files"`
	Checks       []Check `json:"checks,omitempty"`
}

// Check is the result of one readiness probe.
type Check struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Pinger is a dependency that can report whether it is usable.
type Pinger interface {
	Ping() error
}

// Tracker reports how many files are tracked.
type Tracker interface {
	Len() int
}

// HealthChecker answers liveness and readiness probes for the daemon.
type HealthChecker struct {
	nc      *nats.Conn
	tracker Tracker
	deps    map[string]Pinger
	started time.Time
}

// NewHealthChecker creates a health checker. nc and tracker may be nil; deps
// are probed in name order on readiness.
func NewHealthChecker(nc *nats.Conn, tracker Tracker, deps map[string]Pinger) *HealthChecker {
	return &HealthChecker{nc: nc, tracker: tracker, deps: deps, started: time.Now()}
}

func (h *HealthChecker) base() HealthStatus {
	st := HealthStatus{OK: true, Uptime: time.Since(h.started).Truncate(time.Second).String()}
	if h.tracker != nil {
		st.TrackedFiles = h.tracker.Len()
	}
	return st
}

// Liveness always succeeds while the process runs.
func (h *HealthChecker) Liveness() HealthStatus {
	return h.base()
}

// Readiness fails when NATS is disconnected or any dependency fails its ping.
func (h *HealthChecker) Readiness() HealthStatus {
	st := h.base()
	add := func(name string, err error, okStatus string) {
		c := Check{Name: name, Status: okStatus}
		if err != nil {
			st.OK = false
			c.Status, c.Error = "error", err.Error()
		}
		st.Checks = append(st.Checks, c)
	}

	if h.nc != nil {
		if h.nc.IsConnected() {
			add("nats", nil, "connected")
		} else {
			st.OK = false
			st.Checks = append(st.Checks, Check{Name: "nats", Status: "disconnected"})
		}
	}

	names := make([]string, 0, len(h.deps))
	for name, dep := range h.deps {
		if dep != nil {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		add(name, h.deps[name].Ping(), "ok")
	}
	return st
}

func writeStatus(w http.ResponseWriter, st HealthStatus) {
	code := http.StatusOK
	if !st.OK {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(st)
}

// Handler serves the liveness and readiness endpoints.
func (h *HealthChecker) Handler(cfg config.HealthConfig) http.Handler {
	live, ready := cfg.LivenessPath, cfg.ReadinessPath
	if live == "" {
		live = "/healthz"
	}
	if ready == "" {
		ready = "/readyz"
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET "+live, func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, h.Liveness())
	})
	mux.HandleFunc("GET "+ready, func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, h.Readiness())
	})
	return mux
}

// RunHealthServer serves health probes until ctx is cancelled.
func RunHealthServer(ctx context.Context, cfg config.HealthConfig, checker *HealthChecker) error {
	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           checker.Handler(cfg),
		ReadHeaderTimeout: 5 * time.Second,
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
