package serve

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gftdcojp/hetfs-tiering/internal/config"
	"github.com/gftdcojp/hetfs-tiering/internal/metrics"
	"github.com/gftdcojp/hetfs-tiering/internal/registry"
	"github.com/gftdcojp/hetfs-tiering/internal/tier"
	"github.com/gftdcojp/hetfs-tiering/internal/types"
	"go.uber.org/zap"
)

// maxIngestBody bounds one access or placement batch.
const maxIngestBody = 8 << 20

type handler struct {
	svc    *service
	logger *zap.Logger
}

// NewHandler returns the HTTP API for ctrl.
// outbox may be nil when no journal mover is configured.
func NewHandler(ctrl *tier.Controller, outbox Outbox, logger *zap.Logger) http.Handler {
	h := &handler{svc: &service{ctrl: ctrl, outbox: outbox}, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/status", h.handleStatus)
	mux.HandleFunc("GET /v1/files", h.handleFiles)
	mux.HandleFunc("GET /v1/file", h.handleFile)
	mux.HandleFunc("DELETE /v1/file", h.handleForget)
	mux.HandleFunc("GET /v1/region", h.handleRegion)
	mux.HandleFunc("GET /v1/media", h.handleMedia)
	mux.HandleFunc("POST /v1/media", h.handleChangeMedium)
	mux.HandleFunc("GET /v1/medium", h.handleMedium)
	mux.HandleFunc("POST /v1/analyze", h.handleAnalyze)
	mux.HandleFunc("POST /v1/reset", h.handleReset)
	mux.HandleFunc("GET /v1/journal", h.handleJournal)
	mux.HandleFunc("POST /v1/journal/ack", h.handleJournalAck)

	// I/O path ingest
	mux.HandleFunc("POST /v1/access", h.handleAccess)
	mux.HandleFunc("POST /v1/placement", h.handlePlacement)
	return mux
}

// RunHTTP starts the HTTP API server.
func RunHTTP(ctx context.Context, cfg config.APIConfig, ctrl *tier.Controller, outbox Outbox, logger *zap.Logger) error {
	srv := &http.Server{
		Addr:    cfg.Listen,
		Handler: NewHandler(ctrl, outbox, logger),
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("HTTP API listening", zap.String("addr", cfg.Listen))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (h *handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.status())
}

func (h *handler) handleFiles(w http.ResponseWriter, r *http.Request) {
	detail, _ := strconv.ParseBool(r.URL.Query().Get("detail"))
	h.respond(w, "files", h.svc.files(FilesRequest{Detail: detail}), nil)
}

func (h *handler) handleFile(w http.ResponseWriter, r *http.Request) {
	rep, err := h.svc.file(FileRequest{File: r.URL.Query().Get("name")})
	h.respond(w, "file", rep, err)
}

func (h *handler) handleForget(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.forget(FileRequest{File: r.URL.Query().Get("name")})
	h.respond(w, "forget", res, err)
}

func (h *handler) handleRegion(w http.ResponseWriter, r *http.Request) {
	rep, err := h.svc.region(RegionRequest{Match: r.URL.Query().Get("match")})
	h.respond(w, "region", rep, err)
}

// handleMedia returns both placement maps, or with start and end only the
// extents of one map intersecting [start, end).
func (h *handler) handleMedia(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if !q.Has("start") && !q.Has("end") {
		rep, err := h.svc.media(FileRequest{File: q.Get("name")})
		h.respond(w, "media", rep, err)
		return
	}
	start, err1 := strconv.ParseUint(q.Get("start"), 10, 64)
	end, err2 := strconv.ParseUint(q.Get("end"), 10, 64)
	if err1 != nil || err2 != nil {
		h.respond(w, "media_query", nil, badRequest("start and end must be unsigned integers"))
		return
	}
	res, err := h.svc.mediaQuery(MediaQueryRequest{File: q.Get("name"), Stream: q.Get("stream"), Start: start, End: end})
	h.respond(w, "media_query", res, err)
}

func (h *handler) handleMedium(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := MediumRequest{File: q.Get("name")}
	for _, s := range q["block"] {
		b, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			h.respond(w, "medium", nil, badRequest("invalid block "+s))
			return
		}
		req.Blocks = append(req.Blocks, b)
	}
	rep, err := h.svc.medium(req)
	h.respond(w, "medium", rep, err)
}

func (h *handler) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := AnalyzeRequest{File: q.Get("name")}
	if s := q.Get("percentile"); s != "" {
		p, err := strconv.Atoi(s)
		if err != nil {
			h.respond(w, "analyze", nil, badRequest("invalid percentile"))
			return
		}
		req.Percentile = &p
	}

	resp, err := h.svc.analyze(r.Context(), req)
	h.count("analyze", err)
	if err != nil {
		// Requests issued before the failure are still reported.
		writeJSON(w, errorStatus(err), resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) handleChangeMedium(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	start, err1 := strconv.ParseUint(q.Get("start"), 10, 64)
	end, err2 := strconv.ParseUint(q.Get("end"), 10, 64)
	if err1 != nil || err2 != nil {
		h.respond(w, "change_medium", nil, badRequest("start and end must be block numbers"))
		return
	}
	medium, err := types.ParseMedium(q.Get("medium"))
	if err != nil {
		h.respond(w, "change_medium", nil, badRequest(err.Error()))
		return
	}

	req, err := h.svc.changeMedium(r.Context(), ChangeMediumRequest{
		File: q.Get("name"), Start: start, End: end, Medium: medium,
	})
	h.respond(w, "change_medium", req, err)
}

func (h *handler) handleReset(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	res, err := h.svc.reset(ResetRequest{File: q.Get("name"), Scope: registry.Scope(q.Get("scope"))})
	h.respond(w, "reset", res, err)
}

func (h *handler) handleJournal(w http.ResponseWriter, r *http.Request) {
	var req JournalRequest
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			h.respond(w, "journal", nil, badRequest("invalid limit"))
			return
		}
		req.Limit = n
	}
	entries, err := h.svc.journal(req)
	h.respond(w, "journal", entries, err)
}

func (h *handler) handleJournalAck(w http.ResponseWriter, r *http.Request) {
	var req AckRequest
	for _, s := range r.URL.Query()["seq"] {
		seq, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			h.respond(w, "journal_ack", nil, badRequest("invalid seq "+s))
			return
		}
		req.Seqs = append(req.Seqs, seq)
	}
	res, err := h.svc.ack(req)
	h.respond(w, "journal_ack", res, err)
}

func (h *handler) handleAccess(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxIngestBody))
	if err != nil {
		h.respond(w, "access", nil, badRequest(err.Error()))
		return
	}
	events, err := types.DecodeBatch[types.AccessEvent](body)
	if err != nil {
		h.respond(w, "access", nil, badRequest("invalid access batch: "+err.Error()))
		return
	}
	h.respond(w, "access", h.svc.ingestAccess(events), nil)
}

func (h *handler) handlePlacement(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxIngestBody))
	if err != nil {
		h.respond(w, "placement", nil, badRequest(err.Error()))
		return
	}
	events, err := types.DecodeBatch[types.PlacementEvent](body)
	if err != nil {
		h.respond(w, "placement", nil, badRequest("invalid placement batch: "+err.Error()))
		return
	}
	h.respond(w, "placement", h.svc.ingestPlacement(events), nil)
}

func (h *handler) respond(w http.ResponseWriter, op string, v any, err error) {
	h.count(op, err)
	if err != nil {
		status := errorStatus(err)
		if status >= http.StatusInternalServerError {
			h.logger.Error("request failed", zap.String("op", op), zap.Error(err))
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (h *handler) count(op string, err error) {
	metrics.APIRequests.WithLabelValues("http", op, errorLabel(err)).Inc()
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
