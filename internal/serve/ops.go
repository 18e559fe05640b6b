package serve

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"slices"

	"github.com/gftdcojp/hetfs-tiering/internal/extent"
	"github.com/gftdcojp/hetfs-tiering/internal/mover"
	"github.com/gftdcojp/hetfs-tiering/internal/registry"
	"github.com/gftdcojp/hetfs-tiering/internal/stats"
	"github.com/gftdcojp/hetfs-tiering/internal/tier"
	"github.com/gftdcojp/hetfs-tiering/internal/types"
)

// Operator requests, shared by the HTTP API and the NATS responder.
type (
	FilesRequest struct {
		Detail bool `json:"detail,omitempty"`
	}

	FileRequest struct {
		File string `json:"file"`
	}

	RegionRequest struct {
		Match string `json:"match"`
	}

	// MediaQueryRequest lists the extents of one placement map that
	// intersect [Start, End). Stream "write" (default) is the byte map,
	// "read" the block map.
	MediaQueryRequest struct {
		File   string `json:"file"`
		Stream string `json:"stream,omitempty"`
		Start  uint64 `json:"start"`
		End    uint64 `json:"end"`
	}

	// MediumRequest looks up the read placement of individual blocks.
	MediumRequest struct {
		File   string   `json:"file"`
		Blocks []uint64 `json:"blocks"`
	}

	// AnalyzeRequest runs the policy on File, or on every file when File is
	// empty. A nil Percentile uses the configured default.
	AnalyzeRequest struct {
		File       string `json:"file,omitempty"`
		Percentile *int   `json:"percentile,omitempty"`
	}

	// ChangeMediumRequest places the inclusive block range [Start, End].
	ChangeMediumRequest struct {
		File   string       `json:"file"`
		Start  uint64       `json:"start"`
		End    uint64       `json:"end"`
		Medium types.Medium `json:"medium"`
	}

	// ResetRequest clears access tables of File, or of every file when
	// File is empty.
	ResetRequest struct {
		File  string         `json:"file,omitempty"`
		Scope registry.Scope `json:"scope,omitempty"`
	}

	// JournalRequest lists up to Limit queued relocations; zero lists all.
	JournalRequest struct {
		Limit int `json:"limit,omitempty"`
	}

	AckRequest struct {
		Seqs []uint64 `json:"seqs"`
	}
)

// Outbox is the queue of relocation requests kept for an external mover.
type Outbox interface {
	Pending(limit int) ([]mover.JournalEntry, error)
	Ack(seq uint64) error
}

type AnalyzeResponse struct {
	Percentile int                       `json:"percentile"`
	Requests   []types.RelocationRequest `json:"requests"`
	Error      string                    `json:"error,omitempty"`
}

type IngestResponse struct {
	Accepted int      `json:"accepted"`
	Errors   []string `json:"errors,omitempty"`
}

// service executes typed operator operations against the controller.
type service struct {
	ctrl   *tier.Controller
	outbox Outbox
}

func (s *service) status() map[string]any {
	return map[string]any{
		"status":     "ok",
		"files":      s.ctrl.Registry().Len(),
		"percentile": s.ctrl.DefaultPercentile(),
	}
}

func (s *service) files(req FilesRequest) any {
	entries := s.ctrl.Registry().Entries()
	if req.Detail {
		out := make([]FileReport, 0, len(entries))
		for _, e := range entries {
			out = append(out, fileReport(e, false))
		}
		return out
	}
	out := make([]FileSummary, 0, len(entries))
	for _, e := range entries {
		out = append(out, summarize(e))
	}
	return out
}

func (s *service) lookup(file string) (*registry.FileEntry, error) {
	if file == "" {
		return nil, badRequest("file is required")
	}
	e, ok := s.ctrl.Registry().Lookup(file)
	if !ok {
		return nil, fmt.Errorf("%w: %s", tier.ErrFileNotFound, file)
	}
	return e, nil
}

func (s *service) file(req FileRequest) (FileReport, error) {
	e, err := s.lookup(req.File)
	if err != nil {
		return FileReport{}, err
	}
	return fileReport(e, true), nil
}

func (s *service) region(req RegionRequest) ([]FileReport, error) {
	if req.Match == "" {
		return nil, badRequest("match is required")
	}
	matched := s.ctrl.Registry().Match(req.Match)
	out := make([]FileReport, 0, len(matched))
	for _, e := range matched {
		out = append(out, fileReport(e, true))
	}
	return out, nil
}

func (s *service) media(req FileRequest) (MediaReport, error) {
	e, err := s.lookup(req.File)
	if err != nil {
		return MediaReport{}, err
	}
	return mediaReport(e), nil
}

func (s *service) mediaQuery(req MediaQueryRequest) (MediaQueryResult, error) {
	e, err := s.lookup(req.File)
	if err != nil {
		return MediaQueryResult{}, err
	}
	if req.End <= req.Start {
		return MediaQueryResult{}, fmt.Errorf("%w: [%d,%d)", extent.ErrInvalidRange, req.Start, req.End)
	}
	res := MediaQueryResult{File: e.Identity, Stream: req.Stream, Start: req.Start, End: req.End}
	switch req.Stream {
	case "", streamWrite:
		if req.End > math.MaxInt64 {
			return MediaQueryResult{}, badRequest("byte range exceeds int64")
		}
		res.Stream = streamWrite
		res.Write = e.WritePlacement.Query(int64(req.Start), int64(req.End))
		res.Count = len(res.Write)
	case streamRead:
		res.Read = e.ReadPlacement.Query(req.Start, req.End)
		res.Count = len(res.Read)
	default:
		return MediaQueryResult{}, badRequest(fmt.Sprintf("unknown stream %q", req.Stream))
	}
	return res, nil
}

// medium resolves blocks in ascending order so each lookup resumes where
// the previous one stopped.
func (s *service) medium(req MediumRequest) (MediumReport, error) {
	e, err := s.lookup(req.File)
	if err != nil {
		return MediumReport{}, err
	}
	if len(req.Blocks) == 0 {
		return MediumReport{}, badRequest("block is required")
	}
	blocks := slices.Clone(req.Blocks)
	slices.Sort(blocks)
	blocks = slices.Compact(blocks)

	rep := MediumReport{File: e.Identity, Blocks: make([]BlockMedium, 0, len(blocks))}
	for i, b := range blocks {
		rep.Blocks = append(rep.Blocks, BlockMedium{
			Block:  b,
			Medium: e.ReadPlacement.PointMedium(b, i > 0),
			Reads:  e.Read.Count(b),
		})
	}
	return rep, nil
}

func (s *service) analyze(ctx context.Context, req AnalyzeRequest) (AnalyzeResponse, error) {
	p := s.ctrl.DefaultPercentile()
	if req.Percentile != nil {
		p = *req.Percentile
	}
	resp := AnalyzeResponse{Percentile: p}

	var err error
	if req.File != "" {
		resp.Requests, err = s.ctrl.Analyze(ctx, req.File, p)
	} else {
		resp.Requests, err = s.ctrl.AnalyzeAll(ctx, p)
	}
	if resp.Requests == nil {
		resp.Requests = []types.RelocationRequest{}
	}
	if err != nil {
		resp.Error = err.Error()
	}
	return resp, err
}

func (s *service) changeMedium(ctx context.Context, req ChangeMediumRequest) (types.RelocationRequest, error) {
	if req.File == "" {
		return types.RelocationRequest{}, badRequest("file is required")
	}
	return s.ctrl.ChangeMedium(ctx, req.File, req.Start, req.End, req.Medium)
}

func (s *service) reset(req ResetRequest) (map[string]any, error) {
	scope, err := registry.ParseScope(string(req.Scope))
	if err != nil {
		return nil, badRequest(err.Error())
	}
	if req.File == "" {
		s.ctrl.ResetAll(scope)
		return map[string]any{"status": "reset", "scope": scope, "files": s.ctrl.Registry().Len()}, nil
	}
	if err := s.ctrl.Reset(req.File, scope); err != nil {
		return nil, err
	}
	return map[string]any{"status": "reset", "scope": scope, "file": req.File}, nil
}

func (s *service) forget(req FileRequest) (map[string]any, error) {
	if req.File == "" {
		return nil, badRequest("file is required")
	}
	if err := s.ctrl.Forget(req.File); err != nil {
		return nil, err
	}
	return map[string]any{"status": "forgotten", "file": req.File}, nil
}

func (s *service) journal(req JournalRequest) ([]mover.JournalEntry, error) {
	if s.outbox == nil {
		return nil, errNoJournal
	}
	if req.Limit < 0 {
		return nil, badRequest("limit must be >= 0")
	}
	entries, err := s.outbox.Pending(req.Limit)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []mover.JournalEntry{}
	}
	return entries, nil
}

func (s *service) ack(req AckRequest) (map[string]any, error) {
	if s.outbox == nil {
		return nil, errNoJournal
	}
	if len(req.Seqs) == 0 {
		return nil, badRequest("seq is required")
	}
	for _, seq := range req.Seqs {
		if err := s.outbox.Ack(seq); err != nil {
			return nil, err
		}
	}
	return map[string]any{"status": "acked", "seqs": req.Seqs}, nil
}

func (s *service) ingestAccess(events []types.AccessEvent) IngestResponse {
	var resp IngestResponse
	for _, ev := range events {
		if err := s.ctrl.RecordAccess(ev); err != nil {
			resp.Errors = append(resp.Errors, err.Error())
			continue
		}
		resp.Accepted++
	}
	return resp
}

func (s *service) ingestPlacement(events []types.PlacementEvent) IngestResponse {
	var resp IngestResponse
	for _, ev := range events {
		if _, err := s.ctrl.RecordWrite(ev); err != nil {
			resp.Errors = append(resp.Errors, err.Error())
			continue
		}
		resp.Accepted++
	}
	return resp
}

var (
	// errBadRequest marks malformed operator input.
	errBadRequest = errors.New("bad request")

	errNoJournal = errors.New("no journal mover configured")
)

func badRequest(msg string) error {
	return fmt.Errorf("%w: %s", errBadRequest, msg)
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, tier.ErrInvalidPercentile),
		errors.Is(err, tier.ErrInvalidMedium),
		errors.Is(err, stats.ErrInvalidBlock),
		errors.Is(err, extent.ErrInvalidRange):
		return http.StatusBadRequest
	case errors.Is(err, tier.ErrFileNotFound):
		return http.StatusNotFound
	case errors.Is(err, errNoJournal):
		return http.StatusNotImplemented
	case errors.Is(err, extent.ErrExtentLimit),
		errors.Is(err, stats.ErrTableFull):
		return http.StatusInsufficientStorage
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func errorLabel(err error) string {
	if err == nil {
		return "ok"
	}
	switch errorStatus(err) {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	}
	return "error"
}
