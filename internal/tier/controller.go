package tier

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gftdcojp/hetfs-tiering/internal/config"
	"github.com/gftdcojp/hetfs-tiering/internal/extent"
	"github.com/gftdcojp/hetfs-tiering/internal/metrics"
	"github.com/gftdcojp/hetfs-tiering/internal/registry"
	"github.com/gftdcojp/hetfs-tiering/internal/stats"
	"github.com/gftdcojp/hetfs-tiering/internal/types"
	"go.uber.org/zap"
)

const (
	triggerOperator = "operator"
	triggerSchedule = "schedule"
)

// ControllerConfig holds dependencies for the tier controller.
type ControllerConfig struct {
	Registry         *registry.Registry
	Mover            Mover
	Policy           config.PolicyConfig
	DefaultBlockSize uint32
	Logger           *zap.Logger

	// DebugValidate checks the placement map invariants after every
	// assignment.
	DebugValidate bool
}

// Controller connects the I/O reporters, the operator surface and the data
// mover to the per-file tracking state.
type Controller struct {
	reg        *registry.Registry
	mover      Mover
	policy     *Policy
	percentile int
	logger     *zap.Logger
	validate   bool
}

// NewController creates a new tier controller.
func NewController(cfg ControllerConfig) *Controller {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		reg:        cfg.Registry,
		mover:      cfg.Mover,
		policy:     NewPolicy(cfg.Policy, cfg.DefaultBlockSize),
		percentile: cfg.Policy.Percentile,
		logger:     logger,
		validate:   cfg.DebugValidate,
	}
}

// Registry exposes the tracked files to the reporting layer.
func (c *Controller) Registry() *registry.Registry { return c.reg }

// DefaultPercentile is the percentile used when an operator names none.
func (c *Controller) DefaultPercentile() int { return c.percentile }

// RecordAccess counts one block access and refreshes the file's metadata.
func (c *Controller) RecordAccess(ev types.AccessEvent) error {
	if ev.File == "" {
		return fmt.Errorf("access event without file")
	}
	entry, created := c.reg.GetOrCreate(ev.File)
	if created {
		metrics.RegistryFiles.Set(float64(c.reg.Len()))
		c.logger.Debug("tracking file", zap.String("file", ev.File))
	}
	entry.SetMeta(ev.Size, ev.BlockSize)

	tbl := entry.Table(ev.Op)
	if tbl == nil {
		return fmt.Errorf("unknown op kind %d", ev.Op)
	}
	if err := tbl.Record(ev.Block); err != nil {
		if errors.Is(err, stats.ErrTableFull) || errors.Is(err, stats.ErrInvalidBlock) {
			metrics.AccessRejected.WithLabelValues(ev.Op.String()).Inc()
		}
		return fmt.Errorf("recording %s access to %s block %d: %w", ev.Op, ev.File, ev.Block, err)
	}
	metrics.AccessRecorded.WithLabelValues(ev.Op.String()).Inc()
	return nil
}

// RecordWrite marks a byte range of a file as written on ev.Medium.
func (c *Controller) RecordWrite(ev types.PlacementEvent) (extent.Extent[int64], error) {
	if ev.File == "" {
		return extent.Extent[int64]{}, fmt.Errorf("placement event without file")
	}
	entry, created := c.reg.GetOrCreate(ev.File)
	if created {
		metrics.RegistryFiles.Set(float64(c.reg.Len()))
	}
	ext, err := entry.WritePlacement.Assign(ev.Offset, ev.Length, ev.Medium)
	if err != nil {
		metrics.PlacementErrors.WithLabelValues("write", errorType(err)).Inc()
		return ext, fmt.Errorf("placing %s [%d,+%d): %w", ev.File, ev.Offset, ev.Length, err)
	}
	metrics.PlacementAssigns.WithLabelValues("write", ev.Medium.String()).Inc()
	return ext, c.checkPlacement(ev.File, "write", entry.WritePlacement)
}

// Analyze runs the policy on one file and hands the resulting requests to
// the mover.
func (c *Controller) Analyze(ctx context.Context, identity string, percentile int) ([]types.RelocationRequest, error) {
	entry, ok := c.reg.Lookup(identity)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrFileNotFound, identity)
	}
	return c.analyze(ctx, entry, percentile, triggerOperator)
}

// AnalyzeAll runs the policy on every tracked file in identity order. A
// failing file is logged and skipped; the joined errors are returned with
// every request produced.
func (c *Controller) AnalyzeAll(ctx context.Context, percentile int) ([]types.RelocationRequest, error) {
	return c.analyzeAll(ctx, percentile, triggerOperator)
}

func (c *Controller) analyzeAll(ctx context.Context, percentile int, trigger string) ([]types.RelocationRequest, error) {
	if percentile < 0 || percentile > 100 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPercentile, percentile)
	}
	var (
		all  []types.RelocationRequest
		errs []error
	)
	c.reg.ForEach(func(entry *registry.FileEntry) bool {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			return false
		}
		reqs, err := c.analyze(ctx, entry, percentile, trigger)
		all = append(all, reqs...)
		if err != nil {
			errs = append(errs, err)
		}
		return true
	})
	return all, errors.Join(errs...)
}

func (c *Controller) analyze(ctx context.Context, entry *registry.FileEntry, percentile int, trigger string) ([]types.RelocationRequest, error) {
	start := time.Now()
	reqs, err := c.policy.Run(entry, percentile)
	if verr := c.checkPlacement(entry.Identity, "read", entry.ReadPlacement); verr != nil {
		err = errors.Join(err, verr)
	}
	metrics.PolicyRuns.WithLabelValues(trigger).Inc()
	metrics.PolicyDuration.WithLabelValues(trigger).Observe(time.Since(start).Seconds())

	if err != nil {
		if !errors.Is(err, ErrInvalidPercentile) {
			metrics.PlacementErrors.WithLabelValues("read", errorType(err)).Inc()
		}
		c.logger.Error("policy run failed",
			zap.String("file", entry.Identity),
			zap.Int("requests", len(reqs)),
			zap.Error(err),
		)
	}

	for _, req := range reqs {
		metrics.HotRuns.Inc()
		metrics.HotBlocks.Add(float64(req.Blocks()))
		metrics.PlacementAssigns.WithLabelValues("read", req.Target.String()).Inc()
	}
	if len(reqs) > 0 {
		c.logger.Info("hot runs promoted",
			zap.String("file", entry.Identity),
			zap.Int("runs", len(reqs)),
			zap.Int("percentile", percentile),
			zap.String("trigger", trigger),
		)
	}

	if derr := c.dispatch(ctx, reqs); derr != nil {
		err = errors.Join(err, derr)
	}
	return reqs, err
}

// ChangeMedium places the inclusive block range [first, last] of a file on
// medium and issues one relocation request for it.
func (c *Controller) ChangeMedium(ctx context.Context, identity string, first, last uint64, medium types.Medium) (types.RelocationRequest, error) {
	if last < first || last > stats.MaxBlockID {
		return types.RelocationRequest{}, fmt.Errorf("%w: blocks %d-%d", extent.ErrInvalidRange, first, last)
	}
	if medium != types.MediumFast && medium != types.MediumSlow {
		return types.RelocationRequest{}, fmt.Errorf("%w: %s", ErrInvalidMedium, medium)
	}
	entry, ok := c.reg.Lookup(identity)
	if !ok {
		return types.RelocationRequest{}, fmt.Errorf("%w: %s", ErrFileNotFound, identity)
	}

	if _, err := entry.ReadPlacement.Assign(first, last-first+1, medium); err != nil {
		metrics.PlacementErrors.WithLabelValues("read", errorType(err)).Inc()
		return types.RelocationRequest{}, fmt.Errorf("placing %s blocks %d-%d: %w", identity, first, last, err)
	}
	metrics.PlacementAssigns.WithLabelValues("read", medium.String()).Inc()
	if err := c.checkPlacement(identity, "read", entry.ReadPlacement); err != nil {
		return types.RelocationRequest{}, err
	}

	blockSize := entry.BlockSize()
	if blockSize == 0 {
		blockSize = c.policy.defaultBlockSize
	}
	req := types.RelocationRequest{
		File:       identity,
		FirstBlock: first,
		LastBlock:  last,
		BlockSize:  blockSize,
		Target:     medium,
	}
	c.logger.Info("medium changed by operator",
		zap.String("file", identity),
		zap.Uint64("first_block", first),
		zap.Uint64("last_block", last),
		zap.String("medium", medium.String()),
	)
	return req, c.dispatch(ctx, []types.RelocationRequest{req})
}

// Reset clears access tables of one file.
func (c *Controller) Reset(identity string, scope registry.Scope) error {
	if !c.reg.Reset(identity, scope) {
		return fmt.Errorf("%w: %s", ErrFileNotFound, identity)
	}
	c.logger.Info("access tables reset", zap.String("file", identity), zap.String("scope", string(scope)))
	return nil
}

// ResetAll clears access tables of every file.
func (c *Controller) ResetAll(scope registry.Scope) {
	c.reg.ResetEvery(scope)
	c.logger.Info("access tables reset", zap.String("scope", string(scope)), zap.Int("files", c.reg.Len()))
}

// Forget stops tracking a file.
func (c *Controller) Forget(identity string) error {
	if !c.reg.Remove(identity) {
		return fmt.Errorf("%w: %s", ErrFileNotFound, identity)
	}
	metrics.RegistryFiles.Set(float64(c.reg.Len()))
	return nil
}

// RunAnalyzeLoop periodically runs the policy over every tracked file.
func (c *Controller) RunAnalyzeLoop(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			reqs, err := c.analyzeAll(ctx, c.percentile, triggerSchedule)
			if err != nil && ctx.Err() == nil {
				c.logger.Error("analyze cycle error", zap.Error(err))
			}
			c.logger.Debug("analyze cycle done",
				zap.Int("files", c.reg.Len()),
				zap.Int("requests", len(reqs)),
			)
		}
	}
}

// dispatch hands each request to the mover once. Failures are logged and
// joined; nothing is retried.
func (c *Controller) dispatch(ctx context.Context, reqs []types.RelocationRequest) error {
	if c.mover == nil {
		return nil
	}
	var errs []error
	for _, req := range reqs {
		if err := c.mover.Relocate(ctx, req); err != nil {
			c.logger.Warn("relocation request not delivered",
				zap.String("file", req.File),
				zap.Uint64("first_block", req.FirstBlock),
				zap.Uint64("last_block", req.LastBlock),
				zap.Error(err),
			)
			errs = append(errs, fmt.Errorf("relocating %s blocks %d-%d: %w", req.File, req.FirstBlock, req.LastBlock, err))
		}
	}
	return errors.Join(errs...)
}

type validator interface {
	Validate() error
}

// checkPlacement runs m's invariant check when DebugValidate is set.
func (c *Controller) checkPlacement(identity, stream string, m validator) error {
	if !c.validate {
		return nil
	}
	if err := m.Validate(); err != nil {
		metrics.PlacementErrors.WithLabelValues(stream, "invariant").Inc()
		c.logger.Error("placement invariant violated",
			zap.String("file", identity),
			zap.String("map", stream),
			zap.Error(err),
		)
		return fmt.Errorf("%s placement of %s: %w", stream, identity, err)
	}
	return nil
}

func errorType(err error) string {
	switch {
	case errors.Is(err, extent.ErrExtentLimit):
		return "limit"
	case errors.Is(err, extent.ErrInvalidRange):
		return "invalid_range"
	}
	return "other"
}
