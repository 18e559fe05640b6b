// Package mover delivers relocation requests to the component that copies
// data between media.
package mover

import (
	"context"
	"errors"

	"github.com/gftdcojp/hetfs-tiering/internal/metrics"
	"github.com/gftdcojp/hetfs-tiering/internal/types"
	"go.uber.org/zap"
)

// Mover is satisfied by every mover in this package.
type Mover interface {
	Relocate(ctx context.Context, req types.RelocationRequest) error
}

// LogMover only logs requests. It is the default and is useful for dry runs.
type LogMover struct {
	logger *zap.Logger
}

func NewLogMover(logger *zap.Logger) *LogMover {
	return &LogMover{logger: logger}
}

func (m *LogMover) Relocate(_ context.Context, req types.RelocationRequest) error {
	m.logger.Info("relocation requested",
		zap.String("file", req.File),
		zap.Uint64("first_block", req.FirstBlock),
		zap.Uint64("last_block", req.LastBlock),
		zap.Uint32("block_size", req.BlockSize),
		zap.String("target", req.Target.String()),
	)
	metrics.RelocationRequests.WithLabelValues("log", "ok").Inc()
	return nil
}

// Multi fans a request out to several movers. Every mover is called even if
// an earlier one fails; the failures are joined.
type Multi []Mover

func (m Multi) Relocate(ctx context.Context, req types.RelocationRequest) error {
	var errs []error
	for _, mv := range m {
		if err := mv.Relocate(ctx, req); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
