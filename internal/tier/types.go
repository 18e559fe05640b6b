package tier

import (
	"context"
	"errors"

	"github.com/gftdcojp/hetfs-tiering/internal/types"
)

var (
	// ErrInvalidPercentile is returned for a percentile outside 0..100.
	ErrInvalidPercentile = errors.New("percentile must be between 0 and 100")

	// ErrInvalidMedium is returned when a relocation names no real medium.
	ErrInvalidMedium = errors.New("invalid target medium")

	// ErrFileNotFound is returned by operator calls naming an untracked file.
	ErrFileNotFound = errors.New("file not tracked")
)

// Mover receives relocation requests. Requests are advisory and are never
// retried by the caller.
type Mover interface {
	Relocate(ctx context.Context, req types.RelocationRequest) error
}
