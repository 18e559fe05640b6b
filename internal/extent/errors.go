package extent

import "errors"

var (
	// ErrInvalidRange is returned for empty, negative or overflowing ranges.
	ErrInvalidRange = errors.New("invalid extent range")

	// ErrExtentLimit is returned when an assignment would need more extents
	// than the map may hold. The map is unchanged.
	ErrExtentLimit = errors.New("extent limit reached")

	// ErrInvariantViolation reports a corrupted extent list. It is never
	// expected at runtime; Validate is the only producer.
	ErrInvariantViolation = errors.New("extent invariant violated")
)
