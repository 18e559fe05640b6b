package hetfs

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrBadRequest  = errors.New("hetfs: bad request")
	ErrNotFound    = errors.New("hetfs: not found")
	ErrCapacity    = errors.New("hetfs: tracking capacity exhausted")
	ErrNoJournal   = errors.New("hetfs: no journal configured")
	ErrUnavailable = errors.New("hetfs: service unavailable")
)

// RemoteError is a failure reported by the service.
type RemoteError struct {
	Op      string
	Code    int
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("hetfs: %s: %s", e.Op, e.Message)
}

// Is lets errors.Is match a RemoteError against the package sentinels.
func (e *RemoteError) Is(target error) bool {
	switch e.Code {
	case http.StatusBadRequest:
		return target == ErrBadRequest
	case http.StatusNotFound:
		return target == ErrNotFound
	case http.StatusInsufficientStorage:
		return target == ErrCapacity
	case http.StatusNotImplemented:
		return target == ErrNoJournal
	case http.StatusServiceUnavailable:
		return target == ErrUnavailable
	}
	return false
}
