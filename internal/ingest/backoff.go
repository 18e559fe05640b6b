package ingest

import (
	"math/rand"
	"time"
)

// calcBackoff returns the wait after n consecutive failures: initial doubled
// per failure, capped at max, plus up to 25% jitter (still capped at max).
func calcBackoff(n int, initial, max time.Duration) time.Duration {
	if n <= 0 || initial <= 0 {
		return 0
	}
	d := initial
	for i := 1; i < n && d < max; i++ {
		d *= 2
	}
	if d > max {
		d = max
	}
	if j := int64(d / 4); j > 0 {
		d += time.Duration(rand.Int63n(j + 1))
	}
	if d > max {
		d = max
	}
	return d
}
