// Package extent keeps, per file and stream, an ordered set of disjoint
// ranges tagged with the storage medium they reside on.
package extent

import (
	"fmt"
	"slices"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/gftdcojp/hetfs-tiering/internal/types"
)

// Unit is the coordinate space of a map: byte offsets or block ids.
type Unit interface {
	~int64 | ~uint64
}

// Extent is the half-open range [Start, End) held on Medium.
type Extent[K Unit] struct {
	Start  K            `json:"start"`
	End    K            `json:"end"`
	Medium types.Medium `json:"medium"`
}

// Len returns End - Start.
func (e Extent[K]) Len() K {
	return e.End - e.Start
}

// Contains reports whether pos lies inside the extent.
func (e Extent[K]) Contains(pos K) bool {
	return e.Start <= pos && pos < e.End
}

// Map is a sorted, disjoint, medium-merged extent set guarded by its own
// reader-writer lock. The zero value is not usable; use New.
type Map[K Unit] struct {
	mu         sync.RWMutex
	extents    []Extent[K]
	maxExtents int

	// cursor is the index of the extent last returned by PointMedium.
	// Readers under the shared lock move it, hence atomic.
	cursor atomic.Int64
}

// ByteMap tracks placement by byte offset (the write path).
type ByteMap = Map[int64]

// BlockMap tracks placement by block id (policy decisions).
type BlockMap = Map[uint64]

// New creates an empty map. maxExtents bounds the number of extents the map
// may hold; zero means unbounded.
func New[K Unit](maxExtents int) *Map[K] {
	m := &Map[K]{maxExtents: maxExtents}
	m.cursor.Store(-1)
	return m
}

func NewByteMap(maxExtents int) *ByteMap   { return New[int64](maxExtents) }
func NewBlockMap(maxExtents int) *BlockMap { return New[uint64](maxExtents) }

// Assign makes [start, start+length) owned by medium and returns the extent
// that represents the range afterwards (possibly merged with neighbours).
//
// Overlapped extents are truncated or absorbed, an extent strictly containing
// the range is split, and touching neighbours with the same medium are
// merged. A range starting in a gap stays disjoint from the extent before it
// unless it touches it exactly. The map is left unchanged on error.
func (m *Map[K]) Assign(start, length K, medium types.Medium) (Extent[K], error) {
	end := start + length
	if length <= 0 || start < 0 || end < start {
		return Extent[K]{}, fmt.Errorf("%w: start=%d length=%d", ErrInvalidRange, start, length)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	ext := m.extents
	// [lo, hi) are the extents overlapping the range.
	lo := sort.Search(len(ext), func(i int) bool { return ext[i].End > start })
	hi := sort.Search(len(ext), func(i int) bool { return ext[i].Start >= end })

	repl := make([]Extent[K], 0, 5)
	if lo < hi && ext[lo].Start < start {
		repl = append(repl, Extent[K]{Start: ext[lo].Start, End: start, Medium: ext[lo].Medium})
	}
	repl = append(repl, Extent[K]{Start: start, End: end, Medium: medium})
	if lo < hi && ext[hi-1].End > end {
		repl = append(repl, Extent[K]{Start: end, End: ext[hi-1].End, Medium: ext[hi-1].Medium})
	}

	// Pull in touching neighbours so the merge pass can fold them.
	from, to := lo, hi
	if from > 0 && ext[from-1].End == repl[0].Start {
		from--
		repl = append([]Extent[K]{ext[from]}, repl...)
	}
	if to < len(ext) && ext[to].Start == repl[len(repl)-1].End {
		repl = append(repl, ext[to])
		to++
	}
	repl = coalesce(repl)

	if m.maxExtents > 0 && len(ext)-(to-from)+len(repl) > m.maxExtents {
		return Extent[K]{}, fmt.Errorf("%w: %d extents", ErrExtentLimit, m.maxExtents)
	}

	var result Extent[K]
	for _, e := range repl {
		if e.Contains(start) {
			result = e
			break
		}
	}

	m.extents = slices.Replace(ext, from, to, repl...)
	m.cursor.Store(-1)
	return result, nil
}

// coalesce merges touching extents that share a medium. Input is sorted and
// disjoint.
func coalesce[K Unit](in []Extent[K]) []Extent[K] {
	out := in[:1]
	for _, e := range in[1:] {
		last := &out[len(out)-1]
		if last.End == e.Start && last.Medium == e.Medium {
			last.End = e.End
			continue
		}
		out = append(out, e)
	}
	return out
}

// Query returns the extents intersecting [start, end) in ascending order.
func (m *Map[K]) Query(start, end K) []Extent[K] {
	if end <= start {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	ext := m.extents
	i := sort.Search(len(ext), func(i int) bool { return ext[i].End > start })
	var out []Extent[K]
	for ; i < len(ext) && ext[i].Start < end; i++ {
		out = append(out, ext[i])
	}
	return out
}

// PointMedium returns the medium of the extent containing pos, or
// MediumUnset if pos is not covered.
//
// With continueFromPrevious the search resumes at the extent found by the
// previous call instead of searching from the head. A cursor already past
// pos, left there by another reader, restarts the scan from the head.
func (m *Map[K]) PointMedium(pos K, continueFromPrevious bool) types.Medium {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ext := m.extents
	var i int
	if continueFromPrevious {
		if c := int(m.cursor.Load()); c > 0 && c < len(ext) && ext[c].Start <= pos {
			i = c
		}
		for i < len(ext) && ext[i].End <= pos {
			i++
		}
	} else {
		i = sort.Search(len(ext), func(j int) bool { return ext[j].End > pos })
	}
	if i < len(ext) {
		m.cursor.Store(int64(i))
		if ext[i].Start <= pos {
			return ext[i].Medium
		}
	}
	return types.MediumUnset
}

// Extents returns a copy of the extent list.
func (m *Map[K]) Extents() []Extent[K] {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.extents)
}

func (m *Map[K]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.extents)
}

// Covered returns the total length held by extents tagged medium.
func (m *Map[K]) Covered(medium types.Medium) K {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var n K
	for _, e := range m.extents {
		if e.Medium == medium {
			n += e.Len()
		}
	}
	return n
}

// Reset drops every extent.
func (m *Map[K]) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.extents = nil
	m.cursor.Store(-1)
}

// Validate checks ordering, disjointness and the merge invariant.
func (m *Map[K]) Validate() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i, e := range m.extents {
		if e.Start >= e.End {
			return fmt.Errorf("%w: empty extent #%d [%d,%d)", ErrInvariantViolation, i, e.Start, e.End)
		}
		if i == 0 {
			continue
		}
		prev := m.extents[i-1]
		if prev.End > e.Start {
			return fmt.Errorf("%w: extent #%d [%d,%d) overlaps [%d,%d)",
				ErrInvariantViolation, i, e.Start, e.End, prev.Start, prev.End)
		}
		if prev.End == e.Start && prev.Medium == e.Medium {
			return fmt.Errorf("%w: extents #%d and #%d both %s at %d",
				ErrInvariantViolation, i-1, i, e.Medium, e.Start)
		}
	}
	return nil
}
