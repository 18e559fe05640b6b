package extent

import (
	"errors"
	"math/rand"
	"slices"
	"sync"
	"testing"

	"github.com/gftdcojp/hetfs-tiering/internal/types"
)

const (
	fast  = types.MediumFast
	slow  = types.MediumSlow
	unset = types.MediumUnset
)

func ext(start, end int64, m types.Medium) Extent[int64] {
	return Extent[int64]{Start: start, End: end, Medium: m}
}

func assertExtents(t *testing.T, m *ByteMap, want ...Extent[int64]) {
	t.Helper()
	got := m.Extents()
	if !slices.Equal(got, want) {
		t.Fatalf("extents = %v, want %v", got, want)
	}
	if err := m.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func mustAssign(t *testing.T, m *ByteMap, start, length int64, med types.Medium) Extent[int64] {
	t.Helper()
	e, err := m.Assign(start, length, med)
	if err != nil {
		t.Fatalf("Assign(%d, %d, %s): %v", start, length, med, err)
	}
	return e
}

func TestAssignEmptyMap(t *testing.T) {
	m := NewByteMap(0)
	got := mustAssign(t, m, 0, 100, fast)
	if got != ext(0, 100, fast) {
		t.Errorf("returned %v", got)
	}
	assertExtents(t, m, ext(0, 100, fast))
}

func TestAssignSplitsUnlikeMedium(t *testing.T) {
	m := NewByteMap(0)
	mustAssign(t, m, 0, 100, fast)

	got := mustAssign(t, m, 40, 20, slow)
	if got != ext(40, 60, slow) {
		t.Errorf("returned %v", got)
	}
	assertExtents(t, m, ext(0, 40, fast), ext(40, 60, slow), ext(60, 100, fast))
}

func TestAssignCollapsesPreMergedBoundary(t *testing.T) {
	for _, tc := range []struct {
		name          string
		start, length int64
	}{
		{"at boundary", 50, 10},
		{"ending at boundary", 40, 10},
		{"spanning boundary", 45, 10},
		{"inside left", 10, 10},
	} {
		t.Run(tc.name, func(t *testing.T) {
			m := NewByteMap(0)
			m.extents = []Extent[int64]{ext(0, 50, fast), ext(50, 100, fast)}

			got := mustAssign(t, m, tc.start, tc.length, fast)
			if got != ext(0, 100, fast) {
				t.Errorf("returned %v", got)
			}
			assertExtents(t, m, ext(0, 100, fast))
		})
	}
}

func TestAssignExtendsAtEndBoundary(t *testing.T) {
	m := NewByteMap(0)
	mustAssign(t, m, 0, 10, fast)

	got := mustAssign(t, m, 10, 10, fast)
	if got != ext(0, 20, fast) {
		t.Errorf("returned %v", got)
	}
	assertExtents(t, m, ext(0, 20, fast))

	mustAssign(t, m, 20, 5, slow)
	assertExtents(t, m, ext(0, 20, fast), ext(20, 25, slow))
}

func TestAssignAtStartBoundary(t *testing.T) {
	m := NewByteMap(0)
	mustAssign(t, m, 10, 10, slow)

	mustAssign(t, m, 10, 5, fast)
	assertExtents(t, m, ext(10, 15, fast), ext(15, 20, slow))

	mustAssign(t, m, 10, 15, slow)
	assertExtents(t, m, ext(10, 25, slow))
}

func TestAssignInsideSameMediumIsNoop(t *testing.T) {
	m := NewByteMap(0)
	mustAssign(t, m, 0, 100, fast)

	got := mustAssign(t, m, 30, 10, fast)
	if got != ext(0, 100, fast) {
		t.Errorf("returned %v", got)
	}
	assertExtents(t, m, ext(0, 100, fast))
}

func TestAssignGapStaysDisjoint(t *testing.T) {
	m := NewByteMap(0)
	// Head and tail of a large file read first.
	mustAssign(t, m, 0, 10, fast)
	mustAssign(t, m, 1000, 10, fast)
	assertExtents(t, m, ext(0, 10, fast), ext(1000, 1010, fast))

	// Gap start not touching anything.
	mustAssign(t, m, 500, 10, fast)
	assertExtents(t, m, ext(0, 10, fast), ext(500, 510, fast), ext(1000, 1010, fast))

	// Exactly touching the previous extent merges left only.
	got := mustAssign(t, m, 10, 20, fast)
	if got != ext(0, 30, fast) {
		t.Errorf("returned %v", got)
	}
	assertExtents(t, m, ext(0, 30, fast), ext(500, 510, fast), ext(1000, 1010, fast))
}

func TestAssignGapEndingInsideExtent(t *testing.T) {
	m := NewByteMap(0)
	mustAssign(t, m, 0, 10, slow)
	mustAssign(t, m, 20, 20, fast)

	// Same medium at the end side folds into the located extent.
	got := mustAssign(t, m, 15, 10, fast)
	if got != ext(15, 40, fast) {
		t.Errorf("returned %v", got)
	}
	assertExtents(t, m, ext(0, 10, slow), ext(15, 40, fast))

	// Different medium truncates it.
	mustAssign(t, m, 12, 8, slow)
	assertExtents(t, m, ext(0, 10, slow), ext(12, 20, slow), ext(20, 40, fast))
}

func TestAssignAfterLastExtent(t *testing.T) {
	m := NewByteMap(0)
	mustAssign(t, m, 0, 10, fast)

	mustAssign(t, m, 20, 10, fast)
	assertExtents(t, m, ext(0, 10, fast), ext(20, 30, fast))

	// Crossing past the last extent extends coverage to the new end.
	mustAssign(t, m, 25, 50, slow)
	assertExtents(t, m, ext(0, 10, fast), ext(20, 25, fast), ext(25, 75, slow))
}

func TestAssignAbsorbsContainedExtents(t *testing.T) {
	m := NewByteMap(0)
	mustAssign(t, m, 0, 10, fast)
	mustAssign(t, m, 10, 10, slow)
	mustAssign(t, m, 20, 10, fast)
	mustAssign(t, m, 35, 5, slow)
	mustAssign(t, m, 40, 10, fast)

	got := mustAssign(t, m, 5, 40, slow)
	if got != ext(5, 45, slow) {
		t.Errorf("returned %v", got)
	}
	assertExtents(t, m, ext(0, 5, fast), ext(5, 45, slow), ext(45, 50, fast))
}

func TestAssignInvalidRange(t *testing.T) {
	m := NewByteMap(0)
	mustAssign(t, m, 0, 10, fast)

	for _, tc := range []struct {
		start, length int64
	}{
		{0, 0},
		{5, -1},
		{-1, 4},
		{1 << 62, 1 << 62},
	} {
		if _, err := m.Assign(tc.start, tc.length, slow); !errors.Is(err, ErrInvalidRange) {
			t.Errorf("Assign(%d, %d) err = %v, want ErrInvalidRange", tc.start, tc.length, err)
		}
	}
	assertExtents(t, m, ext(0, 10, fast))
}

func TestAssignExtentLimitLeavesMapIntact(t *testing.T) {
	m := NewByteMap(2)
	mustAssign(t, m, 0, 100, fast)

	// A split needs three extents.
	if _, err := m.Assign(40, 20, slow); !errors.Is(err, ErrExtentLimit) {
		t.Fatalf("err = %v, want ErrExtentLimit", err)
	}
	assertExtents(t, m, ext(0, 100, fast))

	// Truncating the tail only needs two.
	mustAssign(t, m, 60, 40, slow)
	assertExtents(t, m, ext(0, 60, fast), ext(60, 100, slow))

	// Merges never need more room.
	mustAssign(t, m, 50, 50, fast)
	assertExtents(t, m, ext(0, 100, fast))
}

func TestQuery(t *testing.T) {
	m := NewByteMap(0)
	mustAssign(t, m, 0, 10, fast)
	mustAssign(t, m, 10, 10, slow)
	mustAssign(t, m, 30, 10, fast)

	got := m.Query(5, 31)
	want := []Extent[int64]{ext(0, 10, fast), ext(10, 20, slow), ext(30, 40, fast)}
	if !slices.Equal(got, want) {
		t.Errorf("Query(5, 31) = %v, want %v", got, want)
	}
	if got := m.Query(20, 30); len(got) != 0 {
		t.Errorf("Query over gap = %v, want none", got)
	}
	if got := m.Query(10, 10); got != nil {
		t.Errorf("empty query = %v", got)
	}
	if got := m.Query(19, 20); len(got) != 1 || got[0].Medium != slow {
		t.Errorf("Query(19, 20) = %v", got)
	}
}

func TestPointMedium(t *testing.T) {
	m := NewBlockMap(0)
	m.Assign(0, 4, fast)
	m.Assign(4, 4, slow)
	m.Assign(10, 2, fast)

	want := []types.Medium{fast, fast, fast, fast, slow, slow, slow, slow, unset, unset, fast, fast, unset}
	for pos, med := range want {
		if got := m.PointMedium(uint64(pos), false); got != med {
			t.Errorf("PointMedium(%d) = %s, want %s", pos, got, med)
		}
	}

	// Ascending scan resuming from the previous hit.
	for pos := uint64(0); pos < uint64(len(want)); pos++ {
		if got := m.PointMedium(pos, pos > 0); got != want[pos] {
			t.Errorf("continued PointMedium(%d) = %s, want %s", pos, got, want[pos])
		}
	}
}

func TestPointMediumCursorPastPosition(t *testing.T) {
	m := NewBlockMap(0)
	m.Assign(0, 4, fast)
	m.Assign(8, 4, slow)
	// Another reader left the cursor on [8,12).
	if got := m.PointMedium(10, false); got != slow {
		t.Fatalf("got %s", got)
	}
	if got := m.PointMedium(2, true); got != fast {
		t.Errorf("PointMedium(2) behind cursor = %s, want fast", got)
	}
	if got := m.PointMedium(5, true); got != unset {
		t.Errorf("PointMedium(5) in gap = %s, want unset", got)
	}
}

func TestPointMediumCursorResetOnAssign(t *testing.T) {
	m := NewBlockMap(0)
	m.Assign(0, 4, fast)
	m.Assign(8, 4, slow)
	if got := m.PointMedium(9, false); got != slow {
		t.Fatalf("got %s", got)
	}

	// Inserting before the cursor shifts indices.
	m.Assign(4, 2, slow)
	if got := m.PointMedium(5, true); got != slow {
		t.Errorf("PointMedium(5) after assign = %s, want slow", got)
	}
}

func TestCoveredAndReset(t *testing.T) {
	m := NewByteMap(0)
	mustAssign(t, m, 0, 10, fast)
	mustAssign(t, m, 20, 5, slow)
	mustAssign(t, m, 30, 7, fast)
	if got := m.Covered(fast); got != 17 {
		t.Errorf("Covered(fast) = %d, want 17", got)
	}
	m.Reset()
	if m.Len() != 0 {
		t.Errorf("Len after reset = %d", m.Len())
	}
}

func TestValidateDetectsCorruption(t *testing.T) {
	for name, list := range map[string][]Extent[int64]{
		"overlap":  {ext(0, 10, fast), ext(5, 20, slow)},
		"unmerged": {ext(0, 10, fast), ext(10, 20, fast)},
		"empty":    {ext(5, 5, fast)},
	} {
		m := NewByteMap(0)
		m.extents = list
		if err := m.Validate(); !errors.Is(err, ErrInvariantViolation) {
			t.Errorf("%s: err = %v, want ErrInvariantViolation", name, err)
		}
	}
}

// model is a per-unit reference: cells[i] is the medium of unit i, or
// nil when never assigned.
type model struct {
	cells []*types.Medium
}

func (md *model) assign(start, length int64, m types.Medium) {
	for i := start; i < start+length; i++ {
		v := m
		md.cells[i] = &v
	}
}

// runs converts the cells into the canonical extent list.
func (md *model) runs() []Extent[int64] {
	var out []Extent[int64]
	for i, c := range md.cells {
		if c == nil {
			continue
		}
		if n := len(out); n > 0 && out[n-1].End == int64(i) && out[n-1].Medium == *c {
			out[n-1].End++
			continue
		}
		out = append(out, ext(int64(i), int64(i)+1, *c))
	}
	return out
}

func (md *model) covered() int {
	n := 0
	for _, c := range md.cells {
		if c != nil {
			n++
		}
	}
	return n
}

func TestAssignMatchesReferenceModel(t *testing.T) {
	const size = 200
	media := []types.Medium{fast, slow, unset}

	for seed := uint64(1); seed <= 20; seed++ {
		rng := rand.New(rand.NewSource(int64(seed)))
		m := NewByteMap(0)
		ref := &model{cells: make([]*types.Medium, size)}

		for step := 0; step < 300; step++ {
			start := rng.Int63n(size - 1)
			length := 1 + rng.Int63n(min(40, size-start))
			med := media[rng.Intn(len(media))]

			before := ref.covered()
			got, err := m.Assign(start, length, med)
			if err != nil {
				t.Fatalf("seed %d step %d: %v", seed, step, err)
			}
			ref.assign(start, length, med)

			if !got.Contains(start) || got.Medium != med || got.End < start+length {
				t.Fatalf("seed %d step %d: Assign(%d,%d,%s) returned %v", seed, step, start, length, med, got)
			}
			if ref.covered() < before {
				t.Fatalf("seed %d step %d: coverage shrank", seed, step)
			}
			if err := m.Validate(); err != nil {
				t.Fatalf("seed %d step %d: %v", seed, step, err)
			}
			if want := ref.runs(); !slices.Equal(m.Extents(), want) {
				t.Fatalf("seed %d step %d: Assign(%d,%d,%s)\n got  %v\n want %v",
					seed, step, start, length, med, m.Extents(), want)
			}

			// Idempotence.
			snapshot := m.Extents()
			if _, err := m.Assign(start, length, med); err != nil {
				t.Fatal(err)
			}
			if !slices.Equal(m.Extents(), snapshot) {
				t.Fatalf("seed %d step %d: second Assign changed the map", seed, step)
			}
		}
	}
}

func TestConcurrentAssignAndQuery(t *testing.T) {
	m := NewBlockMap(0)
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(2)
		go func(w int) {
			defer wg.Done()
			for i := uint64(0); i < 200; i++ {
				med := fast
				if (i+uint64(w))%3 == 0 {
					med = slow
				}
				m.Assign(i*3, 5, med)
			}
		}(w)
		go func() {
			defer wg.Done()
			for i := uint64(0); i < 200; i++ {
				m.PointMedium(i, i > 0)
				m.Query(i, i+10)
			}
		}()
	}
	wg.Wait()
	if err := m.Validate(); err != nil {
		t.Fatal(err)
	}
}
