// Package stats counts per-block accesses for one file and operation kind.
//
// Increments run on the I/O path and only take the table's shared lock; the
// counter itself is atomic. A Snapshot taken while recorders are active may
// therefore miss increments that land during the scan. Counts are eventually,
// not linearizably, consistent with concurrent Record calls.
package stats

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"sync"
	"sync/atomic"
)

var (
	// ErrTableFull is returned when a new block would exceed the table budget.
	ErrTableFull = errors.New("access table full")

	// ErrInvalidBlock is returned for block ids above MaxBlockID.
	ErrInvalidBlock = errors.New("invalid block id")
)

// MaxBlockID is the largest block id that can be counted. math.MaxUint64 is
// reserved: the half-open placement range of that block would end past the
// id space.
const MaxBlockID = math.MaxUint64 - 1

// Entry is one block's access count.
type Entry struct {
	BlockID uint64 `json:"block_id"`
	Count   uint64 `json:"count"`
}

// Table maps block ids to access counters.
type Table struct {
	mu         sync.RWMutex
	counters   map[uint64]*atomic.Uint64
	maxEntries int
}

// NewTable creates an empty table. maxEntries bounds the number of distinct
// blocks tracked; zero means unbounded.
func NewTable(maxEntries int) *Table {
	return &Table{
		counters:   make(map[uint64]*atomic.Uint64),
		maxEntries: maxEntries,
	}
}

// Record counts one access to blockID.
func (t *Table) Record(blockID uint64) error {
	if blockID > MaxBlockID {
		return fmt.Errorf("%w: %d", ErrInvalidBlock, blockID)
	}
	t.mu.RLock()
	c, ok := t.counters[blockID]
	if ok {
		c.Add(1)
	}
	t.mu.RUnlock()
	if ok {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok = t.counters[blockID]
	if !ok {
		if t.maxEntries > 0 && len(t.counters) >= t.maxEntries {
			return fmt.Errorf("%w: %d blocks", ErrTableFull, t.maxEntries)
		}
		c = new(atomic.Uint64)
		t.counters[blockID] = c
	}
	c.Add(1)
	return nil
}

// Count returns the current count for blockID.
func (t *Table) Count(blockID uint64) uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if c, ok := t.counters[blockID]; ok {
		return c.Load()
	}
	return 0
}

// Reset drops every counter.
func (t *Table) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counters = make(map[uint64]*atomic.Uint64)
}

// Snapshot returns all counters ordered by block id.
func (t *Table) Snapshot() []Entry {
	t.mu.RLock()
	out := make([]Entry, 0, len(t.counters))
	for id, c := range t.counters {
		out = append(out, Entry{BlockID: id, Count: c.Load()})
	}
	t.mu.RUnlock()

	slices.SortFunc(out, func(a, b Entry) int {
		switch {
		case a.BlockID < b.BlockID:
			return -1
		case a.BlockID > b.BlockID:
			return 1
		}
		return 0
	})
	return out
}

func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.counters)
}

// Total returns the sum of all counters.
func (t *Table) Total() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var n uint64
	for _, c := range t.counters {
		n += c.Load()
	}
	return n
}
