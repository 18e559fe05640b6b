package stats

import (
	"errors"
	"math"
	"sync"
	"testing"
)

func TestRecordAndSnapshot(t *testing.T) {
	tbl := NewTable(0)
	for _, id := range []uint64{12, 10, 11, 10, 11, 11} {
		if err := tbl.Record(id); err != nil {
			t.Fatal(err)
		}
	}

	snap := tbl.Snapshot()
	want := []Entry{{10, 2}, {11, 3}, {12, 1}}
	if len(snap) != len(want) {
		t.Fatalf("snapshot = %v, want %v", snap, want)
	}
	for i := range want {
		if snap[i] != want[i] {
			t.Errorf("snapshot[%d] = %v, want %v", i, snap[i], want[i])
		}
	}
	if tbl.Total() != 6 {
		t.Errorf("Total = %d, want 6", tbl.Total())
	}
	if tbl.Count(11) != 3 || tbl.Count(99) != 0 {
		t.Errorf("Count(11) = %d, Count(99) = %d", tbl.Count(11), tbl.Count(99))
	}
}

func TestReset(t *testing.T) {
	tbl := NewTable(0)
	tbl.Record(1)
	tbl.Record(2)
	tbl.Reset()
	if tbl.Len() != 0 || len(tbl.Snapshot()) != 0 {
		t.Fatalf("table not empty after reset: %v", tbl.Snapshot())
	}
	tbl.Record(1)
	if tbl.Count(1) != 1 {
		t.Errorf("Count after reset = %d, want 1", tbl.Count(1))
	}
}

func TestRecordReservedBlock(t *testing.T) {
	tbl := NewTable(0)
	if err := tbl.Record(math.MaxUint64); !errors.Is(err, ErrInvalidBlock) {
		t.Fatalf("err = %v, want ErrInvalidBlock", err)
	}
	if tbl.Len() != 0 {
		t.Errorf("reserved block was counted: %v", tbl.Snapshot())
	}
	if err := tbl.Record(MaxBlockID); err != nil || tbl.Count(MaxBlockID) != 1 {
		t.Errorf("Record(MaxBlockID) = %v, count %d", err, tbl.Count(MaxBlockID))
	}
}

func TestTableFull(t *testing.T) {
	tbl := NewTable(2)
	tbl.Record(1)
	tbl.Record(2)
	if err := tbl.Record(3); !errors.Is(err, ErrTableFull) {
		t.Fatalf("err = %v, want ErrTableFull", err)
	}
	// Existing blocks keep counting.
	if err := tbl.Record(1); err != nil {
		t.Fatalf("Record existing: %v", err)
	}
	if tbl.Count(1) != 2 || tbl.Len() != 2 {
		t.Errorf("Count(1) = %d, Len = %d", tbl.Count(1), tbl.Len())
	}
}

func TestConcurrentRecord(t *testing.T) {
	tbl := NewTable(0)
	const workers, perWorker = 8, 1000

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				tbl.Record(uint64(i % 10))
			}
		}()
	}
	// Snapshots may interleave; they only need to stay well-formed.
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			snap := tbl.Snapshot()
			for j := 1; j < len(snap); j++ {
				if snap[j-1].BlockID >= snap[j].BlockID {
					t.Errorf("snapshot not ordered: %v", snap)
					return
				}
			}
		}
	}()
	wg.Wait()

	if got := tbl.Total(); got != workers*perWorker {
		t.Errorf("Total = %d, want %d", got, workers*perWorker)
	}
	for id := uint64(0); id < 10; id++ {
		if got := tbl.Count(id); got != workers*perWorker/10 {
			t.Errorf("Count(%d) = %d", id, got)
		}
	}
}
