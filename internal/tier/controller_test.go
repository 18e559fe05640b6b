package tier

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/gftdcojp/hetfs-tiering/internal/config"
	"github.com/gftdcojp/hetfs-tiering/internal/extent"
	"github.com/gftdcojp/hetfs-tiering/internal/registry"
	"github.com/gftdcojp/hetfs-tiering/internal/stats"
	"github.com/gftdcojp/hetfs-tiering/internal/types"
	"go.uber.org/zap"
)

func newTestController(t *testing.T, lim registry.Limits) (*Controller, *mockMover) {
	t.Helper()
	mover := &mockMover{}
	ctrl := NewController(ControllerConfig{
		Registry:         registry.New(lim),
		Mover:            mover,
		Policy:           config.PolicyConfig{Percentile: 50},
		DefaultBlockSize: 4096,
		Logger:           zap.NewNop(),
	})
	return ctrl, mover
}

func record(t *testing.T, c *Controller, file string, kind types.OpKind, counts map[uint64]int) {
	t.Helper()
	for id, n := range counts {
		for i := 0; i < n; i++ {
			if err := c.RecordAccess(types.AccessEvent{File: file, Op: kind, Block: id}); err != nil {
				t.Fatal(err)
			}
		}
	}
}

func TestController_RecordAccess(t *testing.T) {
	ctrl, _ := newTestController(t, registry.Limits{})
	err := ctrl.RecordAccess(types.AccessEvent{File: "a", Op: types.OpMmapRaw, Block: 7, Size: 8192, BlockSize: 512})
	if err != nil {
		t.Fatal(err)
	}
	e, ok := ctrl.Registry().Lookup("a")
	if !ok {
		t.Fatal("file should be tracked")
	}
	if e.MmapRaw.Count(7) != 1 || e.Read.Len() != 0 {
		t.Error("access counted in the wrong table")
	}
	if e.Size() != 8192 || e.BlockSize() != 512 {
		t.Errorf("meta = %d/%d", e.Size(), e.BlockSize())
	}

	if err := ctrl.RecordAccess(types.AccessEvent{Op: types.OpRead}); err == nil {
		t.Error("expected error for event without file")
	}
	if err := ctrl.RecordAccess(types.AccessEvent{File: "a", Op: types.OpKind(42)}); err == nil {
		t.Error("expected error for unknown op kind")
	}
}

func TestController_RecordAccessTableFull(t *testing.T) {
	ctrl, _ := newTestController(t, registry.Limits{MaxStatsEntries: 1})
	record(t, ctrl, "a", types.OpRead, map[uint64]int{1: 1})
	err := ctrl.RecordAccess(types.AccessEvent{File: "a", Op: types.OpRead, Block: 2})
	if !errors.Is(err, stats.ErrTableFull) {
		t.Fatalf("err = %v, want ErrTableFull", err)
	}
}

func TestController_RecordAccessReservedBlock(t *testing.T) {
	ctrl, _ := newTestController(t, registry.Limits{})
	err := ctrl.RecordAccess(types.AccessEvent{File: "a", Op: types.OpRead, Block: math.MaxUint64})
	if !errors.Is(err, stats.ErrInvalidBlock) {
		t.Fatalf("err = %v, want ErrInvalidBlock", err)
	}
	record(t, ctrl, "a", types.OpRead, map[uint64]int{stats.MaxBlockID: 2, 5: 1})

	reqs, err := ctrl.Analyze(context.Background(), "a", 50)
	if err != nil {
		t.Fatal(err)
	}
	if len(reqs) != 1 || reqs[0].FirstBlock != stats.MaxBlockID || reqs[0].LastBlock != stats.MaxBlockID {
		t.Errorf("requests = %+v", reqs)
	}
	e, _ := ctrl.Registry().Lookup("a")
	if m := e.ReadPlacement.PointMedium(stats.MaxBlockID, false); m != types.MediumFast {
		t.Errorf("last block medium = %s, want fast", m)
	}
}

func TestController_RecordWrite(t *testing.T) {
	ctrl, _ := newTestController(t, registry.Limits{})
	if _, err := ctrl.RecordWrite(types.PlacementEvent{File: "a", Offset: 0, Length: 100, Medium: types.MediumFast}); err != nil {
		t.Fatal(err)
	}
	ext, err := ctrl.RecordWrite(types.PlacementEvent{File: "a", Offset: 40, Length: 20, Medium: types.MediumSlow})
	if err != nil {
		t.Fatal(err)
	}
	if ext != (extent.Extent[int64]{Start: 40, End: 60, Medium: types.MediumSlow}) {
		t.Errorf("returned extent = %v", ext)
	}
	e, _ := ctrl.Registry().Lookup("a")
	if e.WritePlacement.Len() != 3 {
		t.Errorf("write placement = %v", e.WritePlacement.Extents())
	}

	_, err = ctrl.RecordWrite(types.PlacementEvent{File: "a", Offset: 10, Length: 0, Medium: types.MediumFast})
	if !errors.Is(err, extent.ErrInvalidRange) {
		t.Errorf("err = %v, want ErrInvalidRange", err)
	}
}

func TestController_Analyze(t *testing.T) {
	ctrl, mover := newTestController(t, registry.Limits{})
	record(t, ctrl, "a", types.OpRead, map[uint64]int{10: 5, 11: 9, 12: 1})

	reqs, err := ctrl.Analyze(context.Background(), "a", ctrl.DefaultPercentile())
	if err != nil {
		t.Fatal(err)
	}
	if len(reqs) != 1 || reqs[0].FirstBlock != 10 || reqs[0].LastBlock != 11 || reqs[0].BlockSize != 4096 {
		t.Fatalf("requests = %+v", reqs)
	}
	if got := mover.received(); len(got) != 1 || got[0] != reqs[0] {
		t.Errorf("mover received %+v", got)
	}

	if _, err := ctrl.Analyze(context.Background(), "missing", 50); !errors.Is(err, ErrFileNotFound) {
		t.Errorf("err = %v, want ErrFileNotFound", err)
	}
}

func TestController_AnalyzeMoverErrorNotRetried(t *testing.T) {
	ctrl, mover := newTestController(t, registry.Limits{})
	mover.err = errors.New("mover offline")
	record(t, ctrl, "a", types.OpRead, map[uint64]int{1: 9, 2: 1, 3: 9})

	reqs, err := ctrl.Analyze(context.Background(), "a", 50)
	if err == nil {
		t.Fatal("expected mover error")
	}
	if len(reqs) != 2 {
		t.Errorf("requests = %v", reqs)
	}
	if n := len(mover.received()); n != 2 {
		t.Errorf("mover called %d times, want 2", n)
	}
	// Placement was still updated.
	e, _ := ctrl.Registry().Lookup("a")
	if e.ReadPlacement.Covered(types.MediumFast) != 2 {
		t.Errorf("fast coverage = %d", e.ReadPlacement.Covered(types.MediumFast))
	}
}

func TestController_AnalyzeAll(t *testing.T) {
	ctrl, mover := newTestController(t, registry.Limits{})
	record(t, ctrl, "b", types.OpRead, map[uint64]int{5: 3})
	record(t, ctrl, "a", types.OpRead, map[uint64]int{1: 3})
	record(t, ctrl, "c", types.OpWrite, map[uint64]int{1: 3}) // no reads

	reqs, err := ctrl.AnalyzeAll(context.Background(), 50)
	if err != nil {
		t.Fatal(err)
	}
	if len(reqs) != 2 || reqs[0].File != "a" || reqs[1].File != "b" {
		t.Fatalf("requests = %+v", reqs)
	}
	if len(mover.received()) != 2 {
		t.Errorf("mover received %d", len(mover.received()))
	}

	if _, err := ctrl.AnalyzeAll(context.Background(), 120); !errors.Is(err, ErrInvalidPercentile) {
		t.Errorf("err = %v, want ErrInvalidPercentile", err)
	}
}

func TestController_AnalyzeAllCancelled(t *testing.T) {
	ctrl, mover := newTestController(t, registry.Limits{})
	record(t, ctrl, "a", types.OpRead, map[uint64]int{1: 3})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := ctrl.AnalyzeAll(ctx, 50); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if len(mover.received()) != 0 {
		t.Error("cancelled pass should not dispatch")
	}
}

func TestController_ChangeMedium(t *testing.T) {
	ctrl, mover := newTestController(t, registry.Limits{})
	record(t, ctrl, "a", types.OpRead, map[uint64]int{1: 1})

	req, err := ctrl.ChangeMedium(context.Background(), "a", 4, 7, types.MediumSlow)
	if err != nil {
		t.Fatal(err)
	}
	want := types.RelocationRequest{File: "a", FirstBlock: 4, LastBlock: 7, BlockSize: 4096, Target: types.MediumSlow}
	if req != want {
		t.Errorf("request = %+v, want %+v", req, want)
	}
	e, _ := ctrl.Registry().Lookup("a")
	got := e.ReadPlacement.Extents()
	if len(got) != 1 || got[0] != (extent.Extent[uint64]{Start: 4, End: 8, Medium: types.MediumSlow}) {
		t.Errorf("read placement = %v", got)
	}
	if len(mover.received()) != 1 {
		t.Error("expected one relocation request")
	}

	tests := []struct {
		name        string
		file        string
		first, last uint64
		medium      types.Medium
		wantErr     error
	}{
		{"reversed range", "a", 7, 4, types.MediumFast, extent.ErrInvalidRange},
		{"unknown file", "zz", 0, 1, types.MediumFast, ErrFileNotFound},
		{"unset medium", "a", 0, 1, types.MediumUnset, ErrInvalidMedium},
		{"reserved block id", "a", stats.MaxBlockID, math.MaxUint64, types.MediumFast, extent.ErrInvalidRange},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ctrl.ChangeMedium(context.Background(), tt.file, tt.first, tt.last, tt.medium)
			if err == nil {
				t.Fatal("expected error")
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

type brokenMap struct{}

func (brokenMap) Validate() error { return extent.ErrInvariantViolation }

func TestController_DebugValidate(t *testing.T) {
	ctrl := NewController(ControllerConfig{
		Registry:      registry.New(registry.Limits{}),
		Mover:         &mockMover{},
		Policy:        config.PolicyConfig{Percentile: 50},
		Logger:        zap.NewNop(),
		DebugValidate: true,
	})
	ctx := context.Background()
	if _, err := ctrl.RecordWrite(types.PlacementEvent{File: "a", Offset: 0, Length: 100, Medium: types.MediumFast}); err != nil {
		t.Fatal(err)
	}
	if _, err := ctrl.RecordWrite(types.PlacementEvent{File: "a", Offset: 50, Length: 100, Medium: types.MediumFast}); err != nil {
		t.Fatal(err)
	}
	record(t, ctrl, "a", types.OpRead, map[uint64]int{1: 3, 2: 3, 9: 1})
	if _, err := ctrl.ChangeMedium(ctx, "a", 0, 4, types.MediumSlow); err != nil {
		t.Fatal(err)
	}
	if _, err := ctrl.Analyze(ctx, "a", 50); err != nil {
		t.Fatal(err)
	}

	err := ctrl.checkPlacement("a", "read", brokenMap{})
	if !errors.Is(err, extent.ErrInvariantViolation) {
		t.Errorf("err = %v, want ErrInvariantViolation", err)
	}
	ctrl.validate = false
	if err := ctrl.checkPlacement("a", "read", brokenMap{}); err != nil {
		t.Errorf("check ran while disabled: %v", err)
	}
}

func TestController_ResetAndForget(t *testing.T) {
	ctrl, _ := newTestController(t, registry.Limits{})
	record(t, ctrl, "a", types.OpRead, map[uint64]int{1: 1})
	record(t, ctrl, "a", types.OpWrite, map[uint64]int{1: 1})

	if err := ctrl.Reset("a", registry.ScopeRead); err != nil {
		t.Fatal(err)
	}
	e, _ := ctrl.Registry().Lookup("a")
	if e.Read.Len() != 0 || e.Write.Len() != 1 {
		t.Error("read scope reset")
	}
	ctrl.ResetAll(registry.ScopeBoth)
	if e.Write.Len() != 0 {
		t.Error("reset all")
	}
	if err := ctrl.Reset("missing", registry.ScopeBoth); !errors.Is(err, ErrFileNotFound) {
		t.Errorf("err = %v", err)
	}

	if err := ctrl.Forget("a"); err != nil {
		t.Fatal(err)
	}
	if err := ctrl.Forget("a"); !errors.Is(err, ErrFileNotFound) {
		t.Errorf("second Forget err = %v", err)
	}
}

func TestController_RunAnalyzeLoop(t *testing.T) {
	ctrl, mover := newTestController(t, registry.Limits{})
	record(t, ctrl, "a", types.OpRead, map[uint64]int{1: 2})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ctrl.RunAnalyzeLoop(ctx, 10*time.Millisecond) }()

	deadline := time.Now().Add(2 * time.Second)
	for len(mover.received()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("loop returned %v", err)
	}
	if len(mover.received()) == 0 {
		t.Fatal("scheduled pass never dispatched")
	}
}

func TestController_ConcurrentRecordAndAnalyze(t *testing.T) {
	ctrl, _ := newTestController(t, registry.Limits{})
	ctx := context.Background()

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				ctrl.RecordAccess(types.AccessEvent{File: "shared", Op: types.OpRead, Block: uint64(i % 64)})
			}
		}(w)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			ctrl.AnalyzeAll(ctx, 50)
		}
	}()
	wg.Wait()

	e, ok := ctrl.Registry().Lookup("shared")
	if !ok {
		t.Fatal("file not tracked")
	}
	if e.Read.Total() != 2000 {
		t.Errorf("Total = %d, want 2000", e.Read.Total())
	}
	if err := e.ReadPlacement.Validate(); err != nil {
		t.Error(err)
	}
}
