package tier

import (
	"fmt"

	"github.com/gftdcojp/hetfs-tiering/internal/config"
	"github.com/gftdcojp/hetfs-tiering/internal/registry"
	"github.com/gftdcojp/hetfs-tiering/internal/stats"
	"github.com/gftdcojp/hetfs-tiering/internal/types"
)

// Policy extracts runs of hot blocks from a file's read table and promotes
// them to the fast medium.
type Policy struct {
	strictAdjacency  bool
	defaultBlockSize uint32
}

// NewPolicy creates a policy. defaultBlockSize is reported for files whose
// block size was never set.
func NewPolicy(cfg config.PolicyConfig, defaultBlockSize uint32) *Policy {
	return &Policy{
		strictAdjacency:  cfg.StrictAdjacency,
		defaultBlockSize: defaultBlockSize,
	}
}

// Threshold returns the hotness cut for the given counts and percentile:
// max - (max-min)*percentile/100, in integer arithmetic. It returns ok=false
// for an empty snapshot.
func Threshold(entries []stats.Entry, percentile int) (threshold uint64, ok bool) {
	if len(entries) == 0 {
		return 0, false
	}
	lo, hi := entries[0].Count, entries[0].Count
	for _, e := range entries[1:] {
		lo = min(lo, e.Count)
		hi = max(hi, e.Count)
	}
	// (d*p)/100 split so that d*p cannot overflow.
	d, p := hi-lo, uint64(percentile)
	return hi - ((d/100)*p + ((d%100)*p)/100), true
}

// Run analyses the read table of entry. Every maximal run of consecutive
// snapshot entries whose count reaches the threshold is assigned the fast
// medium in the read placement and yields one relocation request.
//
// An empty table yields no requests and leaves the placement untouched. If an
// assignment fails, the requests produced so far are returned with the error.
func (p *Policy) Run(entry *registry.FileEntry, percentile int) ([]types.RelocationRequest, error) {
	if percentile < 0 || percentile > 100 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPercentile, percentile)
	}

	snap := entry.Read.Snapshot()
	threshold, ok := Threshold(snap, percentile)
	if !ok {
		return nil, nil
	}

	blockSize := entry.BlockSize()
	if blockSize == 0 {
		blockSize = p.defaultBlockSize
	}

	var (
		reqs        []types.RelocationRequest
		inRun       bool
		first, last uint64
	)
	closeRun := func() error {
		inRun = false
		if _, err := entry.ReadPlacement.Assign(first, last-first+1, types.MediumFast); err != nil {
			return fmt.Errorf("promoting blocks %d-%d of %s: %w", first, last, entry.Identity, err)
		}
		reqs = append(reqs, types.RelocationRequest{
			File:       entry.Identity,
			FirstBlock: first,
			LastBlock:  last,
			BlockSize:  blockSize,
			Target:     types.MediumFast,
		})
		return nil
	}

	for _, e := range snap {
		if e.Count < threshold {
			if inRun {
				if err := closeRun(); err != nil {
					return reqs, err
				}
			}
			continue
		}
		if inRun && p.strictAdjacency && e.BlockID != last+1 {
			if err := closeRun(); err != nil {
				return reqs, err
			}
		}
		if !inRun {
			inRun = true
			first = e.BlockID
		}
		last = e.BlockID
	}
	if inRun {
		if err := closeRun(); err != nil {
			return reqs, err
		}
	}
	return reqs, nil
}
