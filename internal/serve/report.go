package serve

import (
	"github.com/gftdcojp/hetfs-tiering/internal/extent"
	"github.com/gftdcojp/hetfs-tiering/internal/registry"
	"github.com/gftdcojp/hetfs-tiering/internal/stats"
	"github.com/gftdcojp/hetfs-tiering/internal/types"
)

// FileSummary is one row of the file listing.
type FileSummary struct {
	File      string `json:"file"`
	Size      int64  `json:"size"`
	BlockSize uint32 `json:"block_size"`
}

// TableReport is one access table of a file.
type TableReport struct {
	Op      string        `json:"op"`
	Blocks  int           `json:"blocks"`
	Total   uint64        `json:"total"`
	Entries []stats.Entry `json:"entries,omitempty"`
}

// FileReport is a file with all of its access tables.
type FileReport struct {
	FileSummary
	Tables []TableReport `json:"tables"`
}

// MediaReport shows both placement maps of a file.
type MediaReport struct {
	File    string                   `json:"file"`
	Write   []extent.Extent[int64]   `json:"write"`
	Read    []extent.Extent[uint64]  `json:"read"`
	Covered map[string]MediaCoverage `json:"covered"`
}

// MediaCoverage totals the extents held on one medium.
type MediaCoverage struct {
	WriteBytes int64  `json:"write_bytes"`
	ReadBlocks uint64 `json:"read_blocks"`
}

const (
	streamWrite = "write"
	streamRead  = "read"
)

// MediaQueryResult holds the extents of one placement map intersecting
// [Start, End). Only the map named by Stream is filled.
type MediaQueryResult struct {
	File   string                  `json:"file"`
	Stream string                  `json:"stream"`
	Start  uint64                  `json:"start"`
	End    uint64                  `json:"end"`
	Count  int                     `json:"count"`
	Write  []extent.Extent[int64]  `json:"write,omitempty"`
	Read   []extent.Extent[uint64] `json:"read,omitempty"`
}

// BlockMedium is the read placement and read count of one block.
type BlockMedium struct {
	Block  uint64       `json:"block"`
	Medium types.Medium `json:"medium"`
	Reads  uint64       `json:"reads"`
}

type MediumReport struct {
	File   string        `json:"file"`
	Blocks []BlockMedium `json:"blocks"`
}

func summarize(e *registry.FileEntry) FileSummary {
	return FileSummary{File: e.Identity, Size: e.Size(), BlockSize: e.BlockSize()}
}

func fileReport(e *registry.FileEntry, withEntries bool) FileReport {
	r := FileReport{FileSummary: summarize(e)}
	for _, k := range types.OpKinds {
		tbl := e.Table(k)
		tr := TableReport{Op: k.String(), Blocks: tbl.Len(), Total: tbl.Total()}
		if withEntries {
			tr.Entries = tbl.Snapshot()
		}
		r.Tables = append(r.Tables, tr)
	}
	return r
}

func mediaReport(e *registry.FileEntry) MediaReport {
	r := MediaReport{
		File:    e.Identity,
		Write:   e.WritePlacement.Extents(),
		Read:    e.ReadPlacement.Extents(),
		Covered: make(map[string]MediaCoverage),
	}
	for _, m := range []types.Medium{types.MediumFast, types.MediumSlow, types.MediumUnset} {
		c := MediaCoverage{
			WriteBytes: e.WritePlacement.Covered(m),
			ReadBlocks: e.ReadPlacement.Covered(m),
		}
		if c.WriteBytes > 0 || c.ReadBlocks > 0 {
			r.Covered[m.String()] = c
		}
	}
	return r
}
