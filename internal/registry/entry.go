// Package registry holds the per-file tracking state: placement maps and
// access tables, keyed by file identity.
package registry

import (
	"sync/atomic"

	"github.com/gftdcojp/hetfs-tiering/internal/extent"
	"github.com/gftdcojp/hetfs-tiering/internal/stats"
	"github.com/gftdcojp/hetfs-tiering/internal/types"
)

// Limits bound the size of the structures created for each file.
type Limits struct {
	MaxExtents      int
	MaxStatsEntries int
}

// FileEntry is the tracking record of one file. The placement maps and
// access tables carry their own locks; Size and BlockSize are metadata set by
// the I/O reporter.
type FileEntry struct {
	Identity string

	size      atomic.Int64
	blockSize atomic.Uint32

	WritePlacement *extent.ByteMap
	ReadPlacement  *extent.BlockMap

	Read       *stats.Table
	Write      *stats.Table
	MmapMapped *stats.Table
	MmapRaw    *stats.Table
}

func newFileEntry(identity string, lim Limits) *FileEntry {
	return &FileEntry{
		Identity:       identity,
		WritePlacement: extent.NewByteMap(lim.MaxExtents),
		ReadPlacement:  extent.NewBlockMap(lim.MaxExtents),
		Read:           stats.NewTable(lim.MaxStatsEntries),
		Write:          stats.NewTable(lim.MaxStatsEntries),
		MmapMapped:     stats.NewTable(lim.MaxStatsEntries),
		MmapRaw:        stats.NewTable(lim.MaxStatsEntries),
	}
}

// Table returns the access table for an operation kind.
func (e *FileEntry) Table(kind types.OpKind) *stats.Table {
	switch kind {
	case types.OpRead:
		return e.Read
	case types.OpWrite:
		return e.Write
	case types.OpMmapMapped:
		return e.MmapMapped
	case types.OpMmapRaw:
		return e.MmapRaw
	}
	return nil
}

func (e *FileEntry) Size() int64       { return e.size.Load() }
func (e *FileEntry) BlockSize() uint32 { return e.blockSize.Load() }

// SetMeta updates size and block size. Zero values leave the field as is.
func (e *FileEntry) SetMeta(size int64, blockSize uint32) {
	if size > 0 {
		e.size.Store(size)
	}
	if blockSize > 0 {
		e.blockSize.Store(blockSize)
	}
}

// ResetRead clears the read table.
func (e *FileEntry) ResetRead() { e.Read.Reset() }

// ResetWrite clears the write table.
func (e *FileEntry) ResetWrite() { e.Write.Reset() }

// ResetAll clears all four access tables.
func (e *FileEntry) ResetAll() {
	e.Read.Reset()
	e.Write.Reset()
	e.MmapMapped.Reset()
	e.MmapRaw.Reset()
}
