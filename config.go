package cowbt

import (
	"fmt"
	"log/slog"

	"github.com/nyan233/cowbt/internal/sys"
)

const (
	defaultCacheSize      = 1024
	defaultMergeThreshold = 25
	// a split of a full node leaves at least two pointers on each side
	minNodeMaxPtrs = 4
)

type Options struct {
	// BlockSize is only used when formatting a new device; an existing
	// device dictates its own. Defaults to the OS page size.
	BlockSize int
	// CacheSize bounds the number of unpinned buffers kept resident.
	CacheSize int
	// NodeMaxPtrs caps node fan-out below the block capacity. 0 uses the
	// whole block. Mostly useful to grow deep trees in tests.
	NodeMaxPtrs int
	// MergeThreshold is the usage percentage under which a block is merged
	// into a sibling after a delete. 0 selects the default of 25.
	MergeThreshold int
	// NoMerge disables merging; emptied blocks are still unlinked.
	NoMerge bool
	// MaxBlocks caps the device size in blocks, 0 means unbounded.
	MaxBlocks uint64
	// FreelistPath is the free list sidecar. Empty disables persistence and
	// the free list is rebuilt from the tree on every open.
	FreelistPath string
	// NoSync skips device sync barriers. Commits are then not crash safe.
	NoSync bool
	Logger *slog.Logger
	// Superblock, when set, is used instead of the one on the device.
	Superblock *Superblock
}

func (o Options) withDefaults() Options {
	if o.BlockSize == 0 {
		o.BlockSize = sys.GetSysPageSize()
	}
	if o.CacheSize <= 0 {
		o.CacheSize = defaultCacheSize
	}
	if o.MergeThreshold == 0 {
		o.MergeThreshold = defaultMergeThreshold
	}
	if o.NoMerge {
		o.MergeThreshold = 0
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

func (o Options) validate() error {
	if !validBlockSize(o.BlockSize) {
		return fmt.Errorf("block size %d must be a power of two in [%d, %d]", o.BlockSize, MinBlockSize, MaxBlockSize)
	}
	if o.NodeMaxPtrs < 0 || (o.NodeMaxPtrs > 0 && o.NodeMaxPtrs < minNodeMaxPtrs) {
		return fmt.Errorf("node max pointers %d must be 0 or >= %d", o.NodeMaxPtrs, minNodeMaxPtrs)
	}
	if o.MergeThreshold < 0 || o.MergeThreshold > 50 {
		return fmt.Errorf("merge threshold %d%% not in [0, 50]", o.MergeThreshold)
	}
	return nil
}

// nodeMaxPtrs is the effective fan-out for the given block size.
func (o Options) nodeMaxPtrs(blockSize int) int {
	n := NodeMaxPtrs(blockSize)
	if o.NodeMaxPtrs > 0 && o.NodeMaxPtrs < n {
		n = o.NodeMaxPtrs
	}
	return n
}
