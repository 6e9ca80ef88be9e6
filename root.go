package cowbt

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	cmap "github.com/zbh255/gocode/container/map"
)

// Root is an open tree: the device, its buffer cache, the allocator and the
// committed root. At most one write transaction is active at a time.
type Root struct {
	// rw orders tree readers against mutations and commit.
	rw sync.RWMutex
	// txMu guards tx, super, root, fault and closed.
	txMu    sync.Mutex
	tx      *Tx
	super   Superblock
	root    RootInfo
	fault   error
	closed  bool
	opts    Options
	dev     Device
	cache   *BufferCache
	alloc   *freelist
	maxPtrs int
	stat    iStat
	logger  *slog.Logger
}

// Open opens or formats the tree stored in the file at path. The free list
// sidecar defaults to path + ".freelist".
func Open(path string, opts Options) (*Root, error) {
	if opts.FreelistPath == "" {
		opts.FreelistPath = path + ".freelist"
	}
	dev, err := OpenFileDevice(path)
	if err != nil {
		return nil, err
	}
	r, err := OpenDevice(dev, opts)
	if err != nil {
		_ = dev.Close()
		return nil, err
	}
	return r, nil
}

// OpenDevice opens the tree on dev. A device without a superblock is
// formatted with an empty leaf root at generation 1. When opts.Superblock is
// set it is trusted instead of reading the one on the device.
func OpenDevice(dev Device, opts Options) (*Root, error) {
	opts = opts.withDefaults()
	sb := opts.Superblock
	if sb == nil {
		read, err := readSuperblock(dev)
		switch {
		case errors.Is(err, errNoSuperblock):
			if err = opts.validate(); err != nil {
				return nil, err
			}
			if read, err = format(dev, opts); err != nil {
				return nil, err
			}
		case err != nil:
			return nil, err
		}
		sb = read
	}
	opts.BlockSize = int(sb.BlockSize)
	if err := opts.validate(); err != nil {
		return nil, err
	}
	r := &Root{
		super:   *sb,
		root:    RootInfo{Blocknr: sb.Root, Level: sb.RootLevel},
		opts:    opts,
		dev:     dev,
		maxPtrs: opts.nodeMaxPtrs(opts.BlockSize),
		logger:  opts.Logger,
	}
	r.cache = newBufferCache(dev, opts.BlockSize, opts.CacheSize, &r.stat, opts.Logger)
	buf, err := readRoot(r.cache, r.root)
	if err != nil {
		return nil, fmt.Errorf("load root: %w", err)
	}
	buf.Release()
	if err = r.loadFreelist(); err != nil {
		return nil, err
	}
	r.logger.Info("tree opened", "generation", sb.Generation, "root", sb.Root,
		"level", sb.RootLevel, "blockSize", sb.BlockSize, "free", r.alloc.len())
	return r, nil
}

func syncDevice(dev Device, noSync bool) error {
	if noSync {
		return nil
	}
	if err := dev.Sync(); err != nil {
		return &BlockError{Op: "sync", Kind: ErrIO, Err: err}
	}
	return nil
}

// format writes an empty leaf root at the first usable block and the
// generation 1 superblock pointing at it.
func format(dev Device, opts Options) (*Superblock, error) {
	bs := opts.BlockSize
	first := FirstBlocknr(bs)
	leaf := &Leaf{Header: Header{Blocknr: first, Generation: 1}}
	raw, err := EncodeBlock(bs, leaf)
	if err != nil {
		return nil, err
	}
	n, err := dev.WriteAt(raw, int64(first)*int64(bs))
	if err == nil && n != len(raw) {
		err = io.ErrShortWrite
	}
	if err != nil {
		return nil, ioError("format", first, err)
	}
	sb := &Superblock{
		BlockSize:   uint32(bs),
		Generation:  1,
		Root:        first,
		TotalBlocks: first + 1,
	}
	if opts.FreelistPath != "" {
		buf := newFreelist(first, first+1, opts.MaxBlocks).marshal(1, nil)
		if err = writeFreelistFile(opts.FreelistPath, buf, opts.NoSync); err != nil {
			return nil, &BlockError{Op: "write free list", Kind: ErrIO, Err: err}
		}
		sb.FreelistGeneration = 1
		sb.FreelistCsum = freelistCsum(buf)
	}
	if err = syncDevice(dev, opts.NoSync); err != nil {
		return nil, err
	}
	if err = writeSuperblock(dev, sb); err != nil {
		return nil, err
	}
	if err = syncDevice(dev, opts.NoSync); err != nil {
		return nil, err
	}
	opts.Logger.Info("device formatted", "blockSize", bs, "root", first)
	return sb, nil
}

// loadFreelist trusts the sidecar only when it was written by the same
// commit as the superblock; anything else is rebuilt from the tree.
func (r *Root) loadFreelist() error {
	first := FirstBlocknr(r.opts.BlockSize)
	if path := r.opts.FreelistPath; path != "" {
		reason := r.readFreelist(path, first)
		if reason == nil {
			return nil
		}
		r.logger.Warn("free list sidecar unusable, rebuilding from tree", "path", path, "reason", reason)
	}
	fl, err := rebuildFreelist(r.cache, r.root, first, r.super.TotalBlocks, r.opts.MaxBlocks)
	if err != nil {
		return fmt.Errorf("rebuild free list: %w", err)
	}
	r.alloc = fl
	r.stat.freelistRebuilds.Add(1)
	r.logger.Debug("free list rebuilt", "free", fl.len(), "total", fl.total)
	return nil
}

func (r *Root) readFreelist(path string, first uint64) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	fl, gen, err := unmarshalFreelist(buf, first, r.opts.MaxBlocks)
	if err != nil {
		return err
	}
	switch {
	case gen != r.super.FreelistGeneration:
		return fmt.Errorf("generation %d, superblock expects %d", gen, r.super.FreelistGeneration)
	case freelistCsum(buf) != r.super.FreelistCsum:
		return fmt.Errorf("checksum %08x, superblock expects %08x", freelistCsum(buf), r.super.FreelistCsum)
	case fl.total != r.super.TotalBlocks:
		return fmt.Errorf("total %d, superblock says %d", fl.total, r.super.TotalBlocks)
	}
	r.alloc = fl
	return nil
}

// rebuildFreelist frees every block number in [first, total) that is not
// reachable from root.
func rebuildFreelist(cache *BufferCache, root RootInfo, first, total, max uint64) (*freelist, error) {
	// block number to level of every block the walk visited
	reachable := cmap.NewBtreeMap[uint64, uint8](64)
	var walk func(buf *Buffer) error
	walk = func(buf *Buffer) error {
		defer buf.Release()
		nr := buf.blocknr
		if nr < first || nr >= total {
			return invariantError("reachable block %d outside [%d, %d)", nr, first, total)
		}
		if !reachable.StoreOk(nr, buf.level) {
			return invariantError("block %d referenced twice", nr)
		}
		node := buf.Node()
		if node == nil {
			return nil
		}
		for i := range node.Ptrs {
			child, err := readChild(cache, buf, i)
			if err != nil {
				return err
			}
			if err = walk(child); err != nil {
				return err
			}
		}
		return nil
	}
	buf, err := readRoot(cache, root)
	if err != nil {
		return nil, err
	}
	if err = walk(buf); err != nil {
		return nil, err
	}
	fl := newFreelist(first, total, max)
	for nr := first; nr < total; nr++ {
		if _, ok := reachable.LoadOk(nr); !ok {
			if err = fl.Free(nr); err != nil {
				return nil, err
			}
		}
	}
	return fl, nil
}

func (r *Root) sync() error {
	return syncDevice(r.dev, r.opts.NoSync)
}

// poison records the first fatal error; Begin refuses to start after it.
func (r *Root) poison(err error) {
	r.txMu.Lock()
	defer r.txMu.Unlock()
	if r.fault == nil {
		r.fault = err
		r.logger.Error("tree poisoned, refusing further transactions", "err", err)
	}
}

func (r *Root) publish(sb Superblock) {
	r.txMu.Lock()
	defer r.txMu.Unlock()
	r.super = sb
	r.root = RootInfo{Blocknr: sb.Root, Level: sb.RootLevel}
}

// Begin starts the write transaction. Transactions do not nest: a second
// Begin while one is active fails.
func (r *Root) Begin() (*Tx, error) {
	r.txMu.Lock()
	defer r.txMu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	if r.fault != nil {
		return nil, fmt.Errorf("tree unusable: %w", r.fault)
	}
	if r.tx != nil {
		return nil, invariantError("transaction %d already active", r.tx.gen)
	}
	tx := &Tx{
		r:     r,
		gen:   r.super.Generation + 1,
		root:  r.root,
		owned: make(map[uint64]struct{}),
		snap:  r.alloc.clone(),
	}
	r.tx = tx
	r.logger.Debug("transaction started", "generation", tx.gen)
	return tx, nil
}

// Update runs fn in a write transaction, committing when fn returns nil and
// aborting otherwise.
func (r *Root) Update(fn func(tx *Tx) error) (err error) {
	tx, err := r.Begin()
	if err != nil {
		return err
	}
	if err = fn(tx); err != nil {
		return errors.Join(err, tx.Abort())
	}
	if err = tx.Commit(); err != nil {
		return errors.Join(err, tx.Abort())
	}
	return nil
}

// View runs fn against the committed tree. Writers wait until fn returns.
func (r *Root) View(fn func(tx *Tx) error) error {
	r.rw.RLock()
	r.txMu.Lock()
	if r.closed {
		r.txMu.Unlock()
		r.rw.RUnlock()
		return ErrClosed
	}
	tx := &Tx{
		r:        r,
		readOnly: true,
		gen:      r.super.Generation,
		root:     r.root,
	}
	r.txMu.Unlock()
	if err := fn(tx); err != nil {
		return errors.Join(err, tx.Abort())
	}
	return tx.Commit()
}

// Lookup searches the committed tree. See Tx.Lookup.
func (r *Root) Lookup(key Key) (*Buffer, int, error) {
	r.rw.RLock()
	defer r.rw.RUnlock()
	return lookup(r.cache, r.RootInfo(), key)
}

func (r *Root) Get(key Key) ([]byte, error) {
	buf, slot, err := r.Lookup(key)
	if err != nil {
		return nil, err
	}
	defer buf.Release()
	return append([]byte(nil), buf.Leaf().Items[slot].Data...), nil
}

func (r *Root) Range(start Key, fn func(it Item) bool) error {
	r.rw.RLock()
	defer r.rw.RUnlock()
	return rangeItems(r.cache, r.RootInfo(), start, fn)
}

// Check runs CheckTree on the committed tree.
func (r *Root) Check() error {
	r.rw.RLock()
	defer r.rw.RUnlock()
	return CheckTree(r.cache, r.RootInfo())
}

// Dump prints the committed tree.
func (r *Root) Dump(d *Dumper) error {
	r.rw.RLock()
	defer r.rw.RUnlock()
	buf, err := readRoot(r.cache, r.RootInfo())
	if err != nil {
		return err
	}
	defer buf.Release()
	return d.PrintTree(r.cache, buf)
}

func (r *Root) RootInfo() RootInfo {
	r.txMu.Lock()
	defer r.txMu.Unlock()
	return r.root
}

func (r *Root) Superblock() Superblock {
	r.txMu.Lock()
	defer r.txMu.Unlock()
	return r.super
}

func (r *Root) Cache() *BufferCache { return r.cache }

func (r *Root) Stat() ExportStat { return r.stat.export() }

// Close releases the cache and closes the device. It fails while a write
// transaction is active.
func (r *Root) Close() error {
	r.txMu.Lock()
	if r.closed {
		r.txMu.Unlock()
		return ErrClosed
	}
	if r.tx != nil {
		gen := r.tx.gen
		r.txMu.Unlock()
		return invariantError("close with transaction %d active", gen)
	}
	r.closed = true
	r.txMu.Unlock()
	r.rw.Lock()
	defer r.rw.Unlock()
	err := r.cache.close()
	if cerr := r.dev.Close(); cerr != nil {
		err = errors.Join(err, &BlockError{Op: "close", Kind: ErrIO, Err: cerr})
	}
	r.logger.Info("tree closed", "generation", r.super.Generation)
	return err
}
