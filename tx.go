package cowbt

import (
	"errors"
	"fmt"
	"time"
)

type txState uint8

const (
	txActive txState = iota
	txCommitting
	txCommitted
	txAborted
	// txFailed only accepts Abort.
	txFailed
)

// Tx is a write transaction, or a read-only view when created by View.
// A write Tx works on its own root: committed blocks are copied before the
// first change and the copies are edited in place until Commit.
type Tx struct {
	r        *Root
	readOnly bool
	gen      uint64
	root     RootInfo
	state    txState
	// blocks created by this transaction that are still reachable
	owned map[uint64]struct{}
	// committed blocks that become free once the commit is durable
	pending []uint64
	snap    *freelist
}

func (tx *Tx) Generation() uint64 { return tx.gen }

// Root is the working root, the committed one for a read-only Tx.
func (tx *Tx) Root() RootInfo { return tx.root }

func (tx *Tx) checkAbleUse() error {
	switch tx.state {
	case txCommitted, txAborted:
		return ErrTxClosed
	case txFailed:
		return ErrTxFailed
	case txCommitting:
		return invariantError("transaction %d used while committing", tx.gen)
	}
	return nil
}

func (tx *Tx) rlock() {
	if !tx.readOnly {
		tx.r.rw.RLock()
	}
}

func (tx *Tx) runlock() {
	if !tx.readOnly {
		tx.r.rw.RUnlock()
	}
}

// mutate runs one tree change under the write lock. Any failure after the
// tree may have been touched leaves the transaction failed; invariant
// violations also poison the Root.
func (tx *Tx) mutate(fn func() error) error {
	if err := tx.checkAbleUse(); err != nil {
		return err
	}
	if tx.readOnly {
		return fmt.Errorf("transaction %d is read only", tx.gen)
	}
	tx.r.rw.Lock()
	defer tx.r.rw.Unlock()
	if err := tx.r.cache.Fault(); err != nil {
		tx.state = txFailed
		tx.r.poison(err)
		return err
	}
	err := fn()
	switch {
	case err == nil:
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrExists), errors.Is(err, ErrItemTooLarge):
		// rejected before anything was copied
	case errors.Is(err, ErrInvariant):
		tx.state = txFailed
		tx.r.poison(err)
	default:
		tx.state = txFailed
	}
	return err
}

func (tx *Tx) Insert(key Key, data []byte) error {
	return tx.mutate(func() error { return tx.insert(key, data) })
}

func (tx *Tx) Update(key Key, data []byte) error {
	return tx.mutate(func() error { return tx.update(key, data) })
}

func (tx *Tx) Delete(key Key) error {
	return tx.mutate(func() error { return tx.delete(key) })
}

// Lookup returns the leaf holding key and the item slot. The caller owns one
// reference on the buffer. The leaf may change with later mutations of this
// transaction.
func (tx *Tx) Lookup(key Key) (*Buffer, int, error) {
	if err := tx.checkAbleUse(); err != nil {
		return nil, 0, err
	}
	tx.rlock()
	defer tx.runlock()
	return lookup(tx.r.cache, tx.root, key)
}

// Get returns a copy of the payload stored under key.
func (tx *Tx) Get(key Key) ([]byte, error) {
	buf, slot, err := tx.Lookup(key)
	if err != nil {
		return nil, err
	}
	defer buf.Release()
	return append([]byte(nil), buf.Leaf().Items[slot].Data...), nil
}

// Range calls fn for every item with a key >= start in ascending order until
// fn returns false. Item data is only valid during the call.
func (tx *Tx) Range(start Key, fn func(it Item) bool) error {
	if err := tx.checkAbleUse(); err != nil {
		return err
	}
	tx.rlock()
	defer tx.runlock()
	return rangeItems(tx.r.cache, tx.root, start, fn)
}

func (tx *Tx) MinKey() (Key, error) {
	if err := tx.checkAbleUse(); err != nil {
		return Key{}, err
	}
	tx.rlock()
	defer tx.runlock()
	return edgeKey(tx.r.cache, tx.root, false)
}

func (tx *Tx) MaxKey() (Key, error) {
	if err := tx.checkAbleUse(); err != nil {
		return Key{}, err
	}
	tx.rlock()
	defer tx.runlock()
	return edgeKey(tx.r.cache, tx.root, true)
}

func (tx *Tx) Check() error {
	if err := tx.checkAbleUse(); err != nil {
		return err
	}
	tx.rlock()
	defer tx.runlock()
	return CheckTree(tx.r.cache, tx.root)
}

// Commit makes the transaction durable. Children are written before their
// parents, then the free list sidecar, then the superblock, with a sync
// barrier before and after the superblock. On failure the previous
// superblock stays in effect and the transaction can only be aborted.
func (tx *Tx) Commit() error {
	if err := tx.checkAbleUse(); err != nil {
		return err
	}
	r := tx.r
	if tx.readOnly {
		tx.state = txCommitted
		r.rw.RUnlock()
		return nil
	}
	r.rw.Lock()
	defer r.rw.Unlock()
	start := time.Now()
	tx.state = txCommitting
	if err := tx.commit(); err != nil {
		tx.state = txFailed
		if errors.Is(err, ErrInvariant) {
			r.poison(err)
		}
		r.logger.Error("commit failed", "generation", tx.gen, "err", err)
		return err
	}
	tx.state = txCommitted
	// the frees must land before the next Begin snapshots the allocator
	err := tx.releasePending()
	r.txMu.Lock()
	r.tx = nil
	r.txMu.Unlock()
	cost := time.Since(start)
	r.stat.recordCommit(cost)
	r.logger.Debug("transaction committed", "generation", tx.gen, "root", tx.root.Blocknr,
		"level", tx.root.Level, "freed", len(tx.pending), "cost", cost)
	return err
}

func (tx *Tx) commit() error {
	r := tx.r
	if err := r.cache.Fault(); err != nil {
		return err
	}
	for _, buf := range r.cache.DirtyBuffers() {
		if err := r.cache.Write(buf); err != nil {
			return err
		}
		r.cache.MarkClean(buf)
	}
	if err := r.sync(); err != nil {
		return err
	}
	sb := r.Superblock()
	sb.Generation = tx.gen
	sb.Root = tx.root.Blocknr
	sb.RootLevel = tx.root.Level
	sb.TotalBlocks = r.alloc.total
	if path := r.opts.FreelistPath; path != "" {
		buf := r.alloc.marshal(tx.gen, tx.pending)
		if err := writeFreelistFile(path, buf, r.opts.NoSync); err != nil {
			return &BlockError{Op: "write free list", Kind: ErrIO, Err: err}
		}
		sb.FreelistGeneration = tx.gen
		sb.FreelistCsum = freelistCsum(buf)
	}
	if err := writeSuperblock(r.dev, &sb); err != nil {
		return err
	}
	if err := r.sync(); err != nil {
		// the new superblock may or may not be on disk; reusing this
		// transaction's blocks is no longer safe
		r.poison(err)
		return err
	}
	r.publish(sb)
	return nil
}

// releasePending hands the blocks the commit made unreachable back to the
// allocator.
func (tx *Tx) releasePending() error {
	r := tx.r
	var errs []error
	for _, nr := range tx.pending {
		if err := r.alloc.Free(nr); err != nil {
			errs = append(errs, err)
			continue
		}
		r.cache.Forget(nr)
	}
	if err := errors.Join(errs...); err != nil {
		r.poison(err)
		return err
	}
	return nil
}

// Abort drops every change of the transaction. Also the way out of a
// failed Commit.
func (tx *Tx) Abort() error {
	switch tx.state {
	case txCommitted, txAborted:
		return ErrTxClosed
	case txCommitting:
		return invariantError("abort of transaction %d while committing", tx.gen)
	}
	r := tx.r
	tx.state = txAborted
	if tx.readOnly {
		r.rw.RUnlock()
		return nil
	}
	r.rw.Lock()
	defer r.rw.Unlock()
	for nr := range tx.owned {
		r.cache.Discard(nr)
	}
	r.alloc = tx.snap
	r.txMu.Lock()
	r.tx = nil
	r.txMu.Unlock()
	r.stat.txAbortCount.Add(1)
	r.logger.Debug("transaction aborted", "generation", tx.gen, "blocks", len(tx.owned))
	return nil
}
