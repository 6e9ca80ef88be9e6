package cowbt

import (
	"container/list"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/google/btree"
)

// BufferCache owns every in-memory block buffer of one Root. Reference
// counts, the dirty set and the LRU list are all guarded by mu. Only
// unreferenced clean buffers sit on the LRU list and only those are ever
// evicted.
type BufferCache struct {
	mu        sync.Mutex
	dev       Device
	blockSize int
	capacity  int
	buffers   map[uint64]*Buffer
	lru       *list.List
	// dirty is ordered by (level, blocknr) so ascending iteration writes
	// children before their parents.
	dirty  *btree.BTreeG[*Buffer]
	stat   *iStat
	logger *slog.Logger
	// fault is the first invariant violation seen; the owner stops mutating
	// once it is set.
	fault error
}

func dirtyLess(a, b *Buffer) bool {
	if a.level != b.level {
		return a.level < b.level
	}
	return a.blocknr < b.blocknr
}

func newBufferCache(dev Device, blockSize, capacity int, stat *iStat, logger *slog.Logger) *BufferCache {
	if stat == nil {
		stat = new(iStat)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BufferCache{
		dev:       dev,
		blockSize: blockSize,
		capacity:  capacity,
		buffers:   make(map[uint64]*Buffer, capacity),
		lru:       list.New(),
		dirty:     btree.NewG[*Buffer](32, dirtyLess),
		stat:      stat,
		logger:    logger,
	}
}

func (c *BufferCache) BlockSize() int { return c.blockSize }

func (c *BufferCache) offset(blocknr uint64) int64 {
	return int64(blocknr) * int64(c.blockSize)
}

// Fault returns the first recorded invariant violation, if any.
func (c *BufferCache) Fault() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fault
}

func (c *BufferCache) setFaultLocked(err error) {
	if c.fault == nil {
		c.fault = err
		c.logger.Error("buffer cache invariant violated", "err", err)
	}
}

// grabLocked takes a reference on a resident buffer.
func (c *BufferCache) grabLocked(buf *Buffer) {
	if buf.lru != nil {
		c.lru.Remove(buf.lru)
		buf.lru = nil
	}
	buf.refs++
}

// Find returns a resident buffer without touching the device.
func (c *BufferCache) Find(blocknr uint64) (*Buffer, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	buf, ok := c.buffers[blocknr]
	if !ok {
		return nil, false
	}
	c.grabLocked(buf)
	return buf, true
}

// Read returns the buffer for blocknr, reading and decoding it on a miss.
func (c *BufferCache) Read(blocknr uint64) (*Buffer, error) {
	c.mu.Lock()
	if buf, ok := c.buffers[blocknr]; ok {
		c.grabLocked(buf)
		c.mu.Unlock()
		c.stat.cacheHit.Add(1)
		return buf, nil
	}
	c.mu.Unlock()
	c.stat.cacheMiss.Add(1)

	raw := make([]byte, c.blockSize)
	n, err := c.dev.ReadAt(raw, c.offset(blocknr))
	if n != len(raw) {
		if err == nil || errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, ioError("read", blocknr, err)
	}
	c.stat.blockRead.Add(1)
	block, err := DecodeBlock(c.blockSize, blocknr, raw)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// another reader may have loaded it while the lock was dropped
	if buf, ok := c.buffers[blocknr]; ok {
		c.grabLocked(buf)
		return buf, nil
	}
	buf := c.insertLocked(block)
	c.evictLocked()
	return buf, nil
}

func (c *BufferCache) insertLocked(block Block) *Buffer {
	h := block.header()
	buf := &Buffer{
		cache:   c,
		blocknr: h.Blocknr,
		level:   h.Level,
		block:   block,
		refs:    1,
	}
	c.buffers[h.Blocknr] = buf
	return buf
}

// NewBlock installs a freshly allocated block and returns it referenced
// once and clean. A stale unreferenced buffer for the same block number is
// dropped; a referenced or dirty one is an invariant violation.
func (c *BufferCache) NewBlock(block Block) (*Buffer, error) {
	blocknr := block.header().Blocknr
	c.mu.Lock()
	defer c.mu.Unlock()
	if old, ok := c.buffers[blocknr]; ok {
		if old.refs > 0 || old.dirty {
			err := invariantError("block %d reallocated while cached with %d refs (dirty=%v)", blocknr, old.refs, old.dirty)
			c.setFaultLocked(err)
			return nil, err
		}
		c.dropLocked(old)
	}
	buf := c.insertLocked(block)
	c.evictLocked()
	return buf, nil
}

// InUse reports whether blocknr is resident and referenced or dirty.
func (c *BufferCache) InUse(blocknr uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	buf, ok := c.buffers[blocknr]
	return ok && (buf.refs > 0 || buf.dirty)
}

// Release drops one reference. At zero a clean buffer becomes eligible for
// eviction.
func (c *BufferCache) Release(buf *Buffer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if buf.dead || buf.refs <= 0 {
		c.setFaultLocked(invariantError("release of block %d with %d refs (dead=%v)", buf.blocknr, buf.refs, buf.dead))
		return
	}
	buf.refs--
	if buf.refs == 0 && !buf.dirty {
		buf.lru = c.lru.PushFront(buf)
		c.evictLocked()
	}
}

// MarkDirty adds buf to the dirty set. Dirty buffers are never evicted.
func (c *BufferCache) MarkDirty(buf *Buffer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if buf.dirty {
		return
	}
	buf.dirty = true
	if buf.lru != nil {
		c.lru.Remove(buf.lru)
		buf.lru = nil
	}
	c.dirty.ReplaceOrInsert(buf)
}

// MarkClean removes buf from the dirty set after a successful write.
func (c *BufferCache) MarkClean(buf *Buffer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !buf.dirty {
		return
	}
	buf.dirty = false
	c.dirty.Delete(buf)
	if buf.refs == 0 {
		buf.lru = c.lru.PushFront(buf)
		c.evictLocked()
	}
}

// Write stores the buffer's current content at its block offset. The
// buffer stays dirty; the caller cleans it once the write is acknowledged.
func (c *BufferCache) Write(buf *Buffer) error {
	raw, err := EncodeBlock(c.blockSize, buf.block)
	if err != nil {
		c.mu.Lock()
		c.setFaultLocked(err)
		c.mu.Unlock()
		return err
	}
	n, err := c.dev.WriteAt(raw, c.offset(buf.blocknr))
	if err != nil {
		return ioError("write", buf.blocknr, err)
	}
	if n != len(raw) {
		return ioError("write", buf.blocknr, io.ErrShortWrite)
	}
	c.stat.blockWrite.Add(1)
	return nil
}

// Sync is the durability barrier for every completed Write.
func (c *BufferCache) Sync() error {
	if err := c.dev.Sync(); err != nil {
		return ioError("sync", 0, err)
	}
	return nil
}

// DirtyBuffers returns the dirty set in flush order: lower levels first.
func (c *BufferCache) DirtyBuffers() []*Buffer {
	c.mu.Lock()
	defer c.mu.Unlock()
	res := make([]*Buffer, 0, c.dirty.Len())
	c.dirty.Ascend(func(buf *Buffer) bool {
		res = append(res, buf)
		return true
	})
	return res
}

func (c *BufferCache) DirtyCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dirty.Len()
}

// Discard forgets blocknr whether it is dirty or not, for blocks of an
// uncommitted transaction that became unreachable. A buffer that is still
// referenced only loses its dirty state and false is returned; it leaves the
// cache once released and reallocated.
func (c *BufferCache) Discard(blocknr uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	buf, ok := c.buffers[blocknr]
	if !ok {
		return true
	}
	if buf.dirty {
		buf.dirty = false
		c.dirty.Delete(buf)
	}
	if buf.refs > 0 {
		return false
	}
	c.dropLocked(buf)
	return true
}

// Forget drops an unreferenced clean buffer if it is resident. Used when a
// block is freed so a later reuse of the number starts from a clean slate.
func (c *BufferCache) Forget(blocknr uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	buf, ok := c.buffers[blocknr]
	if ok && buf.refs == 0 && !buf.dirty {
		c.dropLocked(buf)
	}
}

func (c *BufferCache) dropLocked(buf *Buffer) {
	if buf.lru != nil {
		c.lru.Remove(buf.lru)
		buf.lru = nil
	}
	delete(c.buffers, buf.blocknr)
	buf.dead = true
}

// evictLocked trims the cache down to its capacity, least recently used
// first. Buffers that are referenced or dirty are not on the LRU list, so
// the cache may stay above capacity while many buffers are pinned.
func (c *BufferCache) evictLocked() {
	for len(c.buffers) > c.capacity {
		back := c.lru.Back()
		if back == nil {
			return
		}
		buf := back.Value.(*Buffer)
		if err := c.evictOneLocked(buf); err != nil {
			return
		}
	}
}

func (c *BufferCache) evictOneLocked(buf *Buffer) error {
	if buf.refs != 0 || buf.dirty {
		err := invariantError("evict block %d with %d refs (dirty=%v)", buf.blocknr, buf.refs, buf.dirty)
		c.setFaultLocked(err)
		return err
	}
	c.dropLocked(buf)
	c.stat.cacheEvict.Add(1)
	return nil
}

// Len is the number of resident buffers.
func (c *BufferCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buffers)
}

// close drops every buffer. Buffers still referenced or dirty are reported
// and dropped anyway.
func (c *BufferCache) close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var leaked, dirty int
	for _, buf := range c.buffers {
		if buf.refs > 0 {
			leaked++
		}
		if buf.dirty {
			dirty++
		}
		buf.dead = true
	}
	c.buffers = make(map[uint64]*Buffer)
	c.lru.Init()
	c.dirty.Clear(false)
	if dirty > 0 {
		c.logger.Warn("closing buffer cache with uncommitted blocks", "dirty", dirty)
	}
	if leaked > 0 {
		return invariantError("%d buffers still referenced at close", leaked)
	}
	return nil
}
