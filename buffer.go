package cowbt

import (
	"container/list"
)

// Buffer is the cached image of one block. Handles returned by the cache
// must be given back with Release; a Buffer must not be used after its last
// Release.
type Buffer struct {
	cache   *BufferCache
	blocknr uint64
	level   uint8
	block   Block

	// guarded by cache.mu
	refs  int
	dirty bool
	lru   *list.Element
	dead  bool
}

func (b *Buffer) Blocknr() uint64 { return b.blocknr }

func (b *Buffer) Block() Block { return b.block }

// Node returns the decoded node, nil for a leaf.
func (b *Buffer) Node() *Node {
	n, _ := b.block.(*Node)
	return n
}

// Leaf returns the decoded leaf, nil for a node.
func (b *Buffer) Leaf() *Leaf {
	l, _ := b.block.(*Leaf)
	return l
}

func (b *Buffer) Header() Header {
	return *b.block.header()
}

func (b *Buffer) Refs() int {
	b.cache.mu.Lock()
	defer b.cache.mu.Unlock()
	return b.refs
}

func (b *Buffer) Dirty() bool {
	b.cache.mu.Lock()
	defer b.cache.mu.Unlock()
	return b.dirty
}

// Release drops one reference. Safe to defer.
func (b *Buffer) Release() {
	b.cache.Release(b)
}
