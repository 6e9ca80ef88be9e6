package cowbt

import (
	"slices"
)

// Header is shared by nodes and leaves. The item count is the length of the
// pointer or item slice and is not stored separately in memory.
type Header struct {
	Blocknr    uint64
	Generation uint64
	Level      uint8
}

func (h *Header) header() *Header { return h }

// Block is a decoded block, either a *Node or a *Leaf.
type Block interface {
	header() *Header
	NrItems() int
	clone() Block
}

// KeyPtr is one node slot: the lowest key of a child subtree and the child's
// block number.
type KeyPtr struct {
	Key      Key
	Blockptr uint64
}

// Node is an internal block, Level > 0.
type Node struct {
	Header
	Ptrs []KeyPtr
}

func (n *Node) NrItems() int { return len(n.Ptrs) }

func (n *Node) clone() Block {
	return &Node{Header: n.Header, Ptrs: slices.Clone(n.Ptrs)}
}

// ChildPointer returns slot i.
func (n *Node) ChildPointer(i int) (KeyPtr, error) {
	if i < 0 || i >= len(n.Ptrs) {
		return KeyPtr{}, indexError("child pointer", i, len(n.Ptrs))
	}
	return n.Ptrs[i], nil
}

// search returns the slot of key or the slot it would be inserted at.
func (n *Node) search(key Key) (int, bool) {
	return slices.BinarySearchFunc(n.Ptrs, key, func(p KeyPtr, k Key) int {
		return p.Key.Compare(k)
	})
}

// childSlot is the slot holding the greatest key <= key, 0 when key sorts
// before every pointer.
func (n *Node) childSlot(key Key) int {
	slot, found := n.search(key)
	if !found && slot > 0 {
		slot--
	}
	return slot
}

// Item is one leaf record. Data is opaque to the engine.
type Item struct {
	Key  Key
	Data []byte
}

// Leaf is a terminal block, Level == 0.
type Leaf struct {
	Header
	Items []Item
}

func (l *Leaf) NrItems() int { return len(l.Items) }

func (l *Leaf) clone() Block {
	items := make([]Item, len(l.Items))
	for i, it := range l.Items {
		items[i] = Item{Key: it.Key, Data: slices.Clone(it.Data)}
	}
	return &Leaf{Header: l.Header, Items: items}
}

func (l *Leaf) ItemAt(i int) (Item, error) {
	if i < 0 || i >= len(l.Items) {
		return Item{}, indexError("leaf item", i, len(l.Items))
	}
	return l.Items[i], nil
}

func (l *Leaf) search(key Key) (int, bool) {
	return slices.BinarySearchFunc(l.Items, key, func(it Item, k Key) int {
		return it.Key.Compare(k)
	})
}

// used is the number of data area bytes taken by descriptors and payloads.
func (l *Leaf) used() int {
	return usedBytes(l.Items)
}

func usedBytes(items []Item) int {
	n := len(items) * ItemSize
	for _, it := range items {
		n += len(it.Data)
	}
	return n
}

// ItemOffset is the packed payload offset of item i, relative to the data
// area.
func (l *Leaf) ItemOffset(blockSize, i int) uint32 {
	off := LeafDataSize(blockSize)
	for j := 0; j <= i && j < len(l.Items); j++ {
		off -= len(l.Items[j].Data)
	}
	return uint32(off)
}

// LeafFreeSpace reports the unused bytes of a leaf. A negative result means
// the leaf cannot be a valid block.
func LeafFreeSpace(blockSize int, l *Leaf) (int, error) {
	free := LeafDataSize(blockSize) - l.used()
	if free < 0 {
		return free, formatError(l.Blocknr, "leaf free space %d < 0", free)
	}
	return free, nil
}

func IsLeaf(b Block) bool {
	return b.header().Level == 0
}

func HeaderOf(b Block) Header {
	return *b.header()
}

// FirstKey is the lowest key held by the block. ok is false for an empty
// block.
func FirstKey(b Block) (k Key, ok bool) {
	switch v := b.(type) {
	case *Node:
		if len(v.Ptrs) > 0 {
			return v.Ptrs[0].Key, true
		}
	case *Leaf:
		if len(v.Items) > 0 {
			return v.Items[0].Key, true
		}
	}
	return Key{}, false
}
