package cowbt

import (
	"errors"
	"fmt"
	"slices"
)

// RootInfo locates the top block of a tree version.
type RootInfo struct {
	Blocknr uint64
	Level   uint8
}

// readChild reads the child at slot of a node buffer and checks that it sits
// exactly one level below.
func readChild(cache *BufferCache, parent *Buffer, slot int) (*Buffer, error) {
	node := parent.Node()
	if node == nil {
		return nil, invariantError("block %d is not a node", parent.blocknr)
	}
	ptr, err := node.ChildPointer(slot)
	if err != nil {
		return nil, err
	}
	child, err := cache.Read(ptr.Blockptr)
	if err != nil {
		return nil, err
	}
	if child.level+1 != parent.level {
		child.Release()
		return nil, invariantError("block %d at level %d under node %d at level %d",
			child.blocknr, child.level, parent.blocknr, parent.level)
	}
	return child, nil
}

func readRoot(cache *BufferCache, root RootInfo) (*Buffer, error) {
	buf, err := cache.Read(root.Blocknr)
	if err != nil {
		return nil, err
	}
	if buf.level != root.Level {
		buf.Release()
		return nil, invariantError("root %d at level %d, expected %d", root.Blocknr, buf.level, root.Level)
	}
	return buf, nil
}

// lookup walks from the root to the leaf holding key. Each parent is
// released once its child is held, so a miss leaves every reference count
// where it was.
func lookup(cache *BufferCache, root RootInfo, key Key) (*Buffer, int, error) {
	buf, err := readRoot(cache, root)
	if err != nil {
		return nil, 0, err
	}
	for {
		if leaf := buf.Leaf(); leaf != nil {
			slot, found := leaf.search(key)
			if !found {
				buf.Release()
				return nil, 0, ErrNotFound
			}
			return buf, slot, nil
		}
		child, err := readChild(cache, buf, buf.Node().childSlot(key))
		buf.Release()
		if err != nil {
			return nil, 0, err
		}
		buf = child
	}
}

// searchPath is the read-only descent that keeps every level referenced.
func searchPath(cache *BufferCache, root RootInfo, key Key) (*Path, bool, error) {
	buf, err := readRoot(cache, root)
	if err != nil {
		return nil, false, err
	}
	p := new(Path)
	for {
		level := int(buf.level)
		p.nodes[level] = buf
		if level == 0 {
			slot, found := buf.Leaf().search(key)
			p.slots[0] = slot
			return p, found, nil
		}
		slot := buf.Node().childSlot(key)
		p.slots[level] = slot
		if buf, err = readChild(cache, buf, slot); err != nil {
			p.release()
			return nil, false, err
		}
	}
}

// edgeKey descends along the first or last pointer of every level.
func edgeKey(cache *BufferCache, root RootInfo, last bool) (Key, error) {
	buf, err := readRoot(cache, root)
	if err != nil {
		return Key{}, err
	}
	for {
		n := buf.block.NrItems()
		if n == 0 {
			buf.Release()
			return Key{}, ErrNotFound
		}
		slot := 0
		if last {
			slot = n - 1
		}
		if leaf := buf.Leaf(); leaf != nil {
			k := leaf.Items[slot].Key
			buf.Release()
			return k, nil
		}
		child, err := readChild(cache, buf, slot)
		buf.Release()
		if err != nil {
			return Key{}, err
		}
		buf = child
	}
}

// CheckTree verifies ordering, levels, low keys and the encoded layout of
// every block reachable from root.
func CheckTree(cache *BufferCache, root RootInfo) error {
	return checkBlock(cache, root.Blocknr, root.Level, nil, nil)
}

func checkBlock(cache *BufferCache, blocknr uint64, level uint8, lo, hi *Key) error {
	buf, err := cache.Read(blocknr)
	if err != nil {
		return err
	}
	defer buf.Release()
	if buf.level != level {
		return invariantError("block %d at level %d, expected %d", blocknr, buf.level, level)
	}
	if _, err = EncodeBlock(cache.BlockSize(), buf.block); err != nil {
		return err
	}
	isRoot := lo == nil
	n := buf.block.NrItems()
	if n == 0 && (!isRoot || level > 0) {
		return invariantError("empty block %d at level %d", blocknr, level)
	}
	keyAt := func(i int) Key {
		if leaf := buf.Leaf(); leaf != nil {
			return leaf.Items[i].Key
		}
		return buf.Node().Ptrs[i].Key
	}
	for i := 0; i < n; i++ {
		k := keyAt(i)
		if i == 0 && lo != nil && k != *lo {
			return invariantError("block %d low key %v, parent says %v", blocknr, k, *lo)
		}
		if i > 0 && !keyAt(i-1).Less(k) {
			return invariantError("block %d keys out of order at %d", blocknr, i)
		}
		if hi != nil && !k.Less(*hi) {
			return invariantError("block %d key %v not below %v", blocknr, k, *hi)
		}
	}
	node := buf.Node()
	if node == nil {
		return nil
	}
	for i, ptr := range node.Ptrs {
		childHi := hi
		if i+1 < len(node.Ptrs) {
			childHi = &node.Ptrs[i+1].Key
		}
		if err = checkBlock(cache, ptr.Blockptr, level-1, &ptr.Key, childHi); err != nil {
			return err
		}
	}
	return nil
}

// alloc takes a block number from the allocator, skipping numbers still
// pinned in the cache by handles to an older tree version.
func (tx *Tx) alloc() (uint64, error) {
	var skipped []uint64
	defer func() {
		for _, nr := range skipped {
			_ = tx.r.alloc.Free(nr)
		}
	}()
	for {
		nr, err := tx.r.alloc.Alloc()
		if err != nil {
			return 0, err
		}
		if tx.r.cache.InUse(nr) {
			skipped = append(skipped, nr)
			continue
		}
		return nr, nil
	}
}

// newBlock installs a block created by this transaction, dirty.
func (tx *Tx) newBlock(b Block) (*Buffer, error) {
	nr := b.header().Blocknr
	buf, err := tx.r.cache.NewBlock(b)
	if err != nil {
		_ = tx.r.alloc.Free(nr)
		return nil, err
	}
	tx.r.cache.MarkDirty(buf)
	tx.owned[nr] = struct{}{}
	return buf, nil
}

// free gives up a block that is no longer reachable from the working root.
// Blocks of this transaction go straight back to the allocator, committed
// ones wait until the commit has made them unreachable on disk.
func (tx *Tx) free(blocknr, generation uint64) error {
	if generation != tx.gen {
		tx.pending = append(tx.pending, blocknr)
		return nil
	}
	delete(tx.owned, blocknr)
	if !tx.r.cache.Discard(blocknr) {
		tx.pending = append(tx.pending, blocknr)
		return nil
	}
	return tx.r.alloc.Free(blocknr)
}

// cow makes buf writable in this transaction. A block already stamped with
// the transaction generation is returned as is; anything older is cloned to
// a new block number and the parent pointer (or the working root) is moved
// to the clone. On success buf's reference is handed over to the result.
func (tx *Tx) cow(buf *Buffer, parent *Buffer, slot int) (*Buffer, error) {
	h := buf.Header()
	if h.Generation == tx.gen {
		return buf, nil
	}
	if h.Generation > tx.gen {
		return nil, invariantError("block %d generation %d ahead of transaction %d", h.Blocknr, h.Generation, tx.gen)
	}
	nr, err := tx.alloc()
	if err != nil {
		return nil, err
	}
	b := buf.block.clone()
	nh := b.header()
	nh.Blocknr = nr
	nh.Generation = tx.gen
	nb, err := tx.newBlock(b)
	if err != nil {
		return nil, err
	}
	if parent == nil {
		tx.root = RootInfo{Blocknr: nr, Level: h.Level}
	} else {
		parent.Node().Ptrs[slot].Blockptr = nr
	}
	buf.Release()
	tx.pending = append(tx.pending, h.Blocknr)
	return nb, nil
}

func (tx *Tx) cowPath(p *Path, level int) error {
	var (
		parent *Buffer
		slot   int
	)
	if level+1 < MaxLevel && p.nodes[level+1] != nil {
		parent = p.nodes[level+1]
		slot = p.slots[level+1]
	}
	nb, err := tx.cow(p.nodes[level], parent, slot)
	if err != nil {
		return err
	}
	p.nodes[level] = nb
	return nil
}

// searchSlot descends to the leaf for key, copying every block on the way.
// insLen > 0 announces an insert: full nodes are split before descending so
// a later leaf split always finds room in its parent.
func (tx *Tx) searchSlot(key Key, insLen int) (*Path, bool, error) {
	buf, err := readRoot(tx.r.cache, tx.root)
	if err != nil {
		return nil, false, err
	}
	p := new(Path)
	level := int(buf.level)
	p.nodes[level] = buf
	for {
		if err = tx.cowPath(p, level); err != nil {
			p.release()
			return nil, false, err
		}
		buf = p.nodes[level]
		if level == 0 {
			slot, found := buf.Leaf().search(key)
			p.slots[0] = slot
			return p, found, nil
		}
		node := buf.Node()
		if len(node.Ptrs) == 0 {
			p.release()
			return nil, false, invariantError("empty node %d at level %d", buf.blocknr, level)
		}
		p.slots[level] = node.childSlot(key)
		if insLen > 0 && len(node.Ptrs) >= tx.r.maxPtrs {
			if err = tx.splitNode(p, level); err != nil {
				p.release()
				return nil, false, err
			}
		}
		child, err := readChild(tx.r.cache, p.nodes[level], p.slots[level])
		if err != nil {
			p.release()
			return nil, false, err
		}
		level--
		p.nodes[level] = child
	}
}

// insertNewRoot puts a single-pointer node above the current top of p.
func (tx *Tx) insertNewRoot(p *Path, level int) error {
	if level >= MaxLevel {
		return invariantError("tree height would exceed %d", MaxLevel)
	}
	child := p.nodes[level-1]
	key, _ := FirstKey(child.block)
	nr, err := tx.alloc()
	if err != nil {
		return err
	}
	root := &Node{
		Header: Header{Blocknr: nr, Generation: tx.gen, Level: uint8(level)},
		Ptrs:   []KeyPtr{{Key: key, Blockptr: child.blocknr}},
	}
	buf, err := tx.newBlock(root)
	if err != nil {
		return err
	}
	p.nodes[level] = buf
	p.slots[level] = 0
	tx.root = RootInfo{Blocknr: nr, Level: uint8(level)}
	tx.r.logger.Debug("tree grew", "root", nr, "level", level)
	return nil
}

func (tx *Tx) insertPtr(p *Path, level, slot int, kp KeyPtr) error {
	node := p.node(level)
	if len(node.Ptrs) >= tx.r.maxPtrs {
		return invariantError("node %d full at level %d", node.Blocknr, level)
	}
	node.Ptrs = slices.Insert(node.Ptrs, slot, kp)
	return nil
}

func (tx *Tx) deletePtr(p *Path, level, slot int) {
	node := p.node(level)
	node.Ptrs = slices.Delete(node.Ptrs, slot, slot+1)
	if slot == 0 && len(node.Ptrs) > 0 {
		tx.fixupLowKeys(p, node.Ptrs[0].Key, level+1)
	}
}

// fixupLowKeys rewrites the separator keys above level after the first key
// of a block changed. It stops at the first ancestor where the block is not
// the leftmost child.
func (tx *Tx) fixupLowKeys(p *Path, key Key, level int) {
	for i := level; i < MaxLevel && p.nodes[i] != nil; i++ {
		slot := p.slots[i]
		p.node(i).Ptrs[slot].Key = key
		if slot != 0 {
			break
		}
	}
}

// splitNode moves the upper half of the node at level into a new right
// sibling and keeps p pointing at the half that covers the search key.
func (tx *Tx) splitNode(p *Path, level int) error {
	if level+1 >= MaxLevel || p.nodes[level+1] == nil {
		if err := tx.insertNewRoot(p, level+1); err != nil {
			return err
		}
	}
	node := p.node(level)
	mid := len(node.Ptrs) / 2
	nr, err := tx.alloc()
	if err != nil {
		return err
	}
	right := &Node{
		Header: Header{Blocknr: nr, Generation: tx.gen, Level: node.Level},
		Ptrs:   slices.Clone(node.Ptrs[mid:]),
	}
	rb, err := tx.newBlock(right)
	if err != nil {
		return err
	}
	node.Ptrs = node.Ptrs[:mid:mid]
	if err = tx.insertPtr(p, level+1, p.slots[level+1]+1, KeyPtr{Key: right.Ptrs[0].Key, Blockptr: nr}); err != nil {
		rb.Release()
		return err
	}
	if p.slots[level] >= mid {
		p.set(level, rb)
		p.slots[level] -= mid
		p.slots[level+1]++
	} else {
		rb.Release()
	}
	return nil
}

// leafSplitPoint picks the split index that balances the byte usage of the
// two halves while keeping both within one leaf. -1 if no split fits.
func leafSplitPoint(items []Item, dataSize int) int {
	total := usedBytes(items)
	best, bestDiff := -1, 0
	left := 0
	for i := 1; i < len(items); i++ {
		left += ItemSize + len(items[i-1].Data)
		right := total - left
		if left > dataSize || right > dataSize {
			continue
		}
		diff := left - right
		if diff < 0 {
			diff = -diff
		}
		if best < 0 || diff < bestDiff {
			best, bestDiff = i, diff
		}
	}
	return best
}

// splitLeaf inserts item at slot of the full leaf in p by dividing the
// combined items between the leaf and a new right sibling.
func (tx *Tx) splitLeaf(p *Path, slot int, item Item) error {
	leaf := p.leaf()
	items := slices.Insert(slices.Clone(leaf.Items), slot, item)
	split := leafSplitPoint(items, LeafDataSize(tx.r.cache.BlockSize()))
	if split < 0 {
		return invariantError("no split point for %d items in leaf %d", len(items), leaf.Blocknr)
	}
	if p.nodes[1] == nil {
		if err := tx.insertNewRoot(p, 1); err != nil {
			return err
		}
	}
	nr, err := tx.alloc()
	if err != nil {
		return err
	}
	right := &Leaf{
		Header: Header{Blocknr: nr, Generation: tx.gen},
		Items:  slices.Clone(items[split:]),
	}
	rb, err := tx.newBlock(right)
	if err != nil {
		return err
	}
	defer rb.Release()
	leaf.Items = items[:split:split]
	if err = tx.insertPtr(p, 1, p.slots[1]+1, KeyPtr{Key: right.Items[0].Key, Blockptr: nr}); err != nil {
		return err
	}
	if slot == 0 {
		tx.fixupLowKeys(p, leaf.Items[0].Key, 1)
	}
	return nil
}

func (tx *Tx) checkPayload(data []byte) error {
	if limit := MaxItemPayload(tx.r.cache.BlockSize()); len(data) > limit {
		return fmt.Errorf("%w: %d bytes, limit %d", ErrItemTooLarge, len(data), limit)
	}
	return nil
}

// has is a read-only lookup in the working tree, so a failing insert or
// delete does not copy anything.
func (tx *Tx) has(key Key) (bool, error) {
	buf, _, err := lookup(tx.r.cache, tx.root, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	buf.Release()
	return true, nil
}

func (tx *Tx) insert(key Key, data []byte) error {
	if err := tx.checkPayload(data); err != nil {
		return err
	}
	exists, err := tx.has(key)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%w: %v", ErrExists, key)
	}
	need := ItemSize + len(data)
	p, found, err := tx.searchSlot(key, need)
	if err != nil {
		return err
	}
	defer p.release()
	if found {
		return invariantError("key %v appeared during insert", key)
	}
	leaf := p.leaf()
	slot := p.slots[0]
	item := Item{Key: key, Data: slices.Clone(data)}
	if LeafDataSize(tx.r.cache.BlockSize())-leaf.used() < need {
		return tx.splitLeaf(p, slot, item)
	}
	leaf.Items = slices.Insert(leaf.Items, slot, item)
	if slot == 0 {
		tx.fixupLowKeys(p, key, 1)
	}
	return nil
}

func (tx *Tx) update(key Key, data []byte) error {
	if err := tx.checkPayload(data); err != nil {
		return err
	}
	exists, err := tx.has(key)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: %v", ErrNotFound, key)
	}
	p, found, err := tx.searchSlot(key, 0)
	if err != nil {
		return err
	}
	defer p.release()
	if !found {
		return invariantError("key %v vanished during update", key)
	}
	leaf := p.leaf()
	it := &leaf.Items[p.slots[0]]
	free := LeafDataSize(tx.r.cache.BlockSize()) - leaf.used()
	if len(data)-len(it.Data) <= free {
		it.Data = slices.Clone(data)
		return nil
	}
	// does not fit in place: move it through a delete and a fresh insert
	p.release()
	if err = tx.delete(key); err != nil {
		return err
	}
	return tx.insert(key, data)
}

func (tx *Tx) delete(key Key) error {
	exists, err := tx.has(key)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: %v", ErrNotFound, key)
	}
	p, found, err := tx.searchSlot(key, -1)
	if err != nil {
		return err
	}
	defer p.release()
	if !found {
		return invariantError("key %v vanished during delete", key)
	}
	leaf := p.leaf()
	slot := p.slots[0]
	leaf.Items = slices.Delete(leaf.Items, slot, slot+1)
	if slot == 0 && len(leaf.Items) > 0 {
		tx.fixupLowKeys(p, leaf.Items[0].Key, 1)
	}
	if err = tx.balance(p); err != nil {
		return err
	}
	p.release()
	return tx.collapseRoot()
}

func (tx *Tx) underflow(b Block) bool {
	t := tx.r.opts.MergeThreshold
	if t == 0 {
		return false
	}
	switch v := b.(type) {
	case *Leaf:
		return v.used()*100 < t*LeafDataSize(tx.r.cache.BlockSize())
	case *Node:
		return len(v.Ptrs)*100 < t*tx.r.maxPtrs
	}
	return false
}

func (tx *Tx) canMerge(a, b Block) bool {
	switch v := a.(type) {
	case *Leaf:
		return v.used()+b.(*Leaf).used() <= LeafDataSize(tx.r.cache.BlockSize())
	case *Node:
		return len(v.Ptrs)+len(b.(*Node).Ptrs) <= tx.r.maxPtrs
	}
	return false
}

// balance walks up from the leaf of p after a delete: empty blocks are
// unlinked, underfull ones merged into a sibling.
func (tx *Tx) balance(p *Path) error {
	for level := 0; level+1 < MaxLevel && p.nodes[level+1] != nil; level++ {
		buf := p.nodes[level]
		if buf.block.NrItems() == 0 {
			if err := tx.unlink(p, level); err != nil {
				return err
			}
			continue
		}
		if !tx.underflow(buf.block) {
			return nil
		}
		merged, err := tx.mergeSibling(p, level)
		if err != nil || !merged {
			return err
		}
	}
	return nil
}

// unlink frees the block at level and removes its pointer from the parent.
func (tx *Tx) unlink(p *Path, level int) error {
	h := p.nodes[level].Header()
	p.drop(level)
	if err := tx.free(h.Blocknr, h.Generation); err != nil {
		return err
	}
	tx.deletePtr(p, level+1, p.slots[level+1])
	return nil
}

// mergeSibling folds the block at level and its left (or else right)
// sibling into the left one. It reports false when neither sibling exists
// or the union would not fit in one block.
func (tx *Tx) mergeSibling(p *Path, level int) (bool, error) {
	parent := p.nodes[level+1]
	slot := p.slots[level+1]
	sibSlot := slot - 1
	if slot == 0 {
		sibSlot = 1
	}
	if sibSlot >= len(parent.Node().Ptrs) {
		return false, nil
	}
	sib, err := readChild(tx.r.cache, parent, sibSlot)
	if err != nil {
		return false, err
	}
	cur := p.nodes[level]
	if !tx.canMerge(cur.block, sib.block) {
		sib.Release()
		return false, nil
	}
	left, right, leftSlot := cur, sib, slot
	if sibSlot < slot {
		// only the surviving left block has to be writable
		if left, err = tx.cow(sib, parent, sibSlot); err != nil {
			sib.Release()
			return false, err
		}
		right, leftSlot = cur, sibSlot
	}
	switch l := left.block.(type) {
	case *Leaf:
		l.Items = append(l.Items, right.block.clone().(*Leaf).Items...)
	case *Node:
		l.Ptrs = append(l.Ptrs, right.Node().Ptrs...)
	}
	rh := right.Header()
	if left != cur {
		p.set(level, left)
		p.slots[level+1] = leftSlot
	} else {
		right.Release()
	}
	if err = tx.free(rh.Blocknr, rh.Generation); err != nil {
		return false, err
	}
	tx.deletePtr(p, level+1, leftSlot+1)
	return true, nil
}

// collapseRoot drops root nodes that are left with a single child.
func (tx *Tx) collapseRoot() error {
	for tx.root.Level > 0 {
		buf, err := readRoot(tx.r.cache, tx.root)
		if err != nil {
			return err
		}
		node := buf.Node()
		if len(node.Ptrs) > 1 {
			buf.Release()
			return nil
		}
		if len(node.Ptrs) == 0 {
			buf.Release()
			return invariantError("root node %d has no children", buf.blocknr)
		}
		h := buf.Header()
		child := node.Ptrs[0].Blockptr
		buf.Release()
		tx.root = RootInfo{Blocknr: child, Level: h.Level - 1}
		if err = tx.free(h.Blocknr, h.Generation); err != nil {
			return err
		}
		tx.r.logger.Debug("tree shrank", "root", child, "level", tx.root.Level)
	}
	return nil
}
