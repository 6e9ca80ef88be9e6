package cowbt

// Cursor walks leaf items in key order. It holds one reference on every
// block of its current path until Close.
type Cursor struct {
	cache *BufferCache
	p     *Path
	err   error
}

// Seek positions a new cursor at the first item with a key >= start.
func Seek(cache *BufferCache, root RootInfo, start Key) (*Cursor, error) {
	p, _, err := searchPath(cache, root, start)
	if err != nil {
		return nil, err
	}
	c := &Cursor{cache: cache, p: p}
	if p.slots[0] >= len(p.leaf().Items) {
		c.advance()
	}
	return c, c.err
}

// Valid reports whether the cursor is on an item.
func (c *Cursor) Valid() bool {
	return c.err == nil && c.p != nil && c.p.slots[0] < len(c.p.leaf().Items)
}

func (c *Cursor) Err() error { return c.err }

// Item is the current item. Data aliases the cached block.
func (c *Cursor) Item() Item {
	return c.p.leaf().Items[c.p.slots[0]]
}

func (c *Cursor) Key() Key {
	return c.Item().Key
}

// Next moves to the following item and reports whether there is one.
func (c *Cursor) Next() (bool, error) {
	if !c.Valid() {
		return false, c.err
	}
	c.p.slots[0]++
	if c.p.slots[0] >= len(c.p.leaf().Items) {
		c.advance()
	}
	return c.Valid(), c.err
}

// advance moves the path to the first item of the next leaf, or past the
// end of the last one.
func (c *Cursor) advance() {
	for {
		ok, err := c.nextLeaf()
		if err != nil {
			c.err = err
			return
		}
		if !ok || len(c.p.leaf().Items) > 0 {
			return
		}
	}
}

// nextLeaf climbs to the lowest ancestor with a right neighbour and descends
// its leftmost edge. false at the end of the tree.
func (c *Cursor) nextLeaf() (bool, error) {
	p := c.p
	for level := 1; level < MaxLevel && p.nodes[level] != nil; level++ {
		if p.slots[level]+1 >= len(p.node(level).Ptrs) {
			continue
		}
		p.slots[level]++
		for l := level; l > 0; l-- {
			child, err := readChild(c.cache, p.nodes[l], p.slots[l])
			if err != nil {
				return false, err
			}
			p.set(l-1, child)
			p.slots[l-1] = 0
		}
		return true, nil
	}
	p.slots[0] = len(p.leaf().Items)
	return false, nil
}

func (c *Cursor) Close() {
	if c.p != nil {
		c.p.release()
		c.p = nil
	}
}

func rangeItems(cache *BufferCache, root RootInfo, start Key, fn func(it Item) bool) error {
	c, err := Seek(cache, root, start)
	if c != nil {
		defer c.Close()
	}
	if err != nil {
		return err
	}
	for c.Valid() {
		if !fn(c.Item()) {
			return nil
		}
		if _, err = c.Next(); err != nil {
			return err
		}
	}
	return nil
}
