package cowbt

// Path records the buffers and slots visited from the root down to a leaf.
// nodes[0] is the leaf. Every non-nil entry holds one buffer reference.
type Path struct {
	nodes [MaxLevel]*Buffer
	slots [MaxLevel]int
}

func (p *Path) leaf() *Leaf {
	return p.nodes[0].Leaf()
}

func (p *Path) node(level int) *Node {
	return p.nodes[level].Node()
}

// top is the highest level held by the path, -1 for an empty path.
func (p *Path) top() int {
	for i := MaxLevel - 1; i >= 0; i-- {
		if p.nodes[i] != nil {
			return i
		}
	}
	return -1
}

// set replaces the buffer at level, releasing the previous one.
func (p *Path) set(level int, buf *Buffer) {
	if old := p.nodes[level]; old != nil && old != buf {
		old.Release()
	}
	p.nodes[level] = buf
}

// drop releases the buffer at level and clears it.
func (p *Path) drop(level int) {
	if p.nodes[level] != nil {
		p.nodes[level].Release()
		p.nodes[level] = nil
	}
}

func (p *Path) release() {
	for i := range p.nodes {
		p.drop(i)
	}
}
