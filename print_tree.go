package cowbt

import (
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
)

// Dumper prints a subtree in the classic debug-tree layout.
type Dumper struct {
	Out       io.Writer
	Formatter ItemFormatter
	// Color wraps the block lines in ANSI colors.
	Color bool
}

func (d *Dumper) out() io.Writer {
	if d.Out == nil {
		return os.Stdout
	}
	return d.Out
}

func (d *Dumper) formatter() ItemFormatter {
	if d.Formatter == nil {
		return DefaultFormatter
	}
	return d.Formatter
}

func (d *Dumper) paint(attr color.Attribute, format string, args ...any) string {
	s := fmt.Sprintf(format, args...)
	if !d.Color {
		return s
	}
	c := color.New(attr)
	c.EnableColor()
	return c.Sprint(s)
}

// PrintTree prints buf and, for a node, every child read through cache.
// The caller keeps its reference on buf; children are released after they
// are printed.
func (d *Dumper) PrintTree(cache *BufferCache, buf *Buffer) error {
	if buf == nil {
		return nil
	}
	w := d.out()
	if leaf := buf.Leaf(); leaf != nil {
		return d.printLeaf(w, cache.BlockSize(), leaf)
	}
	node := buf.Node()
	free := NodeMaxPtrs(cache.BlockSize()) - len(node.Ptrs)
	if _, err := fmt.Fprintln(w, d.paint(color.FgCyan, "node %d level %d items %d free %d generation %d",
		node.Blocknr, node.Level, len(node.Ptrs), free, node.Generation)); err != nil {
		return err
	}
	for i, ptr := range node.Ptrs {
		if _, err := fmt.Fprintf(w, "\tkey %d %v block %d\n", i, ptr.Key, ptr.Blockptr); err != nil {
			return err
		}
	}
	for i, ptr := range node.Ptrs {
		child, err := cache.Read(ptr.Blockptr)
		if err != nil {
			return err
		}
		if IsLeaf(child.block) != (node.Level == 1) || child.level+1 != node.Level {
			child.Release()
			return invariantError("child %d (block %d, level %d) of node %d at level %d",
				i, ptr.Blockptr, child.level, node.Blocknr, node.Level)
		}
		err = d.PrintTree(cache, child)
		child.Release()
		if err != nil {
			return err
		}
	}
	return nil
}

func (d *Dumper) printLeaf(w io.Writer, blockSize int, leaf *Leaf) error {
	free, err := LeafFreeSpace(blockSize, leaf)
	if err != nil {
		return err
	}
	if _, err = fmt.Fprintln(w, d.paint(color.FgGreen, "leaf %d items %d free space %d generation %d",
		leaf.Blocknr, len(leaf.Items), free, leaf.Generation)); err != nil {
		return err
	}
	f := d.formatter()
	for i, it := range leaf.Items {
		if _, err = fmt.Fprintf(w, "\titem %d key %v itemoff %d itemsize %d\n",
			i, it.Key, leaf.ItemOffset(blockSize, i), len(it.Data)); err != nil {
			return err
		}
		if s := f.FormatItem(it.Key, it.Data); s != "" {
			if _, err = fmt.Fprintf(w, "\t\t%s\n", s); err != nil {
				return err
			}
		}
	}
	return nil
}
