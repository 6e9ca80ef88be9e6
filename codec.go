package cowbt

import (
	"cmp"
	"encoding/binary"
	"hash/crc32"
	"slices"
)

// EncodeBlock serializes b into a fresh blockSize buffer. Leaf payloads are
// repacked, so a decoded-then-encoded leaf is always compact.
func EncodeBlock(blockSize int, b Block) ([]byte, error) {
	buf := make([]byte, blockSize)
	if err := encodeBlockTo(buf, b); err != nil {
		return nil, err
	}
	return buf, nil
}

func encodeBlockTo(buf []byte, b Block) error {
	blockSize := len(buf)
	clear(buf)
	h := b.header()
	binary.LittleEndian.PutUint64(buf[offBlocknr:], h.Blocknr)
	binary.LittleEndian.PutUint64(buf[offGeneration:], h.Generation)
	binary.LittleEndian.PutUint32(buf[offNrItems:], uint32(b.NrItems()))
	buf[offLevel] = h.Level
	switch v := b.(type) {
	case *Node:
		if h.Level == 0 {
			return invariantError("encode node %d with level 0", h.Blocknr)
		}
		if len(v.Ptrs) > NodeMaxPtrs(blockSize) {
			return invariantError("encode node %d: %d pointers overflow the block", h.Blocknr, len(v.Ptrs))
		}
		p := buf[HeaderSize:]
		for _, ptr := range v.Ptrs {
			ptr.Key.put(p)
			binary.LittleEndian.PutUint64(p[KeySize:], ptr.Blockptr)
			p = p[KeyPtrSize:]
		}
	case *Leaf:
		if h.Level != 0 {
			return invariantError("encode leaf %d with level %d", h.Blocknr, h.Level)
		}
		buf[offFlags] = flagLeaf
		if _, err := LeafFreeSpace(blockSize, v); err != nil {
			return invariantError("encode leaf %d: %v", h.Blocknr, err)
		}
		data := buf[HeaderSize:]
		end := len(data)
		desc := data
		for _, it := range v.Items {
			start := end - len(it.Data)
			copy(data[start:end], it.Data)
			it.Key.put(desc)
			binary.LittleEndian.PutUint32(desc[KeySize:], uint32(start))
			binary.LittleEndian.PutUint32(desc[KeySize+4:], uint32(len(it.Data)))
			desc = desc[ItemSize:]
			end = start
		}
	default:
		return invariantError("encode unknown block type %T", b)
	}
	binary.LittleEndian.PutUint32(buf[offCsum:], crc32.ChecksumIEEE(buf[offBlocknr:]))
	return nil
}

// DecodeBlock parses and validates raw block bytes read for blocknr.
func DecodeBlock(blockSize int, blocknr uint64, raw []byte) (Block, error) {
	if len(raw) != blockSize {
		return nil, formatError(blocknr, "raw size %d != block size %d", len(raw), blockSize)
	}
	if bytesIsZero(raw) {
		return nil, formatError(blocknr, "block was never written")
	}
	sum := binary.LittleEndian.Uint32(raw[offCsum:])
	if got := crc32.ChecksumIEEE(raw[offBlocknr:]); got != sum {
		return nil, formatError(blocknr, "checksum %08x != stored %08x", got, sum)
	}
	h := Header{
		Blocknr:    binary.LittleEndian.Uint64(raw[offBlocknr:]),
		Generation: binary.LittleEndian.Uint64(raw[offGeneration:]),
		Level:      raw[offLevel],
	}
	if h.Blocknr != blocknr {
		return nil, formatError(blocknr, "header claims block %d", h.Blocknr)
	}
	if h.Level >= MaxLevel {
		return nil, formatError(blocknr, "level %d >= %d", h.Level, MaxLevel)
	}
	flags := raw[offFlags]
	if (flags&flagLeaf != 0) != (h.Level == 0) {
		return nil, formatError(blocknr, "leaf flag %#x disagrees with level %d", flags, h.Level)
	}
	nr := int(binary.LittleEndian.Uint32(raw[offNrItems:]))
	if h.Level > 0 {
		return decodeNode(blockSize, h, nr, raw)
	}
	return decodeLeaf(blockSize, h, nr, raw)
}

func decodeNode(blockSize int, h Header, nr int, raw []byte) (*Node, error) {
	if nr > NodeMaxPtrs(blockSize) {
		return nil, formatError(h.Blocknr, "node has %d pointers, max %d", nr, NodeMaxPtrs(blockSize))
	}
	n := &Node{Header: h, Ptrs: make([]KeyPtr, nr)}
	p := raw[HeaderSize:]
	for i := 0; i < nr; i++ {
		n.Ptrs[i] = KeyPtr{
			Key:      readKey(p),
			Blockptr: binary.LittleEndian.Uint64(p[KeySize:]),
		}
		if i > 0 && n.Ptrs[i-1].Key.Compare(n.Ptrs[i].Key) >= 0 {
			return nil, formatError(h.Blocknr, "node keys out of order at slot %d", i)
		}
		p = p[KeyPtrSize:]
	}
	return n, nil
}

type payloadRange struct {
	off, end int
}

func decodeLeaf(blockSize int, h Header, nr int, raw []byte) (*Leaf, error) {
	data := raw[HeaderSize:]
	descEnd := nr * ItemSize
	if descEnd > len(data) {
		return nil, formatError(h.Blocknr, "leaf has %d items, descriptors overflow the block", nr)
	}
	l := &Leaf{Header: h, Items: make([]Item, nr)}
	ranges := make([]payloadRange, 0, nr)
	p := data
	for i := 0; i < nr; i++ {
		key := readKey(p)
		off := int(binary.LittleEndian.Uint32(p[KeySize:]))
		size := int(binary.LittleEndian.Uint32(p[KeySize+4:]))
		if off < descEnd || off+size > len(data) || off+size < off {
			return nil, formatError(h.Blocknr, "item %d payload [%d,%d) outside [%d,%d)", i, off, off+size, descEnd, len(data))
		}
		if i > 0 && l.Items[i-1].Key.Compare(key) >= 0 {
			return nil, formatError(h.Blocknr, "leaf keys out of order at slot %d", i)
		}
		l.Items[i].Key = key
		if size > 0 {
			l.Items[i].Data = slices.Clone(data[off : off+size])
			ranges = append(ranges, payloadRange{off: off, end: off + size})
		}
		p = p[ItemSize:]
	}
	slices.SortFunc(ranges, func(a, b payloadRange) int { return cmp.Compare(a.off, b.off) })
	for i := 1; i < len(ranges); i++ {
		if ranges[i].off < ranges[i-1].end {
			return nil, formatError(h.Blocknr, "payload ranges overlap at offset %d", ranges[i].off)
		}
	}
	if _, err := LeafFreeSpace(blockSize, l); err != nil {
		return nil, err
	}
	return l, nil
}
