package cowbt

import (
	"container/heap"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"slices"

	"github.com/golang/snappy"
)

// Allocator hands out block numbers for copy-on-write clones and takes back
// numbers whose blocks are no longer reachable.
type Allocator interface {
	Alloc() (uint64, error)
	Free(blocknr uint64) error
}

var _ Allocator = (*freelist)(nil)

type blockHeap []uint64

func (h blockHeap) Len() int           { return len(h) }
func (h blockHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h blockHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *blockHeap) Push(x any)        { *h = append(*h, x.(uint64)) }
func (h *blockHeap) Pop() any {
	old := *h
	v := old[len(old)-1]
	*h = old[:len(old)-1]
	return v
}

// freelist is the default Allocator: a min-heap of free block numbers below
// the high-water mark. Lowest numbers are reused first so the device stays
// compact.
type freelist struct {
	first  uint64
	total  uint64
	max    uint64
	free   blockHeap
	member map[uint64]struct{}
}

func newFreelist(first, total, max uint64) *freelist {
	return &freelist{
		first:  first,
		total:  total,
		max:    max,
		member: make(map[uint64]struct{}),
	}
}

func (f *freelist) Alloc() (uint64, error) {
	if len(f.free) > 0 {
		nr := heap.Pop(&f.free).(uint64)
		delete(f.member, nr)
		return nr, nil
	}
	if f.max > 0 && f.total >= f.max {
		return 0, fmt.Errorf("%w: device limit of %d blocks reached", ErrNoSpace, f.max)
	}
	nr := f.total
	f.total++
	return nr, nil
}

func (f *freelist) Free(blocknr uint64) error {
	if blocknr < f.first || blocknr >= f.total {
		return invariantError("free of block %d outside [%d, %d)", blocknr, f.first, f.total)
	}
	if _, ok := f.member[blocknr]; ok {
		return invariantError("double free of block %d", blocknr)
	}
	f.member[blocknr] = struct{}{}
	heap.Push(&f.free, blocknr)
	return nil
}

func (f *freelist) len() int {
	return len(f.free)
}

func (f *freelist) clone() *freelist {
	c := &freelist{
		first:  f.first,
		total:  f.total,
		max:    f.max,
		free:   slices.Clone(f.free),
		member: make(map[uint64]struct{}, len(f.member)),
	}
	for nr := range f.member {
		c.member[nr] = struct{}{}
	}
	return c
}

// sorted returns the free numbers plus extra, ascending.
func (f *freelist) sorted(extra []uint64) []uint64 {
	res := make([]uint64, 0, len(f.free)+len(extra))
	res = append(res, f.free...)
	res = append(res, extra...)
	slices.Sort(res)
	return res
}

// Sidecar layout:
//
//	[0:4)   crc32 over [4:)
//	[4:12)  generation
//	[12:)   snappy(uvarint total, uvarint count, uvarint deltas...)
func (f *freelist) marshal(generation uint64, extra []uint64) []byte {
	nrs := f.sorted(extra)
	raw := binary.AppendUvarint(nil, f.total)
	raw = binary.AppendUvarint(raw, uint64(len(nrs)))
	var prev uint64
	for _, nr := range nrs {
		raw = binary.AppendUvarint(raw, nr-prev)
		prev = nr
	}
	buf := make([]byte, 12, 12+snappy.MaxEncodedLen(len(raw)))
	binary.LittleEndian.PutUint64(buf[4:], generation)
	buf = append(buf, snappy.Encode(nil, raw)...)
	binary.LittleEndian.PutUint32(buf[0:], crc32.ChecksumIEEE(buf[4:]))
	return buf
}

var errFreelistCorrupt = errors.New("free list sidecar corrupt")

func unmarshalFreelist(buf []byte, first, max uint64) (f *freelist, generation uint64, err error) {
	if len(buf) < 12 {
		return nil, 0, fmt.Errorf("%w: %d bytes", errFreelistCorrupt, len(buf))
	}
	if crc32.ChecksumIEEE(buf[4:]) != binary.LittleEndian.Uint32(buf[0:]) {
		return nil, 0, fmt.Errorf("%w: checksum mismatch", errFreelistCorrupt)
	}
	generation = binary.LittleEndian.Uint64(buf[4:])
	raw, err := snappy.Decode(nil, buf[12:])
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", errFreelistCorrupt, err)
	}
	next := func() (uint64, error) {
		v, n := binary.Uvarint(raw)
		if n <= 0 {
			return 0, fmt.Errorf("%w: truncated", errFreelistCorrupt)
		}
		raw = raw[n:]
		return v, nil
	}
	total, err := next()
	if err != nil {
		return nil, 0, err
	}
	count, err := next()
	if err != nil {
		return nil, 0, err
	}
	f = newFreelist(first, total, max)
	var nr uint64
	for i := uint64(0); i < count; i++ {
		delta, err := next()
		if err != nil {
			return nil, 0, err
		}
		nr += delta
		if err = f.Free(nr); err != nil {
			return nil, 0, fmt.Errorf("%w: %v", errFreelistCorrupt, err)
		}
	}
	return f, generation, nil
}

func freelistCsum(buf []byte) uint32 {
	return binary.LittleEndian.Uint32(buf[0:])
}

// writeFreelistFile replaces the sidecar atomically: temp file, sync,
// rename.
func writeFreelistFile(path string, buf []byte, noSync bool) error {
	tmp := path + ".tmp"
	file, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	if _, err = file.Write(buf); err != nil {
		_ = file.Close()
		return err
	}
	if !noSync {
		if err = file.Sync(); err != nil {
			_ = file.Close()
			return err
		}
	}
	if err = file.Close(); err != nil {
		return err
	}
	if err = os.Rename(tmp, path); err != nil {
		return err
	}
	if noSync {
		return nil
	}
	dir, err := os.Open(filepath.Dir(path))
	if err != nil {
		return err
	}
	defer dir.Close()
	// some platforms refuse to sync directories, the rename is still there
	_ = dir.Sync()
	return nil
}
