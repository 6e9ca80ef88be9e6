package cowbt

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"math/rand/v2"
	"testing"

	"github.com/google/btree"
	"github.com/stretchr/testify/require"
	"github.com/zbh255/gocode/random"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRoot(t testing.TB, opts Options) (*Root, *MemDevice) {
	dev := NewMemDevice()
	r := openTestRoot(t, dev, opts)
	return r, dev
}

func openTestRoot(t testing.TB, dev Device, opts Options) *Root {
	if opts.BlockSize == 0 {
		opts.BlockSize = testBlockSize
	}
	if opts.Logger == nil {
		opts.Logger = testLogger()
	}
	r, err := OpenDevice(dev, opts)
	require.NoError(t, err)
	return r
}

func strKey(id uint64) Key {
	return Key{ObjectID: id, Type: StringItemKey}
}

func itemLess(a, b Item) bool {
	return a.Key.Less(b.Key)
}

// requireNoRefs fails if any resident buffer is still referenced.
func requireNoRefs(t *testing.T, c *BufferCache) {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	for nr, buf := range c.buffers {
		require.Zero(t, buf.refs, "block %d still referenced", nr)
	}
}

// requireAllocConsistent compares the allocator with a free list rebuilt from
// the committed tree: no block may leak and none may be double booked.
func requireAllocConsistent(t *testing.T, r *Root) {
	t.Helper()
	first := FirstBlocknr(r.opts.BlockSize)
	fl, err := rebuildFreelist(r.cache, r.RootInfo(), first, r.alloc.total, 0)
	require.NoError(t, err)
	require.Equal(t, fl.sorted(nil), r.alloc.sorted(nil))
}

func requireSameItems(t *testing.T, r *Root, model *btree.BTreeG[Item]) {
	t.Helper()
	var got []Item
	require.NoError(t, r.Range(MinKey, func(it Item) bool {
		got = append(got, Item{Key: it.Key, Data: bytes.Clone(it.Data)})
		return true
	}))
	want := make([]Item, 0, model.Len())
	model.Ascend(func(it Item) bool {
		want = append(want, it)
		return true
	})
	require.Equal(t, len(want), len(got))
	for i := range want {
		require.Equal(t, want[i].Key, got[i].Key)
		require.True(t, bytes.Equal(want[i].Data, got[i].Data), "payload of %v", want[i].Key)
	}
}

func TestTree(t *testing.T) {
	t.Run("CowKeepsOldRoot", func(t *testing.T) {
		dev := NewMemDevice()
		leaf := &Leaf{Header: Header{Blocknr: 40, Generation: 1}, Items: []Item{
			{Key: Key{ObjectID: 100}, Data: []byte("a")},
			{Key: Key{ObjectID: 100, Offset: 5}, Data: []byte("c")},
		}}
		raw, err := EncodeBlock(testBlockSize, leaf)
		require.NoError(t, err)
		_, err = dev.WriteAt(raw, 40*testBlockSize)
		require.NoError(t, err)
		require.NoError(t, writeSuperblock(dev, &Superblock{
			BlockSize: testBlockSize, Generation: 1, Root: 40, TotalBlocks: 41,
		}))
		r := openTestRoot(t, dev, Options{})

		old, err := r.Cache().Read(40)
		require.NoError(t, err)
		tx, err := r.Begin()
		require.NoError(t, err)
		require.EqualValues(t, 2, tx.Generation())
		require.NoError(t, tx.Insert(Key{ObjectID: 100, Offset: 3}, []byte("b")))
		var keys []Key
		require.NoError(t, tx.Range(MinKey, func(it Item) bool {
			keys = append(keys, it.Key)
			return true
		}))
		require.Equal(t, []Key{{ObjectID: 100}, {ObjectID: 100, Offset: 3}, {ObjectID: 100, Offset: 5}}, keys)
		require.NoError(t, tx.Commit())

		sb := r.Superblock()
		require.EqualValues(t, 2, sb.Generation)
		require.NotEqualValues(t, 40, sb.Root)
		require.Equal(t, sb.Root, r.RootInfo().Blocknr)
		// the retained handle still sees the generation 1 leaf
		require.Len(t, old.Leaf().Items, 2)
		require.EqualValues(t, 1, old.Header().Generation)
		b, err := DecodeBlock(testBlockSize, 40, dev.Bytes()[40*testBlockSize:41*testBlockSize])
		require.NoError(t, err)
		require.Equal(t, leaf, b)
		// block 40 is free but pinned, so the next copy skips it
		require.NoError(t, r.Update(func(tx *Tx) error {
			return tx.Insert(Key{ObjectID: 101}, nil)
		}))
		require.NotEqualValues(t, 40, r.RootInfo().Blocknr)
		old.Release()
		require.NoError(t, r.Check())
		requireAllocConsistent(t, r)
		require.NoError(t, r.Close())
	})
	t.Run("LookupMissKeepsRefs", func(t *testing.T) {
		r, _ := newTestRoot(t, Options{NodeMaxPtrs: 5})
		require.NoError(t, r.Update(func(tx *Tx) error {
			for i := uint64(0); i < 200; i += 2 {
				if err := tx.Insert(strKey(i), []byte("payload")); err != nil {
					return err
				}
			}
			return nil
		}))
		require.Greater(t, r.RootInfo().Level, uint8(0))
		for _, id := range []uint64{1, 77, 1001} {
			_, _, err := r.Lookup(strKey(id))
			require.ErrorIs(t, err, ErrNotFound)
			requireNoRefs(t, r.Cache())
		}
		buf, slot, err := r.Lookup(strKey(42))
		require.NoError(t, err)
		require.Equal(t, strKey(42), buf.Leaf().Items[slot].Key)
		require.Equal(t, 1, buf.Refs())
		buf.Release()
		requireNoRefs(t, r.Cache())
		require.NoError(t, r.Close())
	})
	t.Run("Errors", func(t *testing.T) {
		r, _ := newTestRoot(t, Options{})
		tx, err := r.Begin()
		require.NoError(t, err)
		require.NoError(t, tx.Insert(strKey(1), []byte("x")))
		require.ErrorIs(t, tx.Insert(strKey(1), []byte("y")), ErrExists)
		require.ErrorIs(t, tx.Delete(strKey(2)), ErrNotFound)
		require.ErrorIs(t, tx.Update(strKey(2), nil), ErrNotFound)
		big := make([]byte, MaxItemPayload(testBlockSize)+1)
		require.ErrorIs(t, tx.Insert(strKey(3), big), ErrItemTooLarge)
		require.ErrorIs(t, tx.Update(strKey(1), big), ErrItemTooLarge)
		_, err = tx.Get(strKey(2))
		require.ErrorIs(t, err, ErrNotFound)
		// rejected calls leave the transaction usable
		require.NoError(t, tx.Insert(strKey(3), big[:MaxItemPayload(testBlockSize)]))
		v, err := tx.Get(strKey(1))
		require.NoError(t, err)
		require.Equal(t, []byte("x"), v)
		require.NoError(t, tx.Commit())
		require.ErrorIs(t, tx.Insert(strKey(4), nil), ErrTxClosed)
		require.NoError(t, r.Check())
		require.NoError(t, r.Close())
	})
	t.Run("EdgesAndRange", func(t *testing.T) {
		r, _ := newTestRoot(t, Options{NodeMaxPtrs: 4})
		require.NoError(t, r.View(func(tx *Tx) error {
			_, err := tx.MinKey()
			require.ErrorIs(t, err, ErrNotFound)
			_, err = tx.MaxKey()
			require.ErrorIs(t, err, ErrNotFound)
			return nil
		}))
		perm := rand.New(rand.NewPCG(1, 2)).Perm(300)
		require.NoError(t, r.Update(func(tx *Tx) error {
			for _, i := range perm {
				if err := tx.Insert(strKey(uint64(i)*3), []byte{byte(i)}); err != nil {
					return err
				}
			}
			return tx.Check()
		}))
		require.NoError(t, r.View(func(tx *Tx) error {
			lo, err := tx.MinKey()
			require.NoError(t, err)
			require.Equal(t, strKey(0), lo)
			hi, err := tx.MaxKey()
			require.NoError(t, err)
			require.Equal(t, strKey(299*3), hi)
			return nil
		}))
		// start between keys, stop early
		var got []uint64
		require.NoError(t, r.Range(strKey(100), func(it Item) bool {
			got = append(got, it.Key.ObjectID)
			return len(got) < 5
		}))
		require.Equal(t, []uint64{102, 105, 108, 111, 114}, got)
		got = got[:0]
		require.NoError(t, r.Range(Key{ObjectID: 897, Type: StringItemKey, Offset: 1}, func(it Item) bool {
			got = append(got, it.Key.ObjectID)
			return true
		}))
		require.Empty(t, got)
		requireNoRefs(t, r.Cache())
		require.NoError(t, r.Close())
	})
	t.Run("UpdateMovesItem", func(t *testing.T) {
		r, _ := newTestRoot(t, Options{})
		require.NoError(t, r.Update(func(tx *Tx) error {
			for i := uint64(0); i < 6; i++ {
				if err := tx.Insert(strKey(i), bytes.Repeat([]byte{'a'}, 50)); err != nil {
					return err
				}
			}
			return nil
		}))
		require.EqualValues(t, 0, r.RootInfo().Level)
		require.NoError(t, r.Update(func(tx *Tx) error {
			if err := tx.Update(strKey(2), []byte("short")); err != nil {
				return err
			}
			// no longer fits next to its neighbours
			return tx.Update(strKey(3), bytes.Repeat([]byte{'b'}, MaxItemPayload(testBlockSize)))
		}))
		v, err := r.Get(strKey(2))
		require.NoError(t, err)
		require.Equal(t, []byte("short"), v)
		v, err = r.Get(strKey(3))
		require.NoError(t, err)
		require.Len(t, v, MaxItemPayload(testBlockSize))
		require.EqualValues(t, 1, r.RootInfo().Level)
		require.NoError(t, r.Check())
		requireAllocConsistent(t, r)
		require.NoError(t, r.Close())
	})
	t.Run("SmallestFanout", func(t *testing.T) {
		_, err := OpenDevice(NewMemDevice(), Options{BlockSize: testBlockSize, NodeMaxPtrs: minNodeMaxPtrs - 1, Logger: testLogger()})
		require.Error(t, err)
		r, _ := newTestRoot(t, Options{NodeMaxPtrs: minNodeMaxPtrs})
		payload := bytes.Repeat([]byte{'p'}, 40)
		require.NoError(t, r.Update(func(tx *Tx) error {
			for i := uint64(0); i < 300; i++ {
				if err := tx.Insert(strKey(i), payload); err != nil {
					return err
				}
				if i%20 == 0 {
					if err := tx.Check(); err != nil {
						return err
					}
				}
			}
			return nil
		}))
		rng := rand.New(rand.NewPCG(3, 5))
		limit := uint32(MaxItemPayload(testBlockSize))
		require.NoError(t, r.Update(func(tx *Tx) error {
			for i := 0; i < 100; i++ {
				key := Key{ObjectID: rng.Uint64N(300), Type: StringItemKey, Offset: 1 + rng.Uint64N(1000)}
				err := tx.Insert(key, []byte(random.GenStringOnAscii(limit)))
				if err != nil && !errors.Is(err, ErrExists) {
					return err
				}
				if err = tx.Check(); err != nil {
					return err
				}
			}
			return nil
		}))
		require.Less(t, int(r.RootInfo().Level), MaxLevel)
		require.NoError(t, r.Check())
		requireAllocConsistent(t, r)
		require.NoError(t, r.Close())
	})
	t.Run("GrowAndShrink", func(t *testing.T) {
		r, _ := newTestRoot(t, Options{NodeMaxPtrs: 5})
		const n = 600
		payload := bytes.Repeat([]byte{'p'}, 40)
		require.NoError(t, r.Update(func(tx *Tx) error {
			for i := uint64(0); i < n; i++ {
				if err := tx.Insert(strKey(i), payload); err != nil {
					return err
				}
			}
			return nil
		}))
		require.GreaterOrEqual(t, r.RootInfo().Level, uint8(3))
		require.NoError(t, r.Check())
		requireAllocConsistent(t, r)
		for start := uint64(0); start < n; start += 100 {
			require.NoError(t, r.Update(func(tx *Tx) error {
				for i := start; i < start+100; i++ {
					if err := tx.Delete(strKey(i)); err != nil {
						return err
					}
				}
				return tx.Check()
			}))
			requireAllocConsistent(t, r)
		}
		require.Equal(t, RootInfo{Blocknr: r.RootInfo().Blocknr}, r.RootInfo())
		require.NoError(t, r.View(func(tx *Tx) error {
			_, err := tx.MinKey()
			require.ErrorIs(t, err, ErrNotFound)
			return nil
		}))
		// everything but the root leaf is free again
		require.Equal(t, int(r.alloc.total-FirstBlocknr(testBlockSize)-1), r.alloc.len())
		require.NoError(t, r.Close())
	})
	t.Run("NoMerge", func(t *testing.T) {
		r, _ := newTestRoot(t, Options{NodeMaxPtrs: 5, NoMerge: true})
		require.NoError(t, r.Update(func(tx *Tx) error {
			for i := uint64(0); i < 200; i++ {
				if err := tx.Insert(strKey(i), []byte("0123456789")); err != nil {
					return err
				}
			}
			return nil
		}))
		require.NoError(t, r.Update(func(tx *Tx) error {
			for i := uint64(0); i < 200; i++ {
				if i%10 == 0 {
					continue
				}
				if err := tx.Delete(strKey(i)); err != nil {
					return err
				}
			}
			return nil
		}))
		require.NoError(t, r.Check())
		var count int
		require.NoError(t, r.Range(MinKey, func(Item) bool { count++; return true }))
		require.Equal(t, 20, count)
		requireAllocConsistent(t, r)
		require.NoError(t, r.Close())
	})
}

func TestTreeRandomOps(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 11))
	r, _ := newTestRoot(t, Options{NodeMaxPtrs: 5, CacheSize: 32})
	model := btree.NewG[Item](8, itemLess)
	payload := func() []byte {
		b := make([]byte, rng.IntN(60))
		for i := range b {
			b[i] = byte(rng.Uint32())
		}
		return b
	}
	var maxLevel uint8
	for round := 0; round < 30; round++ {
		abort := round%7 == 6
		tx, err := r.Begin()
		require.NoError(t, err)
		shadow := model.Clone()
		for op := 0; op < 150; op++ {
			key := strKey(uint64(rng.IntN(1500)))
			_, exists := shadow.Get(Item{Key: key})
			switch rng.IntN(3) {
			case 0, 1:
				data := payload()
				if exists {
					require.NoError(t, tx.Update(key, data))
				} else {
					require.NoError(t, tx.Insert(key, data))
				}
				shadow.ReplaceOrInsert(Item{Key: key, Data: data})
			case 2:
				if exists {
					require.NoError(t, tx.Delete(key))
					shadow.Delete(Item{Key: key})
				} else {
					require.ErrorIs(t, tx.Delete(key), ErrNotFound)
				}
			}
			require.NoError(t, tx.Check(), "round %d op %d", round, op)
		}
		if tx.Root().Level > maxLevel {
			maxLevel = tx.Root().Level
		}
		if abort {
			require.NoError(t, tx.Abort())
		} else {
			require.NoError(t, tx.Commit())
			model = shadow
		}
		requireSameItems(t, r, model)
		requireNoRefs(t, r.Cache())
		requireAllocConsistent(t, r)
	}
	require.GreaterOrEqual(t, maxLevel, uint8(2))
	require.NoError(t, r.Check())
	require.NoError(t, r.Close())
}
