package cowbt

import (
	"encoding/binary"
	"hash/crc32"
	"testing"

	"github.com/stretchr/testify/require"
)

const testBlockSize = 512

func testLeaf(blocknr uint64, n int) *Leaf {
	l := &Leaf{Header: Header{Blocknr: blocknr, Generation: 7}}
	for i := 0; i < n; i++ {
		l.Items = append(l.Items, Item{
			Key:  Key{ObjectID: uint64(i), Type: StringItemKey, Offset: uint64(i * 10)},
			Data: []byte{byte(i), byte(i + 1), byte(i + 2)},
		})
	}
	return l
}

func crcOf(raw []byte) uint32 {
	return crc32.ChecksumIEEE(raw[offBlocknr:])
}

func TestCodec(t *testing.T) {
	t.Run("LeafRoundTrip", func(t *testing.T) {
		l := testLeaf(40, 5)
		raw, err := EncodeBlock(testBlockSize, l)
		require.NoError(t, err)
		require.Len(t, raw, testBlockSize)
		b, err := DecodeBlock(testBlockSize, 40, raw)
		require.NoError(t, err)
		require.True(t, IsLeaf(b))
		require.Equal(t, l, b.(*Leaf))
		// payloads are packed from the end, item 0 last
		require.EqualValues(t, LeafDataSize(testBlockSize)-3, l.ItemOffset(testBlockSize, 0))
		require.EqualValues(t, LeafDataSize(testBlockSize)-6, l.ItemOffset(testBlockSize, 1))
		free, err := LeafFreeSpace(testBlockSize, l)
		require.NoError(t, err)
		require.Equal(t, LeafDataSize(testBlockSize)-5*(ItemSize+3), free)
	})
	t.Run("EmptyPayload", func(t *testing.T) {
		l := testLeaf(40, 3)
		l.Items[1].Data = nil
		raw, err := EncodeBlock(testBlockSize, l)
		require.NoError(t, err)
		b, err := DecodeBlock(testBlockSize, 40, raw)
		require.NoError(t, err)
		require.Equal(t, l, b.(*Leaf))
	})
	t.Run("NodeRoundTrip", func(t *testing.T) {
		n := &Node{Header: Header{Blocknr: 41, Generation: 3, Level: 2}}
		for i := 0; i < NodeMaxPtrs(testBlockSize); i++ {
			n.Ptrs = append(n.Ptrs, KeyPtr{Key: Key{ObjectID: uint64(i * 2)}, Blockptr: uint64(100 + i)})
		}
		raw, err := EncodeBlock(testBlockSize, n)
		require.NoError(t, err)
		b, err := DecodeBlock(testBlockSize, 41, raw)
		require.NoError(t, err)
		require.False(t, IsLeaf(b))
		require.Equal(t, n, b.(*Node))
		kp, err := b.(*Node).ChildPointer(3)
		require.NoError(t, err)
		require.EqualValues(t, 103, kp.Blockptr)
		_, err = b.(*Node).ChildPointer(len(n.Ptrs))
		require.ErrorIs(t, err, ErrIndex)
		_, err = b.(*Node).ChildPointer(-1)
		require.ErrorIs(t, err, ErrIndex)

		n.Ptrs = append(n.Ptrs, KeyPtr{Key: Key{ObjectID: 1 << 40}})
		_, err = EncodeBlock(testBlockSize, n)
		require.ErrorIs(t, err, ErrInvariant)
	})
	t.Run("ItemAt", func(t *testing.T) {
		l := testLeaf(40, 2)
		it, err := l.ItemAt(1)
		require.NoError(t, err)
		require.Equal(t, l.Items[1], it)
		_, err = l.ItemAt(2)
		require.ErrorIs(t, err, ErrIndex)
	})
	t.Run("FormatErrors", func(t *testing.T) {
		good, err := EncodeBlock(testBlockSize, testLeaf(40, 4))
		require.NoError(t, err)
		corrupt := func(fn func(raw []byte)) []byte {
			raw := append([]byte(nil), good...)
			fn(raw)
			return raw
		}
		reseal := func(raw []byte) {
			binary.LittleEndian.PutUint32(raw[offCsum:], crcOf(raw))
		}
		cases := []struct {
			name    string
			blocknr uint64
			raw     []byte
		}{
			{"Zero", 40, make([]byte, testBlockSize)},
			{"Short", 40, good[:testBlockSize-32]},
			{"Checksum", 40, corrupt(func(raw []byte) { raw[testBlockSize-1] ^= 0xff })},
			{"WrongBlocknr", 41, good},
			{"LeafFlag", 40, corrupt(func(raw []byte) { raw[offFlags] = 0; reseal(raw) })},
			{"Level", 40, corrupt(func(raw []byte) { raw[offLevel] = MaxLevel; raw[offFlags] = 0; reseal(raw) })},
			{"TooManyItems", 40, corrupt(func(raw []byte) {
				binary.LittleEndian.PutUint32(raw[offNrItems:], 1000)
				reseal(raw)
			})},
			{"PayloadOutside", 40, corrupt(func(raw []byte) {
				binary.LittleEndian.PutUint32(raw[HeaderSize+KeySize:], uint32(LeafDataSize(testBlockSize)-1))
				reseal(raw)
			})},
			{"PayloadOverDescriptors", 40, corrupt(func(raw []byte) {
				binary.LittleEndian.PutUint32(raw[HeaderSize+KeySize:], 0)
				reseal(raw)
			})},
			{"PayloadOverlap", 40, corrupt(func(raw []byte) {
				second := HeaderSize + ItemSize + KeySize
				first := binary.LittleEndian.Uint32(raw[HeaderSize+KeySize:])
				binary.LittleEndian.PutUint32(raw[second:], first)
				reseal(raw)
			})},
			{"KeyOrder", 40, corrupt(func(raw []byte) {
				Key{ObjectID: 99}.put(raw[HeaderSize:])
				reseal(raw)
			})},
		}
		for _, c := range cases {
			t.Run(c.name, func(t *testing.T) {
				_, err := DecodeBlock(testBlockSize, c.blocknr, c.raw)
				require.ErrorIs(t, err, ErrFormat)
				var be *BlockError
				require.ErrorAs(t, err, &be)
				require.Equal(t, c.blocknr, be.Blocknr)
			})
		}
	})
	t.Run("OverfullLeaf", func(t *testing.T) {
		l := testLeaf(40, 1)
		l.Items[0].Data = make([]byte, LeafDataSize(testBlockSize))
		free, err := LeafFreeSpace(testBlockSize, l)
		require.ErrorIs(t, err, ErrFormat)
		require.Equal(t, -ItemSize, free)
		_, err = EncodeBlock(testBlockSize, l)
		require.ErrorIs(t, err, ErrInvariant)
	})
	t.Run("Capacity", func(t *testing.T) {
		require.Equal(t, 480, LeafDataSize(testBlockSize))
		require.Equal(t, 19, NodeMaxPtrs(testBlockSize))
		require.Equal(t, 190, MaxItemPayload(testBlockSize))
		require.EqualValues(t, 40, FirstBlocknr(testBlockSize))
		require.EqualValues(t, 5, FirstBlocknr(4096))
	})
}

func TestKeyOrder(t *testing.T) {
	a := Key{ObjectID: 1, Type: 2, Offset: 3}
	require.True(t, a.Less(Key{ObjectID: 2}))
	require.True(t, a.Less(Key{ObjectID: 1, Type: 3}))
	require.True(t, a.Less(Key{ObjectID: 1, Type: 2, Offset: 4}))
	require.False(t, a.Less(a))
	require.Equal(t, 0, a.Compare(a))
	require.True(t, MinKey.Less(a) && a.Less(MaxKey))
	require.Equal(t, "(1 2 3)", a.String())
	b := make([]byte, KeySize)
	a.put(b)
	require.Equal(t, a, readKey(b))
}
