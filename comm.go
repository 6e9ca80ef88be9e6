package cowbt

// On-disk layout. All integers are little endian.
//
//	block header (HeaderSize bytes)
//	  [0:4)   crc32 IEEE over [4:blockSize)
//	  [4:12)  blocknr
//	  [12:20) generation
//	  [20:24) nritems
//	  [24]    level
//	  [25]    flags
//	  [26:32) reserved
//
//	node:  header | nritems x (key, blockptr u64) | unused
//	leaf:  header | nritems x (key, offset u32, size u32) | free | payloads
//
// Leaf payload offsets are relative to the end of the header. Payloads are
// packed from the end of the block downwards, item 0 at the very end.
const (
	HeaderSize = 32
	KeySize    = 17
	KeyPtrSize = KeySize + 8
	ItemSize   = KeySize + 8

	// SuperblockOffset is the fixed byte offset of the superblock.
	SuperblockOffset = 16 * 1024
	SuperblockSize   = 4096

	// MaxLevel bounds tree height.
	MaxLevel = 12

	MinBlockSize = 512
	MaxBlockSize = 64 * 1024
)

const (
	offCsum       = 0
	offBlocknr    = 4
	offGeneration = 12
	offNrItems    = 20
	offLevel      = 24
	offFlags      = 25

	flagLeaf uint8 = 1 << 0
)

// LeafDataSize is the number of bytes available to descriptors and payloads.
func LeafDataSize(blockSize int) int {
	return blockSize - HeaderSize
}

// NodeMaxPtrs is the number of child pointers that fit in one node block.
func NodeMaxPtrs(blockSize int) int {
	return (blockSize - HeaderSize) / KeyPtrSize
}

// MaxItemPayload is the largest payload a single leaf item may carry. It
// leaves room for two more descriptors so a split can always place the item
// alone in a leaf.
func MaxItemPayload(blockSize int) int {
	return LeafDataSize(blockSize)/2 - 2*ItemSize
}

// FirstBlocknr is the first block number not overlapping the superblock.
func FirstBlocknr(blockSize int) uint64 {
	end := SuperblockOffset + SuperblockSize
	return uint64((end + blockSize - 1) / blockSize)
}

func validBlockSize(bs int) bool {
	return bs >= MinBlockSize && bs <= MaxBlockSize && bs&(bs-1) == 0
}
