package cowbt

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
)

var superMagic = [8]byte{'_', 'C', 'O', 'W', 'B', 'T', '0', '1'}

// Superblock is the durable root of trust. Layout at SuperblockOffset:
//
//	[0:8)   magic
//	[8:12)  crc32 over [12:SuperblockSize)
//	[12:16) block size
//	[16:24) generation
//	[24:32) root blocknr
//	[32]    root level
//	[40:48) total blocks (allocator high-water mark)
//	[48:56) free list generation
//	[56:60) free list crc32
type Superblock struct {
	BlockSize          uint32
	Generation         uint64
	Root               uint64
	RootLevel          uint8
	TotalBlocks        uint64
	FreelistGeneration uint64
	FreelistCsum       uint32
}

func (s *Superblock) encode() []byte {
	buf := make([]byte, SuperblockSize)
	copy(buf[0:8], superMagic[:])
	binary.LittleEndian.PutUint32(buf[12:], s.BlockSize)
	binary.LittleEndian.PutUint64(buf[16:], s.Generation)
	binary.LittleEndian.PutUint64(buf[24:], s.Root)
	buf[32] = s.RootLevel
	binary.LittleEndian.PutUint64(buf[40:], s.TotalBlocks)
	binary.LittleEndian.PutUint64(buf[48:], s.FreelistGeneration)
	binary.LittleEndian.PutUint32(buf[56:], s.FreelistCsum)
	binary.LittleEndian.PutUint32(buf[8:], crc32.ChecksumIEEE(buf[12:]))
	return buf
}

func superError(format string, args ...any) error {
	return &BlockError{Op: "superblock", Kind: ErrFormat, Err: fmt.Errorf(format, args...)}
}

func decodeSuperblock(buf []byte) (*Superblock, error) {
	if len(buf) != SuperblockSize {
		return nil, superError("size %d", len(buf))
	}
	if [8]byte(buf[0:8]) != superMagic {
		return nil, superError("bad magic %q", buf[0:8])
	}
	sum := binary.LittleEndian.Uint32(buf[8:])
	if got := crc32.ChecksumIEEE(buf[12:]); got != sum {
		return nil, superError("checksum %08x != stored %08x", got, sum)
	}
	s := &Superblock{
		BlockSize:          binary.LittleEndian.Uint32(buf[12:]),
		Generation:         binary.LittleEndian.Uint64(buf[16:]),
		Root:               binary.LittleEndian.Uint64(buf[24:]),
		RootLevel:          buf[32],
		TotalBlocks:        binary.LittleEndian.Uint64(buf[40:]),
		FreelistGeneration: binary.LittleEndian.Uint64(buf[48:]),
		FreelistCsum:       binary.LittleEndian.Uint32(buf[56:]),
	}
	if !validBlockSize(int(s.BlockSize)) {
		return nil, superError("block size %d", s.BlockSize)
	}
	first := FirstBlocknr(int(s.BlockSize))
	if s.Root < first || s.Root >= s.TotalBlocks {
		return nil, superError("root %d outside [%d, %d)", s.Root, first, s.TotalBlocks)
	}
	if s.RootLevel >= MaxLevel {
		return nil, superError("root level %d", s.RootLevel)
	}
	return s, nil
}

// errNoSuperblock means the device holds no superblock at all and may be
// formatted.
var errNoSuperblock = errors.New("no superblock")

func readSuperblock(dev Device) (*Superblock, error) {
	buf := make([]byte, SuperblockSize)
	n, err := dev.ReadAt(buf, SuperblockOffset)
	if n == 0 && (err == nil || errors.Is(err, io.EOF)) {
		return nil, errNoSuperblock
	}
	if n != len(buf) {
		if err == nil || errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, &BlockError{Op: "read superblock", Kind: ErrIO, Err: err}
	}
	if bytesIsZero(buf) {
		return nil, errNoSuperblock
	}
	return decodeSuperblock(buf)
}

func writeSuperblock(dev Device, s *Superblock) error {
	buf := s.encode()
	n, err := dev.WriteAt(buf, SuperblockOffset)
	if err == nil && n != len(buf) {
		err = io.ErrShortWrite
	}
	if err != nil {
		return &BlockError{Op: "write superblock", Kind: ErrIO, Err: err}
	}
	return nil
}
