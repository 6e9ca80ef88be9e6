package cowbt

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

// Item types understood by DefaultFormatter. The engine itself never looks
// inside payloads.
const (
	InodeItemKey  uint8 = 1
	DirItemKey    uint8 = 2
	DirIndexKey   uint8 = 3
	RootItemKey   uint8 = 4
	ExtentItemKey uint8 = 5
	ExtentDataKey uint8 = 6
	InlineDataKey uint8 = 7
	DevItemKey    uint8 = 8
	StringItemKey uint8 = 253
)

const inlinePreviewSize = 10

// ItemFormatter renders the payload of one leaf item for a tree dump. An
// empty result prints nothing.
type ItemFormatter interface {
	FormatItem(key Key, data []byte) string
}

type FormatterFunc func(key Key, data []byte) string

func (f FormatterFunc) FormatItem(key Key, data []byte) string { return f(key, data) }

// InodeItem payload: generation u64, size u64, mode u32.
type InodeItem struct {
	Generation uint64
	Size       uint64
	Mode       uint32
}

const inodeItemSize = 20

func (ii InodeItem) Encode() []byte {
	b := make([]byte, inodeItemSize)
	binary.LittleEndian.PutUint64(b[0:], ii.Generation)
	binary.LittleEndian.PutUint64(b[8:], ii.Size)
	binary.LittleEndian.PutUint32(b[16:], ii.Mode)
	return b
}

func DecodeInodeItem(b []byte) (InodeItem, error) {
	if len(b) < inodeItemSize {
		return InodeItem{}, fmt.Errorf("inode item %d bytes, want %d", len(b), inodeItemSize)
	}
	return InodeItem{
		Generation: binary.LittleEndian.Uint64(b[0:]),
		Size:       binary.LittleEndian.Uint64(b[8:]),
		Mode:       binary.LittleEndian.Uint32(b[16:]),
	}, nil
}

// DirItem payload: location key, flags u16, type u8, name length u16, name.
type DirItem struct {
	Location Key
	Flags    uint16
	Type     uint8
	Name     string
}

const dirItemHeaderSize = KeySize + 5

func (di DirItem) Encode() []byte {
	b := make([]byte, dirItemHeaderSize, dirItemHeaderSize+len(di.Name))
	di.Location.put(b)
	binary.LittleEndian.PutUint16(b[KeySize:], di.Flags)
	b[KeySize+2] = di.Type
	binary.LittleEndian.PutUint16(b[KeySize+3:], uint16(len(di.Name)))
	return append(b, di.Name...)
}

func DecodeDirItem(b []byte) (DirItem, error) {
	if len(b) < dirItemHeaderSize {
		return DirItem{}, fmt.Errorf("dir item %d bytes, want at least %d", len(b), dirItemHeaderSize)
	}
	n := int(binary.LittleEndian.Uint16(b[KeySize+3:]))
	if dirItemHeaderSize+n > len(b) {
		return DirItem{}, fmt.Errorf("dir item name length %d overruns %d bytes", n, len(b))
	}
	return DirItem{
		Location: readKey(b),
		Flags:    binary.LittleEndian.Uint16(b[KeySize:]),
		Type:     b[KeySize+2],
		Name:     string(b[dirItemHeaderSize : dirItemHeaderSize+n]),
	}, nil
}

// RootItem payload: blocknr u64, dirid u64, refs u32.
type RootItem struct {
	Blocknr uint64
	DirID   uint64
	Refs    uint32
}

const rootItemSize = 20

func (ri RootItem) Encode() []byte {
	b := make([]byte, rootItemSize)
	binary.LittleEndian.PutUint64(b[0:], ri.Blocknr)
	binary.LittleEndian.PutUint64(b[8:], ri.DirID)
	binary.LittleEndian.PutUint32(b[16:], ri.Refs)
	return b
}

func DecodeRootItem(b []byte) (RootItem, error) {
	if len(b) < rootItemSize {
		return RootItem{}, fmt.Errorf("root item %d bytes, want %d", len(b), rootItemSize)
	}
	return RootItem{
		Blocknr: binary.LittleEndian.Uint64(b[0:]),
		DirID:   binary.LittleEndian.Uint64(b[8:]),
		Refs:    binary.LittleEndian.Uint32(b[16:]),
	}, nil
}

// FileExtentItem payload: disk blocknr, disk blocks, offset, blocks, all
// u64.
type FileExtentItem struct {
	DiskBlocknr   uint64
	DiskNumBlocks uint64
	Offset        uint64
	NumBlocks     uint64
}

const fileExtentItemSize = 32

func (fi FileExtentItem) Encode() []byte {
	b := make([]byte, fileExtentItemSize)
	binary.LittleEndian.PutUint64(b[0:], fi.DiskBlocknr)
	binary.LittleEndian.PutUint64(b[8:], fi.DiskNumBlocks)
	binary.LittleEndian.PutUint64(b[16:], fi.Offset)
	binary.LittleEndian.PutUint64(b[24:], fi.NumBlocks)
	return b
}

func DecodeFileExtentItem(b []byte) (FileExtentItem, error) {
	if len(b) < fileExtentItemSize {
		return FileExtentItem{}, fmt.Errorf("file extent item %d bytes, want %d", len(b), fileExtentItemSize)
	}
	return FileExtentItem{
		DiskBlocknr:   binary.LittleEndian.Uint64(b[0:]),
		DiskNumBlocks: binary.LittleEndian.Uint64(b[8:]),
		Offset:        binary.LittleEndian.Uint64(b[16:]),
		NumBlocks:     binary.LittleEndian.Uint64(b[24:]),
	}, nil
}

func formatKnownItem(key Key, data []byte) (string, error) {
	switch key.Type {
	case InodeItemKey:
		ii, err := DecodeInodeItem(data)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("inode generation %d size %d mode %o", ii.Generation, ii.Size, ii.Mode), nil
	case DirItemKey, DirIndexKey:
		di, err := DecodeDirItem(data)
		if err != nil {
			return "", err
		}
		what := "dir oid"
		if key.Type == DirIndexKey {
			what = "dir index"
		}
		return fmt.Sprintf("%s %d flags %d type %d\n\t\tname %s", what, di.Location.ObjectID, di.Flags, di.Type, di.Name), nil
	case RootItemKey:
		ri, err := DecodeRootItem(data)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("root data blocknr %d dirid %d refs %d", ri.Blocknr, ri.DirID, ri.Refs), nil
	case ExtentItemKey:
		if len(data) < 4 {
			return "", fmt.Errorf("extent item %d bytes, want 4", len(data))
		}
		return fmt.Sprintf("extent data refs %d", binary.LittleEndian.Uint32(data)), nil
	case ExtentDataKey:
		fi, err := DecodeFileExtentItem(data)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("extent data disk block %d nr %d\n\t\textent data offset %d nr %d",
			fi.DiskBlocknr, fi.DiskNumBlocks, fi.Offset, fi.NumBlocks), nil
	case InlineDataKey:
		n := min(len(data), inlinePreviewSize)
		return fmt.Sprintf("inline data %s", data[:n]), nil
	case DevItemKey:
		if len(data) < 2 {
			return "", fmt.Errorf("dev item %d bytes, want at least 2", len(data))
		}
		n := int(binary.LittleEndian.Uint16(data))
		if 2+n > len(data) {
			return "", fmt.Errorf("dev item name length %d overruns %d bytes", n, len(data))
		}
		return fmt.Sprintf("dev namelen %d name %s", n, data[2:2+n]), nil
	case StringItemKey:
		return fmt.Sprintf("item data %s", data), nil
	}
	return "", nil
}

// DefaultFormatter decodes the known item types and prints anything else,
// or anything malformed, as hex.
var DefaultFormatter ItemFormatter = FormatterFunc(func(key Key, data []byte) string {
	s, err := formatKnownItem(key, data)
	if err == nil && s != "" {
		return s
	}
	if len(data) == 0 {
		return ""
	}
	return "data " + hex.EncodeToString(data)
})
