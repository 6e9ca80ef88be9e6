package cowbt

import (
	"cmp"
	"encoding/binary"
	"fmt"
)

// Key is the composite tree key. Keys order by ObjectID, then Type, then
// Offset.
type Key struct {
	ObjectID uint64
	Type     uint8
	Offset   uint64
}

var (
	MinKey = Key{}
	MaxKey = Key{ObjectID: ^uint64(0), Type: ^uint8(0), Offset: ^uint64(0)}
)

func (k Key) Compare(o Key) int {
	if c := cmp.Compare(k.ObjectID, o.ObjectID); c != 0 {
		return c
	}
	if c := cmp.Compare(k.Type, o.Type); c != 0 {
		return c
	}
	return cmp.Compare(k.Offset, o.Offset)
}

func (k Key) Less(o Key) bool {
	return k.Compare(o) < 0
}

func (k Key) String() string {
	return fmt.Sprintf("(%d %d %d)", k.ObjectID, k.Type, k.Offset)
}

func (k Key) put(b []byte) {
	binary.LittleEndian.PutUint64(b[0:8], k.ObjectID)
	b[8] = k.Type
	binary.LittleEndian.PutUint64(b[9:17], k.Offset)
}

func readKey(b []byte) Key {
	return Key{
		ObjectID: binary.LittleEndian.Uint64(b[0:8]),
		Type:     b[8],
		Offset:   binary.LittleEndian.Uint64(b[9:17]),
	}
}
