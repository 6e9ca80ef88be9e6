package cowbt

import "unsafe"

// bytesIsZero reports whether data is all zero bytes. len(data) must be a
// multiple of 32, which every valid block size is.
func bytesIsZero(data []byte) bool {
	if len(data)%32 != 0 {
		panic("data is not a multiple of 32")
	}
	var v uint64
	for len(data) > 0 {
		v |= *(*uint64)(unsafe.Pointer(&data[0]))
		v |= *(*uint64)(unsafe.Pointer(&data[8]))
		v |= *(*uint64)(unsafe.Pointer(&data[16]))
		v |= *(*uint64)(unsafe.Pointer(&data[24]))
		if v != 0 {
			return false
		}
		data = data[32:]
	}
	return true
}
