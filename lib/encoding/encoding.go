// Package encoding implements the fixed-width and length-prefixed byte
// encodings used to serialize index time buckets and partition keys.
package encoding

import (
	"encoding/binary"
	"fmt"
)

// MarshalUint32 appends the big-endian encoding of u to dst.
func MarshalUint32(dst []byte, u uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], u)
	return append(dst, tmp[:]...)
}

// UnmarshalUint32 decodes a big-endian uint32 from the start of src.
func UnmarshalUint32(src []byte) uint32 {
	return binary.BigEndian.Uint32(src)
}

// MarshalUint64 appends the big-endian encoding of u to dst.
func MarshalUint64(dst []byte, u uint64) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], u)
	return append(dst, tmp[:]...)
}

// PutUint64At writes the big-endian encoding of u into dst at byte offset
// off, without growing dst. Used by fixed-width column buffers where the
// backing region is pre-sized and values are written in place rather than
// appended.
func PutUint64At(dst []byte, off int, u uint64) {
	binary.BigEndian.PutUint64(dst[off:off+8], u)
}

// Uint64At reads a big-endian uint64 from dst at byte offset off.
func Uint64At(dst []byte, off int) uint64 {
	return binary.BigEndian.Uint64(dst[off : off+8])
}

// UnmarshalUint64 decodes a big-endian uint64 from the start of src.
func UnmarshalUint64(src []byte) uint64 {
	return binary.BigEndian.Uint64(src)
}

// MarshalBytes appends a length-prefixed copy of b to dst.
func MarshalBytes(dst, b []byte) []byte {
	dst = MarshalUint32(dst, uint32(len(b)))
	return append(dst, b...)
}

// UnmarshalBytes reads a length-prefixed byte string from the start of src,
// returning the decoded bytes and the remaining tail.
func UnmarshalBytes(src []byte) (tail []byte, b []byte, err error) {
	if len(src) < 4 {
		return src, nil, fmt.Errorf("cannot read byte-string length from %d bytes; want at least 4", len(src))
	}
	n := int(UnmarshalUint32(src))
	src = src[4:]
	if len(src) < n {
		return src, nil, fmt.Errorf("cannot read %d bytes for byte-string; only %d remain", n, len(src))
	}
	return src[n:], src[:n], nil
}
