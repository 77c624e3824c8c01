// Package bytesutil provides small byte-slice helpers shared across the
// memstore packages: a growable scratch buffer and a pool of them.
package bytesutil

import "sync"

// ByteBuffer is a growable byte buffer meant to be reused across calls via
// ByteBufferPool rather than reallocated.
type ByteBuffer struct {
	B []byte
}

// Reset truncates bb to zero length without releasing its capacity.
func (bb *ByteBuffer) Reset() {
	bb.B = bb.B[:0]
}

// MustWrite appends p to bb.
func (bb *ByteBuffer) MustWrite(p []byte) {
	bb.B = append(bb.B, p...)
}

// ByteBufferPool is a sync.Pool of *ByteBuffer, avoiding the type assertion
// and Reset boilerplate at every call site.
type ByteBufferPool struct {
	p sync.Pool
}

// Get returns a reset ByteBuffer from the pool, allocating one if empty.
func (bbp *ByteBufferPool) Get() *ByteBuffer {
	v := bbp.p.Get()
	if v == nil {
		return &ByteBuffer{}
	}
	return v.(*ByteBuffer)
}

// Put returns bb to the pool for reuse.
func (bbp *ByteBufferPool) Put(bb *ByteBuffer) {
	bb.Reset()
	bbp.p.Put(bb)
}
