// Package nativearena implements a bounded, off-heap byte arena with
// size-class freelists, the backing allocator for memstore's
// NativeBufferPool (append buffers and owned partition-key copies).
//
// Regions are carved out of anonymous mmap'd pages so they live outside the
// Go heap and don't contribute GC scan pressure; freed regions return to a
// per-size-class freelist rather than being unmapped, since munmap/mmap
// churn dominates allocation cost under steady-state ingestion.
package nativearena

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// Sizes are rounded up to the next power of two, from 256B to 64MiB.
const (
	minClassShift = 8  // 256 bytes
	maxClassShift = 26 // 64 MiB
	numClasses    = maxClassShift - minClassShift + 1
)

// ErrExhausted is returned by Allocate when the arena's configured ceiling
// would be exceeded by the requested allocation. Callers should trigger
// eviction and retry.
var ErrExhausted = fmt.Errorf("nativearena: pool exhausted")

// Region is a native (off-heap) byte slice handed out by a Pool. Callers
// must not retain B past a call to Pool.Free(region).
type Region struct {
	B     []byte
	class int
}

// Pool is a bounded, thread-safe arena backing one dataset's append
// buffers. All allocations come from a single mmap'd backing slab sized to
// maxBytes; size-class freelists avoid per-allocation mmap syscalls.
type Pool struct {
	maxBytes int64

	mu         sync.Mutex
	slab       []byte
	slabOffset int64
	used       int64
	freelists  [numClasses][]*Region

	tagsMu sync.Mutex
	tags   map[string]int64 // free-form telemetry tags, e.g. dataset->bytes
}

// NewPool creates a native arena bounded to maxBytes, backed by one
// anonymous mmap region of that size.
func NewPool(maxBytes int64) (*Pool, error) {
	if maxBytes <= 0 {
		return nil, fmt.Errorf("nativearena: maxBytes must be positive, got %d", maxBytes)
	}
	slab, err := unix.Mmap(-1, 0, int(maxBytes), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("nativearena: mmap %d bytes: %w", maxBytes, err)
	}
	return &Pool{
		maxBytes: maxBytes,
		slab:     slab,
		tags:     make(map[string]int64),
	}, nil
}

// Close releases the backing mmap region. No further calls to Allocate or
// Free are valid afterward.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.slab == nil {
		return nil
	}
	err := unix.Munmap(p.slab)
	p.slab = nil
	return err
}

func classFor(size int) int {
	shift := minClassShift
	for (1 << shift) < size && shift < maxClassShift {
		shift++
	}
	return shift - minClassShift
}

// Allocate returns a zeroed region of at least size bytes. A freed region
// of the same size class is reused first, whatever the byte ceiling. It
// returns ErrExhausted if size exceeds the largest size class
// (1<<maxClassShift bytes), or if no freed region of that class is
// available and carving a new one would exceed the pool's byte ceiling.
func (p *Pool) Allocate(size int) (*Region, error) {
	if size <= 0 {
		return nil, fmt.Errorf("nativearena: size must be positive, got %d", size)
	}
	if size > 1<<maxClassShift {
		return nil, ErrExhausted
	}
	class := classFor(size)
	classSize := 1 << (class + minClassShift)

	p.mu.Lock()
	defer p.mu.Unlock()

	if n := len(p.freelists[class]); n > 0 {
		r := p.freelists[class][n-1]
		p.freelists[class] = p.freelists[class][:n-1]
		for i := range r.B {
			r.B[i] = 0
		}
		return r, nil
	}

	if p.used+int64(classSize) > p.maxBytes {
		return nil, ErrExhausted
	}
	if p.slabOffset+int64(classSize) > p.maxBytes {
		return nil, ErrExhausted
	}
	b := p.slab[p.slabOffset : p.slabOffset+int64(classSize) : p.slabOffset+int64(classSize)]
	p.slabOffset += int64(classSize)
	p.used += int64(classSize)
	return &Region{B: b[:size], class: class}, nil
}

// Free returns r to its size-class freelist for reuse.
func (p *Pool) Free(r *Region) {
	if r == nil {
		return
	}
	classSize := 1 << (r.class + minClassShift)
	r.B = r.B[:classSize]
	p.mu.Lock()
	p.freelists[r.class] = append(p.freelists[r.class], r)
	p.mu.Unlock()
}

// BytesFree returns the number of bytes not yet carved out of the slab,
// plus bytes sitting idle in freelists.
func (p *Pool) BytesFree() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	free := p.maxBytes - p.used
	for class, fl := range p.freelists {
		free += int64(len(fl)) * int64(1<<(class+minClassShift))
	}
	return free
}

// BytesUsed returns the number of bytes currently carved out of the slab
// and not sitting in a freelist.
func (p *Pool) BytesUsed() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	used := p.used
	for class, fl := range p.freelists {
		used -= int64(len(fl)) * int64(1<<(class+minClassShift))
	}
	return used
}

// SetTag records a telemetry tag (e.g. per-shard byte usage) for reporting.
func (p *Pool) SetTag(name string, value int64) {
	p.tagsMu.Lock()
	p.tags[name] = value
	p.tagsMu.Unlock()
}

// Tags returns a snapshot of recorded telemetry tags.
func (p *Pool) Tags() map[string]int64 {
	p.tagsMu.Lock()
	defer p.tagsMu.Unlock()
	out := make(map[string]int64, len(p.tags))
	for k, v := range p.tags {
		out[k] = v
	}
	return out
}
