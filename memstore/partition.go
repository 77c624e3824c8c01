package memstore

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/nativestore/memstore/lib/nativearena"
)

// PartState is one of the lifecycle states named in spec.md §3.
type PartState int32

// Partition lifecycle states.
const (
	PartActive PartState = iota
	PartFlushing
	PartEvicted
)

// Partition holds one series' in-memory state: the active append buffer,
// the bounded ring of already-flushed chunks still resident, and the
// bookkeeping spec.md §3 requires for offsets and group routing. Per
// spec.md §9's cyclic-reference design note, a Partition holds only its
// numeric id into the PartitionKeyIndex, never a back pointer to the
// Shard or the index itself.
type Partition struct {
	id      uint64 // HashPartitionKey(partKey); doubles as the PartitionKeyIndex partition id
	partKey []byte
	groupID uint32

	ds      *Dataset
	pool    *nativearena.Pool
	maxRows int
	keep    int

	state atomic.Int32

	active *ChunkBuilder

	flushedMu sync.RWMutex
	flushed   []*EncodedChunk // most recent last, bounded to keep

	ingestedRows   int64
	rowsDropped    int64
	firstOffset    int64
	lastOffset     int64
	hasOffset      bool
	lastIngestTime atomic.Int64 // unix nanos
}

// NewPartition allocates a fresh active chunk and returns a Partition in
// the Active state.
func NewPartition(id uint64, partKey []byte, groupID uint32, ds *Dataset, pool *nativearena.Pool, maxRows, keep int) (*Partition, error) {
	cb, err := NewChunkBuilder(ds, pool, maxRows)
	if err != nil {
		return nil, err
	}
	p := &Partition{
		id:      id,
		partKey: partKey,
		groupID: groupID,
		ds:      ds,
		pool:    pool,
		maxRows: maxRows,
		keep:    keep,
		active:  cb,
	}
	p.lastIngestTime.Store(nowNanos())
	return p, nil
}

func nowNanos() int64 { return time.Now().UnixNano() }

// State returns the partition's current lifecycle state.
func (p *Partition) State() PartState { return PartState(p.state.Load()) }

// GroupID returns the flush/watermark group this partition belongs to.
func (p *Partition) GroupID() uint32 { return p.groupID }

// ID returns the partition's numeric id (its partition-key hash).
func (p *Partition) ID() uint64 { return p.id }

// PartKey returns the partition's owned key bytes. Callers must not mutate
// the returned slice.
func (p *Partition) PartKey() []byte { return p.partKey }

// LastIngestTime returns the unix-nanos timestamp of the most recent
// successful Ingest call, used by EvictionPolicy's victim ordering.
func (p *Partition) LastIngestTime() int64 { return p.lastIngestTime.Load() }

// Ingest appends one row to the active chunk, per spec.md §4.5. On
// ErrChunkFull it rotates the active chunk into flushed and retries once
// against a fresh chunk. If that requires allocating from the pool and the
// pool is exhausted (nativearena.ErrExhausted, whether on first-touch lazy
// reallocation or on a full-chunk rotation), Ingest returns the error
// unchanged rather than dropping the row itself: per spec.md §7/§4.5 the
// BufferPoolExhausted policy is "trigger eviction, retry once, then drop
// and count", and eviction is Shard's responsibility (Partition holds no
// reference to the EvictionPolicy or table, per spec.md §9). The caller
// (Shard.ingestRecord) is expected to run eviction and call Ingest again
// on this exact error; only once that retry also fails does the row count
// as dropped, via MarkRowDropped.
func (p *Partition) Ingest(rec *Record, rowKey, offset int64) error {
	if p.active == nil {
		cb, err := NewChunkBuilder(p.ds, p.pool, p.maxRows)
		if err != nil {
			return err
		}
		p.active = cb
	}
	if err := p.active.Append(rec, rowKey); err != nil {
		if err != ErrChunkFull {
			return err
		}
		if rotErr := p.rotate(); rotErr != nil {
			return rotErr
		}
		if err := p.active.Append(rec, rowKey); err != nil {
			return err
		}
	}
	p.ingestedRows++
	if !p.hasOffset {
		p.firstOffset = offset
		p.hasOffset = true
	}
	p.lastOffset = offset
	p.lastIngestTime.Store(nowNanos())
	return nil
}

// rotate freezes the active chunk into flushed and allocates a fresh one.
// active is set to nil for the duration of the swap so that a failed
// allocation never leaves a stale, already-frozen builder reachable for a
// future Append: Ingest lazily reallocates on its next call instead.
func (p *Partition) rotate() error {
	frozen := p.active.Freeze()
	p.active = nil
	p.appendFlushed(frozen)
	cb, err := NewChunkBuilder(p.ds, p.pool, p.maxRows)
	if err != nil {
		return err
	}
	p.active = cb
	return nil
}

func (p *Partition) appendFlushed(ec *EncodedChunk) {
	p.flushedMu.Lock()
	p.flushed = append(p.flushed, ec)
	if len(p.flushed) > p.keep {
		drop := p.flushed[:len(p.flushed)-p.keep]
		for _, d := range drop {
			d.Release()
		}
		p.flushed = p.flushed[len(p.flushed)-p.keep:]
	}
	p.flushedMu.Unlock()
}

// SwitchBuffers unconditionally freezes the active chunk and returns it as
// a flush candidate, allocating a fresh active chunk in its place, per
// spec.md §4.5 and §4.7 step 1. Called only from the ingestion thread
// while processing a FlushCommand.
func (p *Partition) SwitchBuffers() (*EncodedChunk, error) {
	p.state.Store(int32(PartFlushing))
	defer p.state.Store(int32(PartActive))

	var frozen *EncodedChunk
	if p.active != nil {
		frozen = p.active.Freeze()
		p.active = nil
		p.appendFlushed(frozen)
	}
	cb, err := NewChunkBuilder(p.ds, p.pool, p.maxRows)
	if err != nil {
		return frozen, err
	}
	p.active = cb
	return frozen, nil
}

// Scan returns the resident chunks (flushed, most recent last) whose row-key
// range could intersect [start, end], retaining each for the caller.
// Callers must call Release on every returned chunk once done. Reader-thread
// safe per spec.md §4.5.
func (p *Partition) Scan(start, end int64) []*EncodedChunk {
	p.flushedMu.RLock()
	defer p.flushedMu.RUnlock()

	out := make([]*EncodedChunk, 0, len(p.flushed))
	for _, ec := range p.flushed {
		if ec.MaxKey < start || ec.MinKey > end {
			continue
		}
		ec.Retain()
		out = append(out, ec)
	}
	return out
}

// IngestedRows returns the total number of rows successfully appended.
func (p *Partition) IngestedRows() int64 { return p.ingestedRows }

// RowsDropped returns the number of rows dropped due to repeated
// allocation failure after eviction, per spec.md §4.5.
func (p *Partition) RowsDropped() int64 { return p.rowsDropped }

// MarkRowDropped records that one row was dropped after Ingest failed with
// nativearena.ErrExhausted a second time, once the caller's eviction-and-
// retry cycle (spec.md §7) has already been exhausted.
func (p *Partition) MarkRowDropped() {
	p.rowsDropped++
}

// Offsets returns the first and last source offsets ingested by this
// partition, and whether any record has been ingested yet.
func (p *Partition) Offsets() (first, last int64, ok bool) {
	return p.firstOffset, p.lastOffset, p.hasOffset
}

// markEvicted transitions the partition to Evicted and releases its
// resident chunks and active buffer back to the pool.
func (p *Partition) markEvicted() {
	p.state.Store(int32(PartEvicted))
	if p.active != nil {
		p.active.Release()
		p.active = nil
	}
	p.flushedMu.Lock()
	for _, ec := range p.flushed {
		ec.Release()
	}
	p.flushed = nil
	p.flushedMu.Unlock()
}
