package memstore

import (
	"bytes"
	"sort"
	"sync"
	"sync/atomic"
)

// ptEntry is one partition-table slot: the full key is kept alongside the
// 64-bit hash so that hash collisions are resolved by byte comparison
// rather than assumed away, per spec.md §4.4.
type ptEntry struct {
	key  []byte
	part *Partition
}

// ptSnapshot is an immutable view of the table, bucketed by hash. Readers
// load the current snapshot via an atomic pointer and never block; writers
// (the ingestion thread only) build a new snapshot and swap it in.
type ptSnapshot struct {
	buckets map[uint64][]ptEntry
	count   int
}

// PartitionTable is a concurrent map from partition-key bytes to Partition,
// per spec.md §4.4. getOrCreate/remove are only ever called from a shard's
// ingestion thread; get/values are safe from any thread via the
// copy-on-write snapshot pointer, the same discipline PartitionKeyIndex
// uses for its posting lists.
type PartitionTable struct {
	cur atomic.Pointer[ptSnapshot]

	// writeMu serializes the (single) writer's read-modify-write of cur;
	// it is never contended in practice since only the ingestion thread
	// writes, but guards against a caller accidentally calling
	// getOrCreate/remove from two goroutines.
	writeMu sync.Mutex
}

// NewPartitionTable returns an empty table.
func NewPartitionTable() *PartitionTable {
	pt := &PartitionTable{}
	pt.cur.Store(&ptSnapshot{buckets: make(map[uint64][]ptEntry)})
	return pt
}

// GetOrCreate returns the Partition for keyBytes, creating and inserting
// one via newFn if absent. Only valid from the ingestion thread.
func (pt *PartitionTable) GetOrCreate(keyBytes []byte, hash uint64, newFn func() *Partition) (*Partition, bool) {
	pt.writeMu.Lock()
	defer pt.writeMu.Unlock()

	snap := pt.cur.Load()
	for _, e := range snap.buckets[hash] {
		if bytes.Equal(e.key, keyBytes) {
			return e.part, false
		}
	}

	p := newFn()
	next := &ptSnapshot{
		buckets: make(map[uint64][]ptEntry, len(snap.buckets)+1),
		count:   snap.count + 1,
	}
	for h, bucket := range snap.buckets {
		next.buckets[h] = bucket
	}
	keyCopy := append([]byte(nil), keyBytes...)
	next.buckets[hash] = append(append([]ptEntry(nil), snap.buckets[hash]...), ptEntry{key: keyCopy, part: p})
	pt.cur.Store(next)
	return p, true
}

// Get returns the Partition for keyBytes, or nil if absent. Safe from any
// thread.
func (pt *PartitionTable) Get(keyBytes []byte, hash uint64) *Partition {
	snap := pt.cur.Load()
	for _, e := range snap.buckets[hash] {
		if bytes.Equal(e.key, keyBytes) {
			return e.part
		}
	}
	return nil
}

// Remove drops keyBytes from the table. Only valid from the ingestion
// thread.
func (pt *PartitionTable) Remove(keyBytes []byte, hash uint64) {
	pt.writeMu.Lock()
	defer pt.writeMu.Unlock()

	snap := pt.cur.Load()
	bucket := snap.buckets[hash]
	idx := -1
	for i, e := range bucket {
		if bytes.Equal(e.key, keyBytes) {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}

	next := &ptSnapshot{
		buckets: make(map[uint64][]ptEntry, len(snap.buckets)),
		count:   snap.count - 1,
	}
	for h, b := range snap.buckets {
		next.buckets[h] = b
	}
	newBucket := make([]ptEntry, 0, len(bucket)-1)
	newBucket = append(newBucket, bucket[:idx]...)
	newBucket = append(newBucket, bucket[idx+1:]...)
	if len(newBucket) == 0 {
		delete(next.buckets, hash)
	} else {
		next.buckets[hash] = newBucket
	}
	pt.cur.Store(next)
}

// Values returns a weakly consistent snapshot of all partitions currently
// in the table.
func (pt *PartitionTable) Values() []*Partition {
	snap := pt.cur.Load()
	out := make([]*Partition, 0, snap.count)
	for _, bucket := range snap.buckets {
		for _, e := range bucket {
			out = append(out, e.part)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Len returns the number of partitions currently in the table.
func (pt *PartitionTable) Len() int {
	return pt.cur.Load().count
}
