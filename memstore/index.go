package memstore

import (
	"fmt"
	"sort"
	"sync"

	"github.com/nativestore/memstore/lib/bytesutil"
	"github.com/nativestore/memstore/lib/encoding"
)

// PartitionKeyIndex is a per-shard inverted index over label key/value
// pairs, per spec.md §4.3: addKey/removeKey are called from the ingestion
// thread only; valuesFor/filter are lock-free-ish reads served from
// copy-on-write posting lists, matching the RWMutex writer/reader split of
// inmemoryInvertedIndex in the teacher's lib/storage.
type PartitionKeyIndex struct {
	mu sync.RWMutex

	// byLabel[name][value] is the set of partition ids carrying that
	// label pair. Each inner map is replaced wholesale on mutation (copy
	// on write) so readers holding a stale reference never see a
	// half-written set.
	byLabel map[string]map[string]map[uint64]struct{}

	// partLabels/partRange let removeKey and filter's time-window check
	// walk from a partition id back to what it carries, without a back
	// pointer from Partition (spec.md §9's cyclic-reference design note).
	partLabels map[uint64]map[string]string
	partRange  map[uint64][2]int64 // [minKey, maxKey] observed

	// pending holds mutations recorded since the last snapshotBucket call
	// for each group, consumed and cleared by snapshotBucket.
	pending map[uint32][]indexMutation
	gen     map[uint32]uint64 // snapshot generation per group, strictly increasing
}

type indexMutation struct {
	partID uint64
	labels map[string]string
	group  uint32
}

// NewPartitionKeyIndex returns an empty index.
func NewPartitionKeyIndex() *PartitionKeyIndex {
	return &PartitionKeyIndex{
		byLabel:    make(map[string]map[string]map[uint64]struct{}),
		partLabels: make(map[uint64]map[string]string),
		partRange:  make(map[uint64][2]int64),
		pending:    make(map[uint32][]indexMutation),
		gen:        make(map[uint32]uint64),
	}
}

// AddKey registers partID's label set in the index and records a pending
// mutation for its group's next snapshotBucket, per spec.md §4.3. Called
// once per partition creation, from the ingestion thread.
func (idx *PartitionKeyIndex) AddKey(partID uint64, group uint32, labels map[string]string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	cp := make(map[string]string, len(labels))
	for k, v := range labels {
		cp[k] = v
		idx.addPostingLocked(k, v, partID)
	}
	idx.partLabels[partID] = cp
	idx.pending[group] = append(idx.pending[group], indexMutation{partID: partID, labels: cp, group: group})
}

func (idx *PartitionKeyIndex) addPostingLocked(name, value string, partID uint64) {
	byValue := idx.byLabel[name]
	newByValue := make(map[string]map[uint64]struct{}, len(byValue)+1)
	for k, v := range byValue {
		newByValue[k] = v
	}
	old := newByValue[value]
	fresh := make(map[uint64]struct{}, len(old)+1)
	for id := range old {
		fresh[id] = struct{}{}
	}
	fresh[partID] = struct{}{}
	newByValue[value] = fresh
	idx.byLabel[name] = newByValue
}

// RemoveKey drops partID from the index, on eviction.
func (idx *PartitionKeyIndex) RemoveKey(partID uint64) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	labels, ok := idx.partLabels[partID]
	if !ok {
		return
	}
	for name, value := range labels {
		idx.removePostingLocked(name, value, partID)
	}
	delete(idx.partLabels, partID)
	delete(idx.partRange, partID)
}

func (idx *PartitionKeyIndex) removePostingLocked(name, value string, partID uint64) {
	byValue := idx.byLabel[name]
	old := byValue[value]
	if old == nil {
		return
	}
	fresh := make(map[uint64]struct{}, len(old))
	for id := range old {
		if id != partID {
			fresh[id] = struct{}{}
		}
	}
	newByValue := make(map[string]map[uint64]struct{}, len(byValue))
	for k, v := range byValue {
		newByValue[k] = v
	}
	if len(fresh) == 0 {
		delete(newByValue, value)
	} else {
		newByValue[value] = fresh
	}
	idx.byLabel[name] = newByValue
}

// Observe records a row's row-key value against partID's observed time
// range, used by Filter's range intersection check. Called from the
// ingestion thread on every Partition.Ingest.
func (idx *PartitionKeyIndex) Observe(partID uint64, rowKey int64) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	r, ok := idx.partRange[partID]
	if !ok {
		idx.partRange[partID] = [2]int64{rowKey, rowKey}
		return
	}
	if rowKey < r[0] {
		r[0] = rowKey
	}
	if rowKey > r[1] {
		r[1] = rowKey
	}
	idx.partRange[partID] = r
}

// valueCount is one (value, frequency) pair, exported for sorted results.
type valueCount struct {
	Value string
	Count int
}

// ValuesFor returns the topK most frequent values for labelName, ordered by
// descending frequency with a lexicographic tiebreak.
func (idx *PartitionKeyIndex) ValuesFor(labelName string, topK int) []valueCount {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	byValue := idx.byLabel[labelName]
	out := make([]valueCount, 0, len(byValue))
	for v, ids := range byValue {
		out = append(out, valueCount{Value: v, Count: len(ids)})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Value < out[j].Value
	})
	if topK >= 0 && topK < len(out) {
		out = out[:topK]
	}
	return out
}

// ValuesForIDs returns the topK most frequent values of labelName among
// the given partition ids only, used by MemStore.LabelValuesWithFilters to
// restrict frequency counting to a filtered partition set.
func (idx *PartitionKeyIndex) ValuesForIDs(ids []uint64, labelName string, topK int) []valueCount {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	counts := make(map[string]int)
	for _, id := range ids {
		if v, ok := idx.partLabels[id][labelName]; ok {
			counts[v]++
		}
	}
	out := make([]valueCount, 0, len(counts))
	for v, n := range counts {
		out = append(out, valueCount{Value: v, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Value < out[j].Value
	})
	if topK >= 0 && topK < len(out) {
		out = out[:topK]
	}
	return out
}

// IndexNames returns the sorted list of distinct label names currently
// tracked by the index (spec.md §4.9's indexNames, resolved in
// SPEC_FULL.md's supplemented-features section).
func (idx *PartitionKeyIndex) IndexNames() []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	names := make([]string, 0, len(idx.byLabel))
	for n := range idx.byLabel {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Filter returns up to limit partition ids whose labels match every entry
// in filters and whose observed time range intersects [start, end].
func (idx *PartitionKeyIndex) Filter(filters map[string]string, start, end int64, limit int) []uint64 {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if len(filters) == 0 {
		return nil
	}
	var candidate map[uint64]struct{}
	for name, value := range filters {
		ids := idx.byLabel[name][value]
		if candidate == nil {
			candidate = make(map[uint64]struct{}, len(ids))
			for id := range ids {
				candidate[id] = struct{}{}
			}
			continue
		}
		for id := range candidate {
			if _, ok := ids[id]; !ok {
				delete(candidate, id)
			}
		}
	}

	out := make([]uint64, 0, len(candidate))
	for id := range candidate {
		r, ok := idx.partRange[id]
		if !ok || r[0] > end || r[1] < start {
			continue
		}
		out = append(out, id)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// SnapshotBucket returns the subset of index entries created or mutated
// since the previous snapshot for group, encoded as a serializable byte
// blob for durable persistence alongside chunks. Snapshots are monotonic
// per group: each call advances that group's generation and drains its
// pending-mutation buffer.
func (idx *PartitionKeyIndex) SnapshotBucket(group uint32) []byte {
	idx.mu.Lock()
	muts := idx.pending[group]
	idx.pending[group] = nil
	idx.gen[group]++
	gen := idx.gen[group]
	idx.mu.Unlock()

	bb := bucketBufPool.Get()
	defer bucketBufPool.Put(bb)
	bb.Reset()

	bb.B = encoding.MarshalUint32(bb.B, group)
	bb.B = encoding.MarshalUint64(bb.B, gen)
	bb.B = encoding.MarshalUint64(bb.B, uint64(len(muts)))
	for _, m := range muts {
		bb.B = encoding.MarshalUint64(bb.B, m.partID)
		bb.B = encoding.MarshalUint32(bb.B, uint32(len(m.labels)))
		names := make([]string, 0, len(m.labels))
		for n := range m.labels {
			names = append(names, n)
		}
		sort.Strings(names)
		for _, n := range names {
			bb.B = encoding.MarshalBytes(bb.B, []byte(n))
			bb.B = encoding.MarshalBytes(bb.B, []byte(m.labels[n]))
		}
	}
	out := make([]byte, len(bb.B))
	copy(out, bb.B)
	return out
}

// ApplyBucket decodes a blob produced by SnapshotBucket and re-registers
// every entry it carries, used by MemStore.RecoverIndex to rebuild the
// index from persisted time buckets (spec.md §4.9).
func (idx *PartitionKeyIndex) ApplyBucket(blob []byte) error {
	if len(blob) < 20 {
		return fmt.Errorf("memstore: index bucket too short: %d bytes", len(blob))
	}
	group := encoding.UnmarshalUint32(blob)
	blob = blob[4:]
	_ = encoding.UnmarshalUint64(blob) // generation, informational only
	blob = blob[8:]
	count := int(encoding.UnmarshalUint64(blob))
	blob = blob[8:]

	for i := 0; i < count; i++ {
		if len(blob) < 12 {
			return fmt.Errorf("memstore: index bucket truncated at entry %d", i)
		}
		partID := encoding.UnmarshalUint64(blob)
		blob = blob[8:]
		nLabels := int(encoding.UnmarshalUint32(blob))
		blob = blob[4:]

		labels := make(map[string]string, nLabels)
		for j := 0; j < nLabels; j++ {
			var name, value []byte
			var err error
			blob, name, err = encoding.UnmarshalBytes(blob)
			if err != nil {
				return fmt.Errorf("memstore: index bucket entry %d label %d name: %w", i, j, err)
			}
			blob, value, err = encoding.UnmarshalBytes(blob)
			if err != nil {
				return fmt.Errorf("memstore: index bucket entry %d label %d value: %w", i, j, err)
			}
			labels[string(name)] = string(value)
		}
		idx.AddKey(partID, group, labels)
	}
	return nil
}

var bucketBufPool bytesutil.ByteBufferPool
