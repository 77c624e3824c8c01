package memstore

import (
	"bytes"
	"sort"

	"github.com/nativestore/memstore/lib/nativearena"
)

// EvictionPolicy is the pluggable capability set named in spec.md §4.6.
type EvictionPolicy interface {
	// ShouldEvict reports whether pool is tight enough to start evicting.
	ShouldEvict(pool *nativearena.Pool) bool
	// SelectVictims returns up to n candidate partitions to evict, drawn
	// from table, ordered by the policy's preference (most evictable
	// first).
	SelectVictims(table *PartitionTable, n int) []*Partition
}

// WriteBufferFreeEvictionPolicy is the default EvictionPolicy: it triggers
// when pool free bytes drop below MinFree, and selects partitions in
// ascending order of LastIngestTime, skipping any in the Flushing state,
// with a lexicographic tiebreak on partition-key bytes (spec.md §9, Open
// Question 3, resolved).
type WriteBufferFreeEvictionPolicy struct {
	MinFree int64
}

// ShouldEvict implements EvictionPolicy.
func (e *WriteBufferFreeEvictionPolicy) ShouldEvict(pool *nativearena.Pool) bool {
	return pool.BytesFree() < e.MinFree
}

// SelectVictims implements EvictionPolicy.
func (e *WriteBufferFreeEvictionPolicy) SelectVictims(table *PartitionTable, n int) []*Partition {
	all := table.Values()
	candidates := make([]*Partition, 0, len(all))
	for _, p := range all {
		if p.State() == PartFlushing {
			continue
		}
		candidates = append(candidates, p)
	}
	sort.Slice(candidates, func(i, j int) bool {
		ti, tj := candidates[i].LastIngestTime(), candidates[j].LastIngestTime()
		if ti != tj {
			return ti < tj
		}
		return bytes.Compare(candidates[i].PartKey(), candidates[j].PartKey()) < 0
	})
	if n < len(candidates) {
		candidates = candidates[:n]
	}
	return candidates
}
