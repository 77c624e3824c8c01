package memstore

import (
	"fmt"

	"github.com/VictoriaMetrics/metrics"
)

// shardMetrics holds the counters for one Shard, registered in a private
// *metrics.Set owned by the MemStore instance rather than the package-level
// default set, per spec.md §9's "no process-wide singletons" design note.
// No gauges are registered.
type shardMetrics struct {
	rowsIngested       *metrics.Counter
	rowsDropped        *metrics.Counter
	malformedKeyDrops  *metrics.Counter
	partitionsEvicted  *metrics.Counter
	flushesSucceeded   *metrics.Counter
	flushesFailed      *metrics.Counter
	flushRetries       *metrics.Counter
	bufferPoolExhausts *metrics.Counter
}

func newShardMetrics(set *metrics.Set, dataset string, shard uint32) *shardMetrics {
	labels := fmt.Sprintf(`{dataset=%q,shard="%d"}`, dataset, shard)
	return &shardMetrics{
		rowsIngested:       set.NewCounter("memstore_rows_ingested_total" + labels),
		rowsDropped:        set.NewCounter("memstore_rows_dropped_total" + labels),
		malformedKeyDrops:  set.NewCounter("memstore_malformed_key_drops_total" + labels),
		partitionsEvicted:  set.NewCounter("memstore_partitions_evicted_total" + labels),
		flushesSucceeded:   set.NewCounter("memstore_flushes_total" + labels),
		flushesFailed:      set.NewCounter("memstore_flush_errors_total" + labels),
		flushRetries:       set.NewCounter("memstore_flush_retries_total" + labels),
		bufferPoolExhausts: set.NewCounter("memstore_buffer_pool_exhausted_total" + labels),
	}
}
