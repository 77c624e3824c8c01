package memstore

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/nativestore/memstore/lib/logger"
	"github.com/nativestore/memstore/lib/nativearena"
)

// eventKind tags entries on a Shard's single merged event channel, per
// spec.md §4.7: the ingestion thread consumes the merge of a data-batch
// sub-stream and a flush-command sub-stream, strictly in arrival order. A
// single channel of tagged events is the Go idiom for that merge — two
// independent channels read via select would not preserve arrival order
// across sources.
type eventKind int

const (
	eventData eventKind = iota
	eventFlush
)

type shardEvent struct {
	kind  eventKind
	batch RecordBatch
	group uint32
	done  chan error
}

// Shard is the per-shard ingestion-serialization and flush-orchestration
// unit described in spec.md §4.7. All mutations of the PartitionTable and the
// PartitionKeyIndex write side happen on its single ingestion goroutine;
// reads are safe from any thread. groupWatermarks are atomics written off
// that goroutine: flush tasks advance them with a compare-and-swap that
// never moves them backward, and SetWatermark stores directly.
type Shard struct {
	dataset string
	num     uint32
	groups  uint32

	ds    *Dataset
	cfg   ShardConfig
	pool  *nativearena.Pool
	table *PartitionTable
	index *PartitionKeyIndex

	evictPolicy EvictionPolicy
	flush       *FlushPipeline
	metrics     *shardMetrics

	watermarks []atomic.Int64
	latest     atomic.Int64

	events chan shardEvent
	stop   chan struct{}
	done   chan struct{}
}

// NewShard constructs a Shard in the stopped state; call Start to begin
// processing events.
func NewShard(dataset string, num uint32, ds *Dataset, cfg ShardConfig, pool *nativearena.Pool, cs ColumnStore, pub Publisher, m *shardMetrics) *Shard {
	s := &Shard{
		dataset:     dataset,
		num:         num,
		groups:      cfg.GroupsPerShard,
		ds:          ds,
		cfg:         cfg,
		pool:        pool,
		table:       NewPartitionTable(),
		index:       NewPartitionKeyIndex(),
		evictPolicy: &WriteBufferFreeEvictionPolicy{MinFree: cfg.MinWriteBuffersFree},
		metrics:     m,
		watermarks:  make([]atomic.Int64, cfg.GroupsPerShard),
		events:      make(chan shardEvent, 64),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	for i := range s.watermarks {
		s.watermarks[i].Store(-1)
	}
	s.flush = NewFlushPipeline(cs, pub, cfg.FlushTaskParallelism, cfg.FlushRetries, m, s.advanceWatermark)
	return s
}

// Start launches the ingestion goroutine.
func (s *Shard) Start() {
	go s.run()
}

func (s *Shard) run() {
	defer close(s.done)
	for {
		select {
		case ev := <-s.events:
			ev.done <- s.handle(ev)
		case <-s.stop:
			return
		}
	}
}

func (s *Shard) handle(ev shardEvent) error {
	switch ev.kind {
	case eventData:
		return s.handleDataBatch(ev.batch)
	case eventFlush:
		return s.handleFlushCommand(ev.group)
	default:
		return fmt.Errorf("memstore: unknown shard event kind %d", ev.kind)
	}
}

// Ingest synchronously enqueues batch on the ingestion thread and waits for
// it to be fully applied, per spec.md §4.9's MemStore.ingest.
func (s *Shard) Ingest(ctx context.Context, batch RecordBatch) error {
	return s.send(ctx, shardEvent{kind: eventData, batch: batch})
}

// TriggerFlush synchronously runs the ingestion-thread portion of
// spec.md §4.7's FlushCommand handling (switching buffers and snapshotting
// the index), then hands the resulting FlushGroupTask to the FlushPipeline
// for asynchronous commit.
func (s *Shard) TriggerFlush(ctx context.Context, group uint32) error {
	return s.send(ctx, shardEvent{kind: eventFlush, group: group})
}

func (s *Shard) send(ctx context.Context, ev shardEvent) error {
	ev.done = make(chan error, 1)
	select {
	case s.events <- ev:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return fmt.Errorf("memstore: shard %d ingestion stopped", s.num)
	}
	select {
	case err := <-ev.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		select {
		case err := <-ev.done:
			return err
		default:
			return fmt.Errorf("memstore: shard %d ingestion stopped", s.num)
		}
	}
}

func (s *Shard) handleDataBatch(batch RecordBatch) error {
	for _, rec := range batch.Records {
		s.ingestRecord(rec, batch.Offset)
	}
	if batch.Offset > s.latest.Load() {
		s.latest.Store(batch.Offset)
	}
	return nil
}

func (s *Shard) ingestRecord(rec *Record, offset int64) {
	key, err := EncodePartitionKey(s.ds, rec)
	if err != nil {
		s.metrics.malformedKeyDrops.Inc()
		return
	}
	hash := HashPartitionKey(key)
	group := uint32(hash % uint64(s.groups))

	rowKey, ok := rowKeyOf(s.ds, rec)
	if !ok {
		s.metrics.malformedKeyDrops.Inc()
		return
	}

	p, err := s.getOrCreatePartition(key, hash, group, rec)
	if err != nil {
		s.metrics.bufferPoolExhausts.Inc()
		s.metrics.rowsDropped.Inc()
		return
	}

	if err := p.Ingest(rec, rowKey, offset); err != nil {
		if err == nativearena.ErrExhausted {
			s.runEviction(p)
			err = p.Ingest(rec, rowKey, offset)
		}
		if err != nil {
			p.MarkRowDropped()
			s.metrics.bufferPoolExhausts.Inc()
			s.metrics.rowsDropped.Inc()
			return
		}
	}
	s.index.Observe(p.ID(), rowKey)
	s.metrics.rowsIngested.Inc()
}

func rowKeyOf(ds *Dataset, rec *Record) (int64, bool) {
	if len(ds.RowKeyColumns) == 0 {
		return 0, false
	}
	v, ok := rec.Values[ds.RowKeyColumns[0].Name]
	if !ok {
		return 0, false
	}
	return toInt64(v)
}

// getOrCreatePartition looks up key in the table, creating it (and
// registering it with the index) if absent. On BufferPoolExhausted it
// triggers eviction and retries allocation once before giving up, per
// spec.md §4.5/§7.
func (s *Shard) getOrCreatePartition(key []byte, hash uint64, group uint32, rec *Record) (*Partition, error) {
	if existing := s.table.Get(key, hash); existing != nil {
		return existing, nil
	}

	p, err := s.tryNewPartition(hash, key, group)
	if err == nativearena.ErrExhausted {
		s.runEviction(nil)
		p, err = s.tryNewPartition(hash, key, group)
	}
	if err != nil {
		return nil, err
	}

	actual, created := s.table.GetOrCreate(key, hash, func() *Partition { return p })
	if created {
		s.index.AddKey(actual.ID(), group, labelsFromRecord(s.ds, rec))
	} else {
		// Lost the race to another create between Get and GetOrCreate:
		// impossible on this shard's single ingestion thread, but release
		// the speculative allocation defensively if it ever happens.
		p.active.Release()
	}
	return actual, nil
}

func (s *Shard) tryNewPartition(hash uint64, key []byte, group uint32) (*Partition, error) {
	keyCopy := append([]byte(nil), key...)
	return NewPartition(hash, keyCopy, group, s.ds, s.pool, s.cfg.MaxChunksSize, s.cfg.ChunksToKeep)
}

func labelsFromRecord(ds *Dataset, rec *Record) map[string]string {
	labels := make(map[string]string)
	for _, col := range ds.PartitionColumns {
		v, ok := rec.Values[col.Name]
		if !ok {
			continue
		}
		if col.Type == ColumnMap {
			if m, ok := v.(map[string]string); ok {
				for k, val := range m {
					labels[k] = val
				}
			}
			continue
		}
		labels[col.Name] = fmt.Sprint(v)
	}
	return labels
}

// runEviction asks the configured EvictionPolicy for victims and reclaims
// their buffers, per spec.md §4.6. keep, if non-nil, is the partition the
// caller is about to retry an ingest into; it is never evicted. Only called
// from the ingestion thread.
func (s *Shard) runEviction(keep *Partition) {
	if !s.evictPolicy.ShouldEvict(s.pool) {
		return
	}
	victims := s.evictPolicy.SelectVictims(s.table, s.table.Len())
	for _, p := range victims {
		if p == keep {
			continue
		}
		if !s.evictPolicy.ShouldEvict(s.pool) {
			return
		}
		s.table.Remove(p.PartKey(), p.ID())
		s.index.RemoveKey(p.ID())
		p.markEvicted()
		s.metrics.partitionsEvicted.Inc()
	}
}

// handleFlushCommand implements spec.md §4.7's FlushCommand handling: for
// every partition in group, switch buffers; snapshot the index bucket;
// emit a FlushGroupTask to the FlushPipeline. Runs entirely on the
// ingestion thread so every record with offset <= latestOffset at the
// moment this runs is included, and no later record is.
func (s *Shard) handleFlushCommand(group uint32) error {
	var chunks []PartitionChunk
	for _, p := range s.table.Values() {
		if p.GroupID() != group {
			continue
		}
		ec, err := p.SwitchBuffers()
		if err != nil {
			logger.Warnf("memstore: shard %d group %d: failed to allocate replacement buffer for partition: %s", s.num, group, err)
		}
		if ec != nil {
			chunks = append(chunks, PartitionChunk{PartKey: p.PartKey(), Chunk: ec})
		}
	}

	bucket := s.index.SnapshotBucket(group)
	task := FlushGroupTask{
		Dataset:    s.dataset,
		Shard:      s.num,
		Group:      group,
		Offset:     s.latest.Load(),
		TTLSeconds: s.cfg.DiskTimeToLiveSeconds,
		Bucket:     bucket,
		Chunks:     chunks,
	}
	return s.flush.Submit(context.Background(), task)
}

func (s *Shard) advanceWatermark(group uint32, offset int64) {
	if group >= uint32(len(s.watermarks)) {
		return
	}
	for {
		cur := s.watermarks[group].Load()
		if offset <= cur {
			return
		}
		if s.watermarks[group].CompareAndSwap(cur, offset) {
			return
		}
	}
}

// Watermark returns group's current durable offset, or -1 if no flush for
// that group has ever committed.
func (s *Shard) Watermark(group uint32) int64 {
	if group >= uint32(len(s.watermarks)) {
		return -1
	}
	return s.watermarks[group].Load()
}

// SetWatermark installs a watermark for group directly, used by
// MemStore.RecoverStream to seed checkpoints before replay (spec.md §4.9).
func (s *Shard) SetWatermark(group uint32, offset int64) {
	if group >= uint32(len(s.watermarks)) {
		return
	}
	s.watermarks[group].Store(offset)
}

// LatestOffset returns the highest source offset observed by this shard.
func (s *Shard) LatestOffset() int64 { return s.latest.Load() }

// Table returns the shard's partition table, for reader-thread scans.
func (s *Shard) Table() *PartitionTable { return s.table }

// Index returns the shard's label index, for reader-thread lookups.
func (s *Shard) Index() *PartitionKeyIndex { return s.index }

// Stop implements spec.md §5's cancellation sequence: stop accepting new
// events, wait for the current event to finish, drain the flush pipeline
// up to cfg.FlushDrainTimeout. It does not return partition buffers to the
// pool or close the shared dataset arena; native memory is released when
// MemStore closes that arena.
func (s *Shard) Stop() {
	close(s.stop)
	<-s.done
	s.flush.Drain(s.cfg.FlushDrainTimeout)
}
