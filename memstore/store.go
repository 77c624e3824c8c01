package memstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"golang.org/x/sync/errgroup"

	"github.com/nativestore/memstore/lib/logger"
	"github.com/nativestore/memstore/lib/nativearena"
)

// datasetEntry holds the per-dataset resources shared by all of its
// shards, per spec.md §5's shared-resource policy: one native arena, one
// downsample publisher, lazily initialized on first Setup.
type datasetEntry struct {
	ds        *Dataset
	arena     *nativearena.Pool
	publisher Publisher

	mu     sync.RWMutex
	shards map[uint32]*Shard
	subs   map[uint32]*IngestHandle
}

// MemStore is the dataset/shard registry and public façade described in
// spec.md §4.9. It owns every per-dataset resource directly — no
// process-wide singletons, per spec.md §9's design note.
type MemStore struct {
	cs        ColumnStore
	metricsSt *metrics.Set

	mu       sync.RWMutex
	datasets map[string]*datasetEntry
}

// NewMemStore returns an empty façade backed by cs.
func NewMemStore(cs ColumnStore) *MemStore {
	return &MemStore{
		cs:        cs,
		metricsSt: metrics.NewSet(),
		datasets:  make(map[string]*datasetEntry),
	}
}

// MetricsSet exposes the private metrics.Set this MemStore registers its
// counters in, for the caller's own /metrics endpoint.
func (m *MemStore) MetricsSet() *metrics.Set { return m.metricsSt }

// Setup initializes the shard, lazily creating the dataset's arena and
// publisher on first use. Returns ErrShardAlreadySetup if the shard
// already exists; setup is idempotent per (dataset, shard) only via an
// explicit Reset, per spec.md §4.9.
func (m *MemStore) Setup(ds *Dataset, shard uint32, cfg ShardConfig, publisher Publisher) error {
	entry := m.getOrCreateDataset(ds, cfg, publisher)

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if _, exists := entry.shards[shard]; exists {
		return fmt.Errorf("%w: dataset %q shard %d", ErrShardAlreadySetup, ds.Name, shard)
	}
	sm := newShardMetrics(m.metricsSt, ds.Name, shard)
	s := NewShard(ds.Name, shard, ds, cfg, entry.arena, m.cs, entry.publisher, sm)
	s.Start()
	entry.shards[shard] = s
	return nil
}

func (m *MemStore) getOrCreateDataset(ds *Dataset, cfg ShardConfig, publisher Publisher) *datasetEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.datasets[ds.Name]; ok {
		return e
	}
	if publisher == nil {
		publisher = NopPublisher{}
	}
	arena, err := nativearena.NewPool(cfg.IngestionBufferMemSize)
	if err != nil {
		logger.Panicf("memstore: cannot create native arena for dataset %q: %s", ds.Name, err)
	}
	if err := publisher.Start(); err != nil {
		logger.Errorf("memstore: downsample publisher failed to start for dataset %q: %s", ds.Name, err)
	}
	e := &datasetEntry{
		ds:        ds,
		arena:     arena,
		publisher: publisher,
		shards:    make(map[uint32]*Shard),
		subs:      make(map[uint32]*IngestHandle),
	}
	m.datasets[ds.Name] = e
	return e
}

func (m *MemStore) shardOf(dataset string, shard uint32) (*Shard, *datasetEntry, error) {
	m.mu.RLock()
	entry, ok := m.datasets[dataset]
	m.mu.RUnlock()
	if !ok {
		return nil, nil, fmt.Errorf("%w: dataset %q", ErrShardNotAssigned, dataset)
	}
	entry.mu.RLock()
	s, ok := entry.shards[shard]
	entry.mu.RUnlock()
	if !ok {
		return nil, nil, fmt.Errorf("%w: dataset %q shard %d", ErrShardNotAssigned, dataset, shard)
	}
	return s, entry, nil
}

// Ingest synchronously enqueues batch to the shard's ingestion input.
func (m *MemStore) Ingest(ctx context.Context, dataset string, shard uint32, batch RecordBatch) error {
	s, _, err := m.shardOf(dataset, shard)
	if err != nil {
		return err
	}
	return s.Ingest(ctx, batch)
}

// TriggerFlush synchronously runs the ingestion-thread half of a
// FlushCommand for group, per spec.md §4.7.
func (m *MemStore) TriggerFlush(ctx context.Context, dataset string, shard, group uint32) error {
	s, _, err := m.shardOf(dataset, shard)
	if err != nil {
		return err
	}
	return s.TriggerFlush(ctx, group)
}

// IngestHandle is the cancellable subscription returned by IngestStream,
// per spec.md §4.9.
type IngestHandle struct {
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	shard   *Shard
	timeout time.Duration
}

// Cancel implements spec.md §5's cancellation sequence: unsubscribe from
// upstream, wait for the in-flight event to finish, then drain the flush
// pipeline up to FlushDrainTimeout. Native-arena release happens at
// MemStore.Shutdown/Reset, since the arena is shared across a dataset's
// shards (spec.md §5).
func (h *IngestHandle) Cancel() {
	h.cancel()
	h.wg.Wait()
	h.shard.flush.Drain(h.timeout)
}

// IngestStream subscribes shard to the merge of dataStream and flushStream,
// per spec.md §4.9. Only one subscription is accepted per (dataset,
// shard): a second call returns ErrIngestionAlreadyActive (spec.md §9,
// Open Question 1, resolved), also after the first handle was canceled,
// since Cancel does not remove the registration; it is cleared only when
// the dataset is torn down.
func (m *MemStore) IngestStream(dataset string, shard uint32, dataStream IngestionStream, flushStream <-chan uint32) (*IngestHandle, error) {
	s, entry, err := m.shardOf(dataset, shard)
	if err != nil {
		return nil, err
	}

	entry.mu.Lock()
	if _, active := entry.subs[shard]; active {
		entry.mu.Unlock()
		return nil, ErrIngestionAlreadyActive
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &IngestHandle{cancel: cancel, shard: s, timeout: s.cfg.FlushDrainTimeout}
	entry.subs[shard] = h
	entry.mu.Unlock()

	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		for {
			batch, err := dataStream.Next(ctx)
			if err != nil {
				return
			}
			if err := s.Ingest(ctx, batch); err != nil {
				return
			}
		}
	}()
	go func() {
		defer h.wg.Done()
		for {
			select {
			case group, ok := <-flushStream:
				if !ok {
					return
				}
				if err := s.TriggerFlush(ctx, group); err != nil {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return h, nil
}

// RecoverStream installs per-group watermarks from checkpoints, then
// replays stream from start to end invoking Ingest for every record,
// reporting progress every reportInterval source units and a final event
// at end. No flushes are emitted during recovery, per spec.md §4.9. If
// end < start, the returned channel is closed immediately with no
// progress events (spec.md §8's boundary behavior).
func (m *MemStore) RecoverStream(ctx context.Context, dataset string, shard uint32, stream IngestionStream, start, end int64, checkpoints map[uint32]int64, reportInterval int64) (<-chan int64, error) {
	s, _, err := m.shardOf(dataset, shard)
	if err != nil {
		return nil, err
	}
	progress := make(chan int64)
	if end < start {
		close(progress)
		return progress, nil
	}
	for g, off := range checkpoints {
		s.SetWatermark(g, off)
	}

	go func() {
		defer close(progress)
		lastReport := start
		for {
			batch, err := stream.Next(ctx)
			if err != nil {
				return
			}
			if batch.Offset > end {
				return
			}
			if err := s.Ingest(ctx, batch); err != nil {
				return
			}
			if batch.Offset == end {
				select {
				case progress <- end:
				case <-ctx.Done():
				}
				return
			}
			if reportInterval > 0 && batch.Offset-lastReport >= reportInterval {
				lastReport = batch.Offset
				select {
				case progress <- batch.Offset:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return progress, nil
}

// RecoverIndex rebuilds the shard's PartitionKeyIndex from persisted time
// buckets by scanning the ColumnStore, per spec.md §4.9. Partitions
// themselves are not recreated; they come back lazily on the next record
// for a given key, per spec.md §3's lifecycle.
func (m *MemStore) RecoverIndex(ctx context.Context, dataset string, shard uint32) error {
	s, _, err := m.shardOf(dataset, shard)
	if err != nil {
		return err
	}
	bucketStream, err := m.cs.ScanIndexBuckets(ctx, dataset, shard)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrIndexCorruption, err)
	}
	defer bucketStream.Close()

	for {
		blob, ok, err := bucketStream.Next(ctx)
		if err != nil {
			return fmt.Errorf("%w: %s", ErrIndexCorruption, err)
		}
		if !ok {
			return nil
		}
		if err := s.Index().ApplyBucket(blob); err != nil {
			return fmt.Errorf("%w: %s", ErrIndexCorruption, err)
		}
	}
}

// ScanPartitions returns, for every resident partition in shard, its
// resident chunks whose own range intersects chunkMethod; partMethod does
// not restrict which resident partitions are scanned. It then appends
// whatever the ColumnStore returns for partMethod/chunkMethod, without
// removing chunks already returned from memory.
func (m *MemStore) ScanPartitions(ctx context.Context, dataset string, shard uint32, columnIDs []int, partMethod, chunkMethod ScanMethod) ([]RawPartData, error) {
	s, _, err := m.shardOf(dataset, shard)
	if err != nil {
		return nil, err
	}

	start, end := chunkMethod.Start, chunkMethod.End
	if chunkMethod == (ScanMethod{}) {
		start, end = minInt64, maxInt64
	}
	var out []RawPartData
	for _, p := range s.Table().Values() {
		chunks := p.Scan(start, end)
		if len(chunks) == 0 {
			continue
		}
		out = append(out, RawPartData{PartKey: p.PartKey(), Chunks: chunks})
	}

	paged, err := m.pageHistorical(ctx, dataset, columnIDs, partMethod, chunkMethod)
	if err != nil {
		return out, err
	}
	out = append(out, paged...)
	return out, nil
}

// pageHistorical materializes chunks older than the in-memory window from
// the ColumnStore, per spec.md's "on-demand paging" glossary entry.
func (m *MemStore) pageHistorical(ctx context.Context, dataset string, columnIDs []int, partMethod, chunkMethod ScanMethod) ([]RawPartData, error) {
	if m.cs == nil {
		return nil, nil
	}
	stream, err := m.cs.ReadRawPartitions(ctx, dataset, columnIDs, partMethod, chunkMethod)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	var out []RawPartData
	for {
		part, ok, err := stream.Next(ctx)
		if err != nil {
			return out, err
		}
		if !ok {
			return out, nil
		}
		out = append(out, part)
	}
}

// LabelValues returns the topK most frequent values for labelName in
// shard's index.
func (m *MemStore) LabelValues(dataset string, shard uint32, labelName string, topK int) ([]valueCount, error) {
	s, _, err := m.shardOf(dataset, shard)
	if err != nil {
		return nil, err
	}
	return s.Index().ValuesFor(labelName, topK), nil
}

// LabelValuesWithFilters returns the topK most frequent values for
// labelName among partitions matching filters, unbounded in time.
func (m *MemStore) LabelValuesWithFilters(dataset string, shard uint32, filters map[string]string, labelName string, topK int) ([]valueCount, error) {
	s, _, err := m.shardOf(dataset, shard)
	if err != nil {
		return nil, err
	}
	ids := s.Index().Filter(filters, minInt64, maxInt64, 0)
	return s.Index().ValuesForIDs(ids, labelName, topK), nil
}

const (
	minInt64 = -1 << 63
	maxInt64 = 1<<63 - 1
)

// PartKeysWithFilters returns up to limit partition ids matching filters
// with an observed range intersecting [start, end].
func (m *MemStore) PartKeysWithFilters(dataset string, shard uint32, filters map[string]string, start, end int64, limit int) ([]uint64, error) {
	s, _, err := m.shardOf(dataset, shard)
	if err != nil {
		return nil, err
	}
	return s.Index().Filter(filters, start, end, limit), nil
}

// IndexNames returns the sorted list of distinct label names tracked by
// shard's index (spec.md §4.9, detailed in SPEC_FULL.md's supplemented
// features).
func (m *MemStore) IndexNames(dataset string, shard uint32) ([]string, error) {
	s, _, err := m.shardOf(dataset, shard)
	if err != nil {
		return nil, err
	}
	return s.Index().IndexNames(), nil
}

// Truncate clears all shards of dataset and forwards to the ColumnStore.
func (m *MemStore) Truncate(ctx context.Context, dataset string) error {
	m.mu.Lock()
	entry, ok := m.datasets[dataset]
	if ok {
		delete(m.datasets, dataset)
	}
	m.mu.Unlock()
	if ok {
		m.teardownDataset(entry)
	}
	return m.cs.Truncate(ctx, dataset)
}

// Reset tears down every dataset and resets the durable store, per
// spec.md §4.9's ordering: stop ingestion subscriptions, drain flushes,
// release native arenas, stop publishers, reset the store. The in-memory
// indexes have no close step; they are dropped along with their shards.
func (m *MemStore) Reset(ctx context.Context) error {
	m.mu.Lock()
	datasets := m.datasets
	m.datasets = make(map[string]*datasetEntry)
	m.mu.Unlock()

	for _, entry := range datasets {
		m.teardownDataset(entry)
	}
	return m.cs.Reset(ctx)
}

// Shutdown tears down every dataset without touching the durable store.
func (m *MemStore) Shutdown() {
	m.mu.Lock()
	datasets := m.datasets
	m.datasets = make(map[string]*datasetEntry)
	m.mu.Unlock()

	for _, entry := range datasets {
		m.teardownDataset(entry)
	}
}

// teardownDataset cancels every ingestion subscription and stops every
// shard concurrently: each Stop drains that shard's flush pipeline up to
// its own FlushDrainTimeout, so running them sequentially would sum the
// worst case across every shard instead of paying it once.
func (m *MemStore) teardownDataset(entry *datasetEntry) {
	entry.mu.Lock()
	subs := entry.subs
	entry.subs = make(map[uint32]*IngestHandle)
	shards := entry.shards
	entry.mu.Unlock()

	var cancelGroup errgroup.Group
	for _, h := range subs {
		h := h
		cancelGroup.Go(func() error {
			h.Cancel()
			return nil
		})
	}
	cancelGroup.Wait()

	var stopGroup errgroup.Group
	for _, s := range shards {
		s := s
		stopGroup.Go(func() error {
			s.Stop()
			return nil
		})
	}
	stopGroup.Wait()

	if err := entry.arena.Close(); err != nil {
		logger.Warnf("memstore: error releasing arena for dataset %q: %s", entry.ds.Name, err)
	}
	if err := entry.publisher.Stop(); err != nil {
		logger.Warnf("memstore: error stopping publisher for dataset %q: %s", entry.ds.Name, err)
	}
}
