package memstore

import "context"

// RecordBatch is produced by an IngestionStream: a run of records read at
// a single source offset, per spec.md §6.
type RecordBatch struct {
	Records []*Record
	Offset  int64
}

// IngestionStream is the lazy, restartable sequence of RecordBatch values
// consumed by Shard, per spec.md §6. It is an external collaborator
// referenced only by interface — Kafka/CSV adapters live outside this
// module.
type IngestionStream interface {
	// Next blocks until the next batch is available, ctx is canceled, or
	// the stream is exhausted (io.EOF) or fails (any other error).
	Next(ctx context.Context) (RecordBatch, error)
}

// IngestionStreamFactory creates an IngestionStream for a (dataset, shard),
// optionally restarting from a given offset, per spec.md §6.
type IngestionStreamFactory interface {
	Create(config map[string]string, dataset string, shardNum uint32, offset *int64) (IngestionStream, error)
}

// PartitionChunk pairs an immutable EncodedChunk with the owning
// partition's key, the unit ColumnStore.WriteChunks persists.
type PartitionChunk struct {
	PartKey []byte
	Chunk   *EncodedChunk
}

// FlushGroupTask is the unit FlushPipeline consumes, emitted by
// Shard.TriggerFlush per spec.md §4.7 step 3. Flush units are addressed by
// (Dataset, Shard, Group, Offset) and must be idempotent under retry
// (spec.md §6).
type FlushGroupTask struct {
	Dataset    string
	Shard      uint32
	Group      uint32
	Offset     int64
	TTLSeconds int64
	Bucket     []byte
	Chunks     []PartitionChunk
}

// ColumnStore is the durable backing store, consumed only by interface per
// spec.md §1/§6.
type ColumnStore interface {
	WriteChunks(ctx context.Context, dataset string, shard, group uint32, offset int64, chunks []PartitionChunk, ttlSeconds int64) error
	WriteIndexTimeBucket(ctx context.Context, dataset string, shard, group uint32, offset int64, bucket []byte) error
	ReadRawPartitions(ctx context.Context, dataset string, columnIDs []int, partMethod, chunkMethod ScanMethod) (RawPartitionStream, error)
	ScanIndexBuckets(ctx context.Context, dataset string, shard uint32) (IndexBucketStream, error)
	Truncate(ctx context.Context, dataset string) error
	Reset(ctx context.Context) error
}

// RawPartData is one on-demand-paged partition row set read back from the
// ColumnStore (spec.md §4.9 scanPartitions' on-demand paging path).
type RawPartData struct {
	PartKey []byte
	Chunks  []*EncodedChunk
}

// RawPartitionStream iterates RawPartData values lazily.
type RawPartitionStream interface {
	Next(ctx context.Context) (RawPartData, bool, error)
	Close() error
}

// IndexBucketStream iterates persisted index time-bucket blobs lazily, for
// MemStore.RecoverIndex.
type IndexBucketStream interface {
	Next(ctx context.Context) ([]byte, bool, error)
	Close() error
}

// ScanMethod bounds a scan by row-key range; its zero value scans
// unbounded.
type ScanMethod struct {
	Start, End int64
}

// Publisher is the downsample sink, consumed only by interface per
// spec.md §1/§6. Called from flush threads.
type Publisher interface {
	Start() error
	Publish(records []*Record) error
	Stop() error
}

// NopPublisher discards every record, used where no downsample sink is
// configured.
type NopPublisher struct{}

// Start implements Publisher.
func (NopPublisher) Start() error { return nil }

// Publish implements Publisher.
func (NopPublisher) Publish([]*Record) error { return nil }

// Stop implements Publisher.
func (NopPublisher) Stop() error { return nil }
