package memstore

import (
	"context"
	"io"
	"sync"

	"github.com/VictoriaMetrics/metrics"
)

func testShardMetrics(t interface{ Helper() }) *shardMetrics {
	t.Helper()
	return newShardMetrics(metrics.NewSet(), "ts", 0)
}

// fakeColumnStore is an in-memory ColumnStore double: it records every
// write and can be configured to fail transiently a fixed number of times
// before succeeding, exercising FlushPipeline's retry path.
type fakeColumnStore struct {
	mu sync.Mutex

	writeChunksCalls int
	writeChunksFailN int   // fail this many times with a transient error before succeeding
	writeChunksErr   error // wrapped in the transient FlushError returned during the failN window

	// writeChunksPermanentErr, when set, makes every WriteChunks call
	// (after the writeChunksFailN transient window, if any) fail with a
	// non-transient FlushError instead of succeeding.
	writeChunksPermanentErr error

	writtenChunks  []FlushGroupTask
	writtenBuckets [][]byte
	writeIndexErr  error
	truncateCalled bool
	resetCalled    bool
}

func (f *fakeColumnStore) WriteChunks(ctx context.Context, dataset string, shard, group uint32, offset int64, chunks []PartitionChunk, ttlSeconds int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writeChunksCalls++
	if f.writeChunksCalls <= f.writeChunksFailN {
		return &FlushError{Err: f.writeChunksErr, Transient: true}
	}
	if f.writeChunksPermanentErr != nil {
		return &FlushError{Err: f.writeChunksPermanentErr, Transient: false}
	}
	f.writtenChunks = append(f.writtenChunks, FlushGroupTask{Dataset: dataset, Shard: shard, Group: group, Offset: offset, Chunks: chunks})
	return nil
}

func (f *fakeColumnStore) WriteIndexTimeBucket(ctx context.Context, dataset string, shard, group uint32, offset int64, bucket []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeIndexErr != nil {
		return f.writeIndexErr
	}
	f.writtenBuckets = append(f.writtenBuckets, bucket)
	return nil
}

func (f *fakeColumnStore) ReadRawPartitions(ctx context.Context, dataset string, columnIDs []int, partMethod, chunkMethod ScanMethod) (RawPartitionStream, error) {
	return &fakeRawPartitionStream{}, nil
}

func (f *fakeColumnStore) ScanIndexBuckets(ctx context.Context, dataset string, shard uint32) (IndexBucketStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	blobs := append([][]byte(nil), f.writtenBuckets...)
	return &fakeIndexBucketStream{blobs: blobs}, nil
}

func (f *fakeColumnStore) Truncate(ctx context.Context, dataset string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.truncateCalled = true
	return nil
}

func (f *fakeColumnStore) Reset(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resetCalled = true
	return nil
}

func (f *fakeColumnStore) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writeChunksCalls
}

func (f *fakeColumnStore) bucketCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.writtenBuckets)
}

type fakeRawPartitionStream struct{ i int }

func (s *fakeRawPartitionStream) Next(ctx context.Context) (RawPartData, bool, error) {
	return RawPartData{}, false, nil
}
func (s *fakeRawPartitionStream) Close() error { return nil }

type fakeIndexBucketStream struct {
	blobs [][]byte
	i     int
}

func (s *fakeIndexBucketStream) Next(ctx context.Context) ([]byte, bool, error) {
	if s.i >= len(s.blobs) {
		return nil, false, nil
	}
	b := s.blobs[s.i]
	s.i++
	return b, true, nil
}
func (s *fakeIndexBucketStream) Close() error { return nil }

// fakePublisher records every batch of records published to it.
type fakePublisher struct {
	mu       sync.Mutex
	started  bool
	stopped  bool
	batches  [][]*Record
	failNext bool
}

func (p *fakePublisher) Start() error { p.started = true; return nil }
func (p *fakePublisher) Stop() error  { p.stopped = true; return nil }
func (p *fakePublisher) Publish(records []*Record) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.batches = append(p.batches, records)
	return nil
}

// fakeIngestionStream replays a fixed slice of RecordBatch values, then
// reports io.EOF, so tests can drive a bounded number of batches through
// Shard.Ingest/MemStore.IngestStream.
type fakeIngestionStream struct {
	mu      sync.Mutex
	batches []RecordBatch
	i       int
}

func (s *fakeIngestionStream) Next(ctx context.Context) (RecordBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.i >= len(s.batches) {
		return RecordBatch{}, io.EOF
	}
	b := s.batches[s.i]
	s.i++
	return b, nil
}
