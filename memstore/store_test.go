package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nativestore/memstore/lib/encoding"
)

func newTestMemStore(t *testing.T) (*MemStore, *fakeColumnStore) {
	t.Helper()
	cs := &fakeColumnStore{}
	m := NewMemStore(cs)
	t.Cleanup(m.Shutdown)
	return m, cs
}

func TestMemStoreSetupRejectsDuplicateShard(t *testing.T) {
	m, _ := newTestMemStore(t)
	ds := testTSDataset(t)
	require.NoError(t, m.Setup(ds, 0, testShardConfig(), nil))
	err := m.Setup(ds, 0, testShardConfig(), nil)
	require.ErrorIs(t, err, ErrShardAlreadySetup)
}

func TestMemStoreIngestRequiresSetup(t *testing.T) {
	m, _ := newTestMemStore(t)
	err := m.Ingest(context.Background(), "ts", 0, batchOf(1, tagRec(1, "a")))
	require.ErrorIs(t, err, ErrShardNotAssigned)
}

func TestMemStoreIngestAndLabelValues(t *testing.T) {
	m, _ := newTestMemStore(t)
	ds := testTSDataset(t)
	require.NoError(t, m.Setup(ds, 0, testShardConfig(), nil))

	// Two distinct tag sets both carry host=a (and so count as two separate
	// partitions indexed under that value); a third carries host=b.
	ctx := context.Background()
	require.NoError(t, m.Ingest(ctx, "ts", 0, batchOf(1,
		&Record{Values: map[string]any{"tags": map[string]string{"host": "a", "region": "us"}, "timestamp": int64(1), "value": 1.0}},
		&Record{Values: map[string]any{"tags": map[string]string{"host": "a", "region": "eu"}, "timestamp": int64(2), "value": 2.0}},
		&Record{Values: map[string]any{"tags": map[string]string{"host": "b", "region": "us"}, "timestamp": int64(3), "value": 3.0}},
	)))

	vals, err := m.LabelValues("ts", 0, "host", -1)
	require.NoError(t, err)
	require.Len(t, vals, 2)
	require.Equal(t, "a", vals[0].Value)
	require.Equal(t, 2, vals[0].Count)
}

func TestMemStoreLabelValuesWithFilters(t *testing.T) {
	m, _ := newTestMemStore(t)
	ds := testTSDataset(t)
	require.NoError(t, m.Setup(ds, 0, testShardConfig(), nil))

	ctx := context.Background()
	require.NoError(t, m.Ingest(ctx, "ts", 0, batchOf(1,
		&Record{Values: map[string]any{"tags": map[string]string{"host": "a", "dc": "us"}, "timestamp": int64(1), "value": 1.0}},
		&Record{Values: map[string]any{"tags": map[string]string{"host": "b", "dc": "eu"}, "timestamp": int64(2), "value": 2.0}},
	)))

	vals, err := m.LabelValuesWithFilters("ts", 0, map[string]string{"dc": "us"}, "host", -1)
	require.NoError(t, err)
	require.Equal(t, []valueCount{{Value: "a", Count: 1}}, vals)
}

func TestMemStorePartKeysWithFiltersAndIndexNames(t *testing.T) {
	m, _ := newTestMemStore(t)
	ds := testTSDataset(t)
	require.NoError(t, m.Setup(ds, 0, testShardConfig(), nil))

	ctx := context.Background()
	require.NoError(t, m.Ingest(ctx, "ts", 0, batchOf(1, tagRec(5, "a"))))

	names, err := m.IndexNames("ts", 0)
	require.NoError(t, err)
	require.Equal(t, []string{"host"}, names)

	ids, err := m.PartKeysWithFilters("ts", 0, map[string]string{"host": "a"}, 0, 10, 0)
	require.NoError(t, err)
	require.Len(t, ids, 1)
}

func TestMemStoreIngestStreamRejectsSecondSubscription(t *testing.T) {
	m, _ := newTestMemStore(t)
	ds := testTSDataset(t)
	require.NoError(t, m.Setup(ds, 0, testShardConfig(), nil))

	stream := &fakeIngestionStream{}
	h, err := m.IngestStream("ts", 0, stream, nil)
	require.NoError(t, err)
	defer h.Cancel()

	_, err = m.IngestStream("ts", 0, &fakeIngestionStream{}, nil)
	require.ErrorIs(t, err, ErrIngestionAlreadyActive)
}

func TestMemStoreIngestStreamReplaysBatches(t *testing.T) {
	m, _ := newTestMemStore(t)
	ds := testTSDataset(t)
	require.NoError(t, m.Setup(ds, 0, testShardConfig(), nil))

	stream := &fakeIngestionStream{batches: []RecordBatch{
		batchOf(1, tagRec(1, "a")),
		batchOf(2, tagRec(2, "b")),
	}}
	h, err := m.IngestStream("ts", 0, stream, nil)
	require.NoError(t, err)

	s, _, err := m.shardOf("ts", 0)
	require.NoError(t, err)
	waitFor(t, time.Second, func() bool { return s.LatestOffset() == 2 })
	h.Cancel()
}

func TestMemStoreRecoverStreamEndBeforeStartClosesImmediately(t *testing.T) {
	m, _ := newTestMemStore(t)
	ds := testTSDataset(t)
	require.NoError(t, m.Setup(ds, 0, testShardConfig(), nil))

	progress, err := m.RecoverStream(context.Background(), "ts", 0, &fakeIngestionStream{}, 10, 5, nil, 1)
	require.NoError(t, err)
	_, ok := <-progress
	require.False(t, ok, "progress channel must be closed with no events when end < start")
}

func TestMemStoreRecoverStreamSeedsWatermarksAndReportsFinalOffset(t *testing.T) {
	m, _ := newTestMemStore(t)
	ds := testTSDataset(t)
	require.NoError(t, m.Setup(ds, 0, testShardConfig(), nil))

	stream := &fakeIngestionStream{batches: []RecordBatch{
		batchOf(1, tagRec(1, "a")),
		batchOf(2, tagRec(2, "a")),
	}}
	progress, err := m.RecoverStream(context.Background(), "ts", 0, stream, 1, 2, map[uint32]int64{0: 42}, 100)
	require.NoError(t, err)

	var got []int64
	for v := range progress {
		got = append(got, v)
	}
	require.Equal(t, []int64{2}, got, "only the final offset is reported when reportInterval never fires early")

	s, _, err := m.shardOf("ts", 0)
	require.NoError(t, err)
	require.Equal(t, int64(42), s.Watermark(0))
}

func TestMemStoreRecoverIndexAppliesPersistedBuckets(t *testing.T) {
	m, cs := newTestMemStore(t)
	ds := testTSDataset(t)
	require.NoError(t, m.Setup(ds, 0, testShardConfig(), nil))

	ctx := context.Background()
	require.NoError(t, m.Ingest(ctx, "ts", 0, batchOf(1, tagRec(1, "a"))))
	require.NoError(t, m.TriggerFlush(ctx, "ts", 0, 0))
	require.NoError(t, m.TriggerFlush(ctx, "ts", 0, 1))
	waitFor(t, time.Second, func() bool { return cs.bucketCount() == 2 })

	require.NoError(t, m.Setup(ds, 1, testShardConfig(), nil))
	require.NoError(t, m.RecoverIndex(ctx, "ts", 1))

	names, err := m.IndexNames("ts", 1)
	require.NoError(t, err)
	require.NotEmpty(t, names)
}

func TestMemStoreScanPartitionsReturnsFlushedRowsInOrder(t *testing.T) {
	// The single-series round-trip scenario: ingest two rows for one
	// series, flush, then scan must return both rows in append order.
	m, _ := newTestMemStore(t)
	ds := testTSDataset(t)
	require.NoError(t, m.Setup(ds, 0, testShardConfig(), nil))

	ctx := context.Background()
	require.NoError(t, m.Ingest(ctx, "ts", 0, batchOf(0,
		&Record{Values: map[string]any{"tags": map[string]string{"host": "a"}, "timestamp": int64(1), "value": 1.0}},
		&Record{Values: map[string]any{"tags": map[string]string{"host": "a"}, "timestamp": int64(2), "value": 2.0}},
	)))

	s, _, err := m.shardOf("ts", 0)
	require.NoError(t, err)
	group := uint32(HashPartitionKey(mustEncodeKey(t, "a")) % uint64(s.groups))
	require.NoError(t, m.TriggerFlush(ctx, "ts", 0, group))
	waitFor(t, time.Second, func() bool { return s.Watermark(group) == 0 })

	out, err := m.ScanPartitions(ctx, "ts", 0, nil, ScanMethod{}, ScanMethod{Start: 1, End: 2})
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Len(t, out[0].Chunks, 1)

	chunk := out[0].Chunks[0]
	defer chunk.Release()
	require.Equal(t, 2, chunk.Rows)
	require.EqualValues(t, 1, chunk.MinKey)
	require.EqualValues(t, 2, chunk.MaxKey)

	body, err := chunk.Decode()
	require.NoError(t, err)
	require.EqualValues(t, ColumnLong, encoding.UnmarshalUint32(body))
	body = body[4:]
	_, tsBytes, err := encoding.UnmarshalBytes(body)
	require.NoError(t, err)
	require.Len(t, tsBytes, 16)
	require.EqualValues(t, 1, encoding.Uint64At(tsBytes, 0), "rows must come back in the order they were appended")
	require.EqualValues(t, 2, encoding.Uint64At(tsBytes, 8))
}

func TestMemStoreScanPartitionsSkipsPartitionsWithNoMatchingChunks(t *testing.T) {
	m, _ := newTestMemStore(t)
	ds := testTSDataset(t)
	require.NoError(t, m.Setup(ds, 0, testShardConfig(), nil))

	ctx := context.Background()
	require.NoError(t, m.Ingest(ctx, "ts", 0, batchOf(0, tagRec(1, "a"))))

	// Nothing has been flushed yet, so no partition has any resident
	// (flushed) chunk for ScanPartitions to return, and the fake
	// ColumnStore's paging stream returns nothing to fill the gap either.
	out, err := m.ScanPartitions(ctx, "ts", 0, nil, ScanMethod{}, ScanMethod{Start: 0, End: 10})
	require.NoError(t, err)
	require.Empty(t, out)
}

func TestMemStoreTruncateTearsDownDataset(t *testing.T) {
	m, cs := newTestMemStore(t)
	ds := testTSDataset(t)
	require.NoError(t, m.Setup(ds, 0, testShardConfig(), nil))

	require.NoError(t, m.Truncate(context.Background(), "ts"))
	require.True(t, cs.truncateCalled)

	err := m.Ingest(context.Background(), "ts", 0, batchOf(1, tagRec(1, "a")))
	require.ErrorIs(t, err, ErrShardNotAssigned)
}

func TestMemStoreResetTearsDownEveryDataset(t *testing.T) {
	m, cs := newTestMemStore(t)
	ds := testTSDataset(t)
	require.NoError(t, m.Setup(ds, 0, testShardConfig(), nil))

	require.NoError(t, m.Reset(context.Background()))
	require.True(t, cs.resetCalled)

	err := m.Ingest(context.Background(), "ts", 0, batchOf(1, tagRec(1, "a")))
	require.ErrorIs(t, err, ErrShardNotAssigned)
}
