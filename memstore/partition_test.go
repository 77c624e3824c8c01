package memstore

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nativestore/memstore/lib/nativearena"
)

func rec(ts int64, v float64) *Record {
	return &Record{Values: map[string]any{"timestamp": ts, "value": v}}
}

func TestPartitionIngestSingleRow(t *testing.T) {
	p := newTestPartition(t, 1, "a")
	require.NoError(t, p.Ingest(rec(1, 1.0), 1, 100))
	require.EqualValues(t, 1, p.IngestedRows())
	first, last, ok := p.Offsets()
	require.True(t, ok)
	require.EqualValues(t, 100, first)
	require.EqualValues(t, 100, last)
}

func TestPartitionRotatesOnFullChunk(t *testing.T) {
	p := newTestPartition(t, 1, "a") // maxRows=4, keep=2 (see newTestPartition)
	for i := int64(0); i < 4; i++ {
		require.NoError(t, p.Ingest(rec(i, float64(i)), i, i))
	}
	require.True(t, p.active.Full())

	// The 5th row overflows the active chunk and triggers a rotation into
	// flushed, with a fresh active chunk taking its place.
	require.NoError(t, p.Ingest(rec(4, 4.0), 4, 4))
	require.EqualValues(t, 5, p.IngestedRows())
	require.EqualValues(t, 0, p.RowsDropped())

	chunks := p.Scan(0, 10)
	require.Len(t, chunks, 1)
	require.Equal(t, 4, chunks[0].Rows)
	for _, c := range chunks {
		c.Release()
	}
}

func TestPartitionKeepsOnlyLastNFlushedChunks(t *testing.T) {
	p := newTestPartition(t, 1, "a") // keep=2
	for i := int64(0); i < 12; i++ {
		require.NoError(t, p.Ingest(rec(i, float64(i)), i, i))
	}
	chunks := p.Scan(0, 100)
	require.LessOrEqual(t, len(chunks), 2)
	for _, c := range chunks {
		c.Release()
	}
}

func TestPartitionIngestSurfacesExhaustionOnLazyReallocation(t *testing.T) {
	p := newTestPartition(t, 1, "a")

	// Simulate a partition left without an active buffer, as would happen
	// after a prior rotation whose reallocation failed.
	p.active = nil

	tiny, err := nativearena.NewPool(1)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tiny.Close() })
	p.pool = tiny

	// Ingest must surface the exhaustion rather than silently dropping the
	// row itself: only the caller (Shard) knows how to run eviction and
	// retry, per spec.md §7/§9.
	err = p.Ingest(rec(1, 1.0), 1, 1)
	require.ErrorIs(t, err, nativearena.ErrExhausted)
	require.EqualValues(t, 0, p.RowsDropped(), "Ingest itself must not count the drop; that's the caller's job after its retry also fails")
	require.EqualValues(t, 0, p.IngestedRows())

	// A real pool lets the caller's retry succeed.
	p.pool = testPool(t)
	require.NoError(t, p.Ingest(rec(1, 1.0), 1, 1))
	require.EqualValues(t, 1, p.IngestedRows())
}

func TestPartitionRotateSurfacesExhaustionAndLeavesActiveNil(t *testing.T) {
	p := newTestPartition(t, 1, "a") // maxRows=4
	for i := int64(0); i < 4; i++ {
		require.NoError(t, p.Ingest(rec(i, float64(i)), i, i))
	}
	require.True(t, p.active.Full())

	tiny, err := nativearena.NewPool(1)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tiny.Close() })
	p.pool = tiny

	err = p.Ingest(rec(99, 99.0), 99, 99)
	require.ErrorIs(t, err, nativearena.ErrExhausted)
	require.EqualValues(t, 0, p.RowsDropped(), "Ingest itself must not count the drop; that's the caller's job after its retry also fails")
	require.Nil(t, p.active, "a failed rotation must leave active nil, never a stale frozen builder")
}

func TestPartitionMarkRowDroppedIncrementsCounter(t *testing.T) {
	p := newTestPartition(t, 1, "a")
	require.EqualValues(t, 0, p.RowsDropped())
	p.MarkRowDropped()
	p.MarkRowDropped()
	require.EqualValues(t, 2, p.RowsDropped())
}

func TestPartitionSwitchBuffersFreezesActive(t *testing.T) {
	p := newTestPartition(t, 1, "a")
	require.NoError(t, p.Ingest(rec(1, 1.0), 1, 1))
	require.NoError(t, p.Ingest(rec(2, 2.0), 2, 2))

	// SwitchBuffers hands the frozen chunk to the caller for flushing while
	// the partition retains its own reference in flushed, so ownership is
	// not transferred: callers must not Release what they receive here.
	frozen, err := p.SwitchBuffers()
	require.NoError(t, err)
	require.NotNil(t, frozen)
	require.Equal(t, 2, frozen.Rows)
	require.Equal(t, PartActive, p.State())
	require.NotNil(t, p.active, "a fresh active buffer must be allocated after switching")

	chunks := p.Scan(0, 10)
	require.Len(t, chunks, 1)
	for _, c := range chunks {
		c.Release()
	}
}

func TestPartitionMarkEvictedReleasesEverythingWithoutPanic(t *testing.T) {
	p := newTestPartition(t, 1, "a")
	for i := int64(0); i < 10; i++ {
		require.NoError(t, p.Ingest(rec(i, float64(i)), i, i))
	}
	require.NotPanics(t, func() { p.markEvicted() })
	require.Equal(t, PartEvicted, p.State())
	require.Empty(t, p.Scan(0, 100))

	// markEvicted must also be safe to call when active was already nil,
	// e.g. following a failed reallocation.
	p2 := newTestPartition(t, 2, "b")
	p2.active = nil
	require.NotPanics(t, func() { p2.markEvicted() })
}

func TestPartitionScanRespectsRowKeyRange(t *testing.T) {
	p := newTestPartition(t, 1, "a")
	for i := int64(0); i < 4; i++ {
		require.NoError(t, p.Ingest(rec(i, float64(i)), i, i))
	}
	require.NoError(t, p.Ingest(rec(4, 4.0), 4, 4)) // rotates chunk [0..3] into flushed

	require.Empty(t, p.Scan(100, 200))
	inRange := p.Scan(0, 3)
	require.Len(t, inRange, 1)
	for _, c := range inRange {
		c.Release()
	}
}
