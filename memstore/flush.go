package memstore

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/nativestore/memstore/lib/logger"
)

// FlushPipeline runs up to flushTaskParallelism concurrent flush tasks on a
// separate scheduler from the ingestion thread, per spec.md §4.8. Submit
// starts each task on its own goroutine once a semaphore slot is free;
// there is no separate queue. Chunk writes are retried with exponential
// backoff on transient ColumnStore errors, up to retries times after the
// first attempt.
type FlushPipeline struct {
	cs        ColumnStore
	publisher Publisher
	retries   int
	sem       *semaphore.Weighted

	onCommit func(group uint32, offset int64)
	metrics  *shardMetrics

	wg sync.WaitGroup
}

// NewFlushPipeline returns a pipeline bounded to parallelism concurrent
// flush tasks, committing successful groups via onCommit.
func NewFlushPipeline(cs ColumnStore, pub Publisher, parallelism, retries int, m *shardMetrics, onCommit func(group uint32, offset int64)) *FlushPipeline {
	if parallelism < 1 {
		parallelism = 1
	}
	return &FlushPipeline{
		cs:        cs,
		publisher: pub,
		retries:   retries,
		sem:       semaphore.NewWeighted(int64(parallelism)),
		onCommit:  onCommit,
		metrics:   m,
	}
}

// Submit enqueues task for asynchronous execution. It blocks only long
// enough to acquire a worker slot, providing the back-pressure spec.md §5
// describes ("back-pressure from the flush queue when that queue is
// full... the ingestion stream pauses the upstream").
func (fp *FlushPipeline) Submit(ctx context.Context, task FlushGroupTask) error {
	if err := fp.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	fp.wg.Add(1)
	go func() {
		defer fp.sem.Release(1)
		defer fp.wg.Done()
		fp.runTask(task)
	}()
	return nil
}

func (fp *FlushPipeline) runTask(task FlushGroupTask) {
	ctx := context.Background()

	if len(task.Chunks) > 0 {
		if err := fp.writeWithRetry(ctx, task); err != nil {
			logger.Errorf("memstore: permanent flush failure for shard=%d group=%d offset=%d: %s", task.Shard, task.Group, task.Offset, err)
			fp.metrics.flushesFailed.Inc()
			return
		}
	}

	if err := fp.cs.WriteIndexTimeBucket(ctx, task.Dataset, task.Shard, task.Group, task.Offset, task.Bucket); err != nil {
		logger.Errorf("memstore: failed to write index time bucket for shard=%d group=%d offset=%d: %s", task.Shard, task.Group, task.Offset, err)
		fp.metrics.flushesFailed.Inc()
		return
	}

	fp.onCommit(task.Group, task.Offset)
	fp.metrics.flushesSucceeded.Inc()

	if len(task.Chunks) > 0 {
		records := downsampleRecords(task.Chunks)
		if err := fp.publisher.Publish(records); err != nil {
			logger.Warnf("memstore: downsample publish failed for shard=%d group=%d offset=%d: %s", task.Shard, task.Group, task.Offset, err)
		}
	}
}

// writeWithRetry writes task's chunks, retrying transient FlushError
// failures with exponential backoff up to fp.retries times after the
// first attempt (fp.retries+1 attempts in all), per
// spec.md §7's FlushIO row.
func (fp *FlushPipeline) writeWithRetry(ctx context.Context, task FlushGroupTask) error {
	var err error
	for attempt := 0; attempt <= fp.retries; attempt++ {
		err = fp.cs.WriteChunks(ctx, task.Dataset, task.Shard, task.Group, task.Offset, task.Chunks, task.TTLSeconds)
		if err == nil {
			return nil
		}
		fe, ok := err.(*FlushError)
		if !ok || !fe.Transient || attempt == fp.retries {
			// Return err itself, not fe.Err: fe.Err may be nil if a
			// ColumnStore implementation forgets to populate it, and a nil
			// return here would make runTask treat a permanent failure as
			// success.
			return err
		}
		fp.metrics.flushRetries.Inc()
		backoff := time.Duration(1<<uint(attempt)) * 100 * time.Millisecond
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

// Drain waits for all in-flight and queued flush tasks to finish, up to
// timeout. On expiry it returns false without canceling the in-flight
// work: those tasks keep running, and any that later succeed still advance
// their group's watermark through onCommit.
func (fp *FlushPipeline) Drain(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		fp.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// downsampleRecords derives the publisher-facing record stream from a
// flush task's chunks. The memstore itself does not compute downsampled
// aggregates (that logic belongs to the downsample publisher, an external
// collaborator per spec.md §1); this packages each chunk's decoded rows
// for the publisher to aggregate.
func downsampleRecords(chunks []PartitionChunk) []*Record {
	out := make([]*Record, 0, len(chunks))
	for _, pc := range chunks {
		out = append(out, &Record{Values: map[string]any{
			"partKey": pc.PartKey,
			"rows":    pc.Chunk.Rows,
			"minKey":  pc.Chunk.MinKey,
			"maxKey":  pc.Chunk.MaxKey,
		}})
	}
	return out
}
