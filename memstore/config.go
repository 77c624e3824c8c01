package memstore

import "time"

// ShardConfig holds the tunables enumerated in spec.md §6. It is a plain
// struct populated by the caller; no flag or file parsing happens in this
// package (configuration parsing is an out-of-scope collaborator per
// spec.md §1).
type ShardConfig struct {
	// GroupsPerShard is G: the fixed number of flush/watermark groups a
	// partition is hashed into for the lifetime of the shard.
	GroupsPerShard uint32
	// MaxChunksSize is the maximum row count of an active chunk before it
	// is rotated into flushedChunks.
	MaxChunksSize int
	// ChunksToKeep bounds how many flushed chunk sets stay resident per
	// partition before the oldest are dropped from memory (still readable
	// via on-demand paging).
	ChunksToKeep int
	// IngestionBufferMemSize is the per-dataset native byte ceiling
	// enforced by the NativeBufferPool.
	IngestionBufferMemSize int64
	// MinWriteBuffersFree is the free-byte threshold below which the
	// EvictionPolicy triggers.
	MinWriteBuffersFree int64
	// FlushTaskParallelism bounds concurrent flush tasks in the
	// FlushPipeline.
	FlushTaskParallelism int
	// DiskTimeToLiveSeconds is passed through to ColumnStore.WriteChunks
	// as the chunk TTL.
	DiskTimeToLiveSeconds int64
	// FlushDrainTimeout bounds how long Cancel waits for in-flight
	// flushes before abandoning them.
	FlushDrainTimeout time.Duration
	// FlushRetries is R: the number of retries after the first attempt for
	// a transient FlushIO error (R+1 attempts in all) before it is treated
	// as a dropped cycle (retried again on the next FlushCommand for that
	// group).
	FlushRetries int
}

// DefaultShardConfig returns conservative defaults suitable for tests and
// small deployments.
func DefaultShardConfig() ShardConfig {
	return ShardConfig{
		GroupsPerShard:         4,
		MaxChunksSize:          5000,
		ChunksToKeep:           4,
		IngestionBufferMemSize: 256 << 20,
		MinWriteBuffersFree:    32 << 20,
		FlushTaskParallelism:   4,
		DiskTimeToLiveSeconds:  7 * 24 * 3600,
		FlushDrainTimeout:      30 * time.Second,
		FlushRetries:           3,
	}
}
