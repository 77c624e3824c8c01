package memstore

import "errors"

// Sentinel errors surfaced to callers, per the error-kind table in
// spec.md §7. Ingestion-thread-local conditions (BufferPoolExhausted,
// ChunkFull) never leave this package; they are handled inline by
// eviction/rotation and only show up here as counters.
var (
	// ErrShardAlreadySetup is returned by MemStore.Setup for a
	// (dataset, shard) pair that was already set up.
	ErrShardAlreadySetup = errors.New("memstore: shard already set up")

	// ErrShardNotAssigned is returned by scan/ingest operations against a
	// shard that is not local to this MemStore instance.
	ErrShardNotAssigned = errors.New("memstore: shard not assigned to this node")

	// ErrIngestionAlreadyActive is returned by IngestStream when a stream
	// subscription already exists for the shard (spec.md §9, Open Question
	// resolved in favor of rejecting duplicates).
	ErrIngestionAlreadyActive = errors.New("memstore: ingestion stream already active for shard")

	// ErrBadSchema is returned by NewDataset when the partition/row/data
	// column layout is invalid.
	ErrBadSchema = errors.New("memstore: invalid dataset schema")

	// ErrIndexCorruption is returned by MemStore.RecoverIndex when a
	// persisted time bucket cannot be decoded.
	ErrIndexCorruption = errors.New("memstore: index time bucket is corrupt")
)

// FlushError wraps a ColumnStore failure with whether it is considered
// transient (retryable) or permanent, per spec.md §7's FlushIO row.
type FlushError struct {
	Err       error
	Transient bool
}

func (e *FlushError) Error() string {
	msg := "memstore: permanent flush error"
	if e.Transient {
		msg = "memstore: transient flush error"
	}
	if e.Err == nil {
		return msg + ": (no underlying error)"
	}
	return msg + ": " + e.Err.Error()
}

func (e *FlushError) Unwrap() error { return e.Err }
