package memstore

import (
	"fmt"
	"math"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/nativestore/memstore/lib/bytesutil"
	"github.com/nativestore/memstore/lib/encoding"
	"github.com/nativestore/memstore/lib/logger"
	"github.com/nativestore/memstore/lib/nativearena"
)

// columnBuffer is a typed per-column append buffer backed by native memory
// for the fixed-width types, and by a plain Go slice of encoded entries for
// variable-width ones (the arena only carves fixed-size regions, per
// spec.md §4.1). Variable-width entries never enter the arena: at freeze
// time they are marshaled, with the fixed-width columns, into a pooled
// ByteBuffer that is then compressed.
type columnBuffer struct {
	col    Column
	region *nativearena.Region // fixed-width columns only
	n      int                 // rows appended so far

	varBuf [][]byte // ColumnString/ColumnBytes/ColumnMap only
}

func fixedWidth(t ColumnType) int {
	switch t {
	case ColumnLong, ColumnDouble:
		return 8
	default:
		return 0
	}
}

// ChunkBuilder accumulates one active chunk's worth of rows for a single
// partition, per spec.md §4.2: one typed append buffer per column, capped
// at maxRows, frozen into an immutable EncodedChunk on rotation.
type ChunkBuilder struct {
	ds      *Dataset
	pool    *nativearena.Pool
	maxRows int

	rows    int
	minKey  int64
	maxKey  int64
	cols    []*columnBuffer
	colByNm map[string]*columnBuffer
}

// ErrChunkFull is returned by Append once the builder holds maxRows rows.
// It never escapes the ingestion thread: Partition.Ingest catches it and
// rotates the chunk (spec.md §4.2, §4.5).
var ErrChunkFull = fmt.Errorf("memstore: chunk is full")

// NewChunkBuilder allocates a fresh native append buffer, sized to hold
// maxRows values, for every fixed-width row-key and data column of ds.
// Variable-width columns get an empty Go slice and no native allocation.
func NewChunkBuilder(ds *Dataset, pool *nativearena.Pool, maxRows int) (*ChunkBuilder, error) {
	cb := &ChunkBuilder{
		ds:      ds,
		pool:    pool,
		maxRows: maxRows,
		colByNm: make(map[string]*columnBuffer),
	}
	all := make([]Column, 0, len(ds.RowKeyColumns)+len(ds.DataColumns))
	all = append(all, ds.RowKeyColumns...)
	all = append(all, ds.DataColumns...)
	for _, col := range all {
		cbuf := &columnBuffer{col: col}
		if w := fixedWidth(col.Type); w > 0 {
			region, err := pool.Allocate(w * maxRows)
			if err != nil {
				cb.releaseLocked()
				return nil, err
			}
			cbuf.region = region
		}
		cb.cols = append(cb.cols, cbuf)
		cb.colByNm[col.Name] = cbuf
	}
	return cb, nil
}

func (cb *ChunkBuilder) releaseLocked() {
	for _, c := range cb.cols {
		if c.region != nil {
			cb.pool.Free(c.region)
			c.region = nil
		}
	}
}

// Release returns cb's fixed-width append buffers to the pool without
// encoding them, used when a partition is evicted with an active chunk
// that was never flushed.
func (cb *ChunkBuilder) Release() {
	cb.releaseLocked()
}

// Full reports whether cb holds maxRows rows already.
func (cb *ChunkBuilder) Full() bool {
	return cb.rows >= cb.maxRows
}

// Append writes one row's values into the matching column buffers. rowKey
// is the value of the (sole, per spec.md §3) row-key column, used to track
// the chunk's min/max for ordering. Returns ErrChunkFull without mutating
// state if the builder is already at capacity.
func (cb *ChunkBuilder) Append(rec *Record, rowKey int64) error {
	if cb.Full() {
		return ErrChunkFull
	}
	for _, c := range cb.cols {
		v, ok := rec.Values[c.col.Name]
		if !ok {
			v = nil
		}
		if err := appendColumnValue(c, v); err != nil {
			return fmt.Errorf("column %q: %w", c.col.Name, err)
		}
	}
	if cb.rows == 0 {
		cb.minKey = rowKey
	}
	cb.maxKey = rowKey
	cb.rows++
	return nil
}

func appendColumnValue(c *columnBuffer, v any) error {
	switch c.col.Type {
	case ColumnLong:
		n, _ := toInt64(v)
		encoding.PutUint64At(c.region.B, c.n*8, uint64(n))
	case ColumnDouble:
		f, _ := toFloat64(v)
		encoding.PutUint64At(c.region.B, c.n*8, math.Float64bits(f))
	case ColumnString:
		s, _ := v.(string)
		c.varBuf = append(c.varBuf, []byte(s))
	case ColumnBytes:
		b, _ := v.([]byte)
		c.varBuf = append(c.varBuf, b)
	case ColumnMap:
		m, _ := v.(map[string]string)
		c.varBuf = append(c.varBuf, appendSortedMap(nil, m))
	default:
		return fmt.Errorf("unsupported column type %v", c.col.Type)
	}
	c.n++
	return nil
}

// EncodedChunk is the immutable, columnar, length-prefixed encoding of a
// frozen ChunkBuilder, per spec.md §4.2. It holds no pointers into the
// NativeBufferPool — Freeze copies arena contents into a standalone,
// zstd-compressed byte slice before the append buffers are returned to the
// pool.
type EncodedChunk struct {
	Rows    int
	MinKey  int64
	MaxKey  int64
	Columns []string

	compressed []byte // zstd frame of the columnar body
	refs       int32
	mu         sync.Mutex
}

var encBufPool bytesutil.ByteBufferPool

var (
	zstdEncOnce sync.Once
	zstdEnc     *zstd.Encoder
	zstdDecOnce sync.Once
	zstdDec     *zstd.Decoder
)

func getZstdEncoder() *zstd.Encoder {
	zstdEncOnce.Do(func() {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
		if err != nil {
			panic(fmt.Errorf("memstore: cannot initialize zstd encoder: %w", err))
		}
		zstdEnc = enc
	})
	return zstdEnc
}

func getZstdDecoder() *zstd.Decoder {
	zstdDecOnce.Do(func() {
		dec, err := zstd.NewReader(nil)
		if err != nil {
			panic(fmt.Errorf("memstore: cannot initialize zstd decoder: %w", err))
		}
		zstdDec = dec
	})
	return zstdDec
}

// Freeze encodes the builder's current contents into an immutable
// EncodedChunk and returns the append buffers (fixed-width ones) to the
// pool. The builder must not be used afterward.
func (cb *ChunkBuilder) Freeze() *EncodedChunk {
	body := encBufPool.Get()
	defer encBufPool.Put(body)
	body.Reset()

	names := make([]string, len(cb.cols))
	for i, c := range cb.cols {
		names[i] = c.col.Name
		body.B = encoding.MarshalUint32(body.B, uint32(c.col.Type))
		switch c.col.Type {
		case ColumnLong, ColumnDouble:
			body.B = encoding.MarshalBytes(body.B, c.region.B[:8*cb.rows])
		default:
			body.B = encoding.MarshalUint32(body.B, uint32(len(c.varBuf)))
			for _, v := range c.varBuf {
				body.B = encoding.MarshalBytes(body.B, v)
			}
		}
	}

	compressed := getZstdEncoder().EncodeAll(body.B, nil)

	ec := &EncodedChunk{
		Rows:       cb.rows,
		MinKey:     cb.minKey,
		MaxKey:     cb.maxKey,
		Columns:    names,
		compressed: compressed,
		refs:       1,
	}
	cb.releaseLocked()
	return ec
}

// Retain increments ec's scan reference count, per spec.md §4.5/§5: frozen
// chunks are reference-counted while a scan holds them.
func (ec *EncodedChunk) Retain() {
	ec.mu.Lock()
	ec.refs++
	ec.mu.Unlock()
}

// Release decrements ec's reference count; the encoded bytes are eligible
// for GC once it reaches zero.
func (ec *EncodedChunk) Release() {
	ec.mu.Lock()
	ec.refs--
	n := ec.refs
	ec.mu.Unlock()
	if n < 0 {
		logger.Panicf("BUG: EncodedChunk released more times than retained")
	}
}

// Decode decompresses ec's columnar body for reading. Callers typically do
// this lazily, once per scan, rather than at Freeze time.
func (ec *EncodedChunk) Decode() ([]byte, error) {
	return getZstdDecoder().DecodeAll(ec.compressed, nil)
}

// CompressedSize returns the byte length of ec's compressed columnar body,
// used for telemetry.
func (ec *EncodedChunk) CompressedSize() int {
	return len(ec.compressed)
}
