package memstore

import (
	"fmt"
	"math"
	"sort"

	"github.com/cespare/xxhash/v2"

	"github.com/nativestore/memstore/lib/encoding"
)

// keyKind tags the encoding of one partition-column value. Per spec.md §9's
// design note, the "composite vs scalar partition key" dynamic dispatch
// becomes a closed tagged variant with one monomorphic encode/decode per
// kind, rather than an interface with type switches at every call site.
type keyKind byte

const (
	kindString keyKind = iota
	kindLong
	kindDouble
	kindBytes
	kindMap
)

// EncodePartitionKey concatenates ds's partition-column values from rec
// into the opaque byte sequence spec.md §3 calls PartitionKey: a sequence
// of {kind byte, payload} tuples in column order, where strings and byte
// slices are length-prefixed, longs and doubles are 8 big-endian bytes, and
// maps are a pair count followed by length-prefixed keys and values in
// sorted key order. Equality
// and hashing of the result are byte-wise, so two records with identical
// partition-column values always produce an identical key.
//
// Returns an error if a partition column is missing or has an unsupported
// value type; spec.md §9's Open Question 2 resolves this as "drop and
// count", which callers implement by checking the error and incrementing
// malformedKeyDrops rather than propagating it further.
func EncodePartitionKey(ds *Dataset, rec *Record) ([]byte, error) {
	var buf []byte
	for _, col := range ds.PartitionColumns {
		v, ok := rec.Values[col.Name]
		if !ok {
			return nil, fmt.Errorf("partition column %q missing from record", col.Name)
		}
		var err error
		buf, err = appendKeyValue(buf, col, v)
		if err != nil {
			return nil, fmt.Errorf("partition column %q: %w", col.Name, err)
		}
	}
	return buf, nil
}

func appendKeyValue(dst []byte, col Column, v any) ([]byte, error) {
	switch col.Type {
	case ColumnString:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("expected string, got %T", v)
		}
		dst = append(dst, byte(kindString))
		dst = encoding.MarshalBytes(dst, []byte(s))
	case ColumnLong:
		n, ok := toInt64(v)
		if !ok {
			return nil, fmt.Errorf("expected integer, got %T", v)
		}
		dst = append(dst, byte(kindLong))
		dst = encoding.MarshalUint64(dst, uint64(n))
	case ColumnDouble:
		f, ok := toFloat64(v)
		if !ok {
			return nil, fmt.Errorf("expected float, got %T", v)
		}
		dst = append(dst, byte(kindDouble))
		dst = encoding.MarshalUint64(dst, math.Float64bits(f))
	case ColumnBytes:
		b, ok := v.([]byte)
		if !ok {
			return nil, fmt.Errorf("expected []byte, got %T", v)
		}
		dst = append(dst, byte(kindBytes))
		dst = encoding.MarshalBytes(dst, b)
	case ColumnMap:
		m, ok := v.(map[string]string)
		if !ok {
			return nil, fmt.Errorf("expected map[string]string, got %T", v)
		}
		dst = append(dst, byte(kindMap))
		dst = appendSortedMap(dst, m)
	default:
		return nil, fmt.Errorf("unsupported column type %v", col.Type)
	}
	return dst, nil
}

func appendSortedMap(dst []byte, m map[string]string) []byte {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	dst = encoding.MarshalUint32(dst, uint32(len(keys)))
	for _, k := range keys {
		dst = encoding.MarshalBytes(dst, []byte(k))
		dst = encoding.MarshalBytes(dst, []byte(m[k]))
	}
	return dst
}

// HashPartitionKey returns the 64-bit hash used both for PartitionTable
// bucketing and for the group assignment in spec.md §3 ("groupId =
// hash(partKey) mod G").
func HashPartitionKey(key []byte) uint64 {
	return xxhash.Sum64(key)
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	default:
		return 0, false
	}
}

func toFloat64(v any) (float64, bool) {
	switch f := v.(type) {
	case float64:
		return f, true
	case float32:
		return float64(f), true
	default:
		return 0, false
	}
}
