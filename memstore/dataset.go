package memstore

import "fmt"

// ColumnType enumerates the scalar types a Dataset column may hold. Kept
// small and closed (no plugin types) per spec.md §9's tagged-variant design
// note for PartitionKey; the same closed-set approach is used for columns.
type ColumnType int

// Supported column types.
const (
	ColumnString ColumnType = iota
	ColumnLong
	ColumnDouble
	ColumnBytes
	ColumnMap // label map, e.g. the `tags` column in spec.md §8's scenarios
)

func (t ColumnType) String() string {
	switch t {
	case ColumnString:
		return "string"
	case ColumnLong:
		return "long"
	case ColumnDouble:
		return "double"
	case ColumnBytes:
		return "bytes"
	case ColumnMap:
		return "map"
	default:
		return "unknown"
	}
}

// Column describes one named, typed column of a Dataset.
type Column struct {
	Name string
	Type ColumnType
}

// Dataset is the immutable schema of partition-key, row-key, and data
// columns shared by every shard of a dataset, per spec.md §3.
type Dataset struct {
	Name string

	// PartitionColumns make up the PartitionKey encoding, in order.
	PartitionColumns []Column
	// RowKeyColumns are typically just {timestamp}; values must be
	// non-decreasing within a partition's active chunk (spec.md §3
	// invariant 2).
	RowKeyColumns []Column
	// DataColumns are the remaining per-row values appended to chunks.
	DataColumns []Column

	colIndex map[string]int
}

// NewDataset validates and constructs a Dataset, returning ErrBadSchema for
// any structural problem. This is the package's one validate-at-the-boundary
// point per spec.md §9's "exceptions become Result" design note: once built,
// a Dataset is immutable and never re-validated.
func NewDataset(name string, partitionColumns, rowKeyColumns, dataColumns []Column) (*Dataset, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: dataset name must not be empty", ErrBadSchema)
	}
	if len(partitionColumns) == 0 {
		return nil, fmt.Errorf("%w: dataset %q has no partition columns", ErrBadSchema, name)
	}
	if len(rowKeyColumns) == 0 {
		return nil, fmt.Errorf("%w: dataset %q has no row-key columns", ErrBadSchema, name)
	}

	seen := make(map[string]struct{})
	colIndex := make(map[string]int)
	all := make([]Column, 0, len(partitionColumns)+len(rowKeyColumns)+len(dataColumns))
	all = append(all, partitionColumns...)
	all = append(all, rowKeyColumns...)
	all = append(all, dataColumns...)
	for i, c := range all {
		if c.Name == "" {
			return nil, fmt.Errorf("%w: dataset %q has an unnamed column", ErrBadSchema, name)
		}
		if _, dup := seen[c.Name]; dup {
			return nil, fmt.Errorf("%w: dataset %q has duplicate column %q", ErrBadSchema, name, c.Name)
		}
		seen[c.Name] = struct{}{}
		colIndex[c.Name] = i
	}

	return &Dataset{
		Name:             name,
		PartitionColumns: partitionColumns,
		RowKeyColumns:    rowKeyColumns,
		DataColumns:      dataColumns,
		colIndex:         colIndex,
	}, nil
}

// ColumnIndex returns the position of a column across
// partition+rowkey+data columns concatenated in that order, or -1 if
// unknown.
func (d *Dataset) ColumnIndex(name string) int {
	if i, ok := d.colIndex[name]; ok {
		return i
	}
	return -1
}

// Record is one row presented to Shard.Ingest: partition-key column values
// followed by row-key and data column values, addressed by column name.
type Record struct {
	Values map[string]any
	// Offset is the source-stream offset this record was read at.
	Offset int64
}
