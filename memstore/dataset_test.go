package memstore

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func testTSDataset(t *testing.T) *Dataset {
	t.Helper()
	ds, err := NewDataset("ts",
		[]Column{{Name: "tags", Type: ColumnMap}},
		[]Column{{Name: "timestamp", Type: ColumnLong}},
		[]Column{{Name: "value", Type: ColumnDouble}},
	)
	require.NoError(t, err)
	return ds
}

func TestNewDatasetValid(t *testing.T) {
	ds := testTSDataset(t)
	require.Equal(t, "ts", ds.Name)
	require.Equal(t, 0, ds.ColumnIndex("tags"))
	require.Equal(t, 1, ds.ColumnIndex("timestamp"))
	require.Equal(t, 2, ds.ColumnIndex("value"))
	require.Equal(t, -1, ds.ColumnIndex("nope"))
}

func TestNewDatasetRejectsEmptyName(t *testing.T) {
	_, err := NewDataset("", []Column{{Name: "a"}}, []Column{{Name: "b"}}, nil)
	require.ErrorIs(t, err, ErrBadSchema)
}

func TestNewDatasetRejectsNoPartitionColumns(t *testing.T) {
	_, err := NewDataset("ts", nil, []Column{{Name: "timestamp", Type: ColumnLong}}, nil)
	require.ErrorIs(t, err, ErrBadSchema)
}

func TestNewDatasetRejectsNoRowKeyColumns(t *testing.T) {
	_, err := NewDataset("ts", []Column{{Name: "tags", Type: ColumnMap}}, nil, nil)
	require.ErrorIs(t, err, ErrBadSchema)
}

func TestNewDatasetRejectsDuplicateColumn(t *testing.T) {
	_, err := NewDataset("ts",
		[]Column{{Name: "tags", Type: ColumnMap}},
		[]Column{{Name: "tags", Type: ColumnLong}},
		nil,
	)
	require.ErrorIs(t, err, ErrBadSchema)
}
