package nativearena

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassForBoundaries(t *testing.T) {
	require.Equal(t, 0, classFor(1))
	require.Equal(t, 0, classFor(1<<minClassShift))
	require.Equal(t, 1, classFor((1<<minClassShift)+1))
	require.Equal(t, numClasses-1, classFor(1<<maxClassShift))
}

func TestAllocateRejectsSizeAboveLargestClass(t *testing.T) {
	p, err := NewPool(1 << 30)
	require.NoError(t, err)
	defer p.Close()

	_, err = p.Allocate(1 << maxClassShift)
	require.NoError(t, err)

	_, err = p.Allocate((1 << maxClassShift) + 1)
	require.ErrorIs(t, err, ErrExhausted)
}

func TestAllocateReturnsErrExhaustedWhenSlabFull(t *testing.T) {
	p, err := NewPool(1 << minClassShift)
	require.NoError(t, err)
	defer p.Close()

	r, err := p.Allocate(1 << minClassShift)
	require.NoError(t, err)
	require.Len(t, r.B, 1<<minClassShift)

	_, err = p.Allocate(1)
	require.ErrorIs(t, err, ErrExhausted)
}

func TestAllocateRoundsUpToClassSize(t *testing.T) {
	p, err := NewPool(1 << 20)
	require.NoError(t, err)
	defer p.Close()

	r, err := p.Allocate(10)
	require.NoError(t, err)
	require.Len(t, r.B, 10)
	require.Equal(t, 0, r.class)
}

func TestFreeReturnsRegionToFreelistForReuse(t *testing.T) {
	p, err := NewPool(1 << 20)
	require.NoError(t, err)
	defer p.Close()

	r, err := p.Allocate(100)
	require.NoError(t, err)
	r.B[0] = 0xff
	usedBefore := p.BytesUsed()
	require.Equal(t, int64(1<<minClassShift), usedBefore)

	p.Free(r)
	require.Equal(t, int64(0), p.BytesUsed())

	r2, err := p.Allocate(100)
	require.NoError(t, err)
	require.Equal(t, byte(0), r2.B[0], "freed region must be zeroed on reuse")

	// No new slab was carved for the second allocation: BytesFree only
	// dropped once, at the first Allocate.
	require.Equal(t, p.maxBytes-int64(1<<minClassShift), p.BytesFree())
}

func TestBytesFreeAndBytesUsedAccounting(t *testing.T) {
	p, err := NewPool(4 << minClassShift)
	require.NoError(t, err)
	defer p.Close()

	require.Equal(t, p.maxBytes, p.BytesFree())
	require.Equal(t, int64(0), p.BytesUsed())

	r1, err := p.Allocate(1 << minClassShift)
	require.NoError(t, err)
	r2, err := p.Allocate(1 << minClassShift)
	require.NoError(t, err)

	require.Equal(t, int64(2<<minClassShift), p.BytesUsed())
	require.Equal(t, p.maxBytes-int64(2<<minClassShift), p.BytesFree())

	p.Free(r1)
	require.Equal(t, int64(1<<minClassShift), p.BytesUsed())
	require.Equal(t, p.maxBytes-int64(1<<minClassShift), p.BytesFree())

	p.Free(r2)
	require.Equal(t, int64(0), p.BytesUsed())
	require.Equal(t, p.maxBytes, p.BytesFree())
}

func TestTagsRoundTrip(t *testing.T) {
	p, err := NewPool(1 << 20)
	require.NoError(t, err)
	defer p.Close()

	require.Empty(t, p.Tags())

	p.SetTag("ds1", 123)
	p.SetTag("ds2", 456)
	require.Equal(t, map[string]int64{"ds1": 123, "ds2": 456}, p.Tags())

	p.SetTag("ds1", 789)
	require.Equal(t, int64(789), p.Tags()["ds1"])
}

func TestNewPoolRejectsNonPositiveMaxBytes(t *testing.T) {
	_, err := NewPool(0)
	require.Error(t, err)

	_, err = NewPool(-1)
	require.Error(t, err)
}
