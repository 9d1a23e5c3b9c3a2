package extent

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInsertCoalesce(t *testing.T) {
	l := New()
	require.NoError(t, l.Insert(100, 50))
	require.NoError(t, l.Insert(150, 50)) // touches right end of first -> merge
	require.Equal(t, 1, l.Entries())
	require.Equal(t, uint64(100), l.total)

	require.NoError(t, l.Insert(50, 50)) // touches left -> merge into one big range
	require.Equal(t, 1, l.Entries())
	require.Equal(t, Range{Offset: 50, Size: 150}, l.Ranges()[0])
}

func TestInsertNoAdjacency(t *testing.T) {
	l := New()
	require.NoError(t, l.Insert(0, 10))
	require.NoError(t, l.Insert(100, 10))
	require.Equal(t, 2, l.Entries())
	require.Equal(t, uint64(20), l.TotalBytes())
}

func TestRemoveSplits(t *testing.T) {
	l := New()
	require.NoError(t, l.Insert(0, 100))
	require.NoError(t, l.Remove(40, 10))
	require.Equal(t, 2, l.Entries())
	require.Equal(t, Range{Offset: 0, Size: 40}, l.Ranges()[0])
	require.Equal(t, Range{Offset: 50, Size: 50}, l.Ranges()[1])
}

func TestAllocFirstFitVsBestFit(t *testing.T) {
	l := New()
	require.NoError(t, l.Insert(0, 100))
	require.NoError(t, l.Insert(200, 20))

	ff := New()
	require.NoError(t, ff.Insert(0, 100))
	require.NoError(t, ff.Insert(200, 20))
	off, err := ff.Alloc(20, FirstFit)
	require.NoError(t, err)
	require.Equal(t, uint64(0), off)

	bf := New()
	require.NoError(t, bf.Insert(0, 100))
	require.NoError(t, bf.Insert(200, 20))
	off, err = bf.Alloc(20, BestFit)
	require.NoError(t, err)
	require.Equal(t, uint64(200), off)
}

func TestAllocExactRemovesRange(t *testing.T) {
	l := New()
	require.NoError(t, l.Insert(0, 64))
	off, err := l.Alloc(64, FirstFit)
	require.NoError(t, err)
	require.Equal(t, uint64(0), off)
	require.Equal(t, 0, l.Entries())
}

func TestAllocBusyOnNoFit(t *testing.T) {
	l := New()
	require.NoError(t, l.Insert(0, 10))
	_, err := l.Alloc(20, FirstFit)
	require.Error(t, err)
}

func TestOverlapInto(t *testing.T) {
	a := New()
	require.NoError(t, a.Insert(0, 100))
	b := New()
	require.NoError(t, b.Insert(50, 100))
	dest := New()

	require.NoError(t, OverlapInto(a, b, dest))
	require.Equal(t, uint64(50), dest.TotalBytes())
	require.Equal(t, uint64(50), a.TotalBytes())
	require.Equal(t, uint64(50), b.TotalBytes())
}

func TestMergeDisjointOK(t *testing.T) {
	a := New()
	require.NoError(t, a.Insert(0, 10))
	b := New()
	require.NoError(t, b.Insert(100, 10))
	require.NoError(t, Merge(a, b))
	require.Equal(t, 2, b.Entries())
}

func TestMergeOverlapFails(t *testing.T) {
	a := New()
	require.NoError(t, a.Insert(0, 10))
	b := New()
	require.NoError(t, b.Insert(5, 10))
	require.ErrorIs(t, Merge(a, b), ErrOverlap)
}

func TestTruncateTail(t *testing.T) {
	l := New()
	require.NoError(t, l.Insert(0, 50))
	require.NoError(t, l.Insert(100, 50))
	newSize := l.TruncateTail(150)
	require.Equal(t, uint64(100), newSize)
	require.Equal(t, 1, l.Entries())

	for _, r := range l.Ranges() {
		require.NotEqual(t, newSize, r.Offset+r.Size)
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	l := New()
	require.NoError(t, l.Insert(0, 10))
	require.NoError(t, l.Insert(100, 20))
	require.NoError(t, l.Insert(500, 5))

	buf, err := l.MarshalBinary()
	require.NoError(t, err)

	out := New()
	require.NoError(t, out.UnmarshalBinary(buf))
	require.Equal(t, l.Ranges(), out.Ranges())
	require.Equal(t, l.TotalBytes(), out.TotalBytes())
}

func TestUnmarshalRejectsCorruptSize(t *testing.T) {
	w := New()
	require.NoError(t, w.Insert(0, 10))
	buf, _ := w.MarshalBinary()
	// Corrupt: flip every bit of the last size byte, leaving an
	// unterminated varint the reader must reject.
	buf[len(buf)-1] ^= 0xff
	out := New()
	require.Error(t, out.UnmarshalBinary(buf))
}
