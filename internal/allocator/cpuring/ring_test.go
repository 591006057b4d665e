package cpuring

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tensorlane/hazcat/internal/herrors"
	"github.com/tensorlane/hazcat/internal/shm"
)

func newTestRing(t *testing.T, itemSize, ringSize uint32) (*Allocator, func()) {
	t.Helper()
	needed := headerSize() + 8 /*live mask word*/ + int(itemSize)*int(ringSize)
	seg, err := shm.Create(needed)
	require.NoError(t, err)
	a, err := New(seg, itemSize, ringSize)
	require.NoError(t, err)
	return a, func() {
		_ = shm.Detach(seg)
		_ = shm.Unlink(seg.ID)
	}
}

// Scenario 1: allocate past capacity returns ErrCodeNoSpace on the fourth
// call, with offsets and count progressing exactly as specified.
func TestScenario1AllocateToCapacity(t *testing.T) {
	a, cleanup := newTestRing(t, 8, 3)
	defer cleanup()

	h := uint32(0)
	wantOffsets := []uint32{h, h + 8, h + 16}
	for i, want := range wantOffsets {
		off, err := a.Allocate(0)
		require.NoError(t, err)
		require.Equal(t, want, off)
		require.EqualValues(t, i+1, a.book.Count())
	}
	require.EqualValues(t, 0, a.hdr.Packed&0xffffffff, "rear_it stays 0 while the ring has never been drained")

	_, err := a.Allocate(0)
	require.Error(t, err)
	require.True(t, herrors.IsCode(err, herrors.ErrCodeNoSpace))
	require.EqualValues(t, 3, a.book.Count())
}

// Scenario 2: dealloc-then-realloc reclaims the leading run, the rear
// advances, and untouched slots keep their written payload.
func TestScenario2DeallocReclaimAndReadback(t *testing.T) {
	a, cleanup := newTestRing(t, 8, 3)
	defer cleanup()

	values := []float64{4.5, 2.25, 1.125}
	offsets := make([]uint32, 3)
	for i, v := range values {
		off, err := a.Allocate(0)
		require.NoError(t, err)
		offsets[i] = off
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint64(buf, math.Float64bits(v))
		require.NoError(t, a.CopyTo(off, buf))
	}

	require.NoError(t, a.Deallocate(offsets[0]))
	require.NoError(t, a.Deallocate(offsets[1]))
	require.EqualValues(t, 1, a.book.Count())
	_, rear := unpackForTest(a.hdr.Packed)
	require.EqualValues(t, 2, rear)

	firstNew, err := a.Allocate(0)
	require.NoError(t, err)
	require.Equal(t, offsets[0], firstNew)
	require.EqualValues(t, 2, a.book.Count())

	secondNew, err := a.Allocate(0)
	require.NoError(t, err)
	require.Equal(t, offsets[1], secondNew)
	require.EqualValues(t, 3, a.book.Count())

	_, rear = unpackForTest(a.hdr.Packed)
	require.EqualValues(t, 2, rear)

	readBack := make([]byte, 8)
	require.NoError(t, a.CopyFrom(offsets[2], readBack))
	require.Equal(t, values[2], math.Float64frombits(binary.LittleEndian.Uint64(readBack)))
}

func unpackForTest(word uint64) (count, rear uint32) {
	return uint32(word >> 32), uint32(word)
}

func TestOpenAttachesExistingLayout(t *testing.T) {
	a, cleanup := newTestRing(t, 8, 3)
	defer cleanup()

	off, err := a.Allocate(0)
	require.NoError(t, err)
	require.NoError(t, a.CopyTo(off, []byte{1, 2, 3, 4, 5, 6, 7, 8}))

	reopened, err := Open(a.seg)
	require.NoError(t, err)
	buf := make([]byte, 8)
	require.NoError(t, reopened.CopyFrom(off, buf))
	require.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, buf)
}
