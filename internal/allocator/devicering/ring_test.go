package devicering

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tensorlane/hazcat/internal/herrors"
	"github.com/tensorlane/hazcat/internal/ringbook"
	"github.com/tensorlane/hazcat/internal/shm"
)

func newTestDeviceRing(t *testing.T, itemSize, ringSize uint32) (*Allocator, *StubEngine, func()) {
	t.Helper()
	engine := NewStubEngine(4) // granularity/4 in the scenario math below
	needed := headerSize() + ringbook.LiveMaskWords(ringSize)*8
	seg, err := shm.Create(needed)
	require.NoError(t, err)
	a, err := New(seg, engine, itemSize, ringSize)
	require.NoError(t, err)
	return a, engine, func() {
		_ = shm.Detach(seg)
		_ = shm.Unlink(seg.ID)
	}
}

func float64Bytes(v float64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, math.Float64bits(v))
	return buf
}

func bytesFloat64(b []byte) float64 {
	return math.Float64frombits(binary.LittleEndian.Uint64(b))
}

// Scenario 3: round-trip copy_to/copy_from through the device handle
// returns exactly the values written, and dealloc+realloc (as in
// scenario 2) reuses the same device pointer for the reclaimed slots.
func TestScenario3RoundTripAndPointerStability(t *testing.T) {
	itemSize := uint32(8 + 4/4) // sizeof(float64) + granularity/4
	a, _, cleanup := newTestDeviceRing(t, itemSize, 3)
	defer cleanup()

	values := []float64{4.5, 2.25, 1.125}
	offsets := make([]uint32, 3)
	for i, v := range values {
		off, err := a.Allocate(0)
		require.NoError(t, err)
		offsets[i] = off
		require.NoError(t, a.CopyTo(off, float64Bytes(v)))
	}

	for i, off := range offsets {
		buf := make([]byte, 8)
		require.NoError(t, a.CopyFrom(off, buf))
		require.Equal(t, values[i], bytesFloat64(buf))
	}

	devicePointerFor := func(off uint32) uint64 {
		// the stub engine backs every slot with the same exported
		// handle's DevicePointer; slot identity is carried by offset.
		return a.hdr.Handle.DevicePointer
	}
	originalPtrs := []uint64{devicePointerFor(offsets[0]), devicePointerFor(offsets[1])}

	require.NoError(t, a.Deallocate(offsets[0]))
	require.NoError(t, a.Deallocate(offsets[1]))

	newOff0, err := a.Allocate(0)
	require.NoError(t, err)
	require.Equal(t, offsets[0], newOff0)
	require.Equal(t, originalPtrs[0], devicePointerFor(newOff0))

	newOff1, err := a.Allocate(0)
	require.NoError(t, err)
	require.Equal(t, offsets[1], newOff1)
	require.Equal(t, originalPtrs[1], devicePointerFor(newOff1))

	buf := make([]byte, 8)
	require.NoError(t, a.CopyFrom(offsets[2], buf))
	require.Equal(t, values[2], bytesFloat64(buf))
}

func TestAllocateFullRingReturnsNoSpace(t *testing.T) {
	a, _, cleanup := newTestDeviceRing(t, 8, 2)
	defer cleanup()

	_, err := a.Allocate(0)
	require.NoError(t, err)
	_, err = a.Allocate(0)
	require.NoError(t, err)

	_, err = a.Allocate(0)
	require.Error(t, err)
	require.True(t, herrors.IsCode(err, herrors.ErrCodeNoSpace))
}

func TestCopyDeviceToDeviceSameDomainUsesPeerPath(t *testing.T) {
	engine := NewStubEngine(1)
	seg1, err := shm.Create(headerSize() + ringbook.LiveMaskWords(2)*8)
	require.NoError(t, err)
	seg2, err := shm.Create(headerSize() + ringbook.LiveMaskWords(2)*8)
	require.NoError(t, err)
	defer func() {
		_ = shm.Detach(seg1)
		_ = shm.Unlink(seg1.ID)
		_ = shm.Detach(seg2)
		_ = shm.Unlink(seg2.ID)
	}()

	src, err := New(seg1, engine, 8, 2)
	require.NoError(t, err)
	dst, err := New(seg2, engine, 8, 2)
	require.NoError(t, err)

	off, err := src.Allocate(0)
	require.NoError(t, err)
	require.NoError(t, src.CopyTo(off, []byte{1, 2, 3, 4, 5, 6, 7, 8}))

	dstOff, err := dst.Allocate(0)
	require.NoError(t, err)
	require.NoError(t, dst.Copy(dstOff, src, off, 8))

	buf := make([]byte, 8)
	require.NoError(t, dst.CopyFrom(dstOff, buf))
	require.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, buf)
}
