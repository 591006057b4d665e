package ringbook

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestBook(ringSize uint32) *Book {
	var packed uint64
	return New(64, ringSize, &packed, make([]uint64, LiveMaskWords(ringSize)))
}

func TestAllocateFillsRingThenFails(t *testing.T) {
	b := newTestBook(4)
	for i := 0; i < 4; i++ {
		slot, ok := b.Allocate()
		require.True(t, ok)
		require.EqualValues(t, i, slot)
	}
	_, ok := b.Allocate()
	require.False(t, ok, "ring should report full once RingSize slots are live")
	require.EqualValues(t, 4, b.Count())
}

func TestDeallocateReclaimsLeadingRun(t *testing.T) {
	b := newTestBook(4)
	for i := 0; i < 4; i++ {
		_, _ = b.Allocate()
	}

	// free slots 0 and 1 (the current rear and its successor); the rear
	// should advance across both in one pass.
	b.Deallocate(0)
	b.Deallocate(1)
	require.EqualValues(t, 2, b.Count())

	slot, ok := b.Allocate()
	require.True(t, ok)
	require.EqualValues(t, 0, slot, "reclaimed leading slot should be reused first")
}

func TestDeallocateOutOfOrderDoesNotReclaimUntilRearIsFreed(t *testing.T) {
	b := newTestBook(4)
	for i := 0; i < 4; i++ {
		_, _ = b.Allocate()
	}

	// free slot 2 while slot 0 (the rear) is still live: the rear cannot
	// advance past a live slot, so the ring still reports full.
	b.Deallocate(2)
	require.EqualValues(t, 4, b.Count())

	_, ok := b.Allocate()
	require.False(t, ok, "freeing a non-rear slot must not make room at the rear")

	b.Deallocate(0)
	require.EqualValues(t, 3, b.Count())
	slot, ok := b.Allocate()
	require.True(t, ok)
	require.EqualValues(t, 0, slot, "rear reclaim reuses the slot that was just freed at the rear")
}

func TestSlotOffsetRoundTrip(t *testing.T) {
	b := newTestBook(8)
	b.ItemSize = 128
	for slot := uint32(0); slot < 8; slot++ {
		off := b.SlotOffset(slot)
		require.Equal(t, slot, b.OffsetToSlot(off))
	}
}
