// Package ringbook factors out the fixed-stride ring accounting shared by
// internal/allocator/cpuring and internal/allocator/devicering: both
// allocate from a ring of ItemSize-stride slots and reclaim a leading run
// of dead slots on free. Book only tracks offsets and liveness; it has no
// opinion about where the bytes backing a slot actually live.
//
// Count and RearIt are packed into one uint64 word and updated with a CAS
// loop rather than a mutex: the word lives in shared memory attached by
// more than one process, so an in-heap sync.Mutex would only serialize
// this process's own goroutines and do nothing for a peer.
package ringbook

import (
	"sync/atomic"
)

// Book operates directly on a packed (count, rearIt) word and a live-slot
// bitmap that the caller has placed in shared memory; Book itself holds no
// process-local state.
type Book struct {
	ItemSize uint32
	RingSize uint32

	// Packed holds count in the high 32 bits and rearIt in the low 32
	// bits, addressed as a single atomic word so Allocate/Deallocate can
	// advance both fields in one CAS.
	Packed *uint64

	// LiveMask is a bitmap of RingSize live/dead slots, one bit per slot,
	// laid out as consecutive uint64 words in shared memory.
	LiveMask []uint64
}

// New wraps an already-allocated packed word and live mask. Both must be
// zeroed by the caller before first use (an empty ring).
func New(itemSize, ringSize uint32, packed *uint64, liveMask []uint64) *Book {
	return &Book{ItemSize: itemSize, RingSize: ringSize, Packed: packed, LiveMask: liveMask}
}

// LiveMaskWords returns how many uint64 words a live mask for ringSize
// slots needs.
func LiveMaskWords(ringSize uint32) int {
	return int((ringSize + 63) / 64)
}

func unpack(word uint64) (count, rear uint32) {
	return uint32(word >> 32), uint32(word)
}

func pack(count, rear uint32) uint64 {
	return uint64(count)<<32 | uint64(rear)
}

// Count returns the number of currently live slots.
func (b *Book) Count() uint32 {
	count, _ := unpack(atomic.LoadUint64(b.Packed))
	return count
}

// Allocate reserves the next free slot and returns its slot index. ok is
// false when the ring is full (Count == RingSize).
func (b *Book) Allocate() (slot uint32, ok bool) {
	for {
		old := atomic.LoadUint64(b.Packed)
		count, rear := unpack(old)
		if count == b.RingSize {
			return 0, false
		}
		slot = (rear + count) % b.RingSize
		next := pack(count+1, rear)
		if atomic.CompareAndSwapUint64(b.Packed, old, next) {
			b.setLive(slot, true)
			return slot, true
		}
	}
}

// Deallocate marks slot dead. If slot is (or becomes) the rear, the rear
// advances past every contiguous dead slot that follows, reclaiming the
// leading run in one pass — the ring's conservation invariant.
func (b *Book) Deallocate(slot uint32) {
	b.setLive(slot, false)
	for {
		old := atomic.LoadUint64(b.Packed)
		count, rear := unpack(old)
		if count == 0 || b.isLive(rear) {
			return
		}
		next := pack(count-1, (rear+1)%b.RingSize)
		if atomic.CompareAndSwapUint64(b.Packed, old, next) {
			continue
		}
	}
}

// SlotOffset converts a slot index to a byte offset within the ring body.
func (b *Book) SlotOffset(slot uint32) uint32 {
	return slot * b.ItemSize
}

// OffsetToSlot is the inverse of SlotOffset.
func (b *Book) OffsetToSlot(offset uint32) uint32 {
	return offset / b.ItemSize
}

func (b *Book) setLive(slot uint32, live bool) {
	word, bit := slot/64, slot%64
	if live {
		for {
			old := atomic.LoadUint64(&b.LiveMask[word])
			if atomic.CompareAndSwapUint64(&b.LiveMask[word], old, old|(1<<bit)) {
				return
			}
		}
	}
	for {
		old := atomic.LoadUint64(&b.LiveMask[word])
		if atomic.CompareAndSwapUint64(&b.LiveMask[word], old, old&^(1<<bit)) {
			return
		}
	}
}

func (b *Book) isLive(slot uint32) bool {
	word, bit := slot/64, slot%64
	return atomic.LoadUint64(&b.LiveMask[word])&(1<<bit) != 0
}
