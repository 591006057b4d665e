// Package cpuring implements the CPU-backed ring allocator: the most
// common allocator.Ops variant, allocating fixed-stride slots directly out
// of host shared memory.
package cpuring

import (
	"unsafe"

	"github.com/tensorlane/hazcat/internal/allocator"
	"github.com/tensorlane/hazcat/internal/herrors"
	"github.com/tensorlane/hazcat/internal/logging"
	"github.com/tensorlane/hazcat/internal/ringbook"
	"github.com/tensorlane/hazcat/internal/shm"
)

// ringHeader is the fixed-size prefix mapped directly onto the shared
// segment: the common allocator.Header followed by the ring's own fields.
// Anything appended after it (the live mask, then the data slots) is
// variable-length and addressed by slicing past unsafe.Sizeof(ringHeader{}).
type ringHeader struct {
	allocator.Header
	ItemSize uint32
	RingSize uint32
	_        uint32 // padding
	Packed   uint64 // ringbook's (count<<32)|rearIt word
}

var _ [48]byte = [unsafe.Sizeof(ringHeader{})]byte{}

// Allocator is the CPU ring variant of allocator.Ops.
type Allocator struct {
	seg  *shm.Segment
	hdr  *ringHeader
	book *ringbook.Book
	Data []byte
}

func headerSize() int { return int(unsafe.Sizeof(ringHeader{})) }

func layout(seg *shm.Segment, ringSize uint32) (hdr *ringHeader, liveMask []uint64, data []byte) {
	base := seg.Bytes()
	hdr = (*ringHeader)(unsafe.Pointer(&base[0]))
	maskWords := ringbook.LiveMaskWords(ringSize)
	maskBytes := maskWords * 8
	maskStart := headerSize()
	liveMask = unsafe.Slice((*uint64)(unsafe.Pointer(&base[maskStart])), maskWords)
	data = base[maskStart+maskBytes:]
	return hdr, liveMask, data
}

// RequiredSegmentSize returns the segment size New needs for a ring of
// ringSize slots of itemSize bytes each.
func RequiredSegmentSize(itemSize, ringSize uint32) int {
	return headerSize() + ringbook.LiveMaskWords(ringSize)*8 + int(itemSize)*int(ringSize)
}

// New initializes a fresh ring allocator at the front of seg.
func New(seg *shm.Segment, itemSize, ringSize uint32) (*Allocator, error) {
	needed := RequiredSegmentSize(itemSize, ringSize)
	if seg.Size < needed {
		return nil, herrors.NewError("cpuring.New", herrors.ErrCodeInvalidArgument, "segment too small for requested ring")
	}
	hdr, liveMask, data := layout(seg, ringSize)
	hdr.ShmemID = seg.ID
	hdr.Strategy = allocator.StrategyRing
	hdr.DeviceType = allocator.DeviceCPU
	hdr.DeviceNumber = 0
	hdr.ItemSize = itemSize
	hdr.RingSize = ringSize
	hdr.Packed = 0
	for i := range liveMask {
		liveMask[i] = 0
	}
	a := &Allocator{
		seg:  seg,
		hdr:  hdr,
		book: ringbook.New(itemSize, ringSize, &hdr.Packed, liveMask),
		Data: data,
	}
	logging.Default().Debugf("cpuring: initialized shmem=%d item_size=%d ring_size=%d", seg.ID, itemSize, ringSize)
	return a, nil
}

// Open attaches to an existing ring allocator's header and body without
// reinitializing it, for a peer process resolving a ShmemID through the
// registry.
func Open(seg *shm.Segment) (*Allocator, error) {
	base := seg.Bytes()
	hdr := (*ringHeader)(unsafe.Pointer(&base[0]))
	_, liveMask, data := layout(seg, hdr.RingSize)
	return &Allocator{
		seg:  seg,
		hdr:  hdr,
		book: ringbook.New(hdr.ItemSize, hdr.RingSize, &hdr.Packed, liveMask),
		Data: data,
	}, nil
}

func init() {
	allocator.Register(allocator.StrategyRing, allocator.DeviceCPU, func(shmemID uint64) (allocator.Ops, error) {
		seg, err := shm.Attach(shmemID)
		if err != nil {
			return nil, err
		}
		return Open(seg)
	})
}

// Header returns the allocator's common header.
func (a *Allocator) Header() *allocator.Header { return &a.hdr.Header }

// Allocate reserves the next free ring slot. The requested length is
// ignored: cpuring slots are fixed-stride.
func (a *Allocator) Allocate(_ uint32) (uint32, error) {
	slot, ok := a.book.Allocate()
	if !ok {
		return 0, herrors.NewError("cpuring.Allocate", herrors.ErrCodeNoSpace, "ring full")
	}
	return a.book.SlotOffset(slot), nil
}

// Deallocate frees the slot at offset.
func (a *Allocator) Deallocate(offset uint32) error {
	a.book.Deallocate(a.book.OffsetToSlot(offset))
	return nil
}

// Share is a no-op: ring slots carry no per-allocation refcount of their
// own. Ownership across subscribers is tracked by mqueue's interest_count,
// and mqueue deallocates each of a row's entries once, when the row is
// released.
func (a *Allocator) Share(_ uint32) error { return nil }

func (a *Allocator) slotBytes(offset, length uint32) ([]byte, error) {
	if int(offset)+int(length) > len(a.Data) {
		return nil, herrors.NewError("cpuring", herrors.ErrCodeInvalidArgument, "offset/length out of range")
	}
	return a.Data[offset : offset+length], nil
}

// CopyTo copies src into the slot at dstOffset.
func (a *Allocator) CopyTo(dstOffset uint32, src []byte) error {
	dst, err := a.slotBytes(dstOffset, uint32(len(src)))
	if err != nil {
		return err
	}
	copy(dst, src)
	return nil
}

// CopyFrom copies the slot at srcOffset into dst.
func (a *Allocator) CopyFrom(srcOffset uint32, dst []byte) error {
	src, err := a.slotBytes(srcOffset, uint32(len(dst)))
	if err != nil {
		return err
	}
	copy(dst, src)
	return nil
}

// Copy moves length bytes from src at srcOffset into this allocator at
// dstOffset. When src is also a *cpuring.Allocator the bytes move with a
// single host-to-host copy; otherwise the caller (mqueue.Take) stages
// through pooled host memory instead of calling this directly.
func (a *Allocator) Copy(dstOffset uint32, src allocator.Ops, srcOffset uint32, length uint32) error {
	if peer, ok := src.(*Allocator); ok {
		dst, err := a.slotBytes(dstOffset, length)
		if err != nil {
			return err
		}
		srcBytes, err := peer.slotBytes(srcOffset, length)
		if err != nil {
			return err
		}
		copy(dst, srcBytes)
		return nil
	}
	buf := make([]byte, length)
	if err := src.CopyFrom(srcOffset, buf); err != nil {
		return err
	}
	return a.CopyTo(dstOffset, buf)
}

// Unmap detaches the underlying segment. It does not unlink it: ownership
// of the segment's lifetime belongs to mqueue's registration bookkeeping.
func (a *Allocator) Unmap() error {
	return shm.Detach(a.seg)
}
