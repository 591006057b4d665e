// Package devicering implements the device (GPU) ring allocator variant:
// same header and ring bookkeeping as cpuring, but the backing bytes live
// behind an exportable device handle instead of inline host memory.
package devicering

import (
	"unsafe"

	"github.com/tensorlane/hazcat/internal/allocator"
	"github.com/tensorlane/hazcat/internal/herrors"
	"github.com/tensorlane/hazcat/internal/logging"
	"github.com/tensorlane/hazcat/internal/ringbook"
	"github.com/tensorlane/hazcat/internal/shm"
)

// DeviceHandle is an opaque exportable-handle struct identifying a device
// memory region: an fd (dma-buf-style) a peer process can import, plus the
// device pointer and size the owning DMAEngine resolves the fd against.
type DeviceHandle struct {
	FD            int32
	DevicePointer uint64
	Size          uint32
}

// DMAEngine abstracts the accelerator-specific copy/export operations so
// this package stays free of any CUDA/ROCm import, keeping the I/O backend
// pluggable behind an interface.
type DMAEngine interface {
	Export(size uint32) (DeviceHandle, error)
	CopyHostToDevice(h DeviceHandle, offset uint32, src []byte) error
	CopyDeviceToHost(h DeviceHandle, offset uint32, dst []byte) (int, error)
	CopyDeviceToDevice(dst DeviceHandle, dstOff uint32, src DeviceHandle, srcOff uint32, n uint32) (bool, error)
	Granularity() uint32
}

// ringHeader mirrors cpuring's ringHeader but is followed by a DeviceHandle
// in shared memory instead of inline data.
type ringHeader struct {
	allocator.Header
	ItemSize uint32
	RingSize uint32
	_        uint32
	Packed   uint64
	Handle   DeviceHandle
}

var _ [72]byte = [unsafe.Sizeof(ringHeader{})]byte{}

func headerSize() int { return int(unsafe.Sizeof(ringHeader{})) }

// Allocator is the device ring variant of allocator.Ops.
type Allocator struct {
	seg    *shm.Segment
	hdr    *ringHeader
	book   *ringbook.Book
	engine DMAEngine
}

func roundUp(v, multiple uint32) uint32 {
	if multiple == 0 {
		return v
	}
	return ((v + multiple - 1) / multiple) * multiple
}

func layout(seg *shm.Segment, ringSize uint32) (*ringHeader, []uint64) {
	base := seg.Bytes()
	hdr := (*ringHeader)(unsafe.Pointer(&base[0]))
	maskWords := ringbook.LiveMaskWords(ringSize)
	liveMask := unsafe.Slice((*uint64)(unsafe.Pointer(&base[headerSize()])), maskWords)
	return hdr, liveMask
}

// RequiredSegmentSize returns the segment size New needs for the ring
// header and live mask of a ringSize-slot ring; the slot data itself lives
// behind the DMAEngine's exported handle, not in this segment.
func RequiredSegmentSize(ringSize uint32) int {
	return headerSize() + ringbook.LiveMaskWords(ringSize)*8
}

// New initializes a fresh device ring allocator at the front of seg,
// negotiating one exported handle sized for the whole ring up front.
func New(seg *shm.Segment, engine DMAEngine, itemSize, ringSize uint32) (*Allocator, error) {
	itemSize = roundUp(itemSize, engine.Granularity())
	needed := RequiredSegmentSize(ringSize)
	if seg.Size < needed {
		return nil, herrors.NewError("devicering.New", herrors.ErrCodeInvalidArgument, "segment too small for ring header")
	}

	handle, err := engine.Export(itemSize * ringSize)
	if err != nil {
		return nil, herrors.WrapError("devicering.New", err)
	}

	hdr, liveMask := layout(seg, ringSize)
	hdr.ShmemID = seg.ID
	hdr.Strategy = allocator.StrategyRing
	hdr.DeviceType = allocator.DeviceCUDA
	hdr.DeviceNumber = 0
	hdr.ItemSize = itemSize
	hdr.RingSize = ringSize
	hdr.Packed = 0
	hdr.Handle = handle
	for i := range liveMask {
		liveMask[i] = 0
	}

	logging.Default().Debugf("devicering: initialized shmem=%d item_size=%d ring_size=%d fd=%d", seg.ID, itemSize, ringSize, handle.FD)
	return &Allocator{
		seg:    seg,
		hdr:    hdr,
		book:   ringbook.New(itemSize, ringSize, &hdr.Packed, liveMask),
		engine: engine,
	}, nil
}

// Open attaches to an existing device ring allocator, for a peer process
// resolving a ShmemID and DMAEngine through the registry.
func Open(seg *shm.Segment, engine DMAEngine) (*Allocator, error) {
	base := seg.Bytes()
	hdr := (*ringHeader)(unsafe.Pointer(&base[0]))
	_, liveMask := layout(seg, hdr.RingSize)
	return &Allocator{
		seg:    seg,
		hdr:    hdr,
		book:   ringbook.New(hdr.ItemSize, hdr.RingSize, &hdr.Packed, liveMask),
		engine: engine,
	}, nil
}

// Header returns the allocator's common header.
func (a *Allocator) Header() *allocator.Header { return &a.hdr.Header }

// Allocate reserves the next free ring slot; len is ignored, matching
// cpuring's fixed-stride contract.
func (a *Allocator) Allocate(_ uint32) (uint32, error) {
	slot, ok := a.book.Allocate()
	if !ok {
		return 0, herrors.NewError("devicering.Allocate", herrors.ErrCodeNoSpace, "ring full")
	}
	return a.book.SlotOffset(slot), nil
}

// Deallocate frees the slot at offset.
func (a *Allocator) Deallocate(offset uint32) error {
	a.book.Deallocate(a.book.OffsetToSlot(offset))
	return nil
}

// Share is a no-op, matching cpuring: ownership is tracked by mqueue's
// interest_count, not a per-allocation refcount here.
func (a *Allocator) Share(_ uint32) error { return nil }

// CopyTo stages src into the device slot at dstOffset.
func (a *Allocator) CopyTo(dstOffset uint32, src []byte) error {
	return a.engine.CopyHostToDevice(a.hdr.Handle, dstOffset, src)
}

// CopyFrom reads the device slot at srcOffset into dst.
func (a *Allocator) CopyFrom(srcOffset uint32, dst []byte) error {
	_, err := a.engine.CopyDeviceToHost(a.hdr.Handle, srcOffset, dst)
	return err
}

// Copy moves length bytes from src at srcOffset into this allocator at
// dstOffset. When src is also a *devicering.Allocator in the same domain
// (same DeviceType and DeviceNumber), it tries a peer-to-peer
// device-to-device copy first and returns any error from that attempt;
// otherwise, or when the engine reports no peer-to-peer path, it stages
// through a temporary host buffer.
func (a *Allocator) Copy(dstOffset uint32, src allocator.Ops, srcOffset uint32, length uint32) error {
	if peer, ok := src.(*Allocator); ok {
		if peer.Header().DomainID() == a.Header().DomainID() {
			ok, err := a.engine.CopyDeviceToDevice(a.hdr.Handle, dstOffset, peer.hdr.Handle, srcOffset, length)
			if err == nil && ok {
				return nil
			}
			if err != nil {
				return herrors.WrapError("devicering.Copy", err)
			}
		}
	}
	buf := make([]byte, length)
	if err := src.CopyFrom(srcOffset, buf); err != nil {
		return err
	}
	return a.CopyTo(dstOffset, buf)
}

// Unmap detaches the underlying segment.
func (a *Allocator) Unmap() error {
	return shm.Detach(a.seg)
}
