package hazcat

import (
	"github.com/tensorlane/hazcat/internal/allocator"
	"github.com/tensorlane/hazcat/internal/allocator/cpuring"
	"github.com/tensorlane/hazcat/internal/allocator/devicering"
	"github.com/tensorlane/hazcat/internal/shm"
)

// NewCPUAllocator creates a fresh CPU ring allocator segment sized for
// ringSize slots of itemSize bytes each.
func NewCPUAllocator(itemSize, ringSize uint32) (*cpuring.Allocator, error) {
	seg, err := shm.Create(cpuring.RequiredSegmentSize(itemSize, ringSize))
	if err != nil {
		return nil, err
	}
	a, err := cpuring.New(seg, itemSize, ringSize)
	if err != nil {
		_ = shm.Detach(seg)
		_ = shm.Unlink(seg.ID)
		return nil, err
	}
	return a, nil
}

// NewDeviceAllocator creates a fresh device ring allocator segment on top
// of the given DMA engine.
func NewDeviceAllocator(engine devicering.DMAEngine, itemSize, ringSize uint32) (*devicering.Allocator, error) {
	seg, err := shm.Create(devicering.RequiredSegmentSize(ringSize))
	if err != nil {
		return nil, err
	}
	a, err := devicering.New(seg, engine, itemSize, ringSize)
	if err != nil {
		_ = shm.Detach(seg)
		_ = shm.Unlink(seg.ID)
		return nil, err
	}
	return a, nil
}

// DomainCPU is the domain id of the sole CPU domain, as RegisterPublisher
// and RegisterSubscription expect it.
var DomainCPU = uint32((&allocator.Header{DeviceType: allocator.DeviceCPU}).DomainID())

// DomainCUDA returns the domain id for a given CUDA device number.
func DomainCUDA(deviceNumber uint32) uint32 {
	return uint32((&allocator.Header{DeviceType: allocator.DeviceCUDA, DeviceNumber: deviceNumber}).DomainID())
}
