package devicering

import (
	"sync"

	"github.com/tensorlane/hazcat/internal/herrors"
)

// StubEngine is a host-memory-backed DMAEngine used in tests and whenever
// no real accelerator is present: Export allocates a plain Go byte slice
// and pretends it is device memory, so the ring allocator's bookkeeping
// can be exercised without a GPU.
type StubEngine struct {
	granularity uint32

	mu      sync.Mutex
	regions map[int32][]byte
	nextFD  int32
}

// NewStubEngine creates a StubEngine with the given copy granularity (use
// 1 for byte-granular allocation in tests).
func NewStubEngine(granularity uint32) *StubEngine {
	if granularity == 0 {
		granularity = 1
	}
	return &StubEngine{granularity: granularity, regions: make(map[int32][]byte)}
}

func (e *StubEngine) Granularity() uint32 { return e.granularity }

func (e *StubEngine) Export(size uint32) (DeviceHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextFD++
	fd := e.nextFD
	e.regions[fd] = make([]byte, size)
	return DeviceHandle{FD: fd, DevicePointer: uint64(fd) << 32, Size: size}, nil
}

func (e *StubEngine) region(h DeviceHandle) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.regions[h.FD]
	if !ok {
		return nil, herrors.NewError("devicering.StubEngine", herrors.ErrCodeDeviceError, "unknown device handle")
	}
	return r, nil
}

func (e *StubEngine) CopyHostToDevice(h DeviceHandle, offset uint32, src []byte) error {
	region, err := e.region(h)
	if err != nil {
		return err
	}
	if int(offset)+len(src) > len(region) {
		return herrors.NewError("devicering.StubEngine", herrors.ErrCodeInvalidArgument, "copy out of range")
	}
	copy(region[offset:], src)
	return nil
}

func (e *StubEngine) CopyDeviceToHost(h DeviceHandle, offset uint32, dst []byte) (int, error) {
	region, err := e.region(h)
	if err != nil {
		return 0, err
	}
	if int(offset)+len(dst) > len(region) {
		return 0, herrors.NewError("devicering.StubEngine", herrors.ErrCodeInvalidArgument, "copy out of range")
	}
	return copy(dst, region[offset:offset+uint32(len(dst))]), nil
}

func (e *StubEngine) CopyDeviceToDevice(dst DeviceHandle, dstOff uint32, src DeviceHandle, srcOff uint32, n uint32) (bool, error) {
	dstRegion, err := e.region(dst)
	if err != nil {
		return false, err
	}
	srcRegion, err := e.region(src)
	if err != nil {
		return false, err
	}
	copy(dstRegion[dstOff:dstOff+n], srcRegion[srcOff:srcOff+n])
	return true, nil
}
