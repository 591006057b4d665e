package devicering

import (
	"github.com/tensorlane/hazcat/internal/allocator"
	"github.com/tensorlane/hazcat/internal/shm"
)

// defaultEngine backs the allocator.Dispatch-registered constructors below,
// used when a caller attaches to a device allocator generically (through
// the registry) without supplying its own DMAEngine. Production callers
// that need a real accelerator construct an IOURingDMAEngine directly and
// call Open themselves.
var defaultEngine = NewStubEngine(1)

func init() {
	attach := func(shmemID uint64) (allocator.Ops, error) {
		seg, err := shm.Attach(shmemID)
		if err != nil {
			return nil, err
		}
		return Open(seg, defaultEngine)
	}
	allocator.Register(allocator.StrategyRing, allocator.DeviceCUDA, attach)
	allocator.Register(allocator.StrategyRing, allocator.DeviceROCm, attach)
}
