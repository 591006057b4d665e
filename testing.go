package hazcat

import (
	"sync"

	"github.com/tensorlane/hazcat/internal/allocator"
	"github.com/tensorlane/hazcat/internal/herrors"
)

// MockAllocator is an in-process allocator.Ops implementation backed by a
// plain Go slice instead of shared memory, for unit tests that need an
// endpoint's allocator without mapping real SysV segments. It tracks call
// counts so tests can assert on exactly which operations ran.
type MockAllocator struct {
	mu     sync.Mutex
	data   []byte
	cursor uint32
	header allocator.Header
	closed bool

	allocateCalls   int
	deallocateCalls int
	shareCalls      int
	copyToCalls     int
	copyFromCalls   int
	copyCalls       int
	unmapCalls      int
}

// NewMockAllocator creates a mock allocator with a size-byte backing
// buffer, tagged with the given device type and number.
func NewMockAllocator(shmemID uint64, deviceType allocator.DeviceType, deviceNumber uint32, size int) *MockAllocator {
	return &MockAllocator{
		data: make([]byte, size),
		header: allocator.Header{
			ShmemID:      shmemID,
			Strategy:     allocator.StrategyRing,
			DeviceType:   deviceType,
			DeviceNumber: deviceNumber,
		},
	}
}

func (m *MockAllocator) Allocate(length uint32) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.allocateCalls++
	if m.closed {
		return 0, herrors.NewError("MockAllocator.Allocate", herrors.ErrCodeInvalidArgument, "allocator unmapped")
	}
	if uint64(m.cursor)+uint64(length) > uint64(len(m.data)) {
		return 0, herrors.NewError("MockAllocator.Allocate", herrors.ErrCodeNoSpace, "mock allocator exhausted")
	}
	off := m.cursor
	m.cursor += length
	return off, nil
}

func (m *MockAllocator) Deallocate(uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deallocateCalls++
	return nil
}

func (m *MockAllocator) Share(uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shareCalls++
	return nil
}

func (m *MockAllocator) CopyTo(dstOffset uint32, src []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.copyToCalls++
	if int(dstOffset)+len(src) > len(m.data) {
		return herrors.NewError("MockAllocator.CopyTo", herrors.ErrCodeInvalidArgument, "write past end of mock buffer")
	}
	copy(m.data[dstOffset:], src)
	return nil
}

func (m *MockAllocator) CopyFrom(srcOffset uint32, dst []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.copyFromCalls++
	if int(srcOffset)+len(dst) > len(m.data) {
		return herrors.NewError("MockAllocator.CopyFrom", herrors.ErrCodeInvalidArgument, "read past end of mock buffer")
	}
	copy(dst, m.data[srcOffset:])
	return nil
}

func (m *MockAllocator) Copy(dstOffset uint32, src allocator.Ops, srcOffset, length uint32) error {
	m.mu.Lock()
	m.copyCalls++
	m.mu.Unlock()
	buf := make([]byte, length)
	if err := src.CopyFrom(srcOffset, buf); err != nil {
		return err
	}
	return m.CopyTo(dstOffset, buf)
}

func (m *MockAllocator) Unmap() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unmapCalls++
	m.closed = true
	return nil
}

func (m *MockAllocator) Header() *allocator.Header {
	return &m.header
}

// CallCounts returns the number of times each method has been called.
func (m *MockAllocator) CallCounts() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return map[string]int{
		"allocate":   m.allocateCalls,
		"deallocate": m.deallocateCalls,
		"share":      m.shareCalls,
		"copy_to":    m.copyToCalls,
		"copy_from":  m.copyFromCalls,
		"copy":       m.copyCalls,
		"unmap":      m.unmapCalls,
	}
}

// IsClosed reports whether Unmap has been called.
func (m *MockAllocator) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

var _ allocator.Ops = (*MockAllocator)(nil)
