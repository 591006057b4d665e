package mqueue

import (
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tensorlane/hazcat/internal/allocator/cpuring"
	"github.com/tensorlane/hazcat/internal/allocator/devicering"
	"github.com/tensorlane/hazcat/internal/herrors"
	"github.com/tensorlane/hazcat/internal/registry"
	"github.com/tensorlane/hazcat/internal/ringbook"
	"github.com/tensorlane/hazcat/internal/shm"
)

func newTestCPURing(t *testing.T, itemSize, ringSize uint32) (*cpuring.Allocator, func()) {
	t.Helper()
	needed := 48 + 8 + int(itemSize)*int(ringSize)
	seg, err := shm.Create(needed)
	require.NoError(t, err)
	a, err := cpuring.New(seg, itemSize, ringSize)
	require.NoError(t, err)
	return a, func() {
		_ = shm.Detach(seg)
		_ = shm.Unlink(seg.ID)
	}
}

func newTestDeviceRing(t *testing.T, itemSize, ringSize uint32) (*devicering.Allocator, *devicering.StubEngine, func()) {
	t.Helper()
	engine := devicering.NewStubEngine(4)
	needed := 72 + ringbook.LiveMaskWords(ringSize)*8
	seg, err := shm.Create(needed)
	require.NoError(t, err)
	a, err := devicering.New(seg, engine, itemSize, ringSize)
	require.NoError(t, err)
	return a, engine, func() {
		_ = shm.Detach(seg)
		_ = shm.Unlink(seg.ID)
	}
}

func newCPUAlloc(t *testing.T, itemSize, ringSize uint32) *cpuring.Allocator {
	t.Helper()
	a, cleanup := newTestCPURing(t, itemSize, ringSize)
	t.Cleanup(cleanup)
	return a
}

// topicName gives every test its own queue and lock file, keyed by this
// process's pid so a stale named segment left behind by a killed prior test
// run is never mistaken for this run's queue.
var topicCounter int

func topicName(t *testing.T) string {
	topicCounter++
	return fmt.Sprintf("test/%d/%s/%d", os.Getpid(), t.Name(), topicCounter)
}

func TestRegisterPublishTakeUnregisterLifecycle(t *testing.T) {
	reg := registry.New(4)
	alloc := newCPUAlloc(t, 64, 8)
	topic := topicName(t)

	pub, err := RegisterPublisher(reg, topic, cpuDomainID, alloc, 4)
	require.NoError(t, err)
	sub, err := RegisterSubscription(reg, topic, cpuDomainID, alloc, 4)
	require.NoError(t, err)

	off, err := alloc.Allocate(8)
	require.NoError(t, err)
	require.NoError(t, alloc.CopyTo(off, []byte("deadbeef")))

	require.NoError(t, Publish(pub, alloc, off, 8))

	domain, entry, err := Take(sub)
	require.NoError(t, err)
	require.Equal(t, cpuDomainID, domain)
	require.Equal(t, off, entry.Offset)

	_, _, err = Take(sub)
	require.True(t, herrors.IsCode(err, herrors.ErrCodeNoMessage))

	require.NoError(t, UnregisterSubscription(sub))
	require.NoError(t, UnregisterPublisher(pub))

	// a torn-down endpoint cannot be used again.
	err = Publish(pub, alloc, off, 8)
	require.True(t, herrors.IsCode(err, herrors.ErrCodeInvalidArgument))
}

func TestTooManyDomainsRejected(t *testing.T) {
	reg := registry.New(4)
	alloc := newCPUAlloc(t, 64, 8)
	topic := topicName(t)

	_, err := RegisterPublisher(reg, topic, cpuDomainID, alloc, 2)
	require.NoError(t, err)

	for d := uint32(1); d < 32; d++ {
		_, err := RegisterSubscription(reg, topic, d<<16, alloc, 2)
		require.NoError(t, err)
	}
	// 1 CPU column already used by the publisher, 31 more added above: the
	// 32nd additional distinct domain must be rejected.
	_, err = RegisterSubscription(reg, topic, 9999<<16, alloc, 2)
	require.True(t, herrors.IsCode(err, herrors.ErrCodeTooManyDomains))
}

func TestRegistrationGrowsLenToLargestRequestedDepth(t *testing.T) {
	reg := registry.New(4)
	alloc := newCPUAlloc(t, 64, 16)
	topic := topicName(t)

	pub, err := RegisterPublisher(reg, topic, cpuDomainID, alloc, 2)
	require.NoError(t, err)
	sub, err := RegisterSubscription(reg, topic, cpuDomainID, alloc, 6)
	require.NoError(t, err)

	require.EqualValues(t, 6, pub.queue.hdr.Len)
	require.EqualValues(t, 6, sub.depth)
}

// TestScenario4KeepLastWithTwoSubscribers implements the published
// end-to-end scenario: one publisher and two subscribers share a depth-4
// CPU topic, five messages are published back to back with no intervening
// takes, and each subscriber independently recovers exactly the last four
// (m2..m5), with the final row's interest reaching zero only once both
// subscribers have drained it.
func TestScenario4KeepLastWithTwoSubscribers(t *testing.T) {
	reg := registry.New(4)
	alloc := newCPUAlloc(t, 64, 16)
	topic := topicName(t)

	pub, err := RegisterPublisher(reg, topic, cpuDomainID, alloc, 4)
	require.NoError(t, err)
	subA, err := RegisterSubscription(reg, topic, cpuDomainID, alloc, 4)
	require.NoError(t, err)
	subB, err := RegisterSubscription(reg, topic, cpuDomainID, alloc, 4)
	require.NoError(t, err)

	offsets := make([]uint32, 5)
	for i := 0; i < 5; i++ {
		off, err := alloc.Allocate(1)
		require.NoError(t, err)
		require.NoError(t, alloc.CopyTo(off, []byte{byte('1' + i)}))
		offsets[i] = off
		require.NoError(t, Publish(pub, alloc, off, 1))
	}

	readAll := func(ep *Endpoint) []uint32 {
		var got []uint32
		for {
			_, entry, err := Take(ep)
			if herrors.IsCode(err, herrors.ErrCodeNoMessage) {
				break
			}
			require.NoError(t, err)
			got = append(got, entry.Offset)
		}
		return got
	}

	gotA := readAll(subA)
	gotB := readAll(subB)

	require.Equal(t, offsets[1:], gotA, "subscriber A must see m2..m5, oldest dropped")
	require.Equal(t, offsets[1:], gotB, "subscriber B must see m2..m5, oldest dropped")

	// m5's row, now fully drained by both subscribers, carries no interest.
	lastSlot := uint32(4) % pub.queue.hdr.Len
	require.EqualValues(t, 0, pub.queue.refBits[lastSlot].InterestCount)
}

// TestScenario5CrossDomainLazyCopy implements the published scenario for a
// CPU publisher feeding a device subscriber: the first take performs a
// host-to-device copy and marks the device column available; a second
// device subscriber on the same row reuses that column without copying
// again.
func TestScenario5CrossDomainLazyCopy(t *testing.T) {
	reg := registry.New(4)
	cpuAlloc := newCPUAlloc(t, 64, 8)
	devAlloc, _, cleanup := newTestDeviceRing(t, 64, 8)
	t.Cleanup(cleanup)
	devDomain := devAlloc.Header().DomainID()
	topic := topicName(t)

	pub, err := RegisterPublisher(reg, topic, cpuDomainID, cpuAlloc, 4)
	require.NoError(t, err)
	devSubA, err := RegisterSubscription(reg, topic, uint32(devDomain), devAlloc, 4)
	require.NoError(t, err)
	devSubB, err := RegisterSubscription(reg, topic, uint32(devDomain), devAlloc, 4)
	require.NoError(t, err)

	payload := []byte("gpu-bound")
	off, err := cpuAlloc.Allocate(uint32(len(payload)))
	require.NoError(t, err)
	require.NoError(t, cpuAlloc.CopyTo(off, payload))
	require.NoError(t, Publish(pub, cpuAlloc, off, uint32(len(payload))))

	_, entryA, err := Take(devSubA)
	require.NoError(t, err)

	// The device column's availability bit is now set, so a second device
	// subscriber on the same row must take the zero-copy share branch: no
	// new device slot is allocated, so the offset is identical. A second
	// lazy copy would have bumped the device ring's allocator forward onto
	// a different offset.
	_, entryB, err := Take(devSubB)
	require.NoError(t, err)
	require.Equal(t, entryA.Offset, entryB.Offset)

	readBack := make([]byte, len(payload))
	require.NoError(t, devAlloc.CopyFrom(entryA.Offset, readBack))
	require.Equal(t, payload, readBack)
}

// TestScenario6TwoPublishersOneSubscriber interleaves two publishers on the
// same topic feeding one subscriber, using two independently registered
// CPU allocators, and checks the subscriber sees every payload it actually
// reads intact, with no torn reads.
func TestScenario6TwoPublishersOneSubscriber(t *testing.T) {
	reg := registry.New(4)
	allocA := newCPUAlloc(t, 64, 32)
	allocB := newCPUAlloc(t, 64, 32)
	topic := topicName(t)

	pubA, err := RegisterPublisher(reg, topic, cpuDomainID, allocA, 8)
	require.NoError(t, err)
	pubB, err := RegisterPublisher(reg, topic, cpuDomainID, allocB, 8)
	require.NoError(t, err)
	sub, err := RegisterSubscription(reg, topic, cpuDomainID, allocA, 8)
	require.NoError(t, err)

	type key struct {
		shmemID uint64
		offset  uint32
	}
	published := map[key][]byte{}
	publishFrom := func(alloc interface {
		Allocate(uint32) (uint32, error)
		CopyTo(uint32, []byte) error
	}, pub *Endpoint, shmemID uint64, ownerTag byte, seq int) {
		payload := []byte{ownerTag, byte(seq)}
		off, err := alloc.Allocate(uint32(len(payload)))
		require.NoError(t, err)
		require.NoError(t, alloc.CopyTo(off, payload))
		require.NoError(t, Publish(pub, pub.alloc, off, uint32(len(payload))))
		published[key{shmemID, off}] = payload
	}

	for i := 0; i < 6; i++ {
		publishFrom(allocA, pubA, allocA.Header().ShmemID, 'A', i)
		publishFrom(allocB, pubB, allocB.Header().ShmemID, 'B', i)
	}

	for {
		_, entry, err := Take(sub)
		if herrors.IsCode(err, herrors.ErrCodeNoMessage) {
			break
		}
		require.NoError(t, err)
		want, ok := published[key{entry.AllocShmemID, entry.Offset}]
		require.True(t, ok, "subscriber read an offset that was never published")
		got := make([]byte, entry.Len)
		if want[0] == 'A' {
			require.NoError(t, allocA.CopyFrom(entry.Offset, got))
		} else {
			require.NoError(t, allocB.CopyFrom(entry.Offset, got))
		}
		require.Equal(t, want, got)
	}
}
