// Package registry implements the per-process allocator registry: an
// open-addressed, linear-probed table keyed by shared-memory segment id.
// Linear probing is mandated by the collision policy this table exists to
// test, which rules out Go's builtin map (see DESIGN.md).
package registry

import (
	"sync"

	"github.com/tensorlane/hazcat/internal/allocator"
	"github.com/tensorlane/hazcat/internal/logging"
)

type slotState uint8

const (
	slotEmpty slotState = iota
	slotUsed
	slotTombstone
)

type entry struct {
	state    slotState
	shmemID  uint64
	ops      allocator.Ops
	refCount int32
}

// Registry is a per-process, open-addressed hash table of attached
// allocators, one per live ShmemID. The root hazcat.Context owns exactly
// one Registry.
type Registry struct {
	mu       sync.Mutex
	slots    []entry
	count    int // used, excludes tombstones
	occupied int // used + tombstones, what load factor is measured against
}

const initialCapacity = 16

// New creates a Registry with room for at least capacity entries before
// its first grow.
func New(capacity int) *Registry {
	if capacity < initialCapacity {
		capacity = initialCapacity
	}
	return &Registry{slots: make([]entry, nextPow2(capacity))}
}

func nextPow2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

func hash64(id uint64) uint64 {
	// FNV-1a, 64-bit.
	h := uint64(1469598103934665603)
	for i := 0; i < 8; i++ {
		h ^= (id >> (8 * i)) & 0xff
		h *= 1099511628211
	}
	return h
}

// find returns the slot index for id via linear probing: either the slot
// already holding id, or the first empty/tombstone slot a future insert
// should use. ok reports whether id was found live.
func (r *Registry) find(id uint64) (idx int, ok bool) {
	mask := uint64(len(r.slots) - 1)
	start := hash64(id) & mask
	firstTombstone := -1
	for i := uint64(0); i < uint64(len(r.slots)); i++ {
		idx := int((start + i) & mask)
		s := &r.slots[idx]
		switch s.state {
		case slotEmpty:
			if firstTombstone >= 0 {
				return firstTombstone, false
			}
			return idx, false
		case slotTombstone:
			if firstTombstone < 0 {
				firstTombstone = idx
			}
		case slotUsed:
			if s.shmemID == id {
				return idx, true
			}
		}
	}
	// table is full of used/tombstone slots with no match; caller must
	// grow before inserting. Returning -1 signals that to insertLocked.
	return -1, false
}

// Get returns the cached Ops for id if already attached, incrementing its
// reference count.
func (r *Registry) Get(id uint64) (allocator.Ops, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx, ok := r.find(id)
	if !ok || idx < 0 {
		return nil, false
	}
	r.slots[idx].refCount++
	return r.slots[idx].ops, true
}

// GetOrAttach returns the cached Ops for id, or calls attach to map it in
// on a miss, inserting and growing the table past a 0.7 load factor.
func (r *Registry) GetOrAttach(id uint64, attach func(uint64) (allocator.Ops, error)) (allocator.Ops, error) {
	r.mu.Lock()
	idx, ok := r.find(id)
	if ok {
		r.slots[idx].refCount++
		ops := r.slots[idx].ops
		r.mu.Unlock()
		return ops, nil
	}
	r.mu.Unlock()

	ops, err := attach(id)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// re-check: a racing goroutine may have inserted while attach ran
	// without the lock held.
	if idx, ok := r.find(id); ok {
		r.slots[idx].refCount++
		existing := r.slots[idx].ops
		r.mu.Unlock()
		_ = ops.Unmap()
		r.mu.Lock()
		return existing, nil
	}
	r.insertLocked(id, ops)
	logging.Default().Debugf("registry: attached shmem_id=%d", id)
	return ops, nil
}

func (r *Registry) insertLocked(id uint64, ops allocator.Ops) {
	if float64(r.occupied+1) > 0.7*float64(len(r.slots)) {
		r.growLocked()
	}
	idx, _ := r.find(id)
	if idx < 0 {
		r.growLocked()
		idx, _ = r.find(id)
	}
	wasTombstone := r.slots[idx].state == slotTombstone
	r.slots[idx] = entry{state: slotUsed, shmemID: id, ops: ops, refCount: 1}
	r.count++
	if !wasTombstone {
		r.occupied++
	}
}

func (r *Registry) growLocked() {
	old := r.slots
	r.slots = make([]entry, len(old)*2)
	r.count = 0
	r.occupied = 0
	for _, s := range old {
		if s.state == slotUsed {
			idx, _ := r.find(s.shmemID)
			r.slots[idx] = s
			r.count++
			r.occupied++
		}
	}
}

// Release decrements id's reference count; at zero it unmaps and removes
// the entry, leaving a tombstone so later linear probes for other keys
// are not broken.
func (r *Registry) Release(id uint64) error {
	r.mu.Lock()
	idx, ok := r.find(id)
	if !ok || idx < 0 {
		r.mu.Unlock()
		return nil
	}
	r.slots[idx].refCount--
	if r.slots[idx].refCount > 0 {
		r.mu.Unlock()
		return nil
	}
	ops := r.slots[idx].ops
	r.slots[idx] = entry{state: slotTombstone}
	r.count--
	r.mu.Unlock()

	logging.Default().Debugf("registry: released shmem_id=%d", id)
	return ops.Unmap()
}

// Len returns the number of live (non-tombstone) entries.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// ForEach invokes fn for every live entry, used by process teardown.
func (r *Registry) ForEach(fn func(id uint64, ops allocator.Ops)) {
	r.mu.Lock()
	snapshot := make([]entry, 0, r.count)
	for _, s := range r.slots {
		if s.state == slotUsed {
			snapshot = append(snapshot, s)
		}
	}
	r.mu.Unlock()

	for _, s := range snapshot {
		fn(s.shmemID, s.ops)
	}
}
