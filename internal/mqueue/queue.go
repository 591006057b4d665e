package mqueue

import (
	"math"
	"math/bits"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/tensorlane/hazcat/internal/allocator"
	"github.com/tensorlane/hazcat/internal/constants"
	"github.com/tensorlane/hazcat/internal/herrors"
	"github.com/tensorlane/hazcat/internal/logging"
	"github.com/tensorlane/hazcat/internal/registry"
	"github.com/tensorlane/hazcat/internal/shm"
)

// cpuDomainID is the domain id of the sole CPU domain: DeviceCPU (0) shifted
// into the high 16 bits with device number 0.
const cpuDomainID = uint32(allocator.DeviceCPU) << 16

// RowState classifies a ring row for observability. It is inferred from
// InterestCount and the spin lock word, not stored as a field of its own — the spin lock is the only synchronization primitive a row
// actually carries.
type RowState uint8

const (
	RowEmpty RowState = iota
	RowFilling
	RowLive
	RowReading
)

func rowState(row *RefBits) RowState {
	interest := atomic.LoadUint32(&row.InterestCount)
	locked := atomic.LoadUint32(&row.Lock) != 0
	switch {
	case interest == 0 && !locked:
		return RowEmpty
	case interest == 0 && locked:
		return RowFilling
	case interest > 0 && !locked:
		return RowLive
	default:
		return RowReading
	}
}

// EndpointState tracks an Endpoint's own lifecycle. Double registration or
// use after teardown is a usage error, not a shared-memory condition.
type EndpointState uint8

const (
	Unregistered EndpointState = iota
	Registered
	TornDown
)

// ErrNoMessage is returned by Take when the subscriber's cursor has caught
// up with the publisher's write cursor.
var ErrNoMessage = herrors.NewError("mqueue.Take", herrors.ErrCodeNoMessage, "no message available")

// Endpoint is a registered publisher or subscriber on a Queue.
type Endpoint struct {
	queue  *Queue
	topic  string
	domain uint32
	column uint32
	alloc  allocator.Ops
	depth  uint32
	isSub  bool

	nextIndex uint32
	state     EndpointState
}

func (ep *Endpoint) Topic() string        { return ep.topic }
func (ep *Endpoint) Domain() uint32       { return ep.domain }
func (ep *Endpoint) Column() uint32       { return ep.column }
func (ep *Endpoint) Alloc() allocator.Ops { return ep.alloc }

// Queue is the shared ring of reference-bit rows and per-domain entry
// columns backing one topic. One Queue is shared by every endpoint this
// process registers on the same topic, since a process may hold only one
// fcntl lock state per (process, inode) regardless of how many file
// descriptors it opens on that inode.
type Queue struct {
	name      string
	lockFD    int
	ctrlSeg   *shm.Segment
	dataIDPtr *uint64

	mu      sync.Mutex
	dataSeg *shm.Segment
	hdr     *Header
	refBits []RefBits
	entries [][]Entry // entries[column][slot]

	registry *registry.Registry
}

var (
	queueCacheMu sync.Mutex
	queueCache   = map[string]*Queue{}
)

func openQueue(name string) (*Queue, error) {
	queueCacheMu.Lock()
	defer queueCacheMu.Unlock()
	if q, ok := queueCache[name]; ok {
		return q, nil
	}
	lockFD, err := openLockFile(name)
	if err != nil {
		return nil, err
	}
	ctrlSeg, _, err := shm.CreateOrAttachNamed(name+".ctrl", 8)
	if err != nil {
		return nil, err
	}
	q := &Queue{
		name:      name,
		lockFD:    lockFD,
		ctrlSeg:   ctrlSeg,
		dataIDPtr: (*uint64)(unsafe.Pointer(&ctrlSeg.Bytes()[0])),
	}
	queueCache[name] = q
	return q, nil
}

func dataSegmentSize(length, numDomains uint32) int {
	return headerSize() + int(length)*int(unsafe.Sizeof(RefBits{})) + int(numDomains)*int(length)*int(unsafe.Sizeof(Entry{}))
}

// layoutWith overlays Header/RefBits/Entry views onto seg using explicit
// dimensions, used both to initialize a freshly created segment (whose
// header fields are not yet trustworthy) and to reconstruct a view from
// dimensions already known to be correct.
func layoutWith(seg *shm.Segment, length, numDomains uint32) (*Header, []RefBits, [][]Entry) {
	base := seg.Bytes()
	hdr := (*Header)(unsafe.Pointer(&base[0]))
	rbOff := headerSize()
	refBits := unsafe.Slice((*RefBits)(unsafe.Pointer(&base[rbOff])), length)
	entOff := rbOff + int(length)*int(unsafe.Sizeof(RefBits{}))
	colStride := int(length) * int(unsafe.Sizeof(Entry{}))
	entries := make([][]Entry, numDomains)
	for c := uint32(0); c < numDomains; c++ {
		start := entOff + int(c)*colStride
		entries[c] = unsafe.Slice((*Entry)(unsafe.Pointer(&base[start])), length)
	}
	return hdr, refBits, entries
}

func viewDataSegment(seg *shm.Segment) (*Header, []RefBits, [][]Entry) {
	hdr := (*Header)(unsafe.Pointer(&seg.Bytes()[0]))
	return layoutWith(seg, hdr.Len, hdr.NumDomains)
}

// refreshLocked reattaches to the queue's current data segment if the
// control word has changed since this process last looked, which happens
// whenever any process relocates the segment to grow length or domain
// count. Callers must hold q.mu and at least the shared file lock (so no
// relocation can be in flight concurrently with the reattach).
func (q *Queue) refreshLocked() error {
	id := atomic.LoadUint64(q.dataIDPtr)
	if id == 0 {
		return herrors.NewQueueError("mqueue.refresh", q.name, -1, herrors.ErrCodeInvalidArgument, "queue has no data segment")
	}
	if q.dataSeg != nil && q.dataSeg.ID == id {
		return nil
	}
	seg, err := shm.Attach(id)
	if err != nil {
		return err
	}
	if q.dataSeg != nil {
		_ = shm.Detach(q.dataSeg)
	}
	hdr, refBits, entries := viewDataSegment(seg)
	q.dataSeg, q.hdr, q.refBits, q.entries = seg, hdr, refBits, entries
	return nil
}

func (q *Queue) ensureDataSegmentLocked(depth, domain uint32) error {
	if atomic.LoadUint64(q.dataIDPtr) != 0 {
		return q.refreshLocked()
	}
	numDomains := uint32(1)
	var domains [constants.DomainsPerTopic]uint32
	domains[0] = cpuDomainID
	if domain != cpuDomainID {
		domains[1] = domain
		numDomains = 2
	}
	seg, err := shm.Create(dataSegmentSize(depth, numDomains))
	if err != nil {
		return err
	}
	hdr, refBits, entries := layoutWith(seg, depth, numDomains)
	*hdr = Header{Len: depth, NumDomains: numDomains, Domains: domains}
	q.dataSeg, q.hdr, q.refBits, q.entries = seg, hdr, refBits, entries
	atomic.StoreUint64(q.dataIDPtr, seg.ID)
	logging.Default().Debugf("mqueue: created topic segment name=%q shmem=%d len=%d domains=%d", q.name, seg.ID, depth, numDomains)
	return nil
}

// relocateLocked grows the data segment to newLen/newNumDomains, copying
// the live prefix of every existing row and column, then swaps the control
// word to point peers at the new segment and unlinks the old one. Callers
// hold the exclusive file lock for the duration, so no publish/take can
// observe a torn intermediate state.
func (q *Queue) relocateLocked(newLen, newNumDomains uint32, domains [constants.DomainsPerTopic]uint32) error {
	newSeg, err := shm.Create(dataSegmentSize(newLen, newNumDomains))
	if err != nil {
		return err
	}
	newHdr, newRefBits, newEntries := layoutWith(newSeg, newLen, newNumDomains)
	oldHdr, oldRefBits, oldEntries := q.hdr, q.refBits, q.entries
	oldLen := oldHdr.Len
	index := atomic.LoadUint32(&oldHdr.Index)

	*newHdr = Header{
		Index:      index,
		Len:        newLen,
		NumDomains: newNumDomains,
		Domains:    domains,
		PubCount:   oldHdr.PubCount,
		SubCount:   oldHdr.SubCount,
	}

	// Index is a raw, never-reduced sequence counter (see Publish), so a row
	// once written to old physical slot raw%oldLen must land on raw%newLen
	// in the new array, not on its old physical slot number, or a
	// subscriber's already-captured nextIndex would point at the wrong row.
	window := oldLen
	if index < window {
		window = index
	}
	for k := uint32(0); k < window; k++ {
		raw := index - 1 - k
		oldSlot := raw % oldLen
		newSlot := raw % newLen
		newRefBits[newSlot] = oldRefBits[oldSlot]
		for c := range oldEntries {
			if uint32(c) >= newNumDomains {
				break
			}
			newEntries[c][newSlot] = oldEntries[c][oldSlot]
		}
	}

	oldSeg := q.dataSeg
	atomic.StoreUint64(q.dataIDPtr, newSeg.ID)
	q.dataSeg, q.hdr, q.refBits, q.entries = newSeg, newHdr, newRefBits, newEntries

	if err := shm.Detach(oldSeg); err != nil {
		return err
	}
	if err := shm.Unlink(oldSeg.ID); err != nil {
		return err
	}
	logging.Default().Debugf("mqueue: relocated topic=%q len=%d num_domains=%d", q.name, newLen, newNumDomains)
	return nil
}

func register(reg *registry.Registry, topic string, domain uint32, alloc allocator.Ops, depth uint32, isSub bool) (*Endpoint, error) {
	if alloc == nil || depth == 0 {
		return nil, herrors.NewError("mqueue.register", herrors.ErrCodeInvalidArgument, "alloc and depth are required")
	}
	name := queueName(topic, shm.MaxSegmentNameLen)
	q, err := openQueue(name)
	if err != nil {
		return nil, err
	}

	if err := lockExclusive(q.lockFD); err != nil {
		return nil, err
	}
	defer func() { _ = unlockRange(q.lockFD) }()

	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.ensureDataSegmentLocked(depth, domain); err != nil {
		return nil, err
	}

	var column uint32
	found := false
	for i := uint32(0); i < q.hdr.NumDomains; i++ {
		if q.hdr.Domains[i] == domain {
			column, found = i, true
			break
		}
	}
	newNumDomains := q.hdr.NumDomains
	domains := q.hdr.Domains
	if !found {
		if q.hdr.NumDomains >= constants.DomainsPerTopic {
			return nil, herrors.NewQueueError("mqueue.register", topic, -1, herrors.ErrCodeTooManyDomains, "topic already has DomainsPerTopic columns")
		}
		column = q.hdr.NumDomains
		newNumDomains = q.hdr.NumDomains + 1
		domains[column] = domain
	}
	newLen := q.hdr.Len
	if depth > newLen {
		newLen = depth
	}
	if newNumDomains != q.hdr.NumDomains || newLen != q.hdr.Len {
		if err := q.relocateLocked(newLen, newNumDomains, domains); err != nil {
			return nil, err
		}
	}

	ep := &Endpoint{queue: q, topic: topic, domain: domain, column: column, alloc: alloc, depth: depth, isSub: isSub, state: Registered}

	if isSub {
		if q.hdr.SubCount == math.MaxUint16 {
			return nil, herrors.NewQueueError("mqueue.RegisterSubscription", topic, int(column), herrors.ErrCodeCountOverflow, "sub_count overflow")
		}
		q.hdr.SubCount++
		ep.nextIndex = atomic.LoadUint32(&q.hdr.Index)
	} else {
		if q.hdr.PubCount == math.MaxUint16 {
			return nil, herrors.NewQueueError("mqueue.RegisterPublisher", topic, int(column), herrors.ErrCodeCountOverflow, "pub_count overflow")
		}
		q.hdr.PubCount++
	}

	if _, err := reg.GetOrAttach(alloc.Header().ShmemID, func(uint64) (allocator.Ops, error) { return alloc, nil }); err != nil {
		return nil, err
	}
	q.registry = reg

	logging.Default().Debugf("mqueue: registered topic=%q domain=%d column=%d sub=%v", topic, domain, column, isSub)
	return ep, nil
}

// RegisterPublisher attaches a publishing endpoint to topic on domain.
func RegisterPublisher(reg *registry.Registry, topic string, domain uint32, alloc allocator.Ops, depth uint32) (*Endpoint, error) {
	return register(reg, topic, domain, alloc, depth, false)
}

// RegisterSubscription attaches a subscribing endpoint to topic on domain.
func RegisterSubscription(reg *registry.Registry, topic string, domain uint32, alloc allocator.Ops, depth uint32) (*Endpoint, error) {
	return register(reg, topic, domain, alloc, depth, true)
}

func releaseRowEntries(q *Queue, hdr *Header, entries [][]Entry, row *RefBits, i uint32) {
	avail := atomic.LoadUint32(&row.Availability)
	for c := uint32(0); c < hdr.NumDomains; c++ {
		if avail&(1<<c) == 0 {
			continue
		}
		e := entries[c][i]
		if ops, ok := q.registry.Get(e.AllocShmemID); ok {
			_ = ops.Deallocate(e.Offset)
			_ = q.registry.Release(e.AllocShmemID)
		}
	}
	atomic.StoreUint32(&row.Availability, 0)
}

// Publish writes a new row onto ep's topic, reclaiming the oldest row if
// the ring is full.
func Publish(ep *Endpoint, alloc allocator.Ops, payloadOffset, payloadLen uint32) error {
	if ep.state != Registered {
		return herrors.NewQueueError("mqueue.Publish", ep.topic, int(ep.column), herrors.ErrCodeInvalidArgument, "endpoint not registered")
	}
	q := ep.queue
	if err := lockShared(q.lockFD); err != nil {
		return err
	}
	defer func() { _ = unlockRange(q.lockFD) }()

	q.mu.Lock()
	if err := q.refreshLocked(); err != nil {
		q.mu.Unlock()
		return err
	}
	hdr, refBits, entries := q.hdr, q.refBits, q.entries
	q.mu.Unlock()

	length := hdr.Len

	// Design Note (a) resolution: Index is kept as a wide, ever-increasing
	// sequence counter (atomic fetch-and-increment) and reduced modulo
	// length only at the point of slot access, the same way an io_uring
	// submission/completion ring's head and tail counters work. Reducing
	// Index modulo len on every publish would permanently discard how many
	// laps the ring has made, which is exactly the information Take needs
	// to tell "one message behind" apart from "len-plus-one messages
	// behind"; Index is always >= len in steady state and every reader
	// must tolerate that and reduce it themselves.
	claimed := atomic.AddUint32(&hdr.Index, 1) - 1
	i := claimed % length

	row := &refBits[i]
	acquireRow(&row.Lock)

	if atomic.LoadUint32(&row.InterestCount) > 0 {
		releaseRowEntries(q, hdr, entries, row, i)
	}

	entries[ep.column][i] = Entry{AllocShmemID: alloc.Header().ShmemID, Offset: payloadOffset, Len: payloadLen}
	sfence()
	atomic.StoreUint32(&row.Availability, 1<<ep.column)
	// Design Note (b): unconditionally reset to sub_count, discarding any
	// interest a slower subscriber had in the row being overwritten.
	atomic.StoreUint32(&row.InterestCount, uint32(hdr.SubCount))

	releaseRow(&row.Lock)
	return nil
}

func lowestSetBit(mask uint32) int {
	if mask == 0 {
		return -1
	}
	return bits.TrailingZeros32(mask)
}

// crossDomainCopy moves a payload from src into dst's domain. Allocators in
// the same device family delegate to the destination's own Copy, which
// already knows how to try a peer-to-peer path; a true cross-family copy
// (CPU <-> device) stages through a pooled host buffer rather than the
// one-off buffer allocator.Ops.Copy falls back to internally.
func crossDomainCopy(dst allocator.Ops, dstOffset uint32, src allocator.Ops, srcOffset, length uint32) error {
	if dst.Header().DeviceType == src.Header().DeviceType {
		return dst.Copy(dstOffset, src, srcOffset, length)
	}
	buf := getStagingBuffer(length)
	defer putStagingBuffer(buf)
	if err := src.CopyFrom(srcOffset, buf); err != nil {
		return err
	}
	return dst.CopyTo(dstOffset, buf)
}

// Take returns ep's next unread row, copying across domains if needed.
func Take(ep *Endpoint) (domain uint32, entry Entry, err error) {
	if ep.state != Registered {
		return 0, Entry{}, herrors.NewQueueError("mqueue.Take", ep.topic, int(ep.column), herrors.ErrCodeInvalidArgument, "endpoint not registered")
	}
	q := ep.queue
	if err := lockShared(q.lockFD); err != nil {
		return 0, Entry{}, err
	}
	defer func() { _ = unlockRange(q.lockFD) }()

	q.mu.Lock()
	if err := q.refreshLocked(); err != nil {
		q.mu.Unlock()
		return 0, Entry{}, err
	}
	hdr, refBits, entries := q.hdr, q.refBits, q.entries
	q.mu.Unlock()

	length := hdr.Len
	index := atomic.LoadUint32(&hdr.Index)
	next := ep.nextIndex
	skew := index - next
	claimed := next
	if skew > ep.depth {
		claimed = index - ep.depth
	}
	if claimed == index {
		return 0, Entry{}, ErrNoMessage
	}
	i := claimed % length

	row := &refBits[i]
	acquireRow(&row.Lock)
	defer releaseRow(&row.Lock)

	d := ep.column
	avail := atomic.LoadUint32(&row.Availability)

	var result Entry
	if avail&(1<<d) != 0 {
		result = entries[d][i]
		if ops, ok := q.registry.Get(result.AllocShmemID); ok {
			_ = ops.Share(result.Offset)
			_ = q.registry.Release(result.AllocShmemID)
		}
	} else {
		srcCol := lowestSetBit(avail)
		if srcCol < 0 {
			ep.nextIndex = claimed + 1
			return 0, Entry{}, ErrNoMessage
		}
		srcEntry := entries[uint32(srcCol)][i]
		srcOps, ok := q.registry.Get(srcEntry.AllocShmemID)
		if !ok {
			return 0, Entry{}, herrors.NewQueueError("mqueue.Take", ep.topic, int(d), herrors.ErrCodeSharedMemory, "source allocator not attached")
		}
		defer func() { _ = q.registry.Release(srcEntry.AllocShmemID) }()

		dstOffset, allocErr := ep.alloc.Allocate(srcEntry.Len)
		if allocErr != nil {
			return 0, Entry{}, allocErr
		}
		if err := crossDomainCopy(ep.alloc, dstOffset, srcOps, srcEntry.Offset, srcEntry.Len); err != nil {
			return 0, Entry{}, err
		}
		result = Entry{AllocShmemID: ep.alloc.Header().ShmemID, Offset: dstOffset, Len: srcEntry.Len}
		entries[d][i] = result
		sfence()
		atomic.StoreUint32(&row.Availability, avail|(1<<d))
	}

	if atomic.AddUint32(&row.InterestCount, ^uint32(0)) == 0 {
		releaseRowEntries(q, hdr, entries, row, i)
	}

	ep.nextIndex = claimed + 1
	return hdr.Domains[d], result, nil
}

func unregister(ep *Endpoint, isSub bool) error {
	if ep.state != Registered {
		return herrors.NewQueueError("mqueue.Unregister", ep.topic, int(ep.column), herrors.ErrCodeInvalidArgument, "endpoint not registered")
	}
	q := ep.queue
	_ = q.registry.Release(ep.alloc.Header().ShmemID)

	if err := lockExclusive(q.lockFD); err != nil {
		return err
	}
	defer func() { _ = unlockRange(q.lockFD) }()

	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.refreshLocked(); err != nil {
		return err
	}

	if isSub {
		if q.hdr.SubCount == 0 {
			return herrors.NewQueueError("mqueue.UnregisterSubscription", ep.topic, int(ep.column), herrors.ErrCodeCountOverflow, "sub_count underflow")
		}
		q.hdr.SubCount--
	} else {
		if q.hdr.PubCount == 0 {
			return herrors.NewQueueError("mqueue.UnregisterPublisher", ep.topic, int(ep.column), herrors.ErrCodeCountOverflow, "pub_count underflow")
		}
		q.hdr.PubCount--
	}
	ep.state = TornDown

	if q.hdr.PubCount == 0 && q.hdr.SubCount == 0 {
		id := q.dataSeg.ID
		if err := shm.Detach(q.dataSeg); err != nil {
			return err
		}
		if err := shm.Unlink(id); err != nil {
			return err
		}
		atomic.StoreUint64(q.dataIDPtr, 0)
		q.dataSeg, q.hdr, q.refBits, q.entries = nil, nil, nil, nil
		logging.Default().Debugf("mqueue: torn down topic=%q", q.name)
	}
	return nil
}

// UnregisterPublisher detaches a publishing endpoint from its topic.
func UnregisterPublisher(ep *Endpoint) error { return unregister(ep, false) }

// UnregisterSubscription detaches a subscribing endpoint from its topic.
func UnregisterSubscription(ep *Endpoint) error { return unregister(ep, true) }
