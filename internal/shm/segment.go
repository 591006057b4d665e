// Package shm wraps SysV shared-memory segments: the sole boundary between
// this module and the kernel's shared-memory primitives. Every other
// package reaches shared memory only through a *Segment.
package shm

import (
	"hash/fnv"
	"os"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/tensorlane/hazcat/internal/herrors"
	"github.com/tensorlane/hazcat/internal/logging"
)

func wrapErrno(op string, err error) error {
	if errno, ok := err.(syscall.Errno); ok {
		return herrors.NewErrorWithErrno(op, herrors.ErrCodeSharedMemory, errno)
	}
	return herrors.WrapError(op, err)
}

// MaxSegmentNameLen is the common POSIX shared-memory name ceiling used to
// clamp generated queue names portably across hosts (see mqueue.queueName).
const MaxSegmentNameLen = 255

// Segment describes a mapped SysV shared-memory region.
type Segment struct {
	ID   uint64
	Base unsafe.Pointer
	Size int
}

// Bytes returns a byte slice view over the full segment.
func (s *Segment) Bytes() []byte {
	return unsafe.Slice((*byte)(s.Base), s.Size)
}

var pageSize = os.Getpagesize()

func roundToPage(size int) int {
	if size <= 0 {
		return pageSize
	}
	return ((size + pageSize - 1) / pageSize) * pageSize
}

// Create allocates a new, privately-keyed shared-memory segment of at
// least size bytes, rounded up to the host page size, and attaches it.
func Create(size int) (*Segment, error) {
	rounded := roundToPage(size)
	id, err := unix.SysvShmGet(unix.IPC_PRIVATE, rounded, unix.IPC_CREAT|0o600)
	if err != nil {
		return nil, wrapErrno("shm.Create", err)
	}
	base, err := unix.SysvShmAttach(id, 0, 0)
	if err != nil {
		_, _ = unix.SysvShmCtl(id, unix.IPC_RMID, nil)
		return nil, wrapErrno("shm.Create", err)
	}
	logging.Default().Debugf("shm: created segment id=%d size=%d", id, rounded)
	return &Segment{ID: uint64(id), Base: unsafe.Pointer(&base[0]), Size: rounded}, nil
}

// Attach maps an existing segment identified by id, owned by a peer
// process that published the id through the registry or queue metadata.
func Attach(id uint64) (*Segment, error) {
	size, err := Stat(id)
	if err != nil {
		return nil, err
	}
	base, err := unix.SysvShmAttach(int(id), 0, 0)
	if err != nil {
		return nil, wrapErrno("shm.Attach", err)
	}
	logging.Default().Debugf("shm: attached segment id=%d size=%d", id, size)
	return &Segment{ID: id, Base: unsafe.Pointer(&base[0]), Size: size}, nil
}

// Detach unmaps seg from this process's address space. The segment itself
// survives until Unlink is called (or the kernel reaps a zero-attachment
// IPC_PRIVATE segment, depending on host policy).
func Detach(seg *Segment) error {
	b := unsafe.Slice((*byte)(seg.Base), seg.Size)
	if err := unix.SysvShmDetach(b); err != nil {
		return wrapErrno("shm.Detach", err)
	}
	return nil
}

// Unlink marks segment id for destruction once the last process detaches.
// Idempotent: a peer that already removed the segment does not fail the
// caller.
func Unlink(id uint64) error {
	_, err := unix.SysvShmCtl(int(id), unix.IPC_RMID, nil)
	if err != nil && err != unix.EINVAL && err != unix.ENOENT {
		return wrapErrno("shm.Unlink", err)
	}
	return nil
}

// Stat returns the current size in bytes of segment id.
func Stat(id uint64) (int, error) {
	var ds unix.SysvShmDesc
	if _, err := unix.SysvShmCtl(int(id), unix.IPC_STAT, &ds); err != nil {
		return 0, wrapErrno("shm.Stat", err)
	}
	return int(ds.Segsz), nil
}

// nameKey derives a deterministic SysV IPC key from a name, standing in for
// ftok(3) (which needs a real pathname) so two unrelated processes that
// only share a topic string can arrive at the same segment.
func nameKey(name string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(name))
	k := int32(h.Sum32())
	if k < 0 {
		k = -k
	}
	if k == 0 {
		k = 1
	}
	return int(k)
}

// CreateOrAttachNamed opens the shared-memory segment keyed by name,
// creating it at size if no process has done so yet. created reports
// whether this call performed the creation; other attachers race safely on
// EEXIST since SysvShmGet with IPC_CREAT|IPC_EXCL is atomic at the kernel.
func CreateOrAttachNamed(name string, size int) (seg *Segment, created bool, err error) {
	key := nameKey(name)
	rounded := roundToPage(size)
	id, err := unix.SysvShmGet(key, rounded, unix.IPC_CREAT|unix.IPC_EXCL|0o600)
	switch {
	case err == nil:
		created = true
	case err == unix.EEXIST:
		id, err = unix.SysvShmGet(key, 0, 0o600)
		if err != nil {
			return nil, false, wrapErrno("shm.CreateOrAttachNamed", err)
		}
	default:
		return nil, false, wrapErrno("shm.CreateOrAttachNamed", err)
	}

	base, err := unix.SysvShmAttach(id, 0, 0)
	if err != nil {
		return nil, false, wrapErrno("shm.CreateOrAttachNamed", err)
	}
	actualSize := rounded
	if !created {
		actualSize, err = Stat(uint64(id))
		if err != nil {
			return nil, false, err
		}
	}
	logging.Default().Debugf("shm: named segment name=%q id=%d size=%d created=%v", name, id, actualSize, created)
	return &Segment{ID: uint64(id), Base: unsafe.Pointer(&base[0]), Size: actualSize}, created, nil
}

// Resize grows seg to at least newSize bytes. SysV segments are fixed-size
// once created, so this allocates a new segment, copies the live prefix,
// detaches (but does not unlink) the old one, and returns the new segment.
// Callers must hold an exclusive lock covering the resize so no reader
// observes a torn intermediate state.
func Resize(seg *Segment, newSize int) (*Segment, error) {
	if newSize <= seg.Size {
		return seg, nil
	}
	next, err := Create(newSize)
	if err != nil {
		return nil, err
	}
	copy(next.Bytes(), seg.Bytes())
	oldID := seg.ID
	if err := Detach(seg); err != nil {
		return nil, err
	}
	logging.Default().Debugf("shm: resized segment old=%d new=%d size=%d", oldID, next.ID, newSize)
	return next, nil
}
