package mqueue

import (
	"os"
	"path/filepath"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/tensorlane/hazcat/internal/herrors"
)

// lockDir holds one advisory-lock file per topic queue. SysV shared-memory
// segments have no file descriptor of their own to hang an fcntl lock off
// of, so registration opens a companion file by queue name purely to carry
// the byte-range lock fcntl(2) requires — flock(2) cannot express the
// shared-vs-exclusive, whole-range semantics the registration lock needs
// on one fd shared by threads of the same process.
var lockDir = filepath.Join(os.TempDir(), "hazcat-locks")

func openLockFile(name string) (int, error) {
	if err := os.MkdirAll(lockDir, 0o755); err != nil {
		return -1, herrors.WrapError("mqueue.openLockFile", err)
	}
	path := filepath.Join(lockDir, name+".lock")
	fd, err := unix.Open(path, unix.O_CREAT|unix.O_RDWR, 0o600)
	if err != nil {
		return -1, wrapLockErr("mqueue.openLockFile", err)
	}
	return fd, nil
}

func wrapLockErr(op string, err error) error {
	if errno, ok := err.(syscall.Errno); ok {
		return herrors.NewErrorWithErrno(op, herrors.ErrCodeLockFailure, errno)
	}
	return herrors.WrapError(op, err)
}

func lockRange(fd int, typ int16) error {
	fl := unix.Flock_t{Type: typ, Whence: 0, Start: 0, Len: 0}
	if err := unix.FcntlFlock(uintptr(fd), unix.F_SETLKW, &fl); err != nil {
		return wrapLockErr("mqueue.lockRange", err)
	}
	return nil
}

// lockShared takes the queue's shared (read) lock, held by publish and
// take so the data plane runs concurrently across rows.
func lockShared(fd int) error { return lockRange(fd, unix.F_RDLCK) }

// lockExclusive takes the queue's exclusive (write) lock, held by
// register/unregister while mutating column count or length.
func lockExclusive(fd int) error { return lockRange(fd, unix.F_WRLCK) }

func unlockRange(fd int) error { return lockRange(fd, unix.F_UNLCK) }
