//go:build linux

package dma

import (
	"fmt"
	"sync"
	"syscall"
	"unsafe"

	"github.com/pawelgaczynski/giouring"

	"github.com/tensorlane/hazcat/internal/logging"
)

func newPlatformRing(config Config) (Ring, error) {
	entries := config.Entries
	if entries == 0 {
		entries = 32
	}
	r, err := giouring.CreateRing(entries)
	if err != nil {
		return nil, fmt.Errorf("dma: io_uring_setup failed: %w", err)
	}
	return &iouRing{ring: r, fd: config.FD}, nil
}

// iouRing drives a real io_uring instance via pawelgaczynski/giouring,
// submitting plain reads/writes against an exported device fd in a
// prepare-batch-then-flush shape.
type iouRing struct {
	mu      sync.Mutex
	ring    *giouring.Ring
	fd      int32
	pending uint32
}

func (r *iouRing) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ring.QueueExit()
	return nil
}

func (r *iouRing) PrepareCopy(op Opcode, fd int32, buf []byte, fileOffset int64, userData uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sqe := r.ring.GetSQE()
	if sqe == nil {
		return ErrRingFull
	}
	addr := uintptr(unsafe.Pointer(unsafe.SliceData(buf)))
	switch op {
	case OpRead:
		sqe.PrepRead(fd, addr, uint32(len(buf)), uint64(fileOffset))
	case OpWrite:
		sqe.PrepWrite(fd, addr, uint32(len(buf)), uint64(fileOffset))
	default:
		return fmt.Errorf("dma: unknown opcode %d", op)
	}
	sqe.UserData = userData
	r.pending++
	logging.Default().Debugf("dma: staged copy op=%d fd=%d len=%d off=%d", op, fd, len(buf), fileOffset)
	return nil
}

func (r *iouRing) FlushSubmissions() (uint32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending == 0 {
		return 0, nil
	}
	n, err := r.ring.Submit()
	if err != nil {
		return 0, fmt.Errorf("dma: io_uring_enter failed: %w", err)
	}
	r.pending = 0
	return n, nil
}

func (r *iouRing) WaitForCompletion(timeoutMS int) ([]Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var results []Result
	cqe, err := r.ring.WaitCQE()
	if err != nil {
		return nil, fmt.Errorf("dma: wait_cqe failed: %w", err)
	}
	results = append(results, Result{UserData: cqe.UserData, N: cqe.Res})
	r.ring.CQESeen(cqe)

	for {
		next, err := r.ring.PeekCQE()
		if err != nil || next == nil {
			break
		}
		results = append(results, Result{UserData: next.UserData, N: next.Res})
		r.ring.CQESeen(next)
	}
	return results, nil
}

func errnoError(n int32) error {
	return syscall.Errno(-n)
}
