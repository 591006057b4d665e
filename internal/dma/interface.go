// Package dma provides an async copy ring used by devicering's DMA engine
// to move bytes into and out of an exported device handle's file
// descriptor, built on io_uring and re-pointed at a generic fd instead of
// a single fixed device.
package dma

import (
	"errors"

	"github.com/tensorlane/hazcat/internal/logging"
)

// ErrRingFull is returned when the submission queue has no free slot.
var ErrRingFull = errors.New("dma: submission queue full")

// Opcode selects the direction of a copy submission.
type Opcode uint8

const (
	OpRead Opcode = iota
	OpWrite
)

// Result is the outcome of one completed copy submission.
type Result struct {
	UserData uint64
	N        int32 // bytes transferred, or negative errno on failure
}

// Err returns a non-nil error if the completion reported a kernel errno.
func (r Result) Err() error {
	if r.N < 0 {
		return errnoError(r.N)
	}
	return nil
}

// Ring submits async read/write copies against a single file descriptor
// and harvests their completions: PrepareCopy calls stage SQEs,
// FlushSubmissions issues one io_uring_enter for the batch.
type Ring interface {
	Close() error

	// PrepareCopy stages one SQE without submitting it. Returns
	// ErrRingFull if the ring has no free slot.
	PrepareCopy(op Opcode, fd int32, buf []byte, fileOffset int64, userData uint64) error

	// FlushSubmissions submits every staged SQE in a single syscall and
	// returns how many were submitted.
	FlushSubmissions() (uint32, error)

	// WaitForCompletion blocks for at least one completion and drains
	// every completion currently available. The Linux implementation does
	// not apply timeoutMS: it waits until a completion arrives.
	WaitForCompletion(timeoutMS int) ([]Result, error)
}

// Config sizes a Ring: Entries to the owning device ring's RingSize, FD to
// the device handle's exported fd.
type Config struct {
	Entries uint32
	FD      int32
}

// NewRing creates a Ring sized per config. On Linux this is backed by a
// real io_uring instance; other platforms get a stub that always reports
// io_uring as unavailable (see dma_stub.go).
func NewRing(config Config) (Ring, error) {
	logger := logging.Default()
	logger.Debugf("dma: creating ring entries=%d fd=%d", config.Entries, config.FD)
	ring, err := newPlatformRing(config)
	if err != nil {
		logger.Errorf("dma: failed to create ring: %v", err)
		return nil, err
	}
	return ring, nil
}
