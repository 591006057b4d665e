package mqueue

import (
	"runtime"
	"sync/atomic"

	"github.com/tensorlane/hazcat/internal/constants"
)

// acquireRow takes the per-row spin lock at word, a plain test-and-set.
//
// Design Note (c): the behavior this replaces used a masked
// compare-and-swap (CAS(expected=val, new=mask&val)) as its acquire
// predicate, which does not reliably detect an already-held lock and can
// let two holders in at once. A standard test-and-set has no such case, so
// it stands in directly rather than reproducing the original defect.
func acquireRow(word *uint32) {
	spins := 0
	for !atomic.CompareAndSwapUint32(word, 0, 1) {
		spins++
		if spins >= constants.RowSpinYieldAfter {
			runtime.Gosched()
			spins = 0
		}
	}
}

func releaseRow(word *uint32) {
	atomic.StoreUint32(word, 0)
}
