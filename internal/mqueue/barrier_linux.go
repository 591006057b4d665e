//go:build linux && cgo

package mqueue

/*
static inline void sfence_impl(void) {
    __asm__ __volatile__("sfence" ::: "memory");
}
*/
import "C"

// sfence issues a store fence before a row's Availability word is flipped,
// on top of the atomic.Store itself, for the strongest ordering guarantee
// available across separate processes' address spaces.
func sfence() {
	C.sfence_impl()
}
