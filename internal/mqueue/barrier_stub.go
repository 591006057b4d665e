//go:build !(linux && cgo)

package mqueue

// sfence is a no-op on builds without cgo: sync/atomic already gives this
// module's pure-Go targets sequential consistency on the word sizes used
// here.
func sfence() {}
