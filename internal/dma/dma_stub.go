//go:build !linux

package dma

import "fmt"

func newPlatformRing(config Config) (Ring, error) {
	return nil, fmt.Errorf("dma: io_uring is only available on linux")
}

func errnoError(n int32) error {
	return fmt.Errorf("errno %d", -n)
}
