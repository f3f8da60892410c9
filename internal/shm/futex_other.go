//go:build !linux

package shm

import (
	"errors"
	"time"
)

// FutexSupported reports whether FutexWait blocks in the kernel.
const FutexSupported = false

// ErrFutexTimeout is returned by FutexWait when the timeout elapses.
var ErrFutexTimeout = errors.New("futex timeout")

// FutexWait is not supported on this platform.
func FutexWait(addr *uint32, val uint32, timeout time.Duration) error {
	return ErrUnsupported
}

// FutexWake is not supported on this platform.
func FutexWake(addr *uint32, n int) (int, error) {
	return 0, ErrUnsupported
}
