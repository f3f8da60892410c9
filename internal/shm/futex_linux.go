//go:build linux

package shm

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Shared (not _PRIVATE) futex ops: the word lives in a MAP_SHARED mapping and
// the waiter and waker are different processes.
const (
	futexWait = 0
	futexWake = 1
)

// FutexSupported reports whether FutexWait blocks in the kernel.
const FutexSupported = true

// ErrFutexTimeout is returned by FutexWait when the timeout elapses.
var ErrFutexTimeout = errors.New("futex timeout")

// FutexWait sleeps while *addr == val, for at most timeout (0 means no bound).
// A nil return means the word changed, a wake arrived, or the call was
// interrupted; callers re-check their condition.
func FutexWait(addr *uint32, val uint32, timeout time.Duration) error {
	if atomic.LoadUint32(addr) != val {
		return nil
	}
	var tsp uintptr
	if timeout > 0 {
		ts := unix.NsecToTimespec(timeout.Nanoseconds())
		tsp = uintptr(unsafe.Pointer(&ts))
	}
	_, _, errno := unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		futexWait,
		uintptr(val),
		tsp,
		0,
		0,
	)
	switch errno {
	case 0, unix.EAGAIN, unix.EINTR:
		return nil
	case unix.ETIMEDOUT:
		return ErrFutexTimeout
	default:
		return fmt.Errorf("futex wait failed: %w", errno)
	}
}

// FutexWake wakes up to n waiters on addr and returns how many were woken.
func FutexWake(addr *uint32, n int) (int, error) {
	r1, _, errno := unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		futexWake,
		uintptr(n),
		0,
		0,
		0,
	)
	if errno != 0 {
		return 0, fmt.Errorf("futex wake failed: %w", errno)
	}
	return int(r1), nil
}
