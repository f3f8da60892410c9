package shm

import (
	"errors"
	"sync/atomic"
	"unsafe"
)

// ErrMisaligned is returned when a word would straddle its natural alignment.
var ErrMisaligned = errors.New("shared word is not 4-byte aligned")

// WordAt returns the 32-bit word at the start of mem. Mappings are page
// aligned, so this only fails for hand-built buffers.
func WordAt(mem []byte) (*uint32, error) {
	if len(mem) < 4 {
		return nil, errors.New("region shorter than one word")
	}
	p := unsafe.Pointer(&mem[0])
	if uintptr(p)%4 != 0 {
		return nil, ErrMisaligned
	}
	return (*uint32)(p), nil
}

// AtomicLoadUint32 loads a uint32 from shared memory atomically.
func AtomicLoadUint32(addr *uint32) uint32 {
	return atomic.LoadUint32(addr)
}

// AtomicStoreUint32 stores a uint32 to shared memory atomically.
func AtomicStoreUint32(addr *uint32, val uint32) {
	atomic.StoreUint32(addr, val)
}

// AtomicCompareAndSwapUint32 atomically compares and swaps a uint32 in shared memory.
func AtomicCompareAndSwapUint32(addr *uint32, old, new uint32) bool {
	return atomic.CompareAndSwapUint32(addr, old, new)
}
