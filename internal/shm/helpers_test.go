package shm

import "unsafe"

// uint32Bytes views an aligned []uint32 as bytes.
func uint32Bytes(words []uint32) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), len(words)*4)
}
