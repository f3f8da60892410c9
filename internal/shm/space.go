package shm

import (
	"github.com/shirou/gopsutil/v3/disk"
)

// HasSpace reports whether the filesystem holding dir can take size more
// bytes. When usage cannot be read the answer is true and the kernel gets
// the final say at ftruncate/first touch.
func HasSpace(dir string, size uint64) bool {
	if dir == "" {
		dir = DefaultDir
	}
	stat, err := disk.Usage(dir)
	if err != nil {
		return true
	}
	return stat.Free >= size
}
