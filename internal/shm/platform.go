// Package shm contains platform-specific helpers for named shared memory segments.
package shm

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// DefaultDir is where named segments live on Linux (the tmpfs behind shm_open).
const DefaultDir = "/dev/shm"

// maxNameLen mirrors NAME_MAX.
const maxNameLen = 255

// ErrUnsupported is returned on platforms without a shared memory implementation.
var ErrUnsupported = errors.New("shared memory not supported on this platform")

// Region represents a named shared memory object opened by this process.
// Fd is -1 once the descriptor has been released; Addr is nil while unmapped.
type Region struct {
	Name string
	Path string
	Fd   int
	Size int
	Addr []byte
}

// ValidateName reports whether name can be used as a segment name.
func ValidateName(name string) error {
	switch {
	case name == "":
		return errors.New("empty segment name")
	case name == "." || name == "..":
		return fmt.Errorf("invalid segment name %q", name)
	case len(name) > maxNameLen:
		return fmt.Errorf("segment name longer than %d bytes", maxNameLen)
	case strings.ContainsAny(name, "/\x00"):
		return fmt.Errorf("segment name %q contains '/' or NUL", name)
	}
	return nil
}

// Path returns the filesystem path backing the segment name in dir.
func Path(dir, name string) string {
	if dir == "" {
		dir = DefaultDir
	}
	return filepath.Join(dir, name)
}

// Mapped reports whether the region currently has a process-local view.
func (r *Region) Mapped() bool {
	return r != nil && r.Addr != nil
}

// Footprint rounds size up to whole pages: mmap never maps less than a page.
func Footprint(size int) int {
	page := PageSize()
	if size <= 0 {
		return 0
	}
	return (size + page - 1) / page * page
}
