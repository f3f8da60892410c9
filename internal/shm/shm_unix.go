//go:build unix

package shm

import (
	"errors"
	"fmt"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// Open opens the named segment in dir, creating it if absent. Access is
// restricted to the owning user.
func Open(dir, name string) (*Region, error) {
	return open(dir, name, unix.O_CREAT)
}

// OpenExisting opens the named segment in dir. It fails with an error
// matching fs.ErrNotExist if there is none.
func OpenExisting(dir, name string) (*Region, error) {
	return open(dir, name, 0)
}

func open(dir, name string, flags int) (*Region, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	path := Path(dir, name)
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC|flags, 0600)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	r := &Region{Name: name, Path: path, Fd: fd}
	if r.Size, err = r.FileSize(); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	return r, nil
}

var tempSeq atomic.Uint64

// CreateTemp creates an empty object under a private name in dir. Nobody
// else can open it until Publish gives it its real name.
func CreateTemp(dir string) (*Region, error) {
	for {
		name := fmt.Sprintf(".shmchan-%d-%d", unix.Getpid(), tempSeq.Add(1))
		path := Path(dir, name)
		fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT|unix.O_EXCL|unix.O_CLOEXEC, 0600)
		if errors.Is(err, unix.EEXIST) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", path, err)
		}
		return &Region{Name: name, Path: path, Fd: fd}, nil
	}
}

// Publish links the region under name in dir and drops its private name.
// It fails with an error matching fs.ErrExist if name is taken; the region
// keeps no name in that case.
func (r *Region) Publish(dir, name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	path := Path(dir, name)
	err := unix.Link(r.Path, path)
	_ = unix.Unlink(r.Path)
	if err != nil {
		return fmt.Errorf("link %s: %w", path, err)
	}
	r.Name, r.Path = name, path
	return nil
}

// Remove unlinks whatever name the region currently has.
func (r *Region) Remove() error {
	if err := unix.Unlink(r.Path); err != nil {
		return fmt.Errorf("unlink %s: %w", r.Path, err)
	}
	return nil
}

// FileSize returns the current size of the backing object.
func (r *Region) FileSize() (int, error) {
	if r.Fd < 0 {
		return 0, fmt.Errorf("fstat %s: %w", r.Path, unix.EBADF)
	}
	var st unix.Stat_t
	if err := unix.Fstat(r.Fd, &st); err != nil {
		return 0, fmt.Errorf("fstat %s: %w", r.Path, err)
	}
	return int(st.Size), nil
}

// Truncate sets the backing object to exactly size bytes.
func (r *Region) Truncate(size int) error {
	if r.Fd < 0 {
		return fmt.Errorf("ftruncate %s: %w", r.Path, unix.EBADF)
	}
	if err := unix.Ftruncate(r.Fd, int64(size)); err != nil {
		return fmt.Errorf("ftruncate %s: %w", r.Path, err)
	}
	r.Size = size
	return nil
}

// Map maps the whole object read/write and shared, then releases the
// descriptor. The mapping stays valid until Unmap.
func (r *Region) Map() error {
	if r.Fd < 0 {
		return fmt.Errorf("mmap %s: %w", r.Path, unix.EBADF)
	}
	if r.Size <= 0 {
		return fmt.Errorf("mmap %s: %w", r.Path, unix.EINVAL)
	}
	addr, err := unix.Mmap(r.Fd, 0, r.Size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("mmap %s: %w", r.Path, err)
	}
	r.Addr = addr
	return r.CloseFd()
}

// Unmap releases the process-local view. Calling it on an unmapped region is a no-op.
func (r *Region) Unmap() error {
	if r == nil || r.Addr == nil {
		return nil
	}
	if err := unix.Munmap(r.Addr); err != nil {
		return fmt.Errorf("munmap %s: %w", r.Path, err)
	}
	r.Addr = nil
	return nil
}

// CloseFd closes the descriptor if it is still open.
func (r *Region) CloseFd() error {
	if r.Fd < 0 {
		return nil
	}
	err := unix.Close(r.Fd)
	r.Fd = -1
	if err != nil {
		return fmt.Errorf("close %s: %w", r.Path, err)
	}
	return nil
}

// Unlink removes the segment name. Existing mappings remain usable.
func Unlink(dir, name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	path := Path(dir, name)
	if err := unix.Unlink(path); err != nil {
		return fmt.Errorf("unlink %s: %w", path, err)
	}
	return nil
}

// Exists reports whether the segment name is currently present in dir.
func Exists(dir, name string) bool {
	if ValidateName(name) != nil {
		return false
	}
	var st unix.Stat_t
	return unix.Stat(Path(dir, name), &st) == nil
}

// PageSize returns the allocation granule of a mapping.
func PageSize() int {
	return unix.Getpagesize()
}
