//go:build !unix

package shm

// Open is not implemented on this platform.
func Open(dir, name string) (*Region, error) {
	return nil, ErrUnsupported
}

// OpenExisting is not implemented on this platform.
func OpenExisting(dir, name string) (*Region, error) {
	return nil, ErrUnsupported
}

// CreateTemp is not implemented on this platform.
func CreateTemp(dir string) (*Region, error) {
	return nil, ErrUnsupported
}

// Publish is not implemented on this platform.
func (r *Region) Publish(dir, name string) error {
	return ErrUnsupported
}

// Remove is not implemented on this platform.
func (r *Region) Remove() error {
	return ErrUnsupported
}

// FileSize is not implemented on this platform.
func (r *Region) FileSize() (int, error) {
	return 0, ErrUnsupported
}

// Truncate is not implemented on this platform.
func (r *Region) Truncate(size int) error {
	return ErrUnsupported
}

// Map is not implemented on this platform.
func (r *Region) Map() error {
	return ErrUnsupported
}

// Unmap is a no-op on this platform.
func (r *Region) Unmap() error {
	return nil
}

// CloseFd is a no-op on this platform.
func (r *Region) CloseFd() error {
	return nil
}

// Unlink is not implemented on this platform.
func Unlink(dir, name string) error {
	return ErrUnsupported
}

// Exists always reports false on this platform.
func Exists(dir, name string) bool {
	return false
}

// PageSize returns the common 4 KiB granule.
func PageSize() int {
	return 4096
}
