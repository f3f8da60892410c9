package shm

import (
	"errors"
	"fmt"
	"sync"

	internalshm "github.com/srediag/shm-channel/internal/shm"
)

var errResizeMapped = errors.New("segment is already mapped")

// Segment is this process's handle on a named shared memory segment. The
// name is visible system-wide: it is the rendezvous point for unrelated
// processes.
type Segment struct {
	mu     sync.Mutex
	dir    string
	region *internalshm.Region
}

// CreateOrOpen opens the named segment in dir (empty means /dev/shm),
// creating it empty with owner-only access if absent. It does not decide
// who sizes the segment; endpoints join through Create and OpenExisting.
func CreateOrOpen(dir, name string) (*Segment, error) {
	if dir == "" {
		dir = internalshm.DefaultDir
	}
	region, err := internalshm.Open(dir, name)
	if err != nil {
		return nil, resourceErr("open", name, err)
	}
	return &Segment{dir: dir, region: region}, nil
}

// Create makes a new segment of size bytes, lets init prepare the mapped
// view and only then publishes it under name, so no peer ever sees it
// unsized or half initialised. The returned segment is mapped. Create fails
// with an error matching fs.ErrExist when the name is taken.
func Create(dir, name string, size int, init func(mem []byte)) (*Segment, error) {
	if dir == "" {
		dir = internalshm.DefaultDir
	}
	if err := internalshm.ValidateName(name); err != nil {
		return nil, resourceErr("create", name, err)
	}
	if size <= 0 {
		return nil, resourceErr("create", name, fmt.Errorf("invalid size %d", size))
	}
	if !internalshm.HasSpace(dir, uint64(size)) {
		return nil, resourceErr("create", name, fmt.Errorf("%w: need %d bytes in %s", ErrNoSpace, size, dir))
	}
	region, err := internalshm.CreateTemp(dir)
	if err != nil {
		return nil, resourceErr("create", name, err)
	}
	if err = region.Truncate(size); err == nil {
		err = region.Map()
	}
	if err != nil {
		_ = region.Unmap()
		_ = region.CloseFd()
		_ = region.Remove()
		return nil, resourceErr("create", name, err)
	}
	if init != nil {
		init(region.Addr)
	}
	if err := region.Publish(dir, name); err != nil {
		_ = region.Unmap()
		return nil, resourceErr("create", name, err)
	}
	return &Segment{dir: dir, region: region}, nil
}

// OpenExisting opens a segment some other participant created. It fails
// with an error matching fs.ErrNotExist when there is none.
func OpenExisting(dir, name string) (*Segment, error) {
	if dir == "" {
		dir = internalshm.DefaultDir
	}
	region, err := internalshm.OpenExisting(dir, name)
	if err != nil {
		return nil, resourceErr("open", name, err)
	}
	return &Segment{dir: dir, region: region}, nil
}

func (s *Segment) Name() string { return s.region.Name }

func (s *Segment) Path() string { return s.region.Path }

// Size is the logical size of the backing object as last seen by this handle.
func (s *Segment) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.region.Size
}

// Footprint is the memory a mapping of Size really occupies: mappings are
// page-granular.
func (s *Segment) Footprint() int {
	return internalshm.Footprint(s.Size())
}

// Resize sets the backing object to exactly size bytes. It must happen
// before Map; resizing a mapped segment is refused.
func (s *Segment) Resize(size int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.region.Mapped() {
		return resourceErr("resize", s.region.Name, errResizeMapped)
	}
	if size <= 0 {
		return resourceErr("resize", s.region.Name, fmt.Errorf("invalid size %d", size))
	}
	if grow := size - s.region.Size; grow > 0 && !internalshm.HasSpace(s.dir, uint64(grow)) {
		return resourceErr("resize", s.region.Name, fmt.Errorf("%w: need %d bytes in %s", ErrNoSpace, grow, s.dir))
	}
	return resourceErr("resize", s.region.Name, s.region.Truncate(size))
}

// Refresh re-reads the size of the backing object, which a peer may have set.
func (s *Segment) Refresh() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.region.Mapped() {
		return s.region.Size, nil
	}
	size, err := s.region.FileSize()
	if err != nil {
		return 0, resourceErr("stat", s.region.Name, err)
	}
	s.region.Size = size
	return size, nil
}

// Map returns a read/write view of the segment. The descriptor is released
// once mapped; the view stays valid until Unmap.
func (s *Segment) Map() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.region.Mapped() {
		return s.region.Addr, nil
	}
	if err := s.region.Map(); err != nil {
		return nil, resourceErr("map", s.region.Name, err)
	}
	return s.region.Addr, nil
}

// Mapped reports whether the process-local view is established.
func (s *Segment) Mapped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.region.Mapped()
}

// Unmap releases the view and any descriptor still held. Further calls are no-ops.
func (s *Segment) Unmap() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.region.Unmap()
	if cerr := s.region.CloseFd(); err == nil {
		err = cerr
	}
	return resourceErr("unmap", s.region.Name, err)
}

// Unlink removes the named segment from dir so no new process can open it.
// Mappings that already exist stay valid until they are unmapped.
func Unlink(dir, name string) error {
	if dir == "" {
		dir = internalshm.DefaultDir
	}
	return resourceErr("unlink", name, internalshm.Unlink(dir, name))
}

// Exists reports whether the named segment is present in dir.
func Exists(dir, name string) bool {
	if dir == "" {
		dir = internalshm.DefaultDir
	}
	return internalshm.Exists(dir, name)
}
