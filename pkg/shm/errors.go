package shm

import (
	"errors"
	"fmt"
)

var (
	// ErrTimedOut is returned when the turn did not arrive before the deadline.
	ErrTimedOut = errors.New("shm: timed out waiting for turn")
	// ErrClosed is returned by operations on an endpoint after Close.
	ErrClosed = errors.New("shm: endpoint closed")
	// ErrPeerClosed is returned once the counterpart has closed the channel.
	ErrPeerClosed = errors.New("shm: peer closed the channel")
	// ErrNoSpace is wrapped by ResourceError when the backing filesystem is full.
	ErrNoSpace = errors.New("shm: not enough space for segment")
)

// ResourceError reports a failed operating-system operation on a segment.
type ResourceError struct {
	Op   string // open, resize, map, unmap, unlink
	Name string
	Err  error
}

func (e *ResourceError) Error() string {
	return fmt.Sprintf("shm: %s %q: %v", e.Op, e.Name, e.Err)
}

func (e *ResourceError) Unwrap() error { return e.Err }

// CapacityError reports a message that does not fit the payload area.
type CapacityError struct {
	Len int
	Max int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("shm: message of %d bytes exceeds capacity of %d bytes", e.Len, e.Max)
}

// ProtocolError reports a header the handshake cannot interpret. The shared
// state is left untouched.
type ProtocolError struct {
	Word   uint32
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("shm: protocol error (state word %#08x): %s", e.Word, e.Reason)
}

func resourceErr(op, name string, err error) error {
	if err == nil {
		return nil
	}
	return &ResourceError{Op: op, Name: name, Err: err}
}
