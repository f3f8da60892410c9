package main

import (
	"fmt"
	"io"

	"github.com/srediag/shm-channel/pkg/shm"
)

// inspect prints the decoded header of an existing segment without taking
// part in the handshake.
func inspect(w io.Writer, dir, name string) error {
	seg, err := shm.OpenExisting(dir, name)
	if err != nil {
		return err
	}
	defer seg.Unmap()
	mem, err := seg.Map()
	if err != nil {
		return err
	}
	buf, err := shm.NewBuffer(mem)
	if err != nil {
		return err
	}
	s := buf.Snapshot()

	fmt.Fprintf(w, "segment:   %s\n", seg.Path())
	fmt.Fprintf(w, "version:   %d\n", s.Version)
	fmt.Fprintf(w, "size:      %d (%d mapped)\n", s.Size, seg.Footprint())
	fmt.Fprintf(w, "capacity:  %d\n", s.Capacity)
	if s.Err != nil {
		fmt.Fprintf(w, "state:     %v\n", s.Err)
		return nil
	}
	fmt.Fprintf(w, "turn:      %s (%s)\n", s.Turn, s.Holder)
	fmt.Fprintf(w, "closed:    %t\n", s.Closed)
	fmt.Fprintf(w, "length:    %d\n", s.Length)
	if s.Turn == shm.ReaderTurn {
		fmt.Fprintf(w, "message:   %q\n", s.Message)
	}
	return nil
}
