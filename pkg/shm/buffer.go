package shm

import (
	internalshm "github.com/srediag/shm-channel/internal/shm"
)

// Wire layout at offset 0 of every segment:
//
//	[turn: 1 byte][length: 4 bytes, little-endian][payload: size-5 bytes]
//
// Bytes 0..3 double as the aligned 32-bit state word that turn flips are
// CASed on, so the low three length bytes change together with the turn.
const (
	WireVersion = 1

	turnOffset    = 0
	lengthOffset  = 1
	lengthHiIndex = lengthOffset + 3
	payloadOffset = 5

	// HeaderSize is the number of bytes before the payload area.
	HeaderSize = payloadOffset
	// MinSegmentSize leaves room for one payload byte and its terminator.
	MinSegmentSize = HeaderSize + 2
)

// Buffer is the fixed-layout view of a mapped segment.
type Buffer struct {
	mem  []byte
	word *uint32
}

// NewBuffer lays a Buffer over mem, which must start 4-byte aligned.
func NewBuffer(mem []byte) (*Buffer, error) {
	if len(mem) < MinSegmentSize {
		return nil, &CapacityError{Len: len(mem), Max: MinSegmentSize}
	}
	word, err := internalshm.WordAt(mem)
	if err != nil {
		return nil, err
	}
	return &Buffer{mem: mem, word: word}, nil
}

// Capacity is the size of the payload area, terminator included.
func (b *Buffer) Capacity() int {
	return len(b.mem) - HeaderSize
}

// MaxMessage is the longest message Write accepts.
func (b *Buffer) MaxMessage() int {
	return b.Capacity() - 1
}

// Write copies p into the payload area, terminates it and stores the high
// length byte. The low length bytes are published by the caller's turn flip.
// On CapacityError nothing is written.
func (b *Buffer) Write(p []byte) (uint32, error) {
	if len(p) > b.MaxMessage() {
		return 0, &CapacityError{Len: len(p), Max: b.MaxMessage()}
	}
	n := copy(b.mem[payloadOffset:], p)
	b.mem[payloadOffset+n] = 0
	b.mem[lengthHiIndex] = byte(uint32(n) >> 24)
	return uint32(n), nil
}

// Read returns a copy of exactly the committed message described by st.
func (b *Buffer) Read(st State) ([]byte, error) {
	n, err := b.length(st)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, b.mem[payloadOffset:payloadOffset+int(n)])
	return out, nil
}

// payload returns the committed bytes without copying.
func (b *Buffer) payload(st State) ([]byte, error) {
	n, err := b.length(st)
	if err != nil {
		return nil, err
	}
	return b.mem[payloadOffset : payloadOffset+int(n)], nil
}

func (b *Buffer) length(st State) (uint32, error) {
	n := st.Length | uint32(b.mem[lengthHiIndex])<<24
	if int64(n) > int64(b.MaxMessage()) {
		return 0, &ProtocolError{Word: st.encode(), Reason: "length exceeds capacity"}
	}
	return n, nil
}

// Zero clears the whole region, leaving WriterTurn held by the initiator.
func (b *Buffer) Zero() {
	clear(b.mem[4:])
	internalshm.AtomicStoreUint32(b.word, 0)
}

// Load reads and decodes the state word.
func (b *Buffer) Load() (State, error) {
	return decodeWord(internalshm.AtomicLoadUint32(b.word))
}

// Snapshot is a decoded view of the header for diagnostics.
type Snapshot struct {
	Version  int
	Size     int
	Capacity int
	Turn     Turn
	Holder   Role
	Closed   bool
	Length   uint32
	Message  string
	Err      error
}

// Snapshot decodes the header without taking a turn. The message is only
// meaningful when Turn is ReaderTurn.
func (b *Buffer) Snapshot() Snapshot {
	s := Snapshot{Version: WireVersion, Size: len(b.mem), Capacity: b.Capacity()}
	st, err := b.Load()
	if err != nil {
		s.Err = err
		return s
	}
	s.Turn, s.Holder, s.Closed = st.Turn, st.Holder, st.Closed
	s.Length = st.Length | uint32(b.mem[lengthHiIndex])<<24
	if p, err := b.payload(st); err == nil {
		s.Message = string(p)
	} else {
		s.Err = err
	}
	return s
}
