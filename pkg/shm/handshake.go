package shm

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	internalshm "github.com/srediag/shm-channel/internal/shm"
)

// Turn says which kind of buffer mutation is allowed next.
type Turn uint8

const (
	// WriterTurn: the buffer is free and the holder may write.
	WriterTurn Turn = 0
	// ReaderTurn: a message is committed and the holder's peer may read it.
	ReaderTurn Turn = 1
)

func (t Turn) String() string {
	if t == WriterTurn {
		return "writer"
	}
	return "reader"
}

// Turn byte bits.
const (
	turnBit      = 1 << 0
	holderBit    = 1 << 1
	closedBit    = 1 << 7
	reservedBits = 0x7c

	lowLengthMask = 0x00ffffff
)

// State is the decoded state word.
type State struct {
	Turn Turn
	// Holder is the role allowed to write in WriterTurn, or the role that
	// wrote in ReaderTurn.
	Holder Role
	Closed bool
	// Length carries the low 24 bits of the message length.
	Length uint32
}

func decodeWord(w uint32) (State, error) {
	var b [4]byte
	binary.NativeEndian.PutUint32(b[:], w)
	tb := b[turnOffset]
	if tb&reservedBits != 0 {
		return State{}, &ProtocolError{Word: w, Reason: fmt.Sprintf("invalid turn byte %#02x", tb)}
	}
	st := State{
		Turn:   Turn(tb & turnBit),
		Holder: Initiator,
		Closed: tb&closedBit != 0,
		Length: uint32(b[1]) | uint32(b[2])<<8 | uint32(b[3])<<16,
	}
	if tb&holderBit != 0 {
		st.Holder = Responder
	}
	return st, nil
}

func (s State) encode() uint32 {
	var b [4]byte
	tb := byte(s.Turn) & turnBit
	if s.Holder == Responder {
		tb |= holderBit
	}
	if s.Closed {
		tb |= closedBit
	}
	b[turnOffset] = tb
	b[1] = byte(s.Length)
	b[2] = byte(s.Length >> 8)
	b[3] = byte(s.Length >> 16)
	return binary.NativeEndian.Uint32(b[:])
}

// Handshake is the turn-taking state machine of one endpoint. The turn is a
// single-owner token: only the side it names touches the buffer, and every
// hand-over is one CAS on the state word followed by a wake.
type Handshake struct {
	buf     *Buffer
	role    Role
	timeout time.Duration
	waiter  waiter
}

// NewHandshake binds a handshake for role to buf.
func NewHandshake(buf *Buffer, role Role, strategy WaitStrategy, timeout, slice time.Duration) *Handshake {
	return &Handshake{
		buf:     buf,
		role:    role,
		timeout: timeout,
		waiter:  newWaiter(strategy, slice),
	}
}

func (h *Handshake) owns(st State, want Turn) bool {
	if st.Turn != want {
		return false
	}
	if want == WriterTurn {
		return st.Holder == h.role
	}
	return st.Holder == h.role.Peer()
}

// WaitForTurn blocks until the state word grants want to this endpoint.
// It returns ErrTimedOut at the context deadline (or after the handshake
// timeout when the context has none), ErrPeerClosed once the peer closed,
// and a *ProtocolError on an undecodable word. A message committed before
// the peer closed can still be read.
func (h *Handshake) WaitForTurn(ctx context.Context, want Turn) (State, error) {
	ctx, cancel := withDefaultDeadline(ctx, h.timeout)
	defer cancel()
	var st State
	ready := func(w uint32) (bool, error) {
		s, err := decodeWord(w)
		if err != nil {
			return false, err
		}
		mine := h.owns(s, want)
		if s.Closed && !(mine && want == ReaderTurn) {
			return false, ErrPeerClosed
		}
		st = s
		return mine, nil
	}
	if err := h.waiter.wait(ctx, h.buf.word, ready); err != nil {
		return State{}, err
	}
	return st, nil
}

// CommitWrite hands the turn to the reader, publishing a message of n bytes
// already placed with Buffer.Write.
func (h *Handshake) CommitWrite(n uint32) error {
	return h.flip(WriterTurn, func(st State) State {
		return State{Turn: ReaderTurn, Holder: h.role, Closed: st.Closed, Length: n & lowLengthMask}
	})
}

// CommitRead hands the write turn to this endpoint, which just consumed the
// peer's message.
func (h *Handshake) CommitRead() error {
	return h.flip(ReaderTurn, func(st State) State {
		return State{Turn: WriterTurn, Holder: h.role, Closed: st.Closed, Length: st.Length}
	})
}

func (h *Handshake) flip(want Turn, next func(State) State) error {
	for {
		old := internalshm.AtomicLoadUint32(h.buf.word)
		st, err := decodeWord(old)
		if err != nil {
			return err
		}
		if !h.owns(st, want) {
			return &ProtocolError{Word: old, Reason: fmt.Sprintf("%s turn lost while %s held it", want, h.role)}
		}
		if internalshm.AtomicCompareAndSwapUint32(h.buf.word, old, next(st).encode()) {
			h.wake()
			return nil
		}
	}
}

// MarkClosed sets the closed bit regardless of whose turn it is and wakes
// any waiter. It reports false when the bit was already set. The rest of the
// word is left alone.
func (h *Handshake) MarkClosed() (bool, error) {
	for {
		old := internalshm.AtomicLoadUint32(h.buf.word)
		st, err := decodeWord(old)
		if err != nil {
			return false, err
		}
		if st.Closed {
			return false, nil
		}
		st.Closed = true
		if internalshm.AtomicCompareAndSwapUint32(h.buf.word, old, st.encode()) {
			h.wake()
			return true, nil
		}
	}
}

// wake always goes through the futex when there is one: the peer may be
// sleeping in the kernel even if this side polls.
func (h *Handshake) wake() {
	if internalshm.FutexSupported {
		_, _ = internalshm.FutexWake(h.buf.word, 1<<30)
	}
}
