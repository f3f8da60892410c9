package shm

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/valyala/bytebufferpool"
	"go.opentelemetry.io/otel/trace"

	"github.com/srediag/shm-channel/internal/logging"
)

// Ack acknowledges a committed message.
type Ack struct {
	// Seq counts the messages this endpoint has sent, starting at 1.
	Seq   uint64
	Bytes int
}

// Stats are the per-endpoint message counters.
type Stats struct {
	Sent     uint64
	Received uint64
}

// Endpoint is one process's end of a channel. Send and Receive from several
// goroutines are serialized; the protocol sees one participant per endpoint.
type Endpoint struct {
	name string
	dir  string
	role Role

	seg *Segment
	buf *Buffer
	hs  *Handshake
	tel *telemetry

	opMu  sync.Mutex   // one Send/Receive at a time
	mapMu sync.RWMutex // held for writing only while unmapping

	closed   atomic.Bool
	perr     atomic.Pointer[ProtocolError]
	sent     atomic.Uint64
	received atomic.Uint64
}

// Open joins the channel described by config. Whichever side arrives first
// creates the segment with config.Size and zeroes it, which hands the first
// write turn to the initiator; the other side maps it at the size it finds.
// A segment left behind by a killed session is joined as it is; unlink it
// first to start afresh.
func Open(ctx context.Context, config *Config) (*Endpoint, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := VerifyConfig(config); err != nil {
		return nil, err
	}
	tel, err := newTelemetry(config)
	if err != nil {
		return nil, err
	}
	_, span := tel.start(ctx, "Open")
	defer span.End()

	e := &Endpoint{name: config.Name, dir: config.Dir, role: config.Role, tel: tel}
	if !track(e) {
		err := fmt.Errorf("shm: %s endpoint for %q already open in this process", config.Role, config.Name)
		tel.fail(span, err)
		return nil, err
	}
	if err := e.attach(ctx, config); err != nil {
		untrack(e)
		tel.fail(span, err)
		return nil, err
	}
	return e, nil
}

func (e *Endpoint) attach(ctx context.Context, config *Config) error {
	seg, err := join(ctx, config)
	if err != nil {
		return err
	}
	mem, err := seg.Map()
	if err == nil {
		e.buf, err = NewBuffer(mem)
	}
	if err != nil {
		_ = seg.Unmap()
		return err
	}
	e.seg = seg
	e.hs = NewHandshake(e.buf, e.role, config.Wait, config.Timeout, config.WaitSlice)
	return nil
}

var errUnsized = errors.New("segment not sized by its creator yet")

// join creates the segment or opens the one a peer created. Only the
// creator sizes and zeroes it, before it becomes visible; an opener takes
// the size it finds and never truncates. A creator still between open and
// ftruncate, or a name unlinked under us, is retried until the deadline.
func join(ctx context.Context, config *Config) (*Segment, error) {
	ctx, cancel := withDefaultDeadline(ctx, config.Timeout)
	defer cancel()

	var (
		seg     *Segment
		lastErr error
	)
	op := func() error {
		s, err := Create(config.Dir, config.Name, config.Size, zeroRegion)
		if err == nil {
			seg = s
			return nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return backoff.Permanent(err)
		}
		if s, err = OpenExisting(config.Dir, config.Name); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				lastErr = err
				return err
			}
			return backoff.Permanent(err)
		}
		size, err := s.Refresh()
		if err != nil {
			_ = s.Unmap()
			return backoff.Permanent(err)
		}
		if size < MinSegmentSize {
			_ = s.Unmap()
			lastErr = resourceErr("open", config.Name, fmt.Errorf("%w: %d bytes", errUnsized, size))
			return lastErr
		}
		seg = s
		return nil
	}
	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(backoffInitial),
		backoff.WithMaxInterval(backoffMax),
		backoff.WithMaxElapsedTime(0),
	)
	err := backoff.Retry(op, backoff.WithContext(b, ctx))
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) && lastErr != nil {
		return nil, fmt.Errorf("%w: %w", ErrTimedOut, lastErr)
	}
	return seg, err
}

// zeroRegion leaves a fresh segment in WriterTurn held by the initiator.
func zeroRegion(mem []byte) {
	if b, err := NewBuffer(mem); err == nil {
		b.Zero()
	}
}

func (e *Endpoint) Name() string { return e.name }

func (e *Endpoint) Role() Role { return e.role }

// Capacity is the payload area size; messages may use Capacity()-1 bytes.
func (e *Endpoint) Capacity() int { return e.buf.Capacity() }

// MaxMessage is the longest text Send accepts.
func (e *Endpoint) MaxMessage() int { return e.buf.MaxMessage() }

// Segment exposes the underlying segment handle.
func (e *Endpoint) Segment() *Segment { return e.seg }

func (e *Endpoint) Closed() bool { return e.closed.Load() }

func (e *Endpoint) Stats() Stats {
	return Stats{Sent: e.sent.Load(), Received: e.received.Load()}
}

// Send waits for this endpoint's write turn, writes text and hands the turn
// to the peer. An oversized text fails with *CapacityError before any wait
// and leaves the buffer untouched.
func (e *Endpoint) Send(ctx context.Context, text string) (Ack, error) {
	e.opMu.Lock()
	defer e.opMu.Unlock()
	e.mapMu.RLock()
	defer e.mapMu.RUnlock()

	ctx, span := e.tel.start(ctx, "Send")
	defer span.End()
	if err := e.usable(); err != nil {
		return Ack{}, e.failed(span, err)
	}
	if len(text) > e.buf.MaxMessage() {
		return Ack{}, e.failed(span, &CapacityError{Len: len(text), Max: e.buf.MaxMessage()})
	}

	start := time.Now()
	_, err := e.hs.WaitForTurn(ctx, WriterTurn)
	e.tel.waited(WriterTurn, time.Since(start))
	if err != nil {
		return Ack{}, e.failed(span, err)
	}

	bb := bytebufferpool.Get()
	defer bytebufferpool.Put(bb)
	_, _ = bb.WriteString(text)
	n, err := e.buf.Write(bb.B)
	if err != nil {
		return Ack{}, e.failed(span, err)
	}
	if err := e.hs.CommitWrite(n); err != nil {
		return Ack{}, e.failed(span, err)
	}

	seq := e.sent.Add(1)
	e.tel.m.Sent.With(e.tel.labels).Inc()
	e.tel.moved(ctx, "send", int(n))
	return Ack{Seq: seq, Bytes: int(n)}, nil
}

// Receive waits for a message from the peer, copies it out and hands the
// write turn to this endpoint.
func (e *Endpoint) Receive(ctx context.Context) (string, error) {
	e.opMu.Lock()
	defer e.opMu.Unlock()
	e.mapMu.RLock()
	defer e.mapMu.RUnlock()

	ctx, span := e.tel.start(ctx, "Receive")
	defer span.End()
	if err := e.usable(); err != nil {
		return "", e.failed(span, err)
	}

	start := time.Now()
	st, err := e.hs.WaitForTurn(ctx, ReaderTurn)
	e.tel.waited(ReaderTurn, time.Since(start))
	if err != nil {
		return "", e.failed(span, err)
	}
	p, err := e.buf.payload(st)
	if err != nil {
		return "", e.failed(span, err)
	}
	msg := string(p)
	if err := e.hs.CommitRead(); err != nil {
		return "", e.failed(span, err)
	}

	e.received.Add(1)
	e.tel.m.Received.With(e.tel.labels).Inc()
	e.tel.moved(ctx, "receive", len(msg))
	return msg, nil
}

// Check reports whether the channel is still usable: nil, ErrClosed,
// ErrPeerClosed or the protocol error that broke the session.
func (e *Endpoint) Check() error {
	e.mapMu.RLock()
	defer e.mapMu.RUnlock()
	if err := e.usable(); err != nil {
		return err
	}
	st, err := e.buf.Load()
	if err != nil {
		return err
	}
	if st.Closed {
		return ErrPeerClosed
	}
	return nil
}

// Snapshot decodes the shared header for diagnostics.
func (e *Endpoint) Snapshot() (Snapshot, error) {
	e.mapMu.RLock()
	defer e.mapMu.RUnlock()
	if e.closed.Load() {
		return Snapshot{}, ErrClosed
	}
	return e.buf.Snapshot(), nil
}

// Close signals the peer, unmaps the segment and, on the initiator, unlinks
// it. A failed unlink only produces a warning: the name may already be gone.
// Calls after the first return nil.
func (e *Endpoint) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	// Wakes the peer and any local goroutine blocked in a wait, so the
	// mapping lock below is not held up until a deadline.
	if _, err := e.hs.MarkClosed(); err != nil {
		e.record(err)
	}
	e.mapMu.Lock()
	defer e.mapMu.Unlock()
	untrack(e)

	err := e.seg.Unmap()
	if e.role == Initiator {
		if uerr := Unlink(e.dir, e.name); uerr != nil {
			e.tel.m.UnlinkWarnings.With(e.tel.labels).Inc()
			logging.Default.Warnf("channel %q: unlink on close failed: %v", e.name, uerr)
		}
	}
	return err
}

func (e *Endpoint) usable() error {
	if e.closed.Load() {
		return ErrClosed
	}
	if pe := e.perr.Load(); pe != nil {
		return pe
	}
	return nil
}

// failed normalizes err for the caller and records it on the span.
func (e *Endpoint) failed(span trace.Span, err error) error {
	if errors.Is(err, ErrPeerClosed) && e.closed.Load() {
		err = ErrClosed
	}
	e.record(err)
	e.tel.fail(span, err)
	return err
}

func (e *Endpoint) record(err error) {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		e.perr.CompareAndSwap(nil, pe)
	}
}
