package shm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	internalshm "github.com/srediag/shm-channel/internal/shm"
)

var errNotMyTurn = errors.New("not my turn")

// waiter sleeps until ready accepts the state word. ctx always carries the
// deadline; reaching it yields ErrTimedOut.
type waiter interface {
	wait(ctx context.Context, word *uint32, ready func(uint32) (bool, error)) error
}

func newWaiter(strategy WaitStrategy, slice time.Duration) waiter {
	if slice <= 0 {
		slice = defaultWaitSlice
	}
	switch strategy {
	case WaitFutex:
		return futexWaiter{slice: slice}
	case WaitBackoff:
		return backoffWaiter{}
	}
	if internalshm.FutexSupported {
		return futexWaiter{slice: slice}
	}
	return backoffWaiter{}
}

// withDefaultDeadline bounds ctx by timeout unless it already has a deadline.
func withDefaultDeadline(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, timeout)
}

func ctxErr(ctx context.Context) error {
	err := ctx.Err()
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrTimedOut, err)
	}
	return err
}

// futexWaiter sleeps in the kernel on the word itself. The kernel compares
// the word before sleeping, so a flip between our load and the syscall just
// makes FutexWait return at once. Sleeps are capped at slice so a cancelled
// context is noticed.
type futexWaiter struct {
	slice time.Duration
}

func (f futexWaiter) wait(ctx context.Context, word *uint32, ready func(uint32) (bool, error)) error {
	deadline, hasDeadline := ctx.Deadline()
	for {
		w := internalshm.AtomicLoadUint32(word)
		ok, err := ready(w)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if err := ctxErr(ctx); err != nil {
			return err
		}
		d := f.slice
		if hasDeadline {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return ErrTimedOut
			}
			d = min(d, remaining)
		}
		if err := internalshm.FutexWait(word, w, d); err != nil && !errors.Is(err, internalshm.ErrFutexTimeout) {
			return err
		}
	}
}

const (
	backoffInitial = 50 * time.Microsecond
	backoffMax     = 10 * time.Millisecond
)

// backoffWaiter polls with exponential backoff, for platforms without a
// futex or peers that cannot share one.
type backoffWaiter struct{}

func (backoffWaiter) wait(ctx context.Context, word *uint32, ready func(uint32) (bool, error)) error {
	op := func() error {
		ok, err := ready(internalshm.AtomicLoadUint32(word))
		if err != nil {
			return backoff.Permanent(err)
		}
		if !ok {
			return errNotMyTurn
		}
		return nil
	}
	opts := []backoff.ExponentialBackOffOpts{
		backoff.WithInitialInterval(backoffInitial),
		backoff.WithMaxInterval(backoffMax),
		backoff.WithMaxElapsedTime(0),
	}
	deadline, hasDeadline := ctx.Deadline()
	if hasDeadline {
		opts[2] = backoff.WithMaxElapsedTime(time.Until(deadline))
	}
	err := backoff.Retry(op, backoff.WithContext(backoff.NewExponentialBackOff(opts...), ctx))
	if !errors.Is(err, errNotMyTurn) {
		if err != nil && ctx.Err() != nil {
			return ctxErr(ctx)
		}
		return err
	}
	// The elapsed-time cap stops up to one interval early; spend the rest of
	// the budget and look once more.
	if hasDeadline {
		t := time.NewTimer(time.Until(deadline))
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
		}
		if err := op(); err == nil {
			return nil
		} else if !errors.Is(err, errNotMyTurn) {
			var perm *backoff.PermanentError
			if errors.As(err, &perm) {
				return perm.Err
			}
			return err
		}
	}
	return ErrTimedOut
}
