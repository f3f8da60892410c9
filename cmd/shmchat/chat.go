package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/srediag/shm-channel/api"
	"github.com/srediag/shm-channel/pkg/shm"
)

const (
	exitCommand   = "exit"
	watchInterval = 50 * time.Millisecond
)

type chat struct {
	ch   api.Channel
	role shm.Role
	in   *lines
	out  io.Writer
}

func newChat(ch api.Channel, role shm.Role, in *lines, out io.Writer) *chat {
	return &chat{ch: ch, role: role, in: in, out: out}
}

// run alternates prompt/send and receive until either side types exit,
// input ends or ctx is cancelled. The responder starts by receiving.
func (c *chat) run(ctx context.Context) error {
	skipWrite := c.role == shm.Responder
	for {
		if skipWrite {
			skipWrite = false
		} else {
			fmt.Fprint(c.out, "Send message (type 'exit' to quit): ")
			line, ok := c.in.next()
			if !ok || line == exitCommand {
				return c.ch.Close()
			}
			fmt.Fprintf(c.out, "Sending '%s' (length: %d)\n", line, len(line))
			if _, err := c.ch.Send(ctx, line); err != nil {
				return c.finish(err)
			}
		}

		msg, err := c.receive(ctx)
		if err != nil {
			return c.finish(err)
		}
		fmt.Fprintf(c.out, "Received: %s\n", msg)
	}
}

type received struct {
	msg string
	err error
}

// receive waits for the peer for as long as it takes, retrying each timed
// out wait, while watching the input for exit.
func (c *chat) receive(ctx context.Context) (string, error) {
	done := make(chan received, 1)
	go func() {
		for {
			msg, err := c.ch.Receive(ctx)
			if errors.Is(err, shm.ErrTimedOut) && ctx.Err() == nil {
				continue
			}
			done <- received{msg, err}
			return
		}
	}()
	for {
		select {
		case r := <-done:
			return r.msg, r.err
		default:
		}
		if c.in.poll(watchInterval) {
			_ = c.ch.Close()
			if r := <-done; r.err == nil {
				fmt.Fprintf(c.out, "Received: %s\n", r.msg)
			}
			return "", shm.ErrClosed
		}
	}
}

func (c *chat) finish(err error) error {
	switch {
	case errors.Is(err, shm.ErrPeerClosed):
		fmt.Fprintln(c.out, "Peer closed the channel.")
		return c.ch.Close()
	case errors.Is(err, shm.ErrClosed), errors.Is(err, context.Canceled):
		return c.ch.Close()
	}
	_ = c.ch.Close()
	return err
}
