package main

import (
	"bufio"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/Workiva/go-datastructures/queue"
)

// endOfInput is queued once the reader is exhausted.
type endOfInput struct{}

// lines buffers terminal input so the user can type while a receive is
// blocked. Items polled while watching for "exit" are kept in pending.
type lines struct {
	q       *queue.Queue
	pending []interface{}
}

func readLines(r io.Reader) *lines {
	l := &lines{q: queue.New(16)}
	go func() {
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			if err := l.q.Put(strings.TrimRight(sc.Text(), "\r")); err != nil {
				return
			}
		}
		_ = l.q.Put(endOfInput{})
	}()
	return l
}

// next blocks for the next line. It reports false at end of input.
func (l *lines) next() (string, bool) {
	var item interface{}
	if len(l.pending) > 0 {
		item, l.pending = l.pending[0], l.pending[1:]
	} else {
		items, err := l.q.Get(1)
		if err != nil || len(items) == 0 {
			return "", false
		}
		item = items[0]
	}
	s, ok := item.(string)
	return s, ok
}

// poll waits up to d for a line and reports whether it was the exit command.
// Anything else stays queued for next.
func (l *lines) poll(d time.Duration) bool {
	items, err := l.q.Poll(1, d)
	if err != nil {
		if !errors.Is(err, queue.ErrTimeout) {
			time.Sleep(d)
		}
		return false
	}
	for _, item := range items {
		if s, ok := item.(string); ok && s == exitCommand {
			return true
		}
		l.pending = append(l.pending, item)
	}
	return false
}

func (l *lines) close() {
	l.q.Dispose()
}
