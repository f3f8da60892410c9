// Package api defines public API contracts for shm-channel.
package api

import (
	"context"

	"github.com/srediag/shm-channel/pkg/shm"
)

// Channel is one end of a half-duplex text channel. Send blocks until it is
// this end's turn to write; Receive blocks until the peer has written.
type Channel interface {
	Send(ctx context.Context, text string) (shm.Ack, error)
	Receive(ctx context.Context) (string, error)
	Close() error
}

// Probe reports whether a channel can still carry messages.
type Probe interface {
	Name() string
	Check() error
}

var (
	_ Channel = (*shm.Endpoint)(nil)
	_ Probe   = (*shm.Endpoint)(nil)
)
