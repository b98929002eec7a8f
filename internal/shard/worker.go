// Package shard runs the worker processes the supervisor coordinates and
// exposes each one as a Worker: a stable numeric identity, a readiness flag,
// and a channel for sending protocol messages.
package shard

import (
	"context"
	"errors"

	"github.com/ashita-ai/kanri/protocol"
)

// ErrClosed is returned by Send when the worker's connection is gone.
var ErrClosed = errors.New("shard: connection closed")

// ErrNotRunning is returned by Send when the worker process is not running.
var ErrNotRunning = errors.New("shard: worker not running")

// Worker is the supervisor's handle on one shard.
type Worker interface {
	// ID is the shard identity, stable for the life of the supervisor.
	ID() int
	// Ready reports whether the shard has announced it can receive messages.
	Ready() bool
	// Send queues msg for delivery to the shard.
	Send(ctx context.Context, msg protocol.Message) error
}

// Envelope is one inbound message together with the worker that sent it.
type Envelope struct {
	Worker  Worker
	Message protocol.Message
}
