package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/ashita-ai/kanri/internal/shard"
	"github.com/ashita-ai/kanri/protocol"
)

// Origin receives the single terminal outcome of a broadcast. Exactly one of
// Resolve or Reject is called, exactly once.
type Origin interface {
	Resolve(ctx context.Context, results []json.RawMessage)
	Reject(ctx context.Context, err error)
}

// ShardError is a failure reported by, or synthesized for, one shard.
type ShardError struct {
	Shard   int
	Message string
}

func (e *ShardError) Error() string {
	return fmt.Sprintf("shard %d: %s", e.Shard, e.Message)
}

// WorkerOrigin answers a worker's broadcastEval request under the worker's
// own correlation ID.
type WorkerOrigin struct {
	Worker shard.Worker
	ID     json.RawMessage
	Logger *slog.Logger
}

// Resolve sends the ordered results as a JSON array.
func (o WorkerOrigin) Resolve(ctx context.Context, results []json.RawMessage) {
	body, err := json.Marshal(results)
	if err != nil {
		o.Reject(ctx, fmt.Errorf("broadcast: encode results: %w", err))
		return
	}
	o.send(ctx, protocol.Message{Type: protocol.TypeBroadcastEval, ID: o.ID, Result: body})
}

// Reject sends the error text.
func (o WorkerOrigin) Reject(ctx context.Context, err error) {
	o.send(ctx, protocol.Message{Type: protocol.TypeBroadcastEval, ID: o.ID, Error: protocol.ErrorText(err.Error())})
}

func (o WorkerOrigin) send(ctx context.Context, msg protocol.Message) {
	if err := o.Worker.Send(ctx, msg); err != nil && o.Logger != nil {
		o.Logger.Warn("broadcast: reply to origin failed", "shard", o.Worker.ID(), "error", err)
	}
}

type outcome struct {
	results []json.RawMessage
	err     error
}

// chanOrigin hands the outcome to an in-process caller.
type chanOrigin chan outcome

func (c chanOrigin) Resolve(_ context.Context, results []json.RawMessage) {
	c <- outcome{results: results}
}

func (c chanOrigin) Reject(_ context.Context, err error) {
	c <- outcome{err: err}
}
