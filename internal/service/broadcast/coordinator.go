// Package broadcast evaluates a script on every shard and gathers the
// results.
//
// A broadcast is a job keyed by a supervisor-issued correlation ID. The job
// is removed from the registry by whichever event finishes it: the last
// shard's result, the first shard's error, a delivery give-up, the fan-in
// deadline or cancellation by an in-process caller. Removal decides the
// winner, so every job reaches its origin exactly once.
package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kanri/internal/correlation"
	"github.com/ashita-ai/kanri/internal/shard"
	"github.com/ashita-ai/kanri/internal/telemetry"
	"github.com/ashita-ai/kanri/protocol"
)

// ErrBroadcastTimeout fails a job whose shards did not all answer in time.
var ErrBroadcastTimeout = errors.New("broadcast: timed out waiting for shards")

// Fleet lists the currently spawned workers.
type Fleet interface {
	Workers() []shard.Worker
}

// Deliverer sends a message to a worker once it is ready, calling onGiveUp
// if it never is.
type Deliverer interface {
	Deliver(ctx context.Context, w shard.Worker, msg protocol.Message, onGiveUp func(error))
}

type job struct {
	origin  Origin
	members []int // shard IDs in ascending order
	results map[int]json.RawMessage
	timer   *time.Timer
}

func (j *job) isMember(id int) bool {
	i := sort.SearchInts(j.members, id)
	return i < len(j.members) && j.members[i] == id
}

func (j *job) ordered() []json.RawMessage {
	out := make([]json.RawMessage, len(j.members))
	for i, id := range j.members {
		out[i] = j.results[id]
	}
	return out
}

// Coordinator runs broadcast jobs.
type Coordinator struct {
	fleet     Fleet
	deliverer Deliverer
	timeout   time.Duration
	logger    *slog.Logger
	jobs      *correlation.Registry[uint64, *job]

	outcomes metric.Int64Counter
}

// NewCoordinator creates a Coordinator. A zero timeout lets jobs wait for
// their shards indefinitely.
func NewCoordinator(fleet Fleet, deliverer Deliverer, timeout time.Duration, logger *slog.Logger) *Coordinator {
	outcomes, _ := telemetry.Meter("kanri/broadcast").Int64Counter("kanri.broadcast.jobs_total",
		metric.WithDescription("Finished broadcast jobs by outcome"),
	)
	return &Coordinator{
		fleet:     fleet,
		deliverer: deliverer,
		timeout:   timeout,
		logger:    logger,
		jobs:      correlation.New[uint64, *job](),
		outcomes:  outcomes,
	}
}

// Start fans script out to every spawned worker and returns the job ID. The
// outcome is delivered to origin. With no workers the job resolves at once
// with an empty result.
func (c *Coordinator) Start(ctx context.Context, script string, origin Origin) uint64 {
	id := c.jobs.NextID()
	workers := c.fleet.Workers()
	if len(workers) == 0 {
		c.record(ctx, "success")
		origin.Resolve(ctx, []json.RawMessage{})
		return id
	}

	j := &job{
		origin:  origin,
		members: make([]int, 0, len(workers)),
		results: make(map[int]json.RawMessage, len(workers)),
	}
	for _, w := range workers {
		j.members = append(j.members, w.ID())
	}
	sort.Ints(j.members)
	c.jobs.Put(id, j)

	if c.timeout > 0 {
		c.jobs.Update(id, func(j *job) bool {
			j.timer = time.AfterFunc(c.timeout, func() {
				c.finish(context.Background(), id, ErrBroadcastTimeout, "timeout")
			})
			return false
		})
	}

	c.logger.Debug("broadcast: started", "job", id, "shards", len(workers))
	msg := protocol.Message{Type: protocol.TypeEval, ID: protocol.NumericID(id), Script: script}
	for _, w := range workers {
		c.deliverer.Deliver(ctx, w, msg, func(err error) {
			c.finish(context.WithoutCancel(ctx), id, &ShardError{Shard: w.ID(), Message: err.Error()}, "error")
		})
	}
	return id
}

// Complete records an eval reply from w. Replies for unknown or finished
// jobs, and replies from shards outside the job, are discarded. An error
// fails the job; the last success resolves it with results ordered by shard
// ID.
func (c *Coordinator) Complete(ctx context.Context, w shard.Worker, msg protocol.Message) {
	id, err := protocol.ParseNumericID(msg.ID)
	if err != nil {
		c.logger.Debug("broadcast: discarding reply with foreign id", "shard", w.ID(), "id", string(msg.ID))
		return
	}
	if msg.Failed() {
		j, done, _ := c.jobs.Update(id, func(j *job) bool { return j.isMember(w.ID()) })
		if !done {
			c.logger.Debug("broadcast: discarding error", "job", id, "shard", w.ID())
			return
		}
		c.reject(ctx, id, j, &ShardError{Shard: w.ID(), Message: string(msg.Error)}, "error")
		return
	}

	result := msg.Result
	if len(result) == 0 {
		result = protocol.Null
	}
	j, done, ok := c.jobs.Update(id, func(j *job) bool {
		if !j.isMember(w.ID()) {
			return false
		}
		if _, dup := j.results[w.ID()]; dup {
			return false
		}
		j.results[w.ID()] = result
		return len(j.results) == len(j.members)
	})
	if !ok {
		c.logger.Debug("broadcast: discarding reply for finished job", "job", id, "shard", w.ID())
		return
	}
	if !done {
		return
	}
	j.stop()
	c.record(ctx, "success")
	j.origin.Resolve(ctx, j.ordered())
}

// Broadcast runs script on every worker and waits for the ordered results.
// Cancelling ctx abandons the job.
func (c *Coordinator) Broadcast(ctx context.Context, script string) ([]json.RawMessage, error) {
	ch := make(chanOrigin, 1)
	id := c.Start(ctx, script, ch)
	select {
	case o := <-ch:
		return o.results, o.err
	case <-ctx.Done():
		c.finish(context.WithoutCancel(ctx), id, ctx.Err(), "canceled")
		// Either the cancellation or a concurrent completion won; both
		// deliver into ch.
		o := <-ch
		return o.results, o.err
	}
}

// Pending returns the number of unfinished jobs.
func (c *Coordinator) Pending() int {
	return c.jobs.Len()
}

// finish removes job id and rejects its origin with err. It reports false if
// the job had already finished.
func (c *Coordinator) finish(ctx context.Context, id uint64, err error, outcome string) bool {
	j, ok := c.jobs.Take(id)
	if !ok {
		return false
	}
	c.reject(ctx, id, j, err, outcome)
	return true
}

// reject fails a job already removed from the registry.
func (c *Coordinator) reject(ctx context.Context, id uint64, j *job, err error, outcome string) {
	j.stop()
	c.record(ctx, outcome)
	c.logger.Warn("broadcast: job failed", "job", id, "error", err)
	j.origin.Reject(ctx, err)
}

func (j *job) stop() {
	if j.timer != nil {
		j.timer.Stop()
	}
}

func (c *Coordinator) record(ctx context.Context, outcome string) {
	if c.outcomes != nil {
		c.outcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
}
