// Package router demultiplexes messages arriving from shards to the
// component that owns each message type.
package router

import (
	"context"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kanri/internal/service/broadcast"
	"github.com/ashita-ai/kanri/internal/shard"
	"github.com/ashita-ai/kanri/internal/telemetry"
	"github.com/ashita-ai/kanri/protocol"
)

// Handler answers one request message from a worker.
type Handler interface {
	Handle(ctx context.Context, w shard.Worker, msg protocol.Message)
}

// Broadcaster runs scatter/gather jobs.
type Broadcaster interface {
	Start(ctx context.Context, script string, origin broadcast.Origin) uint64
	Complete(ctx context.Context, w shard.Worker, msg protocol.Message)
}

// Stopwatch answers stopwatch pings. Reply must not block; the router calls
// it inline so pings take effect in arrival order.
type Stopwatch interface {
	Reply(msg protocol.Message) protocol.Message
}

// StatsSink merges stat reports and answers stat queries.
type StatsSink interface {
	Handler
	Update(msg protocol.Message) error
}

// Router dispatches by message type. It never waits on a database, a
// delivery or a reply: anything that can block runs on its own goroutine so
// the next inbound message is processed immediately.
type Router struct {
	SQL       Handler
	Stopwatch Stopwatch
	Broadcast Broadcaster
	Stats     StatsSink
	// OnRestart is called when a worker asks the supervisor to restart.
	OnRestart func(w shard.Worker)
	Logger    *slog.Logger

	wg       sync.WaitGroup
	received metric.Int64Counter
}

// Run consumes inbound until it is closed or ctx is done, then waits for
// handlers it started to finish.
func (r *Router) Run(ctx context.Context, inbound <-chan shard.Envelope) error {
	r.received, _ = telemetry.Meter("kanri/router").Int64Counter("kanri.router.messages_total",
		metric.WithDescription("Messages received from shards by type"),
	)
	defer r.wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return nil
		case env, ok := <-inbound:
			if !ok {
				return nil
			}
			r.Route(ctx, env.Worker, env.Message)
		}
	}
}

// Route dispatches a single message.
func (r *Router) Route(ctx context.Context, w shard.Worker, msg protocol.Message) {
	if r.received != nil {
		r.received.Add(ctx, 1, metric.WithAttributes(attribute.String("type", string(msg.Type))))
	}

	switch msg.Type {
	case protocol.TypeSQL:
		r.SQL.Handle(ctx, w, msg)
	case protocol.TypeStopwatch:
		reply := r.Stopwatch.Reply(msg)
		r.spawn(func() {
			if err := w.Send(ctx, reply); err != nil {
				r.Logger.Warn("router: stopwatch reply failed", "shard", w.ID(), "error", err)
			}
		})
	case protocol.TypeBroadcastEval:
		origin := broadcast.WorkerOrigin{Worker: w, ID: msg.ID, Logger: r.Logger}
		r.spawn(func() { r.Broadcast.Start(ctx, msg.Script, origin) })
	case protocol.TypeEval:
		r.spawn(func() { r.Broadcast.Complete(ctx, w, msg) })
	case protocol.TypeUpdateStats:
		if err := r.Stats.Update(msg); err != nil {
			r.Logger.Warn("router: rejected stats report", "shard", w.ID(), "error", err)
		}
	case protocol.TypeGetStats:
		r.spawn(func() { r.Stats.Handle(ctx, w, msg) })
	case protocol.TypeRestart:
		r.Logger.Warn("router: restart requested", "shard", w.ID())
		if r.OnRestart != nil {
			r.OnRestart(w)
		}
	default:
		r.Logger.Debug("router: ignoring message", "shard", w.ID(), "type", msg.Type)
	}
}

func (r *Router) spawn(fn func()) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		fn()
	}()
}
