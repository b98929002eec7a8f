// Package relay runs worker SQL requests against the shared database handle
// and routes each result back to the worker that asked for it.
package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/kanri/internal/correlation"
	"github.com/ashita-ai/kanri/internal/shard"
	"github.com/ashita-ai/kanri/internal/storage"
	"github.com/ashita-ai/kanri/internal/telemetry"
	"github.com/ashita-ai/kanri/protocol"
)

// Retry budget for serialization failures and lock contention.
const (
	maxRetries = 3
	retryDelay = 20 * time.Millisecond
)

type pendingKey struct {
	shard int
	id    string
}

// Relay forwards sql messages to the database. Requests are not serialized
// against each other; the handle's own concurrency rules decide interleaving.
type Relay struct {
	db      storage.Handle
	slow    *SlowLog
	logger  *slog.Logger
	pending *correlation.Registry[pendingKey, time.Time]
	now     func() time.Time

	wg      sync.WaitGroup
	tracer  trace.Tracer
	latency metric.Float64Histogram
	errors  metric.Int64Counter
}

// New creates a Relay over db. slow may be nil to disable the slow log.
func New(db storage.Handle, slow *SlowLog, logger *slog.Logger) *Relay {
	meter := telemetry.Meter("kanri/relay")
	latency, _ := meter.Float64Histogram("kanri.relay.duration",
		metric.WithDescription("Time from sql request arrival to reply sent"),
		metric.WithUnit("ms"),
	)
	errs, _ := meter.Int64Counter("kanri.relay.errors_total",
		metric.WithDescription("SQL requests answered with an error"),
	)
	return &Relay{
		db:      db,
		slow:    slow,
		logger:  logger,
		pending: correlation.New[pendingKey, time.Time](),
		now:     time.Now,
		tracer:  telemetry.Tracer("kanri/relay"),
		latency: latency,
		errors:  errs,
	}
}

// duplicateIDMessage answers a request whose ID is already in flight for the
// same worker.
const duplicateIDMessage = "duplicate in-flight id"

// Handle starts relaying msg for w and returns immediately. Exactly one sql
// reply carrying either result or error is sent back to w. A request whose
// ID is already in flight for the same worker gets an error reply and never
// reaches the database.
func (r *Relay) Handle(ctx context.Context, w shard.Worker, msg protocol.Message) {
	start := r.now()
	key := pendingKey{shard: w.ID(), id: protocol.IDKey(msg.ID)}
	r.wg.Add(1)
	if !r.pending.Put(key, start) {
		r.logger.Warn("relay: duplicate in-flight request id", "shard", key.shard, "id", key.id)
		go func() {
			defer r.wg.Done()
			r.reject(ctx, w, key, msg.ID, duplicateIDMessage)
		}()
		return
	}
	go func() {
		defer r.wg.Done()
		r.relay(ctx, w, key, msg, start)
	}()
}

func (r *Relay) relay(ctx context.Context, w shard.Worker, key pendingKey, msg protocol.Message, start time.Time) {
	ctx, span := r.tracer.Start(ctx, "sql.relay", trace.WithAttributes(
		attribute.Int("shard", key.shard),
		attribute.String("sql.kind", msg.Kind),
	))
	defer span.End()

	var result any
	err := storage.WithRetry(ctx, maxRetries, retryDelay, func() error {
		var err error
		result, err = storage.Do(ctx, r.db, msg.Kind, msg.Query, msg.Args)
		return err
	})
	var payload json.RawMessage
	if err == nil {
		payload, err = json.Marshal(result)
	}
	tl := Timeline{Start: start, DB: r.now().Sub(start), Shard: key.shard, QueryID: key.id}

	reply := protocol.Message{Type: protocol.TypeSQL, ID: msg.ID}
	if err != nil {
		tl.Failed = true
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.logger.Error("relay: sql error", "shard", key.shard, "id", key.id, "kind", msg.Kind, "error", err)
		reply.Error = protocol.ErrorText(err.Error())
		if r.errors != nil {
			r.errors.Add(context.WithoutCancel(ctx), 1)
		}
	} else {
		reply.Result = payload
	}

	// The ID is free before the worker can see the reply, so it may be
	// reused as soon as the reply arrives.
	r.pending.Take(key)

	// The reply goes out even if the request context is gone.
	if sendErr := w.Send(context.WithoutCancel(ctx), reply); sendErr != nil {
		r.logger.Warn("relay: reply failed", "shard", key.shard, "id", key.id, "error", sendErr)
	}

	tl.Total = r.now().Sub(start)
	if r.latency != nil {
		r.latency.Record(context.WithoutCancel(ctx), float64(tl.Total.Microseconds())/1000,
			metric.WithAttributes(attribute.Bool("error", tl.Failed)))
	}
	if slow, err := r.slow.Record(tl); err != nil {
		r.logger.Warn("relay: slow log failed", "error", err)
	} else if slow {
		r.logger.Info("relay: slow query", "shard", key.shard, "id", key.id, "total_ms", tl.Total.Milliseconds())
	}
}

// reject answers a request that never reached the database.
func (r *Relay) reject(ctx context.Context, w shard.Worker, key pendingKey, id json.RawMessage, text string) {
	if r.errors != nil {
		r.errors.Add(context.WithoutCancel(ctx), 1)
	}
	reply := protocol.Message{Type: protocol.TypeSQL, ID: id, Error: protocol.ErrorText(text)}
	if err := w.Send(context.WithoutCancel(ctx), reply); err != nil {
		r.logger.Warn("relay: reply failed", "shard", key.shard, "id", key.id, "error", err)
	}
}

// Pending returns the number of requests awaiting a database result.
func (r *Relay) Pending() int {
	return r.pending.Len()
}

// Wait blocks until every in-flight request has been answered or ctx ends.
func (r *Relay) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
