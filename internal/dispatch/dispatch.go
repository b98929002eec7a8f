// Package dispatch delivers messages to workers that may not be ready yet.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kanri/internal/shard"
	"github.com/ashita-ai/kanri/internal/telemetry"
	"github.com/ashita-ai/kanri/protocol"
)

// Defaults match the readiness budget workers are given after spawn.
const (
	DefaultInterval    = time.Second
	DefaultMaxAttempts = 20
)

// ErrNotReady is reported when a worker never became ready within the budget.
var ErrNotReady = errors.New("worker failed to become ready in time")

// Dispatcher retries delivery on a fixed interval until the target worker is
// ready or the attempt budget runs out. Each Deliver call has its own budget.
type Dispatcher struct {
	interval    time.Duration
	maxAttempts int
	logger      *slog.Logger

	giveUps metric.Int64Counter
}

// New creates a Dispatcher. Non-positive arguments select the defaults.
func New(interval time.Duration, maxAttempts int, logger *slog.Logger) *Dispatcher {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	giveUps, _ := telemetry.Meter("kanri/dispatch").Int64Counter("kanri.dispatch.give_ups_total",
		metric.WithDescription("Deliveries abandoned because the worker never became ready or the send failed"),
	)
	return &Dispatcher{
		interval:    interval,
		maxAttempts: maxAttempts,
		logger:      logger,
		giveUps:     giveUps,
	}
}

// Deliver sends msg to w in the background. If w is not ready, readiness is
// re-checked every interval; after maxAttempts failed checks onGiveUp is
// called with ErrNotReady and msg is never sent. A send error from a ready
// worker, or cancellation of ctx, also ends in onGiveUp. onGiveUp is called at
// most once and never after a successful send.
func (d *Dispatcher) Deliver(ctx context.Context, w shard.Worker, msg protocol.Message, onGiveUp func(error)) {
	go d.deliver(ctx, w, msg, onGiveUp)
}

func (d *Dispatcher) deliver(ctx context.Context, w shard.Worker, msg protocol.Message, onGiveUp func(error)) {
	giveUp := func(err error) {
		if d.giveUps != nil {
			d.giveUps.Add(context.WithoutCancel(ctx), 1, metric.WithAttributes(attribute.String("type", string(msg.Type))))
		}
		d.logger.Warn("dispatch: giving up", "shard", w.ID(), "type", msg.Type, "error", err)
		if onGiveUp != nil {
			onGiveUp(err)
		}
	}

	for attempt := 1; ; attempt++ {
		if w.Ready() {
			if err := w.Send(ctx, msg); err != nil {
				giveUp(err)
			}
			return
		}
		if attempt >= d.maxAttempts {
			giveUp(ErrNotReady)
			return
		}

		timer := time.NewTimer(d.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			giveUp(ctx.Err())
			return
		case <-timer.C:
		}
	}
}
