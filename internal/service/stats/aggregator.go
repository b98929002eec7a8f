package stats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kanri/internal/shard"
	"github.com/ashita-ai/kanri/internal/telemetry"
	"github.com/ashita-ai/kanri/protocol"
)

// DefaultFlushInterval is how often snapshots are written.
const DefaultFlushInterval = 30 * time.Second

// Aggregator owns the three running totals. Merges and snapshots share one
// mutex, so a flush never observes a partially merged report.
type Aggregator struct {
	store         Store
	logger        *slog.Logger
	flushInterval time.Duration

	mu    sync.Mutex
	trees map[string]*Node

	flushes    metric.Int64Counter
	done       chan struct{}
	cancelLoop context.CancelFunc // cancels the flushLoop goroutine
	drainCtx   context.Context    // set by Drain so final flush respects caller's deadline
}

// NewAggregator creates an Aggregator with empty totals.
func NewAggregator(store Store, logger *slog.Logger, flushInterval time.Duration) *Aggregator {
	if flushInterval <= 0 {
		flushInterval = DefaultFlushInterval
	}
	trees := make(map[string]*Node, len(Channels))
	for _, ch := range Channels {
		trees[ch] = Branch(nil)
	}
	return &Aggregator{
		store:         store,
		logger:        logger,
		flushInterval: flushInterval,
		trees:         trees,
		done:          make(chan struct{}),
	}
}

// Load replaces the totals with the store's last snapshot. Channels missing
// from the snapshot stay empty. Call before Start.
func (a *Aggregator) Load(ctx context.Context) error {
	snap, err := a.store.Load(ctx)
	if err != nil {
		return err
	}
	loaded := make(map[string]*Node, len(Channels))
	for _, ch := range Channels {
		t, err := ParseTree(snap[ch])
		if err != nil {
			return fmt.Errorf("stats: load %s: %w", ch, err)
		}
		loaded[ch] = t
	}
	a.mu.Lock()
	a.trees = loaded
	a.mu.Unlock()
	a.logger.Info("stats: snapshot loaded", "channels", len(snap))
	return nil
}

// Update merges one updateStats report. All three fragments are decoded
// before any is applied, so a malformed report changes nothing.
func (a *Aggregator) Update(msg protocol.Message) error {
	incoming := map[string]json.RawMessage{
		protocol.StatsCommands: msg.Commands,
		protocol.StatsDaily:    msg.Daily,
		protocol.StatsWeekly:   msg.Weekly,
	}
	parsed := make(map[string]*Node, len(incoming))
	for ch, raw := range incoming {
		t, err := ParseTree(raw)
		if err != nil {
			return fmt.Errorf("stats: %s: %w", ch, err)
		}
		parsed[ch] = t
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for ch, t := range parsed {
		Merge(a.trees[ch], t)
	}
	return nil
}

// Value answers a getStats query. The commands channel returns its whole
// tree; daily and weekly return the subtree under key. Absent keys and
// unknown channels yield JSON null.
func (a *Aggregator) Value(channel, key string) json.RawMessage {
	a.mu.Lock()
	defer a.mu.Unlock()

	var n *Node
	switch channel {
	case protocol.StatsCommands:
		n = a.trees[channel]
	case protocol.StatsDaily, protocol.StatsWeekly:
		c, ok := a.trees[channel].Child(key)
		if !ok {
			return protocol.Null
		}
		n = c
	default:
		return protocol.Null
	}
	b, err := json.Marshal(n)
	if err != nil {
		return protocol.Null
	}
	return b
}

// Snapshot encodes all three totals under the merge lock.
func (a *Aggregator) Snapshot() (Snapshot, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	snap := make(Snapshot, len(Channels))
	for _, ch := range Channels {
		b, err := json.Marshal(a.trees[ch])
		if err != nil {
			return nil, fmt.Errorf("stats: encode %s: %w", ch, err)
		}
		snap[ch] = b
	}
	return snap, nil
}

// Flush writes a full snapshot to the store whether or not anything changed.
func (a *Aggregator) Flush(ctx context.Context) error {
	start := time.Now()
	snap, err := a.Snapshot()
	if err == nil {
		err = a.store.Save(ctx, snap)
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	if a.flushes != nil {
		a.flushes.Add(context.WithoutCancel(ctx), 1, metric.WithAttributes(attribute.String("status", status)))
	}
	if err != nil {
		return err
	}
	a.logger.Debug("stats: snapshot flushed", "flush_duration_ms", time.Since(start).Milliseconds())
	return nil
}

// Handle answers a getStats message from w with a stats reply.
func (a *Aggregator) Handle(ctx context.Context, w shard.Worker, msg protocol.Message) {
	reply := protocol.Message{
		Type:  protocol.TypeStats,
		ID:    msg.ID,
		Value: a.Value(msg.Kind, msg.Arg),
	}
	if err := w.Send(ctx, reply); err != nil {
		a.logger.Warn("stats: reply failed", "shard", w.ID(), "error", err)
	}
}

// Start begins the background flush loop and registers OTEL metrics. Call
// Drain to stop.
func (a *Aggregator) Start(ctx context.Context) {
	a.flushes, _ = telemetry.Meter("kanri/stats").Int64Counter("kanri.stats.flushes_total",
		metric.WithDescription("Stats snapshot flushes by outcome"),
	)
	loopCtx, cancel := context.WithCancel(ctx)
	a.cancelLoop = cancel
	go a.flushLoop(loopCtx)
}

func (a *Aggregator) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(a.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if a.drainCtx != nil {
				a.flushLogged(a.drainCtx)
			} else {
				fallbackCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				a.flushLogged(fallbackCtx)
				cancel()
			}
			close(a.done)
			return
		case <-ticker.C:
			a.flushLogged(ctx)
		}
	}
}

func (a *Aggregator) flushLogged(ctx context.Context) {
	if err := a.Flush(ctx); err != nil {
		a.logger.Error("stats: flush failed", "error", err)
	}
}

// Drain stops the flush loop after one final flush. ctx bounds the wait and
// is used for the final flush.
func (a *Aggregator) Drain(ctx context.Context) {
	a.drainCtx = ctx
	if a.cancelLoop == nil {
		return
	}
	a.cancelLoop()
	select {
	case <-a.done:
	case <-ctx.Done():
		a.logger.Warn("stats: drain timed out waiting for flush loop")
	}
}
