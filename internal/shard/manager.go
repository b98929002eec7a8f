package shard

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/ashita-ai/kanri/protocol"
)

// inboundSize is the capacity of the shared inbound message channel.
const inboundSize = 1024

// Config controls how the Manager launches workers.
type Config struct {
	Count        int
	Command      string
	Args         []string
	SpawnDelay   time.Duration // pause between consecutive initial spawns
	Respawn      bool
	RespawnDelay time.Duration
	StopTimeout  time.Duration
	Session      string    // supervisor session ID passed to workers
	StartedAt    time.Time // supervisor start, reported to workers on ready
}

// Manager spawns the worker fleet and funnels all of its messages into one
// channel for the router.
type Manager struct {
	cfg     Config
	logger  *slog.Logger
	procs   []*Process
	inbound chan Envelope
}

// NewManager prepares cfg.Count workers. Nothing is launched until Run.
func NewManager(cfg Config, logger *slog.Logger) *Manager {
	m := &Manager{
		cfg:     cfg,
		logger:  logger,
		inbound: make(chan Envelope, inboundSize),
	}
	for i := range cfg.Count {
		m.procs = append(m.procs, newProcess(i, ProcessSpec{
			Command: cfg.Command,
			Args:    cfg.Args,
			Env: []string{
				"KANRI_SHARD_ID=" + strconv.Itoa(i),
				"KANRI_SHARD_COUNT=" + strconv.Itoa(cfg.Count),
				"KANRI_SESSION=" + cfg.Session,
			},
			Respawn:      cfg.Respawn,
			RespawnDelay: cfg.RespawnDelay,
			StopTimeout:  cfg.StopTimeout,
		}, logger))
	}
	return m
}

// Inbound returns the channel carrying every message received from any worker.
func (m *Manager) Inbound() <-chan Envelope {
	return m.inbound
}

// Workers returns every worker that has been spawned so far, ordered by ID.
func (m *Manager) Workers() []Worker {
	out := make([]Worker, 0, len(m.procs))
	for _, p := range m.procs {
		if p.Spawned() {
			out = append(out, p)
		}
	}
	return out
}

// Status describes one worker for health reporting.
type Status struct {
	ID       int   `json:"id"`
	Spawned  bool  `json:"spawned"`
	Ready    bool  `json:"ready"`
	Restarts int64 `json:"restarts"`
}

// Statuses returns the state of every configured worker.
func (m *Manager) Statuses() []Status {
	out := make([]Status, len(m.procs))
	for i, p := range m.procs {
		out[i] = Status{ID: p.ID(), Spawned: p.Spawned(), Ready: p.Ready(), Restarts: p.Restarts()}
	}
	return out
}

// Run launches the workers one after another, separated by SpawnDelay, and
// blocks until ctx is cancelled and every child has exited.
func (m *Manager) Run(ctx context.Context) error {
	if m.cfg.Command == "" {
		return fmt.Errorf("shard: no worker command configured")
	}

	var wg sync.WaitGroup
	defer wg.Wait()

	for i, p := range m.procs {
		if i > 0 && m.cfg.SpawnDelay > 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(m.cfg.SpawnDelay):
			}
		}
		m.logger.Info("shard: launching", "shard", p.ID(), "of", len(m.procs))
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.run(ctx, m.inbound, m.greet)
		}()
	}

	<-ctx.Done()
	return nil
}

// greet tells a freshly ready worker when the supervisor started and which
// shard it is.
func (m *Manager) greet(w Worker) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := w.Send(ctx, protocol.Message{
		Type:   protocol.TypeUptime,
		Uptime: m.cfg.StartedAt.UnixMilli(),
		ID:     protocol.NumericID(uint64(w.ID())), //nolint:gosec // shard IDs are non-negative
	})
	if err != nil {
		m.logger.Warn("shard: uptime send failed", "shard", w.ID(), "error", err)
	}
}
