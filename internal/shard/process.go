package shard

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashita-ai/kanri/protocol"
)

// Process is a Worker backed by a child process. Its identity survives
// respawns; each run of the child gets a fresh Conn.
type Process struct {
	id     int
	spec   ProcessSpec
	logger *slog.Logger

	spawned  atomic.Bool
	restarts atomic.Int64

	mu   sync.RWMutex
	conn *Conn
}

// ProcessSpec describes how to launch one worker.
type ProcessSpec struct {
	Command      string
	Args         []string
	Env          []string // appended to the supervisor's environment
	Respawn      bool
	RespawnDelay time.Duration
	StopTimeout  time.Duration // grace period between interrupt and kill
}

func newProcess(id int, spec ProcessSpec, logger *slog.Logger) *Process {
	return &Process{
		id:     id,
		spec:   spec,
		logger: logger.With("shard", id),
	}
}

// ID returns the shard identity.
func (p *Process) ID() int { return p.id }

// Ready reports whether the current child has announced readiness.
func (p *Process) Ready() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.conn != nil && p.conn.Ready()
}

// Send forwards msg to the current child.
func (p *Process) Send(ctx context.Context, msg protocol.Message) error {
	p.mu.RLock()
	conn := p.conn
	p.mu.RUnlock()
	if conn == nil {
		return ErrNotRunning
	}
	return conn.Send(ctx, msg)
}

// Spawned reports whether the process has been started at least once.
func (p *Process) Spawned() bool { return p.spawned.Load() }

// Restarts returns how many times the child has been respawned.
func (p *Process) Restarts() int64 { return p.restarts.Load() }

func (p *Process) setConn(c *Conn) {
	p.mu.Lock()
	p.conn = c
	p.mu.Unlock()
}

// run keeps the child alive until ctx is cancelled, respawning after exits
// when configured to.
func (p *Process) run(ctx context.Context, inbound chan<- Envelope, onReady func(Worker)) {
	for {
		err := p.runOnce(ctx, inbound, onReady)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			p.logger.Error("shard: process exited", "error", err)
		} else {
			p.logger.Warn("shard: process exited")
		}
		if !p.spec.Respawn {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(p.spec.RespawnDelay):
		}
		p.restarts.Add(1)
		p.logger.Info("shard: respawning", "restarts", p.restarts.Load())
	}
}

func (p *Process) runOnce(ctx context.Context, inbound chan<- Envelope, onReady func(Worker)) error {
	cmd := exec.CommandContext(ctx, p.spec.Command, p.spec.Args...) //nolint:gosec // command comes from operator config
	cmd.Env = append(os.Environ(), p.spec.Env...)
	cmd.Stderr = os.Stderr
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	cmd.WaitDelay = p.spec.StopTimeout

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("shard %d: stdin pipe: %w", p.id, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("shard %d: stdout pipe: %w", p.id, err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("shard %d: start: %w", p.id, err)
	}
	p.spawned.Store(true)
	p.logger.Info("shard: launched", "pid", cmd.Process.Pid)

	conn := NewConn(p.id, stdout, stdin, p.logger)
	p.setConn(conn)

	serveErr := conn.Serve(ctx, inbound, func(*Conn) {
		if onReady != nil {
			onReady(p)
		}
	})
	p.setConn(nil)
	_ = stdin.Close()

	waitErr := cmd.Wait()
	if serveErr != nil && ctx.Err() == nil {
		return fmt.Errorf("shard %d: serve: %w", p.id, serveErr)
	}
	if waitErr != nil {
		return fmt.Errorf("shard %d: %w", p.id, waitErr)
	}
	return nil
}
