// Command kanri-worker is a minimal shard worker for trying out the
// supervisor. It answers a few named broadcast scripts and records a command
// counter in the shared stats every minute.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashita-ai/kanri/sdk/go/worker"
)

func main() {
	// stdout carries the protocol; logs go to stderr.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger) error {
	env, err := worker.EnvFromOS()
	if err != nil {
		return err
	}
	logger = logger.With("shard", env.ShardID, "session", env.Session)
	started := time.Now()

	// A stand-in for the number of servers this shard would serve.
	guilds := 100 + env.ShardID*10

	client := worker.New(worker.Config{
		Logger: logger,
		Eval: func(_ context.Context, script string) (any, error) {
			switch script {
			case "shard.id":
				return env.ShardID, nil
			case "shard.guilds":
				return guilds, nil
			case "shard.uptime":
				return time.Since(started).Milliseconds(), nil
			default:
				return nil, fmt.Errorf("unknown script %q", script)
			}
		},
	})

	errc := make(chan error, 1)
	go func() { errc <- client.Serve(ctx) }()

	if err := client.Ready(ctx); err != nil {
		return fmt.Errorf("announce ready: %w", err)
	}
	supervisorStart, err := client.SupervisorStart(ctx)
	if err != nil {
		return fmt.Errorf("wait for supervisor greeting: %w", err)
	}
	logger.Info("kanri-worker ready", "of", env.ShardCount, "supervisor_started", supervisorStart)

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case err := <-errc:
			return err
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			day := now.UTC().Format("2006-01-02")
			err := client.UpdateStats(ctx, worker.Stats{
				Commands: map[string]int{"heartbeat": 1},
				Daily:    map[string]any{day: map[string]int{"heartbeat": 1}},
			})
			if err != nil {
				logger.Warn("stats update failed", "error", err)
			}
		}
	}
}
