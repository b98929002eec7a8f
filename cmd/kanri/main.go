package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/ashita-ai/kanri"
)

// version is set at build time via -ldflags.
var version = "dev"

// exitRestart tells the surrounding process manager that a shard asked for a
// restart, as opposed to a crash.
const exitRestart = 75

func main() {
	os.Exit(run())
}

func run() int {
	level := slog.LevelInfo
	if os.Getenv("KANRI_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app, err := kanri.New(kanri.WithVersion(version), kanri.WithLogger(logger))
	if err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	if err := app.Run(ctx); err != nil {
		if errors.Is(err, kanri.ErrRestartRequested) {
			slog.Warn("exiting for restart")
			return exitRestart
		}
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}
