package kanri

import (
	"log/slog"

	"github.com/ashita-ai/kanri/internal/config"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds overrides after applying options.
// Unexported — callers use the With* functions.
type resolvedOptions struct {
	port          int
	databaseURL   string
	shardCount    int
	workerCommand string
	workerArgs    []string
	statsDir      string
	sqlLogPath    string
	logger        *slog.Logger
	version       string
}

// apply copies every set override onto cfg.
func (o resolvedOptions) apply(cfg *config.Config) {
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.shardCount != 0 {
		cfg.ShardCount = o.shardCount
	}
	if o.workerCommand != "" {
		cfg.WorkerCommand = o.workerCommand
		cfg.WorkerArgs = o.workerArgs
	}
	if o.statsDir != "" {
		cfg.StatsDir = o.statsDir
	}
	if o.sqlLogPath != "" {
		cfg.SQLLogPath = o.sqlLogPath
	}
}

// WithPort overrides the admin API port from config (KANRI_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithDatabaseURL overrides the shared database from config (DATABASE_URL env var).
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithShardCount overrides the fleet size (KANRI_SHARD_COUNT env var).
func WithShardCount(n int) Option {
	return func(o *resolvedOptions) { o.shardCount = n }
}

// WithWorkerCommand overrides the program launched for each shard
// (KANRI_WORKER_COMMAND and KANRI_WORKER_ARGS env vars).
func WithWorkerCommand(command string, args ...string) Option {
	return func(o *resolvedOptions) {
		o.workerCommand = command
		o.workerArgs = args
	}
}

// WithStatsDir overrides where file-backed stats snapshots are kept (KANRI_STATS_DIR).
func WithStatsDir(dir string) Option {
	return func(o *resolvedOptions) { o.statsDir = dir }
}

// WithSQLLog overrides the slow SQL log path (KANRI_SQL_LOG).
func WithSQLLog(path string) Option {
	return func(o *resolvedOptions) { o.sqlLogPath = path }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}
