// Package config loads and validates supervisor configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Shard fleet.
	ShardCount    int
	WorkerCommand string
	WorkerArgs    []string
	SpawnDelay    time.Duration // pause between consecutive initial spawns
	Respawn       bool
	RespawnDelay  time.Duration
	StopTimeout   time.Duration // interrupt-to-kill grace period for workers

	// Shared database handle. A postgres:// URL selects Postgres; anything
	// else is a SQLite path or file: DSN.
	DatabaseURL string
	// Directory of forward-only .sql migrations applied at startup; empty skips.
	MigrationsDir string

	// SQL relay diagnostics.
	SQLLogPath       string
	SQLSlowThreshold time.Duration

	// Stats snapshots. StatsStore is "file" (JSON files in StatsDir) or
	// "database" (a table in the shared handle).
	StatsStore         string
	StatsDir           string
	StatsFlushInterval time.Duration

	// Delivery to workers that are not ready yet.
	DeliveryInterval    time.Duration
	DeliveryMaxAttempts int

	// Broadcast fan-in deadline; 0 waits forever.
	BroadcastTimeout time.Duration

	// Admin HTTP API.
	Port           int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	RateLimitRPS   float64
	RateLimitBurst int

	// Bot-list poster; disabled when PostURL is empty.
	PostURL      string
	PostToken    string
	PostScript   string
	PostInterval time.Duration

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	// Operational settings.
	LogLevel string
}

// Load reads configuration from environment variables with sensible defaults.
// Every malformed variable is reported, not just the first.
func Load() (Config, error) {
	var errs []error
	str := func(key, def string) string { return envStr(key, def) }
	num := func(key string, def int) int {
		v, err := envInt(key, def)
		errs = appendErr(errs, err)
		return v
	}
	dur := func(key string, def time.Duration) time.Duration {
		v, err := envDuration(key, def)
		errs = appendErr(errs, err)
		return v
	}
	flag := func(key string, def bool) bool {
		v, err := envBool(key, def)
		errs = appendErr(errs, err)
		return v
	}
	float := func(key string, def float64) float64 {
		v, err := envFloat(key, def)
		errs = appendErr(errs, err)
		return v
	}

	cfg := Config{
		ShardCount:          num("KANRI_SHARD_COUNT", 1),
		WorkerCommand:       str("KANRI_WORKER_COMMAND", "kanri-worker"),
		WorkerArgs:          strings.Fields(str("KANRI_WORKER_ARGS", "")),
		SpawnDelay:          dur("KANRI_SPAWN_DELAY", 5500*time.Millisecond),
		Respawn:             flag("KANRI_RESPAWN", true),
		RespawnDelay:        dur("KANRI_RESPAWN_DELAY", 5*time.Second),
		StopTimeout:         dur("KANRI_STOP_TIMEOUT", 10*time.Second),
		DatabaseURL:         str("DATABASE_URL", "file:kanri.sqlite"),
		MigrationsDir:       str("KANRI_MIGRATIONS_DIR", ""),
		SQLLogPath:          str("KANRI_SQL_LOG", "sql.log"),
		SQLSlowThreshold:    dur("KANRI_SQL_SLOW_THRESHOLD", time.Second),
		StatsStore:          str("KANRI_STATS_STORE", "file"),
		StatsDir:            str("KANRI_STATS_DIR", "stats"),
		StatsFlushInterval:  dur("KANRI_STATS_FLUSH_INTERVAL", 30*time.Second),
		DeliveryInterval:    dur("KANRI_DELIVERY_INTERVAL", time.Second),
		DeliveryMaxAttempts: num("KANRI_DELIVERY_MAX_ATTEMPTS", 20),
		BroadcastTimeout:    dur("KANRI_BROADCAST_TIMEOUT", time.Minute),
		Port:                num("KANRI_PORT", 8080),
		ReadTimeout:         dur("KANRI_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:        dur("KANRI_WRITE_TIMEOUT", 2*time.Minute),
		RateLimitRPS:        float("KANRI_RATE_LIMIT_RPS", 1),
		RateLimitBurst:      num("KANRI_RATE_LIMIT_BURST", 5),
		PostURL:             str("KANRI_POST_URL", ""),
		PostToken:           str("KANRI_POST_TOKEN", ""),
		PostScript:          str("KANRI_POST_SCRIPT", "shard.guilds"),
		PostInterval:        dur("KANRI_POST_INTERVAL", 2*time.Minute),
		OTELEndpoint:        str("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure:        flag("OTEL_EXPORTER_OTLP_INSECURE", false),
		ServiceName:         str("OTEL_SERVICE_NAME", "kanri"),
		LogLevel:            str("KANRI_LOG_LEVEL", "info"),
	}

	if len(errs) > 0 {
		return Config{}, fmt.Errorf("config: %w", errors.Join(errs...))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present and consistent.
func (c Config) Validate() error {
	var errs []error
	if c.ShardCount <= 0 {
		errs = append(errs, fmt.Errorf("KANRI_SHARD_COUNT must be positive"))
	}
	if c.WorkerCommand == "" {
		errs = append(errs, fmt.Errorf("KANRI_WORKER_COMMAND is required"))
	}
	if c.DatabaseURL == "" {
		errs = append(errs, fmt.Errorf("DATABASE_URL is required"))
	}
	if c.StatsStore != "file" && c.StatsStore != "database" {
		errs = append(errs, fmt.Errorf("KANRI_STATS_STORE must be \"file\" or \"database\", got %q", c.StatsStore))
	}
	if c.StatsFlushInterval <= 0 {
		errs = append(errs, fmt.Errorf("KANRI_STATS_FLUSH_INTERVAL must be positive"))
	}
	if c.DeliveryInterval <= 0 {
		errs = append(errs, fmt.Errorf("KANRI_DELIVERY_INTERVAL must be positive"))
	}
	if c.DeliveryMaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("KANRI_DELIVERY_MAX_ATTEMPTS must be positive"))
	}
	if c.BroadcastTimeout < 0 {
		errs = append(errs, fmt.Errorf("KANRI_BROADCAST_TIMEOUT must not be negative"))
	}
	if c.PostURL != "" && c.PostInterval <= 0 {
		errs = append(errs, fmt.Errorf("KANRI_POST_INTERVAL must be positive when KANRI_POST_URL is set"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

func appendErr(errs []error, err error) []error {
	if err != nil {
		return append(errs, err)
	}
	return errs
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envFloat(key string, defaultVal float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid number", key, v)
	}
	return f, nil
}

func envBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid boolean", key, v)
	}
	return b, nil
}

func envDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid duration", key, v)
	}
	return d, nil
}
