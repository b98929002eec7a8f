package config

import (
	"testing"
)

func TestEnvIntValid(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	v, err := envInt("TEST_INT", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 42 {
		t.Fatalf("expected 42, got %d", v)
	}
}

func TestEnvIntFallback(t *testing.T) {
	// TEST_INT_MISSING is not set.
	v, err := envInt("TEST_INT_MISSING", 99)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 99 {
		t.Fatalf("expected fallback 99, got %d", v)
	}
}

func TestEnvIntInvalid(t *testing.T) {
	t.Setenv("TEST_INT_BAD", "abc")
	_, err := envInt("TEST_INT_BAD", 0)
	if err == nil {
		t.Fatal("expected error for non-integer value, got nil")
	}
	if got := err.Error(); got != `TEST_INT_BAD="abc" is not a valid integer` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestEnvBoolValid(t *testing.T) {
	t.Setenv("TEST_BOOL", "true")
	v, err := envBool("TEST_BOOL", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !v {
		t.Fatal("expected true")
	}
}

func TestEnvBoolInvalid(t *testing.T) {
	t.Setenv("TEST_BOOL_BAD", "maybe")
	_, err := envBool("TEST_BOOL_BAD", false)
	if err == nil {
		t.Fatal("expected error for non-boolean value, got nil")
	}
	if got := err.Error(); got != `TEST_BOOL_BAD="maybe" is not a valid boolean` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestEnvDurationValid(t *testing.T) {
	t.Setenv("TEST_DUR", "5s")
	v, err := envDuration("TEST_DUR", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.Seconds() != 5 {
		t.Fatalf("expected 5s, got %s", v)
	}
}

func TestEnvDurationInvalid(t *testing.T) {
	t.Setenv("TEST_DUR_BAD", "five-seconds")
	_, err := envDuration("TEST_DUR_BAD", 0)
	if err == nil {
		t.Fatal("expected error for invalid duration, got nil")
	}
	if got := err.Error(); got != `TEST_DUR_BAD="five-seconds" is not a valid duration` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestEnvFloatInvalid(t *testing.T) {
	t.Setenv("TEST_FLOAT_BAD", "fast")
	_, err := envFloat("TEST_FLOAT_BAD", 1)
	if err == nil {
		t.Fatal("expected error for non-numeric value, got nil")
	}
	if got := err.Error(); got != `TEST_FLOAT_BAD="fast" is not a valid number` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestLoadFailsOnInvalidShardCount(t *testing.T) {
	t.Setenv("KANRI_SHARD_COUNT", "abc")
	_, err := Load()
	if err == nil {
		t.Fatal("expected Load() to fail with invalid KANRI_SHARD_COUNT")
	}
	// Error should mention the variable name and value.
	if got := err.Error(); !contains(got, "KANRI_SHARD_COUNT") || !contains(got, "abc") {
		t.Fatalf("error should mention KANRI_SHARD_COUNT and value 'abc', got: %s", got)
	}
}

func TestLoadFailsOnMultipleInvalid(t *testing.T) {
	t.Setenv("KANRI_PORT", "abc")
	t.Setenv("KANRI_STATS_FLUSH_INTERVAL", "often")
	_, err := Load()
	if err == nil {
		t.Fatal("expected Load() to fail with multiple invalid vars")
	}
	got := err.Error()
	if !contains(got, "KANRI_PORT") {
		t.Fatalf("error should mention KANRI_PORT, got: %s", got)
	}
	if !contains(got, "KANRI_STATS_FLUSH_INTERVAL") {
		t.Fatalf("error should mention KANRI_STATS_FLUSH_INTERVAL, got: %s", got)
	}
}

func TestLoadRejectsNonPositiveShardCount(t *testing.T) {
	t.Setenv("KANRI_SHARD_COUNT", "0")
	if _, err := Load(); err == nil || !contains(err.Error(), "KANRI_SHARD_COUNT must be positive") {
		t.Fatalf("expected shard count validation error, got: %v", err)
	}
}

func TestLoadSplitsWorkerArgs(t *testing.T) {
	t.Setenv("KANRI_WORKER_COMMAND", "node")
	t.Setenv("KANRI_WORKER_ARGS", "bot.js  --shard-mode")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.WorkerCommand != "node" {
		t.Fatalf("expected worker command node, got %q", cfg.WorkerCommand)
	}
	if len(cfg.WorkerArgs) != 2 || cfg.WorkerArgs[0] != "bot.js" || cfg.WorkerArgs[1] != "--shard-mode" {
		t.Fatalf("unexpected worker args: %q", cfg.WorkerArgs)
	}
}

func TestLoadSucceedsWithDefaults(t *testing.T) {
	// With no env vars set, Load should succeed using all defaults.
	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected Load() to succeed with defaults, got: %v", err)
	}
	if cfg.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Port)
	}
	if cfg.DeliveryMaxAttempts != 20 || cfg.DeliveryInterval.Milliseconds() != 1000 {
		t.Fatalf("unexpected delivery budget: %d x %s", cfg.DeliveryMaxAttempts, cfg.DeliveryInterval)
	}
	if cfg.StatsFlushInterval.Seconds() != 30 {
		t.Fatalf("expected 30s stats flush, got %s", cfg.StatsFlushInterval)
	}
	if cfg.SQLSlowThreshold.Milliseconds() != 1000 {
		t.Fatalf("expected 1s slow threshold, got %s", cfg.SQLSlowThreshold)
	}
}

func TestLoadRejectsUnknownStatsStore(t *testing.T) {
	t.Setenv("KANRI_STATS_STORE", "redis")
	_, err := Load()
	if err == nil {
		t.Fatal("expected error for unknown stats store")
	}
	if !contains(err.Error(), "KANRI_STATS_STORE") {
		t.Fatalf("error should name the variable, got: %v", err)
	}
}

func contains(s, substr string) bool {
	return len(s) >= len(substr) && searchSubstring(s, substr)
}

func searchSubstring(s, substr string) bool {
	for i := 0; i <= len(s)-len(substr); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
