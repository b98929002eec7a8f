package kanri

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kanri/internal/config"
	"github.com/ashita-ai/kanri/internal/model"
	"github.com/ashita-ai/kanri/internal/testutil"
)

func newTestApp(t *testing.T, opts ...Option) *App {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("KANRI_PORT", "0")
	t.Setenv("KANRI_RESPAWN", "false")
	t.Setenv("KANRI_STOP_TIMEOUT", "2s")

	base := []Option{
		WithLogger(testutil.TestLogger()),
		WithVersion("test"),
		WithDatabaseURL("file:" + filepath.Join(dir, "kanri.sqlite")),
		WithStatsDir(filepath.Join(dir, "stats")),
		WithSQLLog(filepath.Join(dir, "sql.log")),
		WithShardCount(1),
	}
	app, err := New(append(base, opts...)...)
	require.NoError(t, err)
	return app
}

func TestOptionsOverrideConfig(t *testing.T) {
	cfg := config.Config{Port: 8080, ShardCount: 1, WorkerCommand: "kanri-worker", WorkerArgs: []string{"-v"}}
	o := resolvedOptions{}
	for _, fn := range []Option{WithPort(9000), WithShardCount(3), WithWorkerCommand("/bin/worker")} {
		fn(&o)
	}
	o.apply(&cfg)
	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, 3, cfg.ShardCount)
	assert.Equal(t, "/bin/worker", cfg.WorkerCommand)
	assert.Empty(t, cfg.WorkerArgs)
}

func TestNewServesHealthBeforeRun(t *testing.T) {
	app := newTestApp(t)
	t.Cleanup(func() { _ = app.Shutdown(context.Background()) })
	assert.NotEmpty(t, app.Session())

	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Data model.HealthResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "starting", resp.Data.Status)
	assert.Equal(t, "sqlite", resp.Data.Backend)
	assert.Equal(t, 1, resp.Data.Shards)
	assert.Equal(t, 0, resp.Data.ShardsReady)
}

func TestNewRejectsInvalidOverrides(t *testing.T) {
	t.Setenv("KANRI_PORT", "0")
	_, err := New(WithLogger(testutil.TestLogger()), WithShardCount(-1))
	assert.Error(t, err)
}

func TestRunReturnsOnRestartRequest(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires /bin/sh")
	}
	script := `echo '{"type":"ready"}'; read line; echo '{"type":"restart"}'; exec sleep 5`
	app := newTestApp(t, WithWorkerCommand("/bin/sh", "-c", script))

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	err := app.Run(ctx)
	assert.ErrorIs(t, err, ErrRestartRequested)
	assert.NoError(t, ctx.Err(), "Run should return before the deadline")
}

func TestRunStopsOnCancel(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires /bin/sh")
	}
	app := newTestApp(t, WithWorkerCommand("/bin/sh", "-c", `echo '{"type":"ready"}'; exec sleep 5`))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	require.Eventually(t, func() bool {
		rec := httptest.NewRecorder()
		app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/shards", nil))
		var resp struct {
			Data []struct {
				Ready bool `json:"ready"`
			} `json:"data"`
		}
		_ = json.Unmarshal(rec.Body.Bytes(), &resp)
		return len(resp.Data) == 1 && resp.Data[0].Ready
	}, 10*time.Second, 50*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
