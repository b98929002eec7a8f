package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kanri/internal/dispatch"
	"github.com/ashita-ai/kanri/internal/router"
	"github.com/ashita-ai/kanri/internal/service/broadcast"
	"github.com/ashita-ai/kanri/internal/service/relay"
	"github.com/ashita-ai/kanri/internal/service/stats"
	"github.com/ashita-ai/kanri/internal/service/stopwatch"
	"github.com/ashita-ai/kanri/internal/shard"
	"github.com/ashita-ai/kanri/internal/storage"
	"github.com/ashita-ai/kanri/internal/testutil"
	"github.com/ashita-ai/kanri/protocol"
)

type singleFleet struct{ w shard.Worker }

func (f singleFleet) Workers() []shard.Worker { return []shard.Worker{f.w} }

// connectSupervisor runs the supervisor's router, relay, broadcast and stats
// components against one Client over in-memory pipes.
func connectSupervisor(t *testing.T, eval EvalFunc) (*Client, chan int) {
	t.Helper()
	logger := testutil.TestLogger()
	ctx, cancel := context.WithCancel(context.Background())

	db, err := storage.NewSQLite(ctx, filepath.Join(t.TempDir(), "shared.sqlite"), logger)
	require.NoError(t, err)

	toWorkerR, toWorkerW := io.Pipe()
	fromWorkerR, fromWorkerW := io.Pipe()
	conn := shard.NewConn(0, fromWorkerR, toWorkerW, logger)
	client := New(Config{Reader: toWorkerR, Writer: fromWorkerW, Eval: eval, Logger: logger})

	restarts := make(chan int, 1)
	rt := &router.Router{
		SQL:       relay.New(db, nil, logger),
		Stopwatch: stopwatch.New(logger),
		Broadcast: broadcast.NewCoordinator(singleFleet{conn}, dispatch.New(10*time.Millisecond, 50, logger), 5*time.Second, logger),
		Stats:     stats.NewAggregator(stats.NewFileStore(t.TempDir()), logger, time.Minute),
		OnRestart: func(w shard.Worker) { restarts <- w.ID() },
		Logger:    logger,
	}

	inbound := make(chan shard.Envelope, 16)
	done := make(chan struct{}, 3)
	go func() {
		_ = conn.Serve(ctx, inbound, func(c *shard.Conn) {
			_ = c.Send(ctx, protocol.Message{Type: protocol.TypeUptime, Uptime: 1_700_000_000_000, ID: protocol.NumericID(0)})
		})
		done <- struct{}{}
	}()
	go func() {
		_ = rt.Run(ctx, inbound)
		done <- struct{}{}
	}()
	go func() {
		_ = client.Serve(ctx)
		done <- struct{}{}
	}()

	t.Cleanup(func() {
		cancel()
		_ = toWorkerW.Close()
		_ = fromWorkerW.Close()
		for range 3 {
			<-done
		}
		_ = db.Close()
	})

	require.NoError(t, client.Ready(ctx))
	started, err := client.SupervisorStart(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1_700_000_000_000), started.UnixMilli())
	return client, restarts
}

func TestClientAgainstSupervisor(t *testing.T) {
	client, restarts := connectSupervisor(t, func(_ context.Context, script string) (any, error) {
		return map[string]string{"echo": script}, nil
	})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	t.Run("sql", func(t *testing.T) {
		require.NoError(t, client.Exec(ctx, `CREATE TABLE guilds (id INTEGER PRIMARY KEY, name TEXT NOT NULL)`))

		res, err := client.Run(ctx, `INSERT INTO guilds (name) VALUES (?)`, "alpha")
		require.NoError(t, err)
		assert.Equal(t, int64(1), res.Changes)
		_, err = client.Run(ctx, `INSERT INTO guilds (name) VALUES (?)`, "beta")
		require.NoError(t, err)

		var row struct {
			Name string `json:"name"`
		}
		found, err := client.Get(ctx, &row, `SELECT name FROM guilds WHERE id = ?`, res.LastID)
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, "alpha", row.Name)

		var rows []struct {
			ID int64 `json:"id"`
		}
		require.NoError(t, client.All(ctx, &rows, `SELECT id FROM guilds ORDER BY id`))
		assert.Len(t, rows, 2)

		found, err = client.Get(ctx, &row, `SELECT name FROM guilds WHERE id = ?`, 99)
		require.NoError(t, err)
		assert.False(t, found)

		_, err = client.Run(ctx, `INSERT INTO nowhere VALUES (1)`)
		assert.True(t, IsRemote(err))
	})

	t.Run("stopwatch", func(t *testing.T) {
		require.NoError(t, client.StartStopwatch(ctx, "job"))
		lap, err := client.StopStopwatch(ctx, "job")
		require.NoError(t, err)
		assert.GreaterOrEqual(t, lap.Elapsed, time.Duration(0))
		assert.False(t, lap.Start.IsZero())
	})

	t.Run("stopwatch concurrent keys", func(t *testing.T) {
		const goroutines, pairs = 8, 50
		errs := make(chan error, goroutines)
		for g := range goroutines {
			go func() {
				key := fmt.Sprintf("timer-%d", g)
				for range pairs {
					if err := client.StartStopwatch(ctx, key); err != nil {
						errs <- err
						return
					}
					lap, err := client.StopStopwatch(ctx, key)
					if err != nil {
						errs <- err
						return
					}
					if lap.Start.IsZero() {
						errs <- fmt.Errorf("%s: lap without a start", key)
						return
					}
				}
				errs <- nil
			}()
		}
		for range goroutines {
			assert.NoError(t, <-errs)
		}
	})

	t.Run("named args", func(t *testing.T) {
		var row struct {
			Name string `json:"name"`
		}
		found, err := client.Get(ctx, &row, `SELECT name FROM guilds WHERE name = $name`, NamedArgs{"$name": "beta"})
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, "beta", row.Name)
	})

	t.Run("broadcast", func(t *testing.T) {
		results, err := client.BroadcastEval(ctx, "shard.id")
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.JSONEq(t, `{"echo":"shard.id"}`, string(results[0]))
	})

	t.Run("stats", func(t *testing.T) {
		require.NoError(t, client.UpdateStats(ctx, Stats{
			Commands: map[string]any{"play": 2},
			Daily:    map[string]any{"2024-06-01": map[string]any{"play": 2}},
		}))
		require.NoError(t, client.UpdateStats(ctx, Stats{Commands: map[string]any{"play": 1, "skip": 1}}))

		commands, err := client.GetStats(ctx, protocol.StatsCommands, "")
		require.NoError(t, err)
		var tree map[string]float64
		require.NoError(t, json.Unmarshal(commands, &tree))
		assert.Equal(t, map[string]float64{"play": 3, "skip": 1}, tree)

		day, err := client.GetStats(ctx, protocol.StatsDaily, "2024-06-01")
		require.NoError(t, err)
		assert.JSONEq(t, `{"play":2}`, string(day))

		missing, err := client.GetStats(ctx, protocol.StatsWeekly, "2024-W22")
		require.NoError(t, err)
		assert.Equal(t, "null", string(missing))
	})

	t.Run("restart", func(t *testing.T) {
		require.NoError(t, client.Restart(ctx))
		select {
		case id := <-restarts:
			assert.Equal(t, 0, id)
		case <-time.After(5 * time.Second):
			t.Fatal("restart hook not called")
		}
	})
}
