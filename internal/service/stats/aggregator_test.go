package stats

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kanri/internal/storage"
	"github.com/ashita-ai/kanri/internal/testutil"
	"github.com/ashita-ai/kanri/migrations"
	"github.com/ashita-ai/kanri/protocol"
)

type memStore struct {
	mu    sync.Mutex
	saved []Snapshot
	load  Snapshot
	err   error
}

func (m *memStore) Load(context.Context) (Snapshot, error) { return m.load, m.err }

func (m *memStore) Save(_ context.Context, s Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.saved = append(m.saved, s)
	return nil
}

func (m *memStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.saved)
}

type recorder struct {
	mu   sync.Mutex
	sent []protocol.Message
}

func (r *recorder) ID() int     { return 0 }
func (r *recorder) Ready() bool { return true }
func (r *recorder) Send(_ context.Context, m protocol.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, m)
	return nil
}

func update(commands, daily, weekly string) protocol.Message {
	return protocol.Message{
		Type:     protocol.TypeUpdateStats,
		Commands: json.RawMessage(commands),
		Daily:    json.RawMessage(daily),
		Weekly:   json.RawMessage(weekly),
	}
}

func TestUpdateAndValue(t *testing.T) {
	a := NewAggregator(&memStore{}, testutil.TestLogger(), time.Minute)

	require.NoError(t, a.Update(update(`{"play":2}`, `{"2024-05-01":{"play":2}}`, `{"2024-W18":{"play":2}}`)))
	require.NoError(t, a.Update(update(`{"play":1,"skip":1}`, `{"2024-05-01":{"skip":1}}`, ``)))

	assert.JSONEq(t, `{"play":3,"skip":1}`, string(a.Value(protocol.StatsCommands, "ignored")))
	assert.JSONEq(t, `{"play":2,"skip":1}`, string(a.Value(protocol.StatsDaily, "2024-05-01")))
	assert.JSONEq(t, `{"play":2}`, string(a.Value(protocol.StatsWeekly, "2024-W18")))
	assert.Equal(t, "null", string(a.Value(protocol.StatsDaily, "1999-01-01")))
	assert.Equal(t, "null", string(a.Value("monthly", "x")))
}

func TestUpdateMalformedChangesNothing(t *testing.T) {
	a := NewAggregator(&memStore{}, testutil.TestLogger(), time.Minute)
	err := a.Update(update(`{"play":2}`, `[1,2]`, ``))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotTree)
	assert.JSONEq(t, `{}`, string(a.Value(protocol.StatsCommands, "")))
}

func TestFlushWithoutUpdates(t *testing.T) {
	store := &memStore{}
	a := NewAggregator(store, testutil.TestLogger(), time.Minute)
	require.NoError(t, a.Flush(context.Background()))
	require.NoError(t, a.Flush(context.Background()))
	require.Equal(t, 2, store.count())
	for _, ch := range Channels {
		assert.JSONEq(t, `{}`, string(store.saved[1][ch]))
	}
}

func TestFlushReportsStoreError(t *testing.T) {
	a := NewAggregator(&memStore{err: errors.New("disk full")}, testutil.TestLogger(), time.Minute)
	require.EqualError(t, a.Flush(context.Background()), "disk full")
}

func TestFlushLoopRunsOnCadence(t *testing.T) {
	store := &memStore{}
	a := NewAggregator(store, testutil.TestLogger(), 20*time.Millisecond)
	a.Start(context.Background())

	require.Eventually(t, func() bool { return store.count() >= 3 }, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	before := store.count()
	a.Drain(ctx)
	assert.GreaterOrEqual(t, store.count(), before+1, "drain performs a final flush")
}

func TestHandleRepliesWithStats(t *testing.T) {
	a := NewAggregator(&memStore{}, testutil.TestLogger(), time.Minute)
	require.NoError(t, a.Update(update(`{"play":4}`, ``, ``)))
	w := &recorder{}
	id := protocol.NumericID(9)

	a.Handle(context.Background(), w, protocol.Message{Type: protocol.TypeGetStats, ID: id, Kind: protocol.StatsCommands})

	require.Len(t, w.sent, 1)
	assert.Equal(t, protocol.TypeStats, w.sent[0].Type)
	assert.Equal(t, id, w.sent[0].ID)
	assert.JSONEq(t, `{"play":4}`, string(w.sent[0].Value))
}

func TestFileStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "stats")
	store := NewFileStore(dir)

	empty, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, empty)

	a := NewAggregator(store, testutil.TestLogger(), time.Minute)
	require.NoError(t, a.Update(update(`{"play":2}`, `{"d":{"play":1}}`, `{"w":{"play":1}}`)))
	require.NoError(t, a.Flush(ctx))

	b := NewAggregator(store, testutil.TestLogger(), time.Minute)
	require.NoError(t, b.Load(ctx))
	assert.JSONEq(t, `{"play":2}`, string(b.Value(protocol.StatsCommands, "")))
	assert.JSONEq(t, `{"play":1}`, string(b.Value(protocol.StatsDaily, "d")))

	// Flushing again overwrites rather than appends.
	require.NoError(t, b.Update(update(`{"play":1}`, ``, ``)))
	require.NoError(t, b.Flush(ctx))
	snap, err := store.Load(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"play":3}`, string(snap[protocol.StatsCommands]))
}

func TestDBStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	h, err := storage.NewSQLite(ctx, filepath.Join(t.TempDir(), "stats.sqlite"), testutil.TestLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })

	require.NoError(t, storage.RunMigrations(ctx, h, migrations.FS, testutil.TestLogger()))
	store := NewDBStore(h)

	a := NewAggregator(store, testutil.TestLogger(), time.Minute)
	require.NoError(t, a.Update(update(`{"play":2}`, ``, ``)))
	require.NoError(t, a.Flush(ctx))
	require.NoError(t, a.Update(update(`{"play":2}`, ``, ``)))
	require.NoError(t, a.Flush(ctx))

	b := NewAggregator(store, testutil.TestLogger(), time.Minute)
	require.NoError(t, b.Load(ctx))
	assert.JSONEq(t, `{"play":4}`, string(b.Value(protocol.StatsCommands, "")))

	row, err := h.Get(ctx, `SELECT COUNT(*) AS n FROM kanri_stats`)
	require.NoError(t, err)
	assert.Equal(t, int64(3), row["n"])
}

func TestConcurrentUpdatesAndFlushes(t *testing.T) {
	store := &memStore{}
	a := NewAggregator(store, testutil.TestLogger(), time.Minute)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			assert.NoError(t, a.Update(update(`{"n":1}`, ``, ``)))
		}()
		go func() {
			defer wg.Done()
			assert.NoError(t, a.Flush(context.Background()))
		}()
	}
	wg.Wait()
	assert.JSONEq(t, `{"n":50}`, string(a.Value(protocol.StatsCommands, "")))
}
