package poster

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kanri/internal/testutil"
)

type fakeBroadcaster struct {
	results []json.RawMessage
	err     error
	calls   atomic.Int32
}

func (b *fakeBroadcaster) Broadcast(context.Context, string) ([]json.RawMessage, error) {
	b.calls.Add(1)
	return b.results, b.err
}

func raws(ss ...string) []json.RawMessage {
	out := make([]json.RawMessage, len(ss))
	for i, s := range ss {
		out[i] = json.RawMessage(s)
	}
	return out
}

func TestPostSumsShardCounts(t *testing.T) {
	var got Payload
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := New(Config{URL: srv.URL, Token: "secret", Script: "shard.guilds"},
		&fakeBroadcaster{results: raws(`120`, `80`, `1.0`)}, testutil.TestLogger())

	payload, err := p.Post(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Payload{ServerCount: 201, ShardCount: 3}, payload)
	assert.Equal(t, payload, got)
	assert.Equal(t, "secret", auth)
}

func TestPostRejectsNonNumericResult(t *testing.T) {
	p := New(Config{URL: "http://127.0.0.1:1"}, &fakeBroadcaster{results: raws(`1`, `"many"`)}, testutil.TestLogger())
	_, err := p.Post(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "shard 1")
}

func TestPostPropagatesBroadcastError(t *testing.T) {
	p := New(Config{URL: "http://127.0.0.1:1"}, &fakeBroadcaster{err: errors.New("shard 0: not ready")}, testutil.TestLogger())
	_, err := p.Post(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not ready")
}

func TestPostReportsHTTPFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bad token", http.StatusUnauthorized)
	}))
	defer srv.Close()

	p := New(Config{URL: srv.URL}, &fakeBroadcaster{results: raws(`1`)}, testutil.TestLogger())
	_, err := p.Post(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
	assert.Contains(t, err.Error(), "bad token")
}

func TestRunPostsOnInterval(t *testing.T) {
	var posts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		posts.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	p := New(Config{URL: srv.URL, Interval: 10 * time.Millisecond}, &fakeBroadcaster{results: raws(`1`)}, testutil.TestLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool { return posts.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}
