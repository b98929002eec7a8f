package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kanri/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// stubWorker becomes ready after readyAfter readiness checks (never if < 0).
type stubWorker struct {
	readyAfter int
	sendErr    error

	checks atomic.Int32
	mu     sync.Mutex
	sent   []protocol.Message
}

func (w *stubWorker) ID() int { return 1 }

func (w *stubWorker) Ready() bool {
	n := w.checks.Add(1)
	return w.readyAfter >= 0 && int(n) > w.readyAfter
}

func (w *stubWorker) Send(_ context.Context, msg protocol.Message) error {
	if w.sendErr != nil {
		return w.sendErr
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.sent = append(w.sent, msg)
	return nil
}

func (w *stubWorker) sentCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.sent)
}

func waitErr(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("onGiveUp not called")
		return nil
	}
}

func TestDeliverImmediatelyWhenReady(t *testing.T) {
	w := &stubWorker{readyAfter: 0}
	d := New(time.Millisecond, 20, testLogger())

	gaveUp := make(chan error, 1)
	d.Deliver(context.Background(), w, protocol.Message{Type: protocol.TypeEval}, func(err error) { gaveUp <- err })

	require.Eventually(t, func() bool { return w.sentCount() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, int32(1), w.checks.Load())
	assert.Empty(t, gaveUp)
}

func TestDeliverRetriesUntilReady(t *testing.T) {
	w := &stubWorker{readyAfter: 5}
	d := New(time.Millisecond, 20, testLogger())

	d.Deliver(context.Background(), w, protocol.Message{Type: protocol.TypeEval}, func(error) {
		t.Error("should not give up")
	})

	require.Eventually(t, func() bool { return w.sentCount() == 1 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, int32(6), w.checks.Load())
}

func TestDeliverGivesUpAfterBudget(t *testing.T) {
	w := &stubWorker{readyAfter: -1}
	d := New(2*time.Millisecond, 20, testLogger())

	var calls atomic.Int32
	gaveUp := make(chan error, 2)
	start := time.Now()
	d.Deliver(context.Background(), w, protocol.Message{Type: protocol.TypeEval}, func(err error) {
		calls.Add(1)
		gaveUp <- err
	})

	err := waitErr(t, gaveUp)
	assert.ErrorIs(t, err, ErrNotReady)
	assert.Equal(t, int32(20), w.checks.Load(), "exactly 20 readiness attempts")
	assert.GreaterOrEqual(t, time.Since(start), 19*2*time.Millisecond, "attempts are spaced by the interval")
	assert.Equal(t, 0, w.sentCount())

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load(), "onGiveUp called exactly once")
}

func TestDeliverBudgetsAreIndependent(t *testing.T) {
	d := New(time.Millisecond, 3, testLogger())
	a := &stubWorker{readyAfter: -1}
	b := &stubWorker{readyAfter: -1}

	errs := make(chan error, 2)
	d.Deliver(context.Background(), a, protocol.Message{Type: protocol.TypeEval}, func(err error) { errs <- err })
	d.Deliver(context.Background(), b, protocol.Message{Type: protocol.TypeEval}, func(err error) { errs <- err })

	waitErr(t, errs)
	waitErr(t, errs)
	assert.Equal(t, int32(3), a.checks.Load())
	assert.Equal(t, int32(3), b.checks.Load())
}

func TestDeliverSendFailureGivesUp(t *testing.T) {
	sendErr := errors.New("pipe closed")
	w := &stubWorker{readyAfter: 0, sendErr: sendErr}
	d := New(time.Millisecond, 20, testLogger())

	gaveUp := make(chan error, 1)
	d.Deliver(context.Background(), w, protocol.Message{Type: protocol.TypeEval}, func(err error) { gaveUp <- err })
	assert.ErrorIs(t, waitErr(t, gaveUp), sendErr)
}

func TestDeliverStopsOnCancel(t *testing.T) {
	w := &stubWorker{readyAfter: -1}
	d := New(time.Hour, 20, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	gaveUp := make(chan error, 1)
	d.Deliver(ctx, w, protocol.Message{Type: protocol.TypeEval}, func(err error) { gaveUp <- err })

	require.Eventually(t, func() bool { return w.checks.Load() == 1 }, time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t, waitErr(t, gaveUp), context.Canceled)
}

func TestNewAppliesDefaults(t *testing.T) {
	d := New(0, 0, testLogger())
	assert.Equal(t, DefaultInterval, d.interval)
	assert.Equal(t, DefaultMaxAttempts, d.maxAttempts)
}
