// Package stopwatch measures the time between two pings with the same key.
package stopwatch

import (
	"log/slog"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/ashita-ai/kanri/protocol"
)

// Lap is the outcome of one ping.
type Lap struct {
	// Stopped is false for the first ping of a pair.
	Stopped bool
	Start   time.Time
	Elapsed time.Duration
}

// Registry holds one start time per key. An entry lives for exactly one
// start/stop pair: the second ping for a key removes it, so a third ping
// starts a new measurement.
type Registry struct {
	entries *xsync.MapOf[string, time.Time]
	now     func() time.Time
	logger  *slog.Logger
}

// New creates an empty Registry.
func New(logger *slog.Logger) *Registry {
	return &Registry{
		entries: xsync.NewMapOf[string, time.Time](),
		now:     time.Now,
		logger:  logger,
	}
}

// Ping starts the stopwatch for key, or stops it if it is already running.
func (r *Registry) Ping(key string) Lap {
	now := r.now()
	var lap Lap
	r.entries.Compute(key, func(start time.Time, loaded bool) (time.Time, bool) {
		if !loaded {
			return now, false
		}
		elapsed := now.Sub(start)
		if elapsed < 0 {
			elapsed = 0
		}
		lap = Lap{Stopped: true, Start: start, Elapsed: elapsed}
		return start, true
	})
	return lap
}

// Len returns the number of running stopwatches.
func (r *Registry) Len() int {
	return r.entries.Size()
}

// Reply pings the key carried in msg's ID and returns the answer. The reply
// carries start and elapsed (both milliseconds) only when the ping stopped a
// measurement. Reply never blocks, so callers can ping in arrival order and
// send the answer later.
func (r *Registry) Reply(msg protocol.Message) protocol.Message {
	key := protocol.IDKey(msg.ID)
	lap := r.Ping(key)
	reply := protocol.Message{Type: protocol.TypeStopwatch, ID: msg.ID}
	if lap.Stopped {
		start := lap.Start.UnixMilli()
		elapsed := lap.Elapsed.Milliseconds()
		reply.Start = &start
		reply.Elapsed = &elapsed
		r.logger.Debug("stopwatch: stopped", "key", key, "elapsed_ms", elapsed)
	}
	return reply
}
