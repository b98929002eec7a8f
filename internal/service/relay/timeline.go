package relay

import (
	"fmt"
	"io"
	"sync"
	"time"
)

// DefaultSlowThreshold is the total latency at which a relay is written to
// the slow log.
const DefaultSlowThreshold = time.Second

// Timeline records the phases of one relayed query: arrival, database settle
// and reply dispatch.
type Timeline struct {
	Start   time.Time
	DB      time.Duration // arrival to database settle
	Total   time.Duration // arrival to reply sent
	Failed  bool
	Shard   int
	QueryID string
}

// SentOff is the time between the database settling and the reply going out.
func (t Timeline) SentOff() time.Duration {
	return t.Total - t.DB
}

// String renders the slow log line.
func (t Timeline) String() string {
	return fmt.Sprintf("SQL rec at %d, finished %d ms later, sent off %d ms later, total %d ms.",
		t.Start.UnixMilli(), t.DB.Milliseconds(), t.SentOff().Milliseconds(), t.Total.Milliseconds())
}

// SlowLog appends timelines whose total reaches a threshold. Faster
// timelines are discarded.
type SlowLog struct {
	threshold time.Duration

	mu sync.Mutex
	w  io.Writer
}

// NewSlowLog writes to w. A nil w discards everything.
func NewSlowLog(w io.Writer, threshold time.Duration) *SlowLog {
	if threshold <= 0 {
		threshold = DefaultSlowThreshold
	}
	return &SlowLog{w: w, threshold: threshold}
}

// Record writes t if it is slow and reports whether it did.
func (l *SlowLog) Record(t Timeline) (bool, error) {
	if l == nil || l.w == nil || t.Total < l.threshold {
		return false, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := io.WriteString(l.w, t.String()+"\n"); err != nil {
		return false, fmt.Errorf("relay: write slow log: %w", err)
	}
	return true, nil
}
