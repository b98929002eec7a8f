// Package worker is the shard-side client of the kanri supervisor protocol.
//
// A worker process talks to its supervisor over stdin/stdout, one JSON
// message per line. The Client sends requests (SQL, stopwatch pings,
// broadcasts, stats) and matches replies to them by correlation ID; it also
// answers the supervisor's eval requests with a caller-supplied handler.
package worker

import (
	"errors"
	"fmt"
)

// ErrClosed is returned by requests made after the connection to the
// supervisor is gone, and by requests still waiting when it goes.
var ErrClosed = errors.New("worker: connection closed")

// Stopwatch pings toggle: these report a ping that did the opposite of what
// the caller asked for.
var (
	ErrStopwatchRunning    = errors.New("worker: stopwatch already running")
	ErrStopwatchNotRunning = errors.New("worker: stopwatch not running")
)

// Error is a failure reported by the supervisor in a reply.
type Error struct {
	Op      string // request type, e.g. "sql" or "broadcastEval"
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("worker: %s: %s", e.Op, e.Message)
}

// IsRemote reports whether err came from the supervisor rather than from the
// local connection.
func IsRemote(err error) bool {
	var e *Error
	return errors.As(err, &e)
}
