// Package storage provides the single database handle the supervisor shares
// with every worker.
//
// Workers address the database through four access kinds modelled on the
// classic SQLite driver API: get (first row), all (every row), run (one
// statement, reporting last insert ID and affected rows) and exec (a script
// of statements, no result). Two backends implement Handle: SQLite through
// modernc.org/sqlite (the default) and PostgreSQL through pgx.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/ashita-ai/kanri/protocol"
)

// Row is one result row keyed by column name.
type Row map[string]any

// RunResult reports the effect of a run statement.
type RunResult struct {
	LastID  int64 `json:"lastID"`
	Changes int64 `json:"changes"`
}

// Handle is a shared database connection. Implementations must be safe for
// concurrent use; the supervisor does no locking of its own.
type Handle interface {
	// Get returns the first row, or nil if the query produced none.
	Get(ctx context.Context, query string, args ...any) (Row, error)
	// All returns every row; an empty result is a non-nil empty slice.
	All(ctx context.Context, query string, args ...any) ([]Row, error)
	// Run executes one statement.
	Run(ctx context.Context, query string, args ...any) (RunResult, error)
	// Exec executes a script that may contain several statements.
	Exec(ctx context.Context, script string) error
	Ping(ctx context.Context) error
	Close() error
	// Backend names the implementation ("sqlite" or "postgres").
	Backend() string
}

// Open connects to the database named by dsn. postgres:// and postgresql://
// URLs select PostgreSQL; anything else is handed to SQLite.
func Open(ctx context.Context, dsn string, logger *slog.Logger) (Handle, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return NewPostgres(ctx, dsn, logger)
	}
	return NewSQLite(ctx, dsn, logger)
}

// Do runs query with the named access kind and returns a JSON-encodable
// result. rawArgs is the request's args value as sent; see DecodeArgs.
// Unknown kinds yield ErrUnknownKind.
func Do(ctx context.Context, h Handle, kind, query string, rawArgs json.RawMessage) (any, error) {
	args, err := DecodeArgs(h.Backend(), rawArgs)
	if err != nil {
		return nil, err
	}
	switch kind {
	case protocol.KindGet:
		row, err := h.Get(ctx, query, args...)
		if err != nil || row == nil {
			return nil, err
		}
		return row, nil
	case protocol.KindAll:
		return h.All(ctx, query, args...)
	case protocol.KindRun:
		return h.Run(ctx, query, args...)
	case protocol.KindExec:
		if len(args) > 0 {
			return nil, fmt.Errorf("storage: exec takes no arguments")
		}
		return nil, h.Exec(ctx, query)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}

// NormalizeArgs converts JSON-decoded arguments into values both drivers bind
// cleanly: integral floats become int64 and composite values become JSON text.
func NormalizeArgs(args []any) []any {
	if len(args) == 0 {
		return args
	}
	out := make([]any, len(args))
	for i, a := range args {
		switch v := a.(type) {
		case float64:
			if v == math.Trunc(v) && math.Abs(v) < 1<<53 {
				out[i] = int64(v)
			} else {
				out[i] = v
			}
		case json.Number:
			if n, err := v.Int64(); err == nil {
				out[i] = n
			} else if f, err := v.Float64(); err == nil {
				out[i] = f
			} else {
				out[i] = v.String()
			}
		case map[string]any, []any:
			b, err := json.Marshal(v)
			if err != nil {
				out[i] = fmt.Sprint(v)
			} else {
				out[i] = string(b)
			}
		default:
			out[i] = a
		}
	}
	return out
}

// jsonValue converts a scanned column value into something that encodes to
// natural JSON.
func jsonValue(v any) any {
	switch x := v.(type) {
	case []byte:
		if utf8.Valid(x) {
			return string(x)
		}
		return x
	case [16]byte:
		return uuid.UUID(x).String()
	default:
		return v
	}
}
