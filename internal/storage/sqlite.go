package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	_ "modernc.org/sqlite" // registers the "sqlite" database/sql driver
)

// SQLite is a Handle backed by a database/sql pool on the modernc driver.
type SQLite struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLite opens the SQLite database at dsn (a path or file: URI). A busy
// timeout is added unless the DSN already sets one, so concurrent writers
// wait for the lock instead of failing immediately.
func NewSQLite(ctx context.Context, dsn string, logger *slog.Logger) (*SQLite, error) {
	db, err := sql.Open("sqlite", withPragmas(dsn))
	if err != nil {
		return nil, fmt.Errorf("storage: open sqlite: %w", err)
	}
	// Every connection to an in-memory database is a separate database.
	if strings.Contains(dsn, ":memory:") || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: ping sqlite: %w", err)
	}
	return &SQLite{db: db, logger: logger}, nil
}

func withPragmas(dsn string) string {
	if strings.Contains(dsn, "busy_timeout") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=busy_timeout(5000)"
}

// Backend returns "sqlite".
func (s *SQLite) Backend() string { return "sqlite" }

// DB exposes the underlying pool for tests and migrations.
func (s *SQLite) DB() *sql.DB { return s.db }

// Get returns the first row of query, or nil when there is none.
func (s *SQLite) Get(ctx context.Context, query string, args ...any) (Row, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: get: %w", err)
	}
	defer func() { _ = rows.Close() }()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("storage: get columns: %w", err)
	}
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("storage: get: %w", err)
		}
		return nil, nil
	}
	return scanRow(rows, cols)
}

// All returns every row of query.
func (s *SQLite) All(ctx context.Context, query string, args ...any) ([]Row, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: all: %w", err)
	}
	defer func() { _ = rows.Close() }()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("storage: all columns: %w", err)
	}
	out := []Row{}
	for rows.Next() {
		row, err := scanRow(rows, cols)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: all: %w", err)
	}
	return out, nil
}

// Run executes one statement and reports its effect.
func (s *SQLite) Run(ctx context.Context, query string, args ...any) (RunResult, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return RunResult{}, fmt.Errorf("storage: run: %w", err)
	}
	var out RunResult
	if out.LastID, err = res.LastInsertId(); err != nil {
		return RunResult{}, fmt.Errorf("storage: run last id: %w", err)
	}
	if out.Changes, err = res.RowsAffected(); err != nil {
		return RunResult{}, fmt.Errorf("storage: run rows affected: %w", err)
	}
	return out, nil
}

// Exec executes every statement in script.
func (s *SQLite) Exec(ctx context.Context, script string) error {
	if _, err := s.db.ExecContext(ctx, script); err != nil {
		return fmt.Errorf("storage: exec: %w", err)
	}
	return nil
}

// Ping checks connectivity to the database.
func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the pool.
func (s *SQLite) Close() error {
	if err := s.db.Close(); err != nil && !errors.Is(err, sql.ErrConnDone) {
		return fmt.Errorf("storage: close sqlite: %w", err)
	}
	return nil
}

func scanRow(rows *sql.Rows, cols []string) (Row, error) {
	vals := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, fmt.Errorf("storage: scan: %w", err)
	}
	row := make(Row, len(cols))
	for i, c := range cols {
		row[c] = jsonValue(vals[i])
	}
	return row, nil
}
