package storage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres is a Handle backed by a pgx connection pool. Queries use
// PostgreSQL placeholders ($1, $2, ...). Run cannot report a last insert ID;
// workers that need one should use get with a RETURNING clause.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgres creates a pool for dsn and verifies connectivity.
func NewPostgres(ctx context.Context, dsn string, logger *slog.Logger) (*Postgres, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: parse pool DSN: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("storage: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping pool: %w", err)
	}

	return &Postgres{pool: pool, logger: logger}, nil
}

// Backend returns "postgres".
func (p *Postgres) Backend() string { return "postgres" }

// Pool returns the underlying connection pool.
func (p *Postgres) Pool() *pgxpool.Pool { return p.pool }

// Get returns the first row of query, or nil when there is none.
func (p *Postgres) Get(ctx context.Context, query string, args ...any) (Row, error) {
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: get: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("storage: get: %w", err)
		}
		return nil, nil
	}
	row, err := pgRow(rows)
	if err != nil {
		return nil, err
	}
	return row, nil
}

// All returns every row of query.
func (p *Postgres) All(ctx context.Context, query string, args ...any) ([]Row, error) {
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: all: %w", err)
	}
	out, err := pgx.CollectRows(rows, pgRow)
	if err != nil {
		return nil, fmt.Errorf("storage: all: %w", err)
	}
	if out == nil {
		out = []Row{}
	}
	return out, nil
}

// Run executes one statement and reports the affected row count.
func (p *Postgres) Run(ctx context.Context, query string, args ...any) (RunResult, error) {
	tag, err := p.pool.Exec(ctx, query, args...)
	if err != nil {
		return RunResult{}, fmt.Errorf("storage: run: %w", err)
	}
	return RunResult{Changes: tag.RowsAffected()}, nil
}

// Exec executes every statement in script over the simple query protocol.
func (p *Postgres) Exec(ctx context.Context, script string) error {
	if _, err := p.pool.Exec(ctx, script, pgx.QueryExecModeSimpleProtocol); err != nil {
		return fmt.Errorf("storage: exec: %w", err)
	}
	return nil
}

// Ping checks connectivity to the database.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Close shuts down the pool.
func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

func pgRow(rows pgx.CollectableRow) (Row, error) {
	vals, err := rows.Values()
	if err != nil {
		return nil, fmt.Errorf("storage: scan: %w", err)
	}
	fields := rows.FieldDescriptions()
	row := make(Row, len(fields))
	for i, f := range fields {
		row[f.Name] = jsonValue(vals[i])
	}
	return row, nil
}
