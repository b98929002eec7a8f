package storage

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kanri/internal/telemetry"
)

// PoolStats is a backend-neutral view of connection pool usage.
type PoolStats struct {
	Open  int64 // connections currently established
	InUse int64 // connections running a query
	Idle  int64
	Max   int64 // 0 when unlimited
}

// Stats reports pool usage for the SQLite handle.
func (s *SQLite) Stats() PoolStats {
	st := s.db.Stats()
	return PoolStats{
		Open:  int64(st.OpenConnections),
		InUse: int64(st.InUse),
		Idle:  int64(st.Idle),
		Max:   int64(st.MaxOpenConnections),
	}
}

// Stats reports pool usage for the Postgres handle.
func (p *Postgres) Stats() PoolStats {
	st := p.pool.Stat()
	return PoolStats{
		Open:  int64(st.TotalConns()),
		InUse: int64(st.AcquiredConns()),
		Idle:  int64(st.IdleConns()),
		Max:   int64(st.MaxConns()),
	}
}

// RegisterPoolMetrics registers observable OTEL gauges for the handle's
// connection pool. Handles that cannot report pool usage are skipped.
// Call after telemetry.Init.
func RegisterPoolMetrics(h Handle) {
	src, ok := h.(interface{ Stats() PoolStats })
	if !ok {
		return
	}
	backend := metric.WithAttributes(attribute.String("backend", h.Backend()))
	meter := telemetry.Meter("kanri/storage")

	gauge := func(name, desc string, read func(PoolStats) int64) {
		_, _ = meter.Int64ObservableGauge(name,
			metric.WithDescription(desc),
			metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
				o.Observe(read(src.Stats()), backend)
				return nil
			}),
		)
	}
	gauge("kanri.db.pool.open", "Open database connections", func(s PoolStats) int64 { return s.Open })
	gauge("kanri.db.pool.in_use", "Database connections running a query", func(s PoolStats) int64 { return s.InUse })
	gauge("kanri.db.pool.idle", "Idle database connections", func(s PoolStats) int64 { return s.Idle })
}
