package storage

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"
)

// RunMigrations executes unapplied .sql files from migrationsFS in name order
// against h. Applied files are recorded in a schema_migrations table so each
// runs at most once. This lets operators ship the schema the workers expect
// alongside the supervisor; it is forward-only.
func RunMigrations(ctx context.Context, h Handle, migrationsFS fs.FS, logger *slog.Logger) error {
	if err := h.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("storage: create schema_migrations: %w", err)
	}

	rows, err := h.All(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return fmt.Errorf("storage: load applied migrations: %w", err)
	}
	applied := make(map[string]bool, len(rows))
	for _, r := range rows {
		if v, ok := r["version"].(string); ok {
			applied[v] = true
		}
	}

	entries, err := fs.ReadDir(migrationsFS, ".")
	if err != nil {
		return fmt.Errorf("storage: read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	record := `INSERT INTO schema_migrations (version) VALUES (?)`
	if h.Backend() == "postgres" {
		record = `INSERT INTO schema_migrations (version) VALUES ($1)`
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		name := entry.Name()
		if applied[name] {
			logger.Debug("storage: migration already applied, skipping", "file", name)
			continue
		}

		content, err := fs.ReadFile(migrationsFS, name)
		if err != nil {
			return fmt.Errorf("storage: read migration %s: %w", name, err)
		}

		logger.Info("storage: running migration", "file", name)
		if err := h.Exec(ctx, string(content)); err != nil {
			return fmt.Errorf("storage: execute migration %s: %w", name, err)
		}
		if _, err := h.Run(ctx, record, name); err != nil {
			return fmt.Errorf("storage: record migration %s: %w", name, err)
		}
	}
	return nil
}
