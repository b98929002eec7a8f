// Package testutil provides shared test infrastructure: a quiet logger and a
// throwaway Postgres container for the storage integration tests.
//
// Usage:
//
//	func TestPostgresThing(t *testing.T) {
//	    dsn := testutil.StartPostgres(t)
//	    h, _ := storage.Open(context.Background(), dsn, testutil.TestLogger())
//	    ...
//	}
package testutil

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// StartPostgres starts a Postgres container for the duration of t and returns
// its DSN. The test is skipped when no container runtime is available.
func StartPostgres(t *testing.T) string {
	t.Helper()
	testcontainers.SkipIfProviderIsNotHealthy(t)
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "kanri",
			"POSTGRES_PASSWORD": "kanri",
			"POSTGRES_DB":       "kanri",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("testutil: failed to start container: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("testutil: failed to get container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("testutil: failed to get container port: %v", err)
	}

	return fmt.Sprintf("postgres://kanri:kanri@%s:%s/kanri?sslmode=disable", host, port.Port())
}

// TestLogger returns a logger configured for test output (warns only).
func TestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}
