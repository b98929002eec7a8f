// Package kanri is the public API for embedding the kanri shard supervisor.
//
// The supervisor spawns a fleet of worker processes, relays their SQL to one
// shared database handle, coordinates broadcasts across them and aggregates
// the statistics they report:
//
//	app, err := kanri.New(
//	    kanri.WithVersion(version),
//	    kanri.WithLogger(logger),
//	    kanri.WithShardCount(4),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph is one-way: kanri (root) imports internal/*, but internal/*
// never imports kanri (root).
package kanri

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/kanri/api"
	"github.com/ashita-ai/kanri/internal/config"
	"github.com/ashita-ai/kanri/internal/dispatch"
	"github.com/ashita-ai/kanri/internal/poster"
	"github.com/ashita-ai/kanri/internal/ratelimit"
	"github.com/ashita-ai/kanri/internal/router"
	"github.com/ashita-ai/kanri/internal/server"
	"github.com/ashita-ai/kanri/internal/service/broadcast"
	"github.com/ashita-ai/kanri/internal/service/relay"
	"github.com/ashita-ai/kanri/internal/service/stats"
	"github.com/ashita-ai/kanri/internal/service/stopwatch"
	"github.com/ashita-ai/kanri/internal/shard"
	"github.com/ashita-ai/kanri/internal/storage"
	"github.com/ashita-ai/kanri/internal/telemetry"
	"github.com/ashita-ai/kanri/migrations"
)

// ErrRestartRequested is returned by Run when a worker asked the supervisor
// to restart. The process manager running the supervisor is expected to
// start it again.
var ErrRestartRequested = errors.New("kanri: restart requested by shard")

// App is the supervisor lifecycle. Construct with New(), run with Run().
type App struct {
	cfg          config.Config
	db           storage.Handle
	manager      *shard.Manager
	router       *router.Router
	relay        *relay.Relay
	stats        *stats.Aggregator
	stopwatches  *stopwatch.Registry
	broadcasts   *broadcast.Coordinator
	poster       *poster.Poster // nil when KANRI_POST_URL is unset
	limiter      ratelimit.Limiter
	srv          *server.Server
	sqlLog       io.Closer // nil when the slow log is disabled
	otelShutdown telemetry.Shutdown
	restart      chan int
	logger       *slog.Logger
	version      string
	session      string
}

// New initialises the supervisor. It connects to the shared database, runs
// migrations, loads the last stats snapshot and wires every component. It
// does NOT spawn workers or accept HTTP connections; call Run.
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	o.apply(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	version := o.version
	if version == "" {
		version = "dev"
	}
	session := uuid.NewString()
	startedAt := time.Now()

	logger.Info("kanri starting", "version", version, "session", session,
		"shards", cfg.ShardCount, "port", cfg.Port)

	ctx := context.Background()
	otelShutdown, err := telemetry.Init(ctx, telemetry.Config{
		Endpoint:       cfg.OTELEndpoint,
		Insecure:       cfg.OTELInsecure,
		ServiceName:    cfg.ServiceName,
		ServiceVersion: version,
		Session:        session,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	// Cleanup stack unwound on any later failure.
	var closers []func()
	fail := func(err error) (*App, error) {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
		_ = otelShutdown(context.Background())
		return nil, err
	}

	db, err := storage.Open(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return fail(fmt.Errorf("storage: %w", err))
	}
	closers = append(closers, func() { _ = db.Close() })
	storage.RegisterPoolMetrics(db)

	if err := storage.RunMigrations(ctx, db, migrations.FS, logger); err != nil {
		return fail(fmt.Errorf("migrations: %w", err))
	}
	if cfg.MigrationsDir != "" {
		if err := storage.RunMigrations(ctx, db, os.DirFS(cfg.MigrationsDir), logger); err != nil {
			return fail(fmt.Errorf("migrations from %s: %w", cfg.MigrationsDir, err))
		}
	}

	var store stats.Store
	switch cfg.StatsStore {
	case "database":
		store = stats.NewDBStore(db)
	default:
		store = stats.NewFileStore(cfg.StatsDir)
	}
	agg := stats.NewAggregator(store, logger, cfg.StatsFlushInterval)
	if err := agg.Load(ctx); err != nil {
		return fail(err)
	}

	var sqlLog *os.File
	if cfg.SQLLogPath != "" {
		sqlLog, err = os.OpenFile(cfg.SQLLogPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fail(fmt.Errorf("open sql log: %w", err))
		}
		closers = append(closers, func() { _ = sqlLog.Close() })
	}
	var slow *relay.SlowLog
	if sqlLog != nil {
		slow = relay.NewSlowLog(sqlLog, cfg.SQLSlowThreshold)
	}

	manager := shard.NewManager(shard.Config{
		Count:        cfg.ShardCount,
		Command:      cfg.WorkerCommand,
		Args:         cfg.WorkerArgs,
		SpawnDelay:   cfg.SpawnDelay,
		Respawn:      cfg.Respawn,
		RespawnDelay: cfg.RespawnDelay,
		StopTimeout:  cfg.StopTimeout,
		Session:      session,
		StartedAt:    startedAt,
	}, logger)

	dispatcher := dispatch.New(cfg.DeliveryInterval, cfg.DeliveryMaxAttempts, logger)
	coordinator := broadcast.NewCoordinator(manager, dispatcher, cfg.BroadcastTimeout, logger)
	rel := relay.New(db, slow, logger)

	app := &App{
		cfg:          cfg,
		db:           db,
		manager:      manager,
		relay:        rel,
		stats:        agg,
		broadcasts:   coordinator,
		otelShutdown: otelShutdown,
		restart:      make(chan int, 1),
		logger:       logger,
		version:      version,
		session:      session,
	}
	if sqlLog != nil {
		app.sqlLog = sqlLog
	}

	app.stopwatches = stopwatch.New(logger)
	app.router = &router.Router{
		SQL:       rel,
		Stopwatch: app.stopwatches,
		Broadcast: coordinator,
		Stats:     agg,
		OnRestart: app.requestRestart,
		Logger:    logger,
	}

	app.limiter = ratelimit.New(cfg.RateLimitRPS, cfg.RateLimitBurst)
	app.srv = server.New(server.ServerConfig{
		DB:           db,
		Fleet:        manager,
		Broadcaster:  coordinator,
		Stats:        agg,
		Relay:        rel,
		Limiter:      app.limiter,
		Logger:       logger,
		Port:         cfg.Port,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		Version:      version,
		StartedAt:    startedAt,
		OpenAPISpec:  api.OpenAPISpec,
	})

	if cfg.PostURL != "" {
		app.poster = poster.New(poster.Config{
			URL:      cfg.PostURL,
			Token:    cfg.PostToken,
			Script:   cfg.PostScript,
			Interval: cfg.PostInterval,
		}, coordinator, logger)
	}

	app.registerMetrics()
	return app, nil
}

// registerMetrics registers observable OTEL gauges for fleet and in-flight
// work. Called after the global meter provider has been initialized.
func (a *App) registerMetrics() {
	meter := telemetry.Meter("kanri")

	_, _ = meter.Int64ObservableGauge("kanri.shards.ready",
		metric.WithDescription("Shards that have announced readiness"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			var ready int64
			for _, s := range a.manager.Statuses() {
				if s.Ready {
					ready++
				}
			}
			o.Observe(ready)
			return nil
		}),
	)
	_, _ = meter.Int64ObservableGauge("kanri.broadcast.pending",
		metric.WithDescription("Broadcasts waiting for shard results"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(a.broadcasts.Pending()))
			return nil
		}),
	)
	_, _ = meter.Int64ObservableGauge("kanri.relay.in_flight",
		metric.WithDescription("SQL requests awaiting a database result"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(a.relay.Pending()))
			return nil
		}),
	)
	_, _ = meter.Int64ObservableGauge("kanri.stopwatch.running",
		metric.WithDescription("Stopwatch measurements started but not stopped"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(a.stopwatches.Len()))
			return nil
		}),
	)
}

// Handler returns the admin HTTP handler, for tests and embedding.
func (a *App) Handler() http.Handler {
	return a.srv.Handler()
}

// Session returns the ID of this supervisor run, shared with every worker.
func (a *App) Session() string {
	return a.session
}

// requestRestart is the router's restart hook. Only the first request counts.
func (a *App) requestRestart(w shard.Worker) {
	select {
	case a.restart <- w.ID():
	default:
	}
}

// Run spawns the fleet, routes worker messages and serves the admin API until
// ctx is cancelled, a component fails or a worker requests a restart. It then
// shuts everything down; callers should not call Shutdown separately.
// A restart request is reported as ErrRestartRequested.
func (a *App) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	a.stats.Start(context.WithoutCancel(runCtx))

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return a.manager.Run(gctx) })
	g.Go(func() error { return a.router.Run(gctx, a.manager.Inbound()) })
	if a.poster != nil {
		g.Go(func() error { return a.poster.Run(gctx) })
	}
	g.Go(func() error {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
		case id := <-a.restart:
			a.logger.Warn("restart requested", "shard", id)
			cancel(ErrRestartRequested)
		}
		httpCtx, httpCancel := contextWithOptionalTimeout(context.Background(), a.cfg.StopTimeout)
		defer httpCancel()
		if err := a.srv.Shutdown(httpCtx); err != nil {
			a.logger.Error("http shutdown error", "error", err)
		}
		return nil
	})

	runErr := g.Wait()
	if err := a.Shutdown(context.Background()); err != nil && runErr == nil {
		runErr = err
	}
	if errors.Is(context.Cause(runCtx), ErrRestartRequested) {
		return ErrRestartRequested
	}
	return runErr
}

// Shutdown drains what is still in flight once the fleet has stopped:
// (1) outstanding SQL requests, (2) the final stats flush. It then closes
// the database, the SQL log and the OTEL provider.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("kanri shutting down")

	relayCtx, relayCancel := contextWithOptionalTimeout(ctx, a.cfg.StopTimeout)
	if err := a.relay.Wait(relayCtx); err != nil {
		a.logger.Warn("sql relay drain incomplete", "error", err, "pending", a.relay.Pending())
	}
	relayCancel()

	statsCtx, statsCancel := contextWithOptionalTimeout(ctx, a.cfg.StopTimeout)
	a.stats.Drain(statsCtx)
	statsCancel()

	_ = a.limiter.Close()
	var errs []error
	if a.sqlLog != nil {
		if err := a.sqlLog.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close sql log: %w", err))
		}
	}
	if err := a.db.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close database: %w", err))
	}
	_ = a.otelShutdown(context.Background())

	a.logger.Info("kanri stopped")
	return errors.Join(errs...)
}

func contextWithOptionalTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, timeout)
}
