// Package server implements the supervisor's admin HTTP API.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashita-ai/kanri/internal/model"
	"github.com/ashita-ai/kanri/internal/ratelimit"
	"github.com/ashita-ai/kanri/internal/shard"
)

// Database is the part of the shared handle the health check needs.
type Database interface {
	Ping(ctx context.Context) error
	Backend() string
}

// Fleet reports per-shard state.
type Fleet interface {
	Statuses() []shard.Status
}

// Broadcaster runs an in-process broadcast.
type Broadcaster interface {
	Broadcast(ctx context.Context, script string) ([]json.RawMessage, error)
	Pending() int
}

// StatsReader answers stats queries.
type StatsReader interface {
	Value(channel, key string) json.RawMessage
}

// InFlight reports outstanding work, such as relayed SQL requests.
type InFlight interface {
	Pending() int
}

// Server is the kanri admin HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Limiter and Relay may be nil.
type ServerConfig struct {
	DB          Database
	Fleet       Fleet
	Broadcaster Broadcaster
	Stats       StatsReader
	Relay       InFlight
	Limiter     ratelimit.Limiter
	Logger      *slog.Logger

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	StartedAt           time.Time
	MaxRequestBodyBytes int64
	OpenAPISpec         []byte // Embedded OpenAPI YAML.
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := &Handlers{
		db:           cfg.DB,
		fleet:        cfg.Fleet,
		broadcaster:  cfg.Broadcaster,
		stats:        cfg.Stats,
		relay:        cfg.Relay,
		logger:       cfg.Logger,
		version:      cfg.Version,
		startedAt:    cfg.StartedAt,
		maxBodyBytes: cfg.MaxRequestBodyBytes,
		openapiSpec:  cfg.OpenAPISpec,
	}
	if h.maxBodyBytes <= 0 {
		h.maxBodyBytes = 1 << 20
	}

	deny := func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusTooManyRequests, model.ErrCodeRateLimited, "too many requests")
	}
	broadcastRL := ratelimit.Middleware(cfg.Limiter, ratelimit.IPKeyFunc("broadcast"), deny, cfg.Logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", h.HandleHealth)
	mux.HandleFunc("GET /openapi.yaml", h.HandleOpenAPISpec)
	mux.HandleFunc("GET /v1/shards", h.HandleShards)
	mux.HandleFunc("GET /v1/stats/{kind}", h.HandleStats)
	mux.Handle("POST /v1/broadcast", broadcastRL(http.HandlerFunc(h.HandleBroadcast)))

	// Middleware chain (outermost executes first):
	// request ID → tracing → logging → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler: handler,
		logger:  cfg.Logger,
	}
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
