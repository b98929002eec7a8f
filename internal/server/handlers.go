package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashita-ai/kanri/internal/model"
	"github.com/ashita-ai/kanri/internal/service/broadcast"
)

// Handlers serves the admin API routes.
type Handlers struct {
	db           Database
	fleet        Fleet
	broadcaster  Broadcaster
	stats        StatsReader
	relay        InFlight
	logger       *slog.Logger
	version      string
	startedAt    time.Time
	maxBodyBytes int64
	openapiSpec  []byte
}

// HandleHealth reports database reachability and shard readiness. A shard
// that is down after having restarted makes the status "degraded"; shards
// that have not come up yet make it "starting".
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	dbStatus := "connected"
	status := "ok"
	httpStatus := http.StatusOK

	if err := h.db.Ping(r.Context()); err != nil {
		dbStatus = "disconnected"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	statuses := h.fleet.Statuses()
	ready := 0
	restarted := false
	for _, s := range statuses {
		if s.Ready {
			ready++
		} else if s.Restarts > 0 {
			restarted = true
		}
	}
	if status == "ok" && ready < len(statuses) {
		status = "starting"
		if restarted {
			status = "degraded"
		}
	}

	resp := model.HealthResponse{
		Status:      status,
		Version:     h.version,
		Database:    dbStatus,
		Backend:     h.db.Backend(),
		Shards:      len(statuses),
		ShardsReady: ready,
		Broadcasts:  h.broadcaster.Pending(),
		Uptime:      int64(time.Since(h.startedAt).Seconds()),
	}
	if h.relay != nil {
		resp.SQLInFlight = h.relay.Pending()
	}
	writeJSON(w, r, httpStatus, resp)
}

// HandleShards lists every configured shard.
func (h *Handlers) HandleShards(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, h.fleet.Statuses())
}

// HandleStats returns a stats channel. daily and weekly take the bucket
// key from ?key=; an absent bucket is data: null, not an error.
func (h *Handlers) HandleStats(w http.ResponseWriter, r *http.Request) {
	kind := r.PathValue("kind")
	if err := model.ValidateStatsKind(kind); err != nil {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, err.Error())
		return
	}
	writeJSON(w, r, http.StatusOK, h.stats.Value(kind, r.URL.Query().Get("key")))
}

// HandleBroadcast evaluates a script on every shard and returns the results
// in shard order.
func (h *Handlers) HandleBroadcast(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
	var req model.BroadcastRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}
	if err := model.ValidateBroadcastRequest(req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	results, err := h.broadcaster.Broadcast(r.Context(), req.Script)
	if err != nil {
		var se *broadcast.ShardError
		switch {
		case errors.As(err, &se):
			writeError(w, r, http.StatusBadGateway, model.ErrCodeShardFailure, err.Error())
		case errors.Is(err, broadcast.ErrBroadcastTimeout), errors.Is(err, context.DeadlineExceeded):
			writeError(w, r, http.StatusGatewayTimeout, model.ErrCodeTimeout, err.Error())
		default:
			h.logger.Error("broadcast failed", "error", err, "request_id", RequestIDFromContext(r.Context()))
			writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "broadcast failed")
		}
		return
	}
	writeJSON(w, r, http.StatusOK, model.BroadcastResponse{Results: results})
}

// HandleOpenAPISpec serves the embedded OpenAPI specification.
func (h *Handlers) HandleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	if len(h.openapiSpec) == 0 {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.openapiSpec)
}
