// Package model defines the request and response types of the admin HTTP API.
package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ashita-ai/kanri/protocol"
)

// MaxScriptLen bounds the script accepted by POST /v1/broadcast. The script
// is copied to every shard.
const MaxScriptLen = 64 * 1024

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeRateLimited   = "RATE_LIMITED"
	ErrCodeShardFailure  = "SHARD_FAILURE"
	ErrCodeTimeout       = "TIMEOUT"
)

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status      string `json:"status"` // "ok", "degraded", "starting"
	Version     string `json:"version"`
	Database    string `json:"database"`
	Backend     string `json:"backend"`
	Shards      int    `json:"shards"`
	ShardsReady int    `json:"shards_ready"`
	Broadcasts  int    `json:"pending_broadcasts"`
	SQLInFlight int    `json:"sql_in_flight"`
	Uptime      int64  `json:"uptime_seconds"`
}

// BroadcastRequest is the request body for POST /v1/broadcast.
type BroadcastRequest struct {
	Script string `json:"script"`
}

// BroadcastResponse carries per-shard results ordered by shard ID.
type BroadcastResponse struct {
	Results []json.RawMessage `json:"results"`
}

// ValidateBroadcastRequest rejects empty and oversized scripts.
func ValidateBroadcastRequest(r BroadcastRequest) error {
	if strings.TrimSpace(r.Script) == "" {
		return fmt.Errorf("script is required")
	}
	if len(r.Script) > MaxScriptLen {
		return fmt.Errorf("script exceeds maximum length of %d bytes", MaxScriptLen)
	}
	return nil
}

// ValidateStatsKind accepts the three stats channels.
func ValidateStatsKind(kind string) error {
	switch kind {
	case protocol.StatsCommands, protocol.StatsDaily, protocol.StatsWeekly:
		return nil
	}
	return fmt.Errorf("unknown stats kind %q (want commands, daily or weekly)", kind)
}
