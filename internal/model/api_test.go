package model_test

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kanri/internal/model"
)

func TestValidateBroadcastRequest(t *testing.T) {
	assert.NoError(t, model.ValidateBroadcastRequest(model.BroadcastRequest{Script: "this.guilds.cache.size"}))
	assert.NoError(t, model.ValidateBroadcastRequest(model.BroadcastRequest{Script: strings.Repeat("x", model.MaxScriptLen)}),
		"at the limit should pass")

	err := model.ValidateBroadcastRequest(model.BroadcastRequest{Script: "   "})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "required")

	err = model.ValidateBroadcastRequest(model.BroadcastRequest{Script: strings.Repeat("x", model.MaxScriptLen+1)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "maximum length")
}

func TestValidateStatsKind(t *testing.T) {
	for _, k := range []string{"commands", "daily", "weekly"} {
		assert.NoError(t, model.ValidateStatsKind(k), k)
	}
	assert.Error(t, model.ValidateStatsKind("monthly"))
	assert.Error(t, model.ValidateStatsKind(""))
}

func TestAPIErrorEnvelope(t *testing.T) {
	b, err := json.Marshal(model.APIError{
		Error: model.ErrorDetail{Code: model.ErrCodeShardFailure, Message: "shard 2: boom"},
		Meta:  model.ResponseMeta{RequestID: "r-1", Timestamp: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)},
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"error": {"code": "SHARD_FAILURE", "message": "shard 2: boom"},
		"meta": {"request_id": "r-1", "timestamp": "2024-01-02T03:04:05Z"}
	}`, string(b))
}
