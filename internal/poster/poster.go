// Package poster periodically publishes the fleet-wide server count to a
// bot-list service. The count is gathered with an in-process broadcast.
package poster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// DefaultInterval is how often counts are posted.
const DefaultInterval = 2 * time.Minute

// Broadcaster evaluates a script on every shard.
type Broadcaster interface {
	Broadcast(ctx context.Context, script string) ([]json.RawMessage, error)
}

// Config configures a Poster.
type Config struct {
	URL      string
	Token    string
	Script   string // evaluated on each shard; must yield a number
	Interval time.Duration
	Client   *http.Client
}

// Payload is the body posted to the bot list.
type Payload struct {
	ServerCount int64 `json:"server_count"`
	ShardCount  int   `json:"shard_count"`
}

// Poster posts the summed per-shard counts on a fixed interval.
type Poster struct {
	cfg    Config
	bc     Broadcaster
	logger *slog.Logger
}

// New creates a Poster.
func New(cfg Config, bc Broadcaster, logger *slog.Logger) *Poster {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Poster{cfg: cfg, bc: bc, logger: logger}
}

// Run posts every interval until ctx is done. Failures are logged and the
// next tick tries again.
func (p *Poster) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			payload, err := p.Post(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				p.logger.Warn("poster: post failed", "error", err)
				continue
			}
			p.logger.Info("poster: posted", "server_count", payload.ServerCount, "shard_count", payload.ShardCount)
		}
	}
}

// Post gathers the counts once and sends them.
func (p *Poster) Post(ctx context.Context) (Payload, error) {
	results, err := p.bc.Broadcast(ctx, p.cfg.Script)
	if err != nil {
		return Payload{}, fmt.Errorf("poster: gather counts: %w", err)
	}
	payload := Payload{ShardCount: len(results)}
	for i, r := range results {
		var n json.Number
		if err := json.Unmarshal(r, &n); err != nil {
			return Payload{}, fmt.Errorf("poster: shard %d result %s is not a number", i, r)
		}
		v, err := n.Int64()
		if err != nil {
			f, ferr := n.Float64()
			if ferr != nil {
				return Payload{}, fmt.Errorf("poster: shard %d result %s: %w", i, r, ferr)
			}
			v = int64(f)
		}
		payload.ServerCount += v
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return Payload{}, fmt.Errorf("poster: encode payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return Payload{}, fmt.Errorf("poster: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.cfg.Token != "" {
		req.Header.Set("Authorization", p.cfg.Token)
	}

	resp, err := p.cfg.Client.Do(req)
	if err != nil {
		return Payload{}, fmt.Errorf("poster: send: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Payload{}, fmt.Errorf("poster: %s responded %d: %s", p.cfg.URL, resp.StatusCode, bytes.TrimSpace(msg))
	}
	return payload, nil
}
