package stats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ashita-ai/kanri/internal/storage"
	"github.com/ashita-ai/kanri/protocol"
)

// Channels lists the three running totals in snapshot order.
var Channels = []string{protocol.StatsCommands, protocol.StatsDaily, protocol.StatsWeekly}

// Snapshot maps a channel name to the encoded tree for that channel.
type Snapshot map[string]json.RawMessage

// Store persists full snapshots. Save overwrites whatever was stored before.
type Store interface {
	Load(ctx context.Context) (Snapshot, error)
	Save(ctx context.Context, snap Snapshot) error
}

// FileStore keeps one JSON file per channel (commands.json, daily.json,
// weekly.json) in a directory.
type FileStore struct {
	dir string
}

// NewFileStore returns a store rooted at dir. The directory is created on the
// first Save.
func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

func (s *FileStore) path(channel string) string {
	return filepath.Join(s.dir, channel+".json")
}

// Load reads every channel file. Missing files are skipped.
func (s *FileStore) Load(_ context.Context) (Snapshot, error) {
	snap := make(Snapshot, len(Channels))
	for _, ch := range Channels {
		data, err := os.ReadFile(s.path(ch))
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("stats: read %s: %w", ch, err)
		}
		snap[ch] = data
	}
	return snap, nil
}

// Save writes each channel to a temp file and renames it into place, so a
// reader never sees a half-written snapshot.
func (s *FileStore) Save(_ context.Context, snap Snapshot) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("stats: create dir: %w", err)
	}
	for _, ch := range Channels {
		data, ok := snap[ch]
		if !ok {
			continue
		}
		if err := writeFileAtomic(s.path(ch), data); err != nil {
			return fmt.Errorf("stats: write %s: %w", ch, err)
		}
	}
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// DBStore keeps snapshots in a kanri_stats table on the shared database
// handle, one row per channel.
type DBStore struct {
	h storage.Handle
}

// NewDBStore stores snapshots in the kanri_stats table, which the embedded
// schema migrations create.
func NewDBStore(h storage.Handle) *DBStore {
	return &DBStore{h: h}
}

// Load reads every stored channel.
func (s *DBStore) Load(ctx context.Context) (Snapshot, error) {
	rows, err := s.h.All(ctx, `SELECT channel, body FROM kanri_stats`)
	if err != nil {
		return nil, fmt.Errorf("stats: load snapshot: %w", err)
	}
	snap := make(Snapshot, len(rows))
	for _, r := range rows {
		ch, _ := r["channel"].(string)
		body, _ := r["body"].(string)
		if ch != "" {
			snap[ch] = json.RawMessage(body)
		}
	}
	return snap, nil
}

// Save upserts each channel. Both backends accept ON CONFLICT ... DO UPDATE.
func (s *DBStore) Save(ctx context.Context, snap Snapshot) error {
	q := `INSERT INTO kanri_stats (channel, body, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (channel) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at`
	if s.h.Backend() == "postgres" {
		q = `INSERT INTO kanri_stats (channel, body, updated_at) VALUES ($1, $2, CURRENT_TIMESTAMP)
		ON CONFLICT (channel) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at`
	}
	for _, ch := range Channels {
		data, ok := snap[ch]
		if !ok {
			continue
		}
		err := storage.WithRetry(ctx, 3, 50*time.Millisecond, func() error {
			_, err := s.h.Run(ctx, q, ch, string(data))
			return err
		})
		if err != nil {
			return fmt.Errorf("stats: save %s: %w", ch, err)
		}
	}
	return nil
}
