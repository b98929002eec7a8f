package storage_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kanri/internal/storage"
	"github.com/ashita-ai/kanri/internal/testutil"
	"github.com/ashita-ai/kanri/protocol"
)

func TestPostgresHandle(t *testing.T) {
	dsn := testutil.StartPostgres(t)
	ctx := context.Background()

	h, err := storage.Open(ctx, dsn, testutil.TestLogger())
	require.NoError(t, err)
	defer func() { _ = h.Close() }()
	assert.Equal(t, "postgres", h.Backend())

	require.NoError(t, h.Exec(ctx, `
		CREATE TABLE guilds (id TEXT PRIMARY KEY, prefix TEXT NOT NULL, volume INTEGER);
		INSERT INTO guilds VALUES ('1', '!', 50);
	`))

	res, err := storage.Do(ctx, h, protocol.KindRun, `INSERT INTO guilds VALUES ($1, $2, $3)`, json.RawMessage(`["2", "?", 10]`))
	require.NoError(t, err)
	assert.Equal(t, storage.RunResult{Changes: 1}, res)

	row, err := storage.Do(ctx, h, protocol.KindGet, `SELECT prefix, volume FROM guilds WHERE id = $1`, json.RawMessage(`["2"]`))
	require.NoError(t, err)
	assert.Equal(t, storage.Row{"prefix": "?", "volume": int32(10)}, row)

	row, err = storage.Do(ctx, h, protocol.KindGet, `SELECT prefix FROM guilds WHERE id = @id`, json.RawMessage(`{"$id":"1"}`))
	require.NoError(t, err)
	assert.Equal(t, storage.Row{"prefix": "!"}, row, "object args bind as pgx named args")

	rows, err := h.All(ctx, `SELECT id FROM guilds ORDER BY id`)
	require.NoError(t, err)
	assert.Equal(t, []storage.Row{{"id": "1"}, {"id": "2"}}, rows)

	missing, err := h.Get(ctx, `SELECT id FROM guilds WHERE id = 'none'`)
	require.NoError(t, err)
	assert.Nil(t, missing)

	rows, err = h.All(ctx, `SELECT gen_random_uuid() AS id`)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Len(t, rows[0]["id"], 36, "uuid columns are rendered as strings")
}
