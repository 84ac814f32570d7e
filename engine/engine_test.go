package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgardcham/nomad/driver"
	_ "github.com/edgardcham/nomad/drivers/sqlite3"
	"github.com/edgardcham/nomad/migration"
)

func newTestEngine(t *testing.T, dir string) *Engine {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "nomad-engine-test.db")
	drv, err := driver.New("sqlite3://" + dbPath)
	require.NoError(t, err)

	e, err := New(drv, dir)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func writeMigration(t *testing.T, dir, filename, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, filename), []byte(content), 0o644))
}

func TestEngine_UpAppliesAscending(t *testing.T) {
	dir := t.TempDir()
	writeMigration(t, dir, "20240101120000_create_users.sql",
		"-- + nomad up\nCREATE TABLE users (id INTEGER PRIMARY KEY);\n-- + nomad down\nDROP TABLE users;\n")
	writeMigration(t, dir, "20240102120000_create_posts.sql",
		"-- + nomad up\nCREATE TABLE posts (id INTEGER PRIMARY KEY);\n-- + nomad down\nDROP TABLE posts;\n")

	e := newTestEngine(t, dir)
	ctx := context.Background()

	require.NoError(t, e.Up(ctx))

	rows, err := e.Status(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	for _, r := range rows {
		assert.Equal(t, "applied", r.State)
	}
}

func TestEngine_DownRollsBackDescending(t *testing.T) {
	dir := t.TempDir()
	writeMigration(t, dir, "20240101120000_create_users.sql",
		"-- + nomad up\nCREATE TABLE users (id INTEGER PRIMARY KEY);\n-- + nomad down\nDROP TABLE users;\n")

	e := newTestEngine(t, dir)
	ctx := context.Background()

	require.NoError(t, e.Up(ctx))
	require.NoError(t, e.Down(ctx))

	rows, err := e.Status(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "pending", rows[0].State)
}

func TestEngine_DriftIsDetected(t *testing.T) {
	dir := t.TempDir()
	filename := "20240101120000_create_users.sql"
	writeMigration(t, dir, filename,
		"-- + nomad up\nCREATE TABLE users (id INTEGER PRIMARY KEY);\n-- + nomad down\nDROP TABLE users;\n")

	e := newTestEngine(t, dir)
	ctx := context.Background()
	require.NoError(t, e.Up(ctx))

	writeMigration(t, dir, filename,
		"-- + nomad up\nCREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT);\n-- + nomad down\nDROP TABLE users;\n")
	// Force the store to re-read: the store is keyed by path and memoizes
	// on (mtime, size), both of which the rewrite above changes.

	_, err := e.Status(ctx)
	require.Error(t, err)
}

func TestEngine_ToJumpsDownward(t *testing.T) {
	dir := t.TempDir()
	writeMigration(t, dir, "20240101000000_a.sql", "-- + nomad up\nCREATE TABLE a(id int);\n-- + nomad down\nDROP TABLE a;\n")
	writeMigration(t, dir, "20240102000000_b.sql", "-- + nomad up\nCREATE TABLE b(id int);\n-- + nomad down\nDROP TABLE b;\n")
	writeMigration(t, dir, "20240103000000_c.sql", "-- + nomad up\nCREATE TABLE c(id int);\n-- + nomad down\nDROP TABLE c;\n")

	e := newTestEngine(t, dir)
	ctx := context.Background()
	require.NoError(t, e.Up(ctx))

	require.NoError(t, e.To(ctx, migration.Version(20240101000000)))

	rows, err := e.Status(ctx)
	require.NoError(t, err)
	states := map[migration.Version]string{}
	for _, r := range rows {
		states[r.Version] = r.State
	}
	assert.Equal(t, "applied", states[20240101000000])
	assert.Equal(t, "pending", states[20240102000000])
	assert.Equal(t, "pending", states[20240103000000])
}

func TestEngine_RedoReappliesLastMigration(t *testing.T) {
	dir := t.TempDir()
	writeMigration(t, dir, "20240101120000_create_users.sql",
		"-- + nomad up\nCREATE TABLE users (id INTEGER PRIMARY KEY);\n-- + nomad down\nDROP TABLE users;\n")

	e := newTestEngine(t, dir)
	ctx := context.Background()
	require.NoError(t, e.Up(ctx))
	require.NoError(t, e.Redo(ctx))

	rows, err := e.Status(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "applied", rows[0].State)
}
