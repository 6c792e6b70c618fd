// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package database

import (
	"context"
	"path/filepath"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMigrations(t *testing.T) fstest.MapFS {
	t.Helper()
	return fstest.MapFS{
		"001_create_t.sql": &fstest.MapFile{Data: []byte("CREATE TABLE t (id INTEGER)")},
	}
}

func TestOpenCreatesMetaAndRunsMigrations(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "test.db")

	db, err := Open(dbPath, testMigrations(t))
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()

	rev, err := db.CurrentRevision(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), rev)

	var name string
	err = db.QueryRowContext(ctx, "SELECT name FROM _migrations WHERE name = ?", "001_create_t.sql").Scan(&name)
	require.NoError(t, err)
	assert.Equal(t, "001_create_t.sql", name)

	_, err = db.ExecWrite(ctx, "INSERT INTO t VALUES (1)")
	require.NoError(t, err)
}

func TestOpenIsIdempotentAcrossReopen(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "test.db")

	db1, err := Open(dbPath, testMigrations(t))
	require.NoError(t, err)
	require.NoError(t, db1.Close())

	db2, err := Open(dbPath, testMigrations(t))
	require.NoError(t, err)
	defer db2.Close()

	var count int
	require.NoError(t, db2.QueryRowContext(context.Background(), "SELECT COUNT(*) FROM _migrations").Scan(&count))
	assert.Equal(t, 1, count)
}

func TestPragmasApplied(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(dbPath, nil)
	require.NoError(t, err)
	defer db.Close()

	var mode string
	require.NoError(t, db.QueryRowContext(context.Background(), "PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)

	var busyTimeout int
	require.NoError(t, db.QueryRowContext(context.Background(), "PRAGMA busy_timeout").Scan(&busyTimeout))
	assert.Equal(t, defaultBusyTimeoutMillis, busyTimeout)
}

func TestCheckpointTruncatesWAL(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(dbPath, testMigrations(t))
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	_, err = db.ExecWrite(ctx, "INSERT INTO t VALUES (1)")
	require.NoError(t, err)

	require.NoError(t, db.Checkpoint(ctx))
	// Calling it again should also succeed (idempotent maintenance step).
	require.NoError(t, db.Checkpoint(ctx))
}

func TestRevisionBumpWithinTransaction(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(dbPath, testMigrations(t))
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	tx, err := db.BeginWrite(ctx)
	require.NoError(t, err)

	_, err = tx.ExecContext(ctx, "INSERT INTO t VALUES (1)")
	require.NoError(t, err)
	_, err = tx.ExecContext(ctx, "UPDATE meta SET rev = rev + 1")
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	rev, err := db.CurrentRevision(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rev)
}
