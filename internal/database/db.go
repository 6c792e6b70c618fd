// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package database opens a single SQLite database file the way a
// worker actor needs it: one dedicated write connection (so writes
// never contend with each other or block on the read pool), WAL mode,
// and a small set of pragmas tuned for a daemon with many short-lived
// client batches.
//
// A *DB is meant to be owned by exactly one worker goroutine for
// writes; that goroutine's own serialization (the worker's inbox loop)
// is what gives "at most one write in flight" — this package does not
// duplicate that with its own writer goroutine the way a multi-caller
// application database layer would need to.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/autobrr/autobrr/pkg/ttlcache"
	"github.com/rs/zerolog/log"
	"modernc.org/sqlite"
)

const (
	defaultBusyTimeout       = 5 * time.Second
	defaultBusyTimeoutMillis = int(defaultBusyTimeout / time.Millisecond)
	connectionSetupTimeout   = 5 * time.Second
	walAutoCheckpointPages   = 1000
	stmtCacheTTL             = 5 * time.Minute
)

var driverInit sync.Once

type pragmaExecFn func(ctx context.Context, stmt string) error

// registerConnectionHook installs the pragmas on every new connection
// the driver opens (covers connections the read pool adds after
// startup), mirroring modernc.org/sqlite's connection-hook mechanism.
func registerConnectionHook() {
	driverInit.Do(func() {
		sqlite.RegisterConnectionHook(func(conn sqlite.ExecQuerierContext, dsn string) error {
			ctx, cancel := context.WithTimeout(context.Background(), connectionSetupTimeout)
			defer cancel()

			return applyConnectionPragmas(ctx, func(ctx context.Context, stmt string) error {
				_, err := conn.ExecContext(ctx, stmt, nil)
				if err != nil {
					return fmt.Errorf("connection hook exec %q: %w", stmt, err)
				}
				return nil
			})
		})
	})
}

// applyConnectionPragmas applies the daemon's open-time configuration:
// WAL journaling, synchronous=NORMAL, a bounded busy-wait timeout, and
// a WAL auto-checkpoint threshold of 1000 pages.
func applyConnectionPragmas(ctx context.Context, exec pragmaExecFn) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		fmt.Sprintf("PRAGMA busy_timeout = %d", defaultBusyTimeoutMillis),
		fmt.Sprintf("PRAGMA wal_autocheckpoint = %d", walAutoCheckpointPages),
	}

	for _, pragma := range pragmas {
		if err := exec(ctx, pragma); err != nil {
			return fmt.Errorf("apply connection pragma %q: %w", pragma, err)
		}
	}

	return nil
}

// DB wraps one SQLite database file.
type DB struct {
	path string

	conn      *sql.DB   // read pool
	writeConn *sql.Conn // dedicated write connection

	stmts *ttlcache.Cache[string, *sql.Stmt]

	closeOnce sync.Once
	closeErr  error
}

// Open opens path in WAL mode, applies the standard connection pragmas,
// and runs any migrations in migrations that have not yet been
// recorded. migrations may be nil if the caller has nothing to run
// (e.g. offline tooling that only reads meta).
func Open(path string, migrations fs.FS) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create database directory %s: %w", dir, err)
	}

	registerConnectionHook()

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}

	// Single connection during migrations avoids any other connection
	// observing a half-migrated schema.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), connectionSetupTimeout)
	defer cancel()
	if err := applyConnectionPragmas(ctx, func(ctx context.Context, stmt string) error {
		_, execErr := conn.ExecContext(ctx, stmt)
		return execErr
	}); err != nil {
		conn.Close()
		return nil, err
	}

	if err := ensureMetaTable(ctx, conn); err != nil {
		conn.Close()
		return nil, err
	}

	if migrations != nil {
		if err := runMigrations(ctx, conn, migrations); err != nil {
			conn.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
	}

	// Restore normal pooling for reads now that the schema is settled.
	conn.SetMaxOpenConns(0)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(0)

	ctx2, cancel2 := context.WithTimeout(context.Background(), connectionSetupTimeout)
	defer cancel2()
	writeConn, err := conn.Conn(ctx2)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("acquire dedicated write connection: %w", err)
	}

	stmtOpts := ttlcache.Options[string, *sql.Stmt]{}.SetDefaultTTL(stmtCacheTTL).
		SetDeallocationFunc(func(_ string, s *sql.Stmt, _ ttlcache.DeallocationReason) {
			if s != nil {
				_ = s.Close()
			}
		})

	db := &DB{
		path:      path,
		conn:      conn,
		writeConn: writeConn,
		stmts:     ttlcache.New(stmtOpts),
	}

	return db, nil
}

// Path returns the path this DB was opened from, exactly as passed to
// Open.
func (db *DB) Path() string { return db.path }

func (db *DB) getStmt(ctx context.Context, query string) (*sql.Stmt, error) {
	if s, found := db.stmts.Get(query); found && s != nil {
		return s, nil
	}
	s, err := db.conn.PrepareContext(ctx, query)
	if err != nil {
		return nil, err
	}
	db.stmts.Set(query, s, ttlcache.DefaultTTL)
	return s, nil
}

// ExecWrite executes a single write statement on the dedicated write
// connection. Callers (the worker actor) are responsible for ensuring
// only one ExecWrite/BeginWrite is in flight at a time.
func (db *DB) ExecWrite(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return db.writeConn.ExecContext(ctx, query, args...)
}

// BeginWrite starts a transaction on the dedicated write connection.
func (db *DB) BeginWrite(ctx context.Context) (*sql.Tx, error) {
	return db.writeConn.BeginTx(ctx, nil)
}

// QueryContext and QueryRowContext use the read pool with statement
// caching; they are safe to call concurrently with writes (WAL mode).
func (db *DB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	stmt, err := db.getStmt(ctx, query)
	if err != nil {
		return db.conn.QueryContext(ctx, query, args...)
	}
	return stmt.QueryContext(ctx, args...)
}

func (db *DB) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	stmt, err := db.getStmt(ctx, query)
	if err != nil {
		return db.conn.QueryRowContext(ctx, query, args...)
	}
	return stmt.QueryRowContext(ctx, args...)
}

// Checkpoint issues a full WAL checkpoint, truncating the WAL file to
// zero length on success. Used by the worker's PrepareForMaintenance
// and CloseDatabase handling.
func (db *DB) Checkpoint(ctx context.Context) error {
	_, err := db.writeConn.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)")
	if err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	return nil
}

// Close releases the statement cache, the write connection, and the
// read pool, in that order, dropping every lock this process holds on
// the database file.
func (db *DB) Close() error {
	db.closeOnce.Do(func() {
		db.stmts.Close()

		if db.writeConn != nil {
			if err := db.writeConn.Close(); err != nil {
				log.Warn().Err(err).Str("path", db.path).Msg("failed to close write connection")
			}
		}

		db.closeErr = db.conn.Close()
	})
	return db.closeErr
}

func ensureMetaTable(ctx context.Context, conn *sql.DB) error {
	if _, err := conn.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS meta (
			rev INTEGER PRIMARY KEY NOT NULL,
			ts  INTEGER NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("create meta table: %w", err)
	}

	var count int
	if err := conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM meta").Scan(&count); err != nil {
		return fmt.Errorf("count meta rows: %w", err)
	}
	if count == 0 {
		if _, err := conn.ExecContext(ctx, "INSERT INTO meta (rev, ts) VALUES (0, 0)"); err != nil {
			return fmt.Errorf("seed meta row: %w", err)
		}
	}
	return nil
}

// CurrentRevision reads the database's current revision counter.
func (db *DB) CurrentRevision(ctx context.Context) (int64, error) {
	var rev int64
	err := db.conn.QueryRowContext(ctx, "SELECT rev FROM meta").Scan(&rev)
	if err != nil {
		return 0, fmt.Errorf("read current revision: %w", err)
	}
	return rev, nil
}

func sortedSQLFiles(migrations fs.FS) ([]string, error) {
	entries, err := fs.ReadDir(migrations, ".")
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}
	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && filepath.Ext(entry.Name()) == ".sql" {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)
	return files, nil
}
