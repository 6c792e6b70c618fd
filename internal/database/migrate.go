// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package database

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"

	"github.com/rs/zerolog/log"
)

// runMigrations applies, in name-lexicographic order, every .sql file
// in migrations not yet recorded in _migrations. Each migration runs
// in its own transaction: apply the file's SQL, record it, commit.
// Failure is fatal to the caller's Open attempt.
func runMigrations(ctx context.Context, conn *sql.DB, migrations fs.FS) error {
	if _, err := conn.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS _migrations (
			id         INTEGER PRIMARY KEY,
			name       TEXT UNIQUE NOT NULL,
			applied_at INTEGER NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("create _migrations table: %w", err)
	}

	files, err := sortedSQLFiles(migrations)
	if err != nil {
		return err
	}

	pending, err := findPendingMigrations(ctx, conn, files)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		log.Debug().Msg("no pending migrations")
		return nil
	}

	for _, name := range pending {
		if err := applyOneMigration(ctx, conn, migrations, name); err != nil {
			return fmt.Errorf("migration %s: %w", name, err)
		}
	}

	log.Info().Int("count", len(pending)).Msg("applied migrations")
	return nil
}

// AppliedMigrations returns the names of every migration recorded in
// db's _migrations table, in application order. Used by offline
// tooling (sqlited db migrate-status) to report a database's migration
// history without needing the migration files themselves.
func AppliedMigrations(ctx context.Context, db *DB) ([]string, error) {
	var exists int
	err := db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = '_migrations'",
	).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("check for _migrations table: %w", err)
	}
	if exists == 0 {
		return nil, nil
	}

	rows, err := db.QueryContext(ctx, "SELECT name FROM _migrations ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("list applied migrations: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan migration row: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func findPendingMigrations(ctx context.Context, conn *sql.DB, files []string) ([]string, error) {
	var pending []string
	for _, name := range files {
		var count int
		if err := conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM _migrations WHERE name = ?", name).Scan(&count); err != nil {
			return nil, fmt.Errorf("check migration status for %s: %w", name, err)
		}
		if count == 0 {
			pending = append(pending, name)
		}
	}
	return pending, nil
}

func applyOneMigration(ctx context.Context, conn *sql.DB, migrations fs.FS, name string) error {
	content, err := fs.ReadFile(migrations, name)
	if err != nil {
		return fmt.Errorf("read migration file: %w", err)
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, string(content)); err != nil {
		return fmt.Errorf("execute migration sql: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO _migrations (name, applied_at) VALUES (?, strftime('%s','now'))", name,
	); err != nil {
		return fmt.Errorf("record migration: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration: %w", err)
	}
	return nil
}
