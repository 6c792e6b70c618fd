// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/autobrr/sqlited/internal/database"
)

func dbCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Offline database operations, no running daemon required",
	}

	cmd.AddCommand(dbVerifyCommand())
	cmd.AddCommand(dbMigrateStatusCommand())
	return cmd
}

func dbVerifyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <path>",
		Short: "Open a database file, checkpoint its WAL, and report its revision",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]

			db, err := database.Open(path, nil)
			if err != nil {
				return fmt.Errorf("open %s: %w", path, err)
			}
			defer db.Close()

			ctx := cmd.Context()
			if err := db.Checkpoint(ctx); err != nil {
				return fmt.Errorf("checkpoint %s: %w", path, err)
			}

			rev, err := db.CurrentRevision(ctx)
			if err != nil {
				return fmt.Errorf("read revision for %s: %w", path, err)
			}

			cmd.Printf("%s: ok (rev=%d)\n", db.Path(), rev)
			return nil
		},
	}
}

func dbMigrateStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate-status <path>",
		Short: "List migrations recorded as applied against a database file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]

			db, err := database.Open(path, nil)
			if err != nil {
				return fmt.Errorf("open %s: %w", path, err)
			}
			defer db.Close()

			names, err := database.AppliedMigrations(cmd.Context(), db)
			if err != nil {
				return fmt.Errorf("list applied migrations for %s: %w", path, err)
			}

			if len(names) == 0 {
				cmd.Println("no migrations recorded")
				return nil
			}
			for _, name := range names {
				cmd.Println(name)
			}
			return nil
		},
	}
}
