// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Command sqlited is the write-coordination daemon: one process per
// data directory, one actor per open database file beneath it.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/autobrr/sqlited/internal/buildinfo"
	"github.com/autobrr/sqlited/internal/config"
	"github.com/autobrr/sqlited/internal/ipc"
	"github.com/autobrr/sqlited/internal/logging"
	"github.com/autobrr/sqlited/internal/metrics"
	"github.com/autobrr/sqlited/internal/router"
	"github.com/autobrr/sqlited/internal/singleinstance"
)

// exitError pairs an error with the process exit code it should
// produce, so runDaemon can report a specific failure class to main
// without main needing to know anything about the daemon's internals.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error  { return e.err }

// Exit codes for the daemon command, distinguishing why startup failed.
const (
	exitGuardFailure = 1
	exitBindFailure  = 2
	exitInitFailure  = 3
)

func main() {
	root := &cobra.Command{
		Use:     "sqlited <data-dir>",
		Short:   "Local SQLite write-coordination daemon",
		Version: buildinfo.Version,
		Args:    cobra.ExactArgs(1),
		RunE:    runDaemon,
	}

	root.AddCommand(versionCommand())
	root.AddCommand(dbCommand())

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		code := exitGuardFailure
		var ee *exitError
		if errors.As(err, &ee) {
			code = ee.code
		}
		os.Exit(code)
	}
}

func runDaemon(cmd *cobra.Command, args []string) error {
	dataDir := args[0]
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return &exitError{exitInitFailure, fmt.Errorf("create data directory %s: %w", dataDir, err)}
	}

	configPath := filepath.Join(dataDir, "config.toml")
	if err := config.EnsureConfig(configPath, dataDir); err != nil {
		return &exitError{exitInitFailure, fmt.Errorf("ensure config: %w", err)}
	}

	cfg, err := config.New(configPath)
	if err != nil {
		return &exitError{exitInitFailure, fmt.Errorf("load config: %w", err)}
	}

	logging.Configure(cfg.LogLevel, cfg.LogPath, cfg.LogMaxSize, cfg.LogMaxBackups)

	guard, err := singleinstance.Acquire(filepath.Join(dataDir, "sqlited.lock"))
	if err != nil {
		if errors.Is(err, singleinstance.ErrAlreadyRunning) {
			return &exitError{exitGuardFailure, err}
		}
		return &exitError{exitGuardFailure, fmt.Errorf("acquire single-instance lock: %w", err)}
	}
	defer guard.Release()

	ln, err := ipc.Listen(cfg.SocketPath)
	if err != nil {
		return &exitError{exitBindFailure, fmt.Errorf("bind socket: %w", err)}
	}

	var metricsSrv *metrics.Server
	if cfg.MetricsEnabled {
		metricsSrv, err = metrics.NewServer(fmt.Sprintf("%s:%d", cfg.MetricsHost, cfg.MetricsPort))
		if err != nil {
			ln.Close()
			return fmt.Errorf("start metrics server: %w", err)
		}
		go func() {
			if err := metricsSrv.Serve(); err != nil {
				fmt.Fprintln(os.Stderr, "metrics server:", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			metricsSrv.Shutdown(shutdownCtx)
		}()
	}

	rt := router.New(router.Config{
		Version:             buildinfo.Version,
		IdleTimeout:         time.Duration(cfg.RouterIdleTimeoutMinutes) * time.Minute,
		WorkerIdleTimeout:   time.Duration(cfg.WorkerIdleTimeoutMinutes) * time.Minute,
		WorkerInboxCapacity: cfg.WorkerInboxCapacity,
	})

	err = rt.Serve(cmd.Context(), ln)
	if err != nil && errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
