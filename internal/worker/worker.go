// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package worker implements the per-database actor: a single goroutine
// that owns one *database.DB and serializes every write against it by
// pulling requests off a bounded inbox one at a time. There is never
// more than one statement in flight against a given database file,
// which is what lets the rest of the daemon treat SQLite's single
// writer as a non-issue instead of a thing callers need to coordinate.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"

	"github.com/autobrr/sqlited/internal/backupwatch"
	"github.com/autobrr/sqlited/internal/database"
	"github.com/autobrr/sqlited/internal/metrics"
	"github.com/autobrr/sqlited/internal/protocol"
)

// State is the worker's place in the Open/Closed maintenance lifecycle.
type State int

const (
	StateOpen State = iota
	StateClosed
)

func (s State) String() string {
	if s == StateOpen {
		return "open"
	}
	return "closed"
}

const (
	// DefaultInboxCapacity bounds how many in-flight requests a worker
	// will queue before the router is told Busy instead of blocking.
	DefaultInboxCapacity = 1024

	// DefaultIdleTimeout is how long a worker waits with an empty inbox
	// before checkpointing and exiting on its own.
	DefaultIdleTimeout = 5 * time.Minute
)

// Config describes how to open and run a worker for one database file.
type Config struct {
	// Path is the canonical, absolute filesystem path this worker owns.
	Path string

	// Migrations supplies any schema migrations to apply on open and
	// reopen. May be nil.
	Migrations fs.FS

	// IdleTimeout is how long the worker may sit with an empty inbox
	// before self-terminating. Zero selects DefaultIdleTimeout.
	IdleTimeout time.Duration

	// InboxCapacity bounds the request queue. Zero selects
	// DefaultInboxCapacity.
	InboxCapacity int
}

func (c Config) withDefaults() Config {
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.InboxCapacity <= 0 {
		c.InboxCapacity = DefaultInboxCapacity
	}
	return c
}

type request struct {
	env    *protocol.Envelope
	respCh chan *protocol.Response
}

// Worker owns one database file and the goroutine that serializes all
// writes against it.
type Worker struct {
	cfg Config

	mu      sync.Mutex
	state   State
	db      *database.DB
	watcher *backupwatch.Watcher

	inbox chan request
	done  chan struct{}

	idleTimeout time.Duration
}

// startBackupWatch begins watching cfg.Path for external modification
// while the database is Open. Must be called with w.mu held. A
// failure to start the watcher is logged and otherwise ignored: it is
// purely observational and never blocks the maintenance protocol.
func (w *Worker) startBackupWatch() {
	watcher, err := backupwatch.New(w.cfg.Path)
	if err != nil {
		log.Warn().Err(err).Str("path", w.cfg.Path).Msg("worker: failed to start backup watcher")
		return
	}
	w.watcher = watcher
}

// stopBackupWatch stops any watcher started by startBackupWatch. Must
// be called with w.mu held.
func (w *Worker) stopBackupWatch() {
	if w.watcher == nil {
		return
	}
	if err := w.watcher.Close(); err != nil {
		log.Warn().Err(err).Str("path", w.cfg.Path).Msg("worker: failed to stop backup watcher")
	}
	w.watcher = nil
}

// New opens the database at cfg.Path, running any pending migrations,
// and starts the worker's inbox loop. A non-nil error means no worker
// was started and the caller should not register one.
func New(cfg Config) (*Worker, error) {
	cfg = cfg.withDefaults()

	db, err := database.Open(cfg.Path, cfg.Migrations)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", cfg.Path, err)
	}

	w := &Worker{
		cfg:         cfg,
		state:       StateOpen,
		db:          db,
		inbox:       make(chan request, cfg.InboxCapacity),
		done:        make(chan struct{}),
		idleTimeout: cfg.IdleTimeout,
	}
	w.startBackupWatch()

	metrics.RecordWorkerSpawn()
	go w.run()
	return w, nil
}

// Path returns the database path this worker owns.
func (w *Worker) Path() string { return w.cfg.Path }

// Done is closed once the worker's loop has exited, either from a
// Shutdown request or from its idle timeout. A cancelled context passed
// to Submit does not stop the loop; the loop never observes per-request
// contexts.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Submit enqueues env and waits for its response, unless the inbox is
// full, in which case busy is true and the caller should respond to
// its client with a Busy error without having enqueued anything.
//
// Once a request is accepted onto the inbox, ctx cancellation only
// stops this call from waiting on it; the worker still completes the
// batch it already started, matching the disconnect-mid-request
// behavior the protocol guarantees (no partial rollback on a dropped
// client).
func (w *Worker) Submit(ctx context.Context, env *protocol.Envelope) (resp *protocol.Response, busy bool) {
	req := request{env: env, respCh: make(chan *protocol.Response, 1)}

	select {
	case w.inbox <- req:
	default:
		return nil, true
	}

	select {
	case resp := <-req.respCh:
		return resp, false
	case <-ctx.Done():
		return protocol.Err(protocol.CodeInternal, "client disconnected before response: %v", ctx.Err()), false
	case <-w.done:
		return protocol.Err(protocol.CodeInternal, "worker exited before responding"), false
	}
}

// run is the actor loop: one request processed at a time, an idle
// timer that resets on every request and fires the worker's own
// shutdown once nothing has arrived for IdleTimeout.
func (w *Worker) run() {
	defer close(w.done)
	defer metrics.RecordWorkerExit()

	idle := time.NewTimer(w.idleTimeout)
	defer idle.Stop()

	for {
		select {
		case req := <-w.inbox:
			if !idle.Stop() {
				<-idle.C
			}

			resp := w.handle(req.env)
			req.respCh <- resp

			if req.env.Type == protocol.KindShutdown {
				return
			}

			idle.Reset(w.idleTimeout)

		case <-idle.C:
			w.idleShutdown()
			return
		}
	}
}

func (w *Worker) idleShutdown() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state != StateOpen {
		return
	}
	w.stopBackupWatch()
	if err := w.db.Checkpoint(context.Background()); err != nil {
		log.Warn().Err(err).Str("path", w.cfg.Path).Msg("worker: checkpoint failed during idle shutdown")
	}
	if err := w.db.Close(); err != nil {
		log.Warn().Err(err).Str("path", w.cfg.Path).Msg("worker: close failed during idle shutdown")
	}
	w.state = StateClosed
	w.db = nil
	log.Debug().Str("path", w.cfg.Path).Msg("worker: idle timeout, exiting")
}

func (w *Worker) handle(env *protocol.Envelope) *protocol.Response {
	ctx := context.Background()

	switch env.Type {
	case protocol.KindPing:
		return w.handlePing()
	case protocol.KindExecBatch:
		return w.handleExecBatch(ctx, env)
	case protocol.KindPrepareForMaintenance:
		return w.handlePrepareForMaintenance(ctx)
	case protocol.KindCloseDatabase:
		return w.handleCloseDatabase(ctx)
	case protocol.KindReopenDatabase:
		return w.handleReopenDatabase(ctx)
	case protocol.KindShutdown:
		return w.handleShutdown(ctx)
	default:
		return protocol.Err(protocol.CodeBadRequest, "unknown request type %q", env.Type)
	}
}

func (w *Worker) handlePing() *protocol.Response {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state == StateClosed {
		return protocol.OK(func(r *protocol.Response) {
			r.Closed = true
			r.DBPath = w.cfg.Path
		})
	}

	rev, err := w.db.CurrentRevision(context.Background())
	if err != nil {
		return protocol.Err(protocol.CodeSQL, "read revision: %v", err)
	}
	return protocol.OK(func(r *protocol.Response) {
		r.DBPath = w.cfg.Path
		r.Rev = &rev
	})
}

func (w *Worker) handleExecBatch(ctx context.Context, env *protocol.Envelope) *protocol.Response {
	w.mu.Lock()
	if w.state != StateOpen {
		w.mu.Unlock()
		return protocol.Err(protocol.CodeDatabaseClosed, "database is closed for maintenance")
	}
	db := w.db
	w.mu.Unlock()

	var resp *protocol.Response
	if env.Tx == protocol.TxAtomic {
		resp = execAtomic(ctx, db, env.Stmts)
	} else {
		resp = execNone(ctx, db, env.Stmts)
	}
	metrics.RecordExecBatch(resp.Status == "ok")
	return resp
}

func (w *Worker) handlePrepareForMaintenance(ctx context.Context) *protocol.Response {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state != StateOpen {
		return protocol.Err(protocol.CodeNotOpen, "database is not open")
	}
	if err := w.db.Checkpoint(ctx); err != nil {
		return protocol.Err(protocol.CodeIoError, "checkpoint: %v", err)
	}
	return protocol.OK(func(r *protocol.Response) { r.Checkpointed = true })
}

func (w *Worker) handleCloseDatabase(ctx context.Context) *protocol.Response {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state != StateOpen {
		return protocol.Err(protocol.CodeAlreadyClosed, "database is already closed")
	}
	w.stopBackupWatch()
	if err := w.db.Checkpoint(ctx); err != nil {
		return protocol.Err(protocol.CodeIoError, "checkpoint before close: %v", err)
	}
	if err := w.db.Close(); err != nil {
		return protocol.Err(protocol.CodeIoError, "close: %v", err)
	}
	w.state = StateClosed
	w.db = nil
	return protocol.OK(func(r *protocol.Response) { r.Closed = true })
}

func (w *Worker) handleReopenDatabase(ctx context.Context) *protocol.Response {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state != StateClosed {
		return protocol.Err(protocol.CodeBadRequest, "database is already open")
	}

	db, err := database.Open(w.cfg.Path, w.cfg.Migrations)
	if err != nil {
		return protocol.Err(protocol.CodeOpenFailed, "reopen %s: %v", w.cfg.Path, err)
	}

	rev, err := db.CurrentRevision(ctx)
	if err != nil {
		db.Close()
		return protocol.Err(protocol.CodeSQL, "read revision after reopen: %v", err)
	}

	w.db = db
	w.state = StateOpen
	w.startBackupWatch()
	return protocol.OK(func(r *protocol.Response) {
		r.Reopened = true
		r.Rev = &rev
	})
}

func (w *Worker) handleShutdown(ctx context.Context) *protocol.Response {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state == StateOpen {
		w.stopBackupWatch()
		if err := w.db.Checkpoint(ctx); err != nil {
			log.Warn().Err(err).Str("path", w.cfg.Path).Msg("worker: checkpoint failed during shutdown")
		}
		if err := w.db.Close(); err != nil {
			log.Warn().Err(err).Str("path", w.cfg.Path).Msg("worker: close failed during shutdown")
		}
		w.state = StateClosed
		w.db = nil
	}
	return protocol.OK(func(r *protocol.Response) { r.Closed = true })
}

// execAtomic runs every statement and the revision bump in a single
// transaction: any failure rolls back the whole batch.
func execAtomic(ctx context.Context, db *database.DB, stmts []protocol.Statement) *protocol.Response {
	tx, err := db.BeginWrite(ctx)
	if err != nil {
		return classifyError(err, 0)
	}

	var rowsAffected int64
	for _, s := range stmts {
		res, err := tx.ExecContext(ctx, s.SQL, argsOf(s)...)
		if err != nil {
			_ = tx.Rollback()
			return classifyError(err, rowsAffected)
		}
		n, _ := res.RowsAffected()
		rowsAffected += n
	}

	if _, err := tx.ExecContext(ctx, "UPDATE meta SET rev = rev + 1"); err != nil {
		_ = tx.Rollback()
		return classifyError(err, rowsAffected)
	}
	if err := tx.Commit(); err != nil {
		return classifyError(err, rowsAffected)
	}

	return okWithRevision(ctx, db, rowsAffected)
}

// execNone commits each statement as its own transaction, stopping at
// the first failure. The statement and its revision bump always share
// one transaction, so the counter never advances for a write that did
// not commit, even though earlier statements in the batch are kept.
func execNone(ctx context.Context, db *database.DB, stmts []protocol.Statement) *protocol.Response {
	var rowsAffected int64

	for _, s := range stmts {
		tx, err := db.BeginWrite(ctx)
		if err != nil {
			return classifyError(err, rowsAffected)
		}

		res, err := tx.ExecContext(ctx, s.SQL, argsOf(s)...)
		if err != nil {
			_ = tx.Rollback()
			return classifyError(err, rowsAffected)
		}
		n, _ := res.RowsAffected()

		if _, err := tx.ExecContext(ctx, "UPDATE meta SET rev = rev + 1"); err != nil {
			_ = tx.Rollback()
			return classifyError(err, rowsAffected)
		}
		if err := tx.Commit(); err != nil {
			return classifyError(err, rowsAffected)
		}
		rowsAffected += n
	}

	return okWithRevision(ctx, db, rowsAffected)
}

func argsOf(s protocol.Statement) []any {
	args := make([]any, len(s.Params))
	for i, p := range s.Params {
		args[i] = p.Arg()
	}
	return args
}

func okWithRevision(ctx context.Context, db *database.DB, rowsAffected int64) *protocol.Response {
	rev, err := db.CurrentRevision(ctx)
	if err != nil {
		return protocol.Err(protocol.CodeSQL, "read revision after commit: %v", err)
	}
	metrics.RecordRevisionBump()
	return protocol.OK(func(r *protocol.Response) {
		r.Rev = &rev
		r.RowsAffected = rowsAffected
	})
}

// classifyError maps a SQLite driver error onto one of the protocol's
// stable error codes, carrying through rows already committed earlier
// in a "none" batch.
func classifyError(err error, rowsAffected int64) *protocol.Response {
	code := protocol.CodeSQL

	var sqlErr *sqlite.Error
	if errors.As(err, &sqlErr) {
		switch sqlErr.Code() & 0xff {
		case sqlitelib.SQLITE_CONSTRAINT:
			code = protocol.CodeConstraint
		case sqlitelib.SQLITE_BUSY:
			code = protocol.CodeBusy
		case sqlitelib.SQLITE_IOERR:
			code = protocol.CodeIoError
		}
	}

	resp := protocol.Err(code, "%v", err)
	resp.RowsAffected = rowsAffected
	return resp
}
