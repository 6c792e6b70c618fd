// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package router implements the process-global dispatcher: it accepts
// IPC connections, answers router-scoped requests directly, and
// otherwise locates or spawns the single worker responsible for a
// request's database and forwards the request there.
package router

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/autobrr/sqlited/internal/metrics"
	"github.com/autobrr/sqlited/internal/protocol"
	"github.com/autobrr/sqlited/internal/worker"
)

const (
	// DefaultIdleTimeout is how long the router waits with no newly
	// accepted connections and no live workers before exiting. Requests
	// arriving on an already-open connection do not reset the window.
	DefaultIdleTimeout = 30 * time.Minute
)

// Config configures a Router's worker-spawning and idle behavior.
type Config struct {
	Version             string
	Migrations          fs.FS
	IdleTimeout         time.Duration
	WorkerIdleTimeout   time.Duration
	WorkerInboxCapacity int
}

func (c Config) withDefaults() Config {
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.Version == "" {
		c.Version = "dev"
	}
	return c
}

// registryEntry is either a pending placeholder (ready still open, a
// spawn is in flight) or a resolved worker-or-error (ready closed).
type registryEntry struct {
	ready  chan struct{}
	worker *worker.Worker
	err    error
}

// Router is the process-global accept loop and worker registry.
type Router struct {
	cfg Config

	mu       sync.Mutex
	registry map[string]*registryEntry

	shutdownOnce sync.Once
	shutdownCh   chan struct{}

	connWG sync.WaitGroup
}

// New constructs a Router. Call Serve to start accepting connections.
func New(cfg Config) *Router {
	return &Router{
		cfg:        cfg.withDefaults(),
		registry:   make(map[string]*registryEntry),
		shutdownCh: make(chan struct{}),
	}
}

// CanonicalID resolves path to the stable key the registry uses for a
// database: an absolute, symlink-resolved path. If the file does not
// yet exist (first ExecBatch against a brand-new database), the
// cleaned absolute path is used instead, since there is nothing to
// resolve symlinks against yet.
func CanonicalID(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return filepath.Clean(abs), nil
		}
		return "", fmt.Errorf("resolve symlinks: %w", err)
	}
	return resolved, nil
}

// Serve accepts connections from ln until ctx is cancelled, the router
// idle-times-out with an empty registry, or a client sends Shutdown.
// It always closes ln before returning.
func (r *Router) Serve(ctx context.Context, ln net.Listener) error {
	defer ln.Close()

	type acceptResult struct {
		conn net.Conn
		err  error
	}
	acceptCh := make(chan acceptResult, 1)
	go func() {
		for {
			conn, err := ln.Accept()
			acceptCh <- acceptResult{conn, err}
			if err != nil {
				return
			}
		}
	}()

	idle := time.NewTimer(r.cfg.IdleTimeout)
	defer idle.Stop()

	for {
		select {
		case res := <-acceptCh:
			if res.err != nil {
				if errors.Is(res.err, net.ErrClosed) {
					r.connWG.Wait()
					return nil
				}
				return res.err
			}
			if !idle.Stop() {
				<-idle.C
			}
			r.connWG.Add(1)
			go r.handleConn(ctx, res.conn)
			idle.Reset(r.cfg.IdleTimeout)

		case <-idle.C:
			if r.workerCount() > 0 {
				// Tie-break: a worker is still registered (even if it
				// is itself idle-expired and about to exit); wait for
				// it to leave the registry before reconsidering.
				idle.Reset(r.cfg.IdleTimeout)
				continue
			}
			log.Info().Msg("router: idle timeout with no workers, exiting")
			ln.Close()
			r.connWG.Wait()
			return nil

		case <-r.shutdownCh:
			ln.Close()
			r.connWG.Wait()
			return nil

		case <-ctx.Done():
			r.Shutdown(context.Background())
			ln.Close()
			r.connWG.Wait()
			return ctx.Err()
		}
	}
}

func (r *Router) workerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.registry)
}

func (r *Router) handleConn(ctx context.Context, conn net.Conn) {
	defer r.connWG.Done()
	defer conn.Close()

	for {
		env, err := protocol.ReadEnvelope(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, protocol.ErrProtocol) {
				log.Debug().Err(err).Msg("router: read envelope failed")
			}
			return
		}

		if err := env.Validate(); err != nil {
			resp := protocol.Err(protocol.CodeBadRequest, "%v", err)
			if writeErr := protocol.WriteResponse(conn, resp); writeErr != nil {
				return
			}
			continue
		}

		resp := r.dispatch(ctx, env)
		if err := protocol.WriteResponse(conn, resp); err != nil {
			return
		}

		if env.Type == protocol.KindShutdown {
			return
		}
	}
}

func (r *Router) dispatch(ctx context.Context, env *protocol.Envelope) *protocol.Response {
	switch {
	case env.Type == protocol.KindShutdown:
		return r.Shutdown(ctx)
	case env.Type == protocol.KindPing && env.DB == "":
		return protocol.OK(func(resp *protocol.Response) { resp.Version = r.cfg.Version })
	default:
		return r.forward(ctx, env)
	}
}

func (r *Router) forward(ctx context.Context, env *protocol.Envelope) *protocol.Response {
	if env.DB == "" {
		return protocol.Err(protocol.CodeBadRequest, "%s requires a db", env.Type)
	}

	id, err := CanonicalID(env.DB)
	if err != nil {
		return protocol.Err(protocol.CodeBadRequest, "resolve database path: %v", err)
	}

	w, err := r.getOrSpawn(id)
	if err != nil {
		return protocol.Err(protocol.CodeOpenFailed, "open database %s: %v", id, err)
	}

	resp, busy := w.Submit(ctx, env)
	if busy {
		metrics.RecordBusyRejection()
		return protocol.Err(protocol.CodeBusy, "worker for %s is at capacity", id)
	}
	return resp
}

// getOrSpawn returns the registered worker for id, spawning one if
// absent. Concurrent callers for the same id that arrive while a spawn
// is in flight block on the same placeholder rather than racing to
// create a second worker.
func (r *Router) getOrSpawn(id string) (*worker.Worker, error) {
	r.mu.Lock()
	if entry, ok := r.registry[id]; ok {
		r.mu.Unlock()
		<-entry.ready
		return entry.worker, entry.err
	}

	entry := &registryEntry{ready: make(chan struct{})}
	r.registry[id] = entry
	r.mu.Unlock()

	w, err := worker.New(worker.Config{
		Path:          id,
		Migrations:    r.cfg.Migrations,
		IdleTimeout:   r.cfg.WorkerIdleTimeout,
		InboxCapacity: r.cfg.WorkerInboxCapacity,
	})
	entry.worker, entry.err = w, err
	close(entry.ready)

	if err != nil {
		r.mu.Lock()
		delete(r.registry, id)
		r.mu.Unlock()
		return nil, err
	}

	go r.watchWorker(id, w)
	return w, nil
}

func (r *Router) watchWorker(id string, w *worker.Worker) {
	<-w.Done()
	r.mu.Lock()
	delete(r.registry, id)
	r.mu.Unlock()
	log.Debug().Str("db", id).Msg("router: worker exited, registry entry removed")
}

// Shutdown broadcasts Shutdown to every registered worker, waits for
// each to finish, then stops the accept loop. Safe to call more than
// once or concurrently; only the first call does the work.
func (r *Router) Shutdown(ctx context.Context) *protocol.Response {
	r.shutdownOnce.Do(func() {
		r.mu.Lock()
		entries := make([]*registryEntry, 0, len(r.registry))
		for _, e := range r.registry {
			entries = append(entries, e)
		}
		r.mu.Unlock()

		var wg sync.WaitGroup
		for _, e := range entries {
			wg.Add(1)
			go func(e *registryEntry) {
				defer wg.Done()
				<-e.ready
				if e.worker != nil {
					e.worker.Submit(ctx, &protocol.Envelope{Type: protocol.KindShutdown})
				}
			}(e)
		}
		wg.Wait()

		close(r.shutdownCh)
	})
	return protocol.OK(nil)
}
