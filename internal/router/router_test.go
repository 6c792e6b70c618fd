// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package router

import (
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobrr/sqlited/internal/protocol"
)

func startTestRouter(t *testing.T) (net.Addr, func()) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	r := New(Config{
		Version:           "test",
		IdleTimeout:       time.Hour,
		WorkerIdleTimeout: time.Hour,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Serve(ctx, ln)
		close(done)
	}()

	return ln.Addr(), func() {
		cancel()
		<-done
	}
}

func roundTrip(t *testing.T, addr net.Addr, env *protocol.Envelope) *protocol.Response {
	t.Helper()
	conn, err := net.Dial(addr.Network(), addr.String())
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, protocol.WriteFrame(conn, env))

	payload, err := protocol.ReadFrame(conn)
	require.NoError(t, err)

	var resp protocol.Response
	require.NoError(t, json.Unmarshal(payload, &resp))
	return &resp
}

func TestRouterScopedPing(t *testing.T) {
	t.Parallel()
	addr, stop := startTestRouter(t)
	defer stop()

	resp := roundTrip(t, addr, &protocol.Envelope{Type: protocol.KindPing})
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "test", resp.Version)
	assert.Empty(t, resp.DBPath)
}

func TestDatabaseScopedRequestSpawnsWorker(t *testing.T) {
	t.Parallel()
	addr, stop := startTestRouter(t)
	defer stop()

	dbPath := filepath.Join(t.TempDir(), "a.db")

	resp := roundTrip(t, addr, &protocol.Envelope{Type: protocol.KindPing, DB: dbPath})
	assert.Equal(t, "ok", resp.Status)
	require.NotNil(t, resp.Rev)
	assert.Equal(t, int64(0), *resp.Rev)

	createResp := roundTrip(t, addr, &protocol.Envelope{
		Type:  protocol.KindExecBatch,
		DB:    dbPath,
		Tx:    protocol.TxAtomic,
		Stmts: []protocol.Statement{{SQL: "CREATE TABLE t (id INTEGER)"}},
	})
	assert.Equal(t, "ok", createResp.Status)
}

func TestSecondRequestReusesSameWorker(t *testing.T) {
	t.Parallel()
	addr, stop := startTestRouter(t)
	defer stop()

	dbPath := filepath.Join(t.TempDir(), "a.db")

	roundTrip(t, addr, &protocol.Envelope{
		Type:  protocol.KindExecBatch,
		DB:    dbPath,
		Tx:    protocol.TxAtomic,
		Stmts: []protocol.Statement{{SQL: "CREATE TABLE t (id INTEGER)"}},
	})

	resp := roundTrip(t, addr, &protocol.Envelope{
		Type:  protocol.KindExecBatch,
		DB:    dbPath,
		Tx:    protocol.TxAtomic,
		Stmts: []protocol.Statement{{SQL: "INSERT INTO t VALUES (1)"}},
	})
	require.Equal(t, "ok", resp.Status)
	require.NotNil(t, resp.Rev)
	assert.Equal(t, int64(2), *resp.Rev, "second write against the same db continues the same revision sequence")
}

func TestTwoDifferentDatabasesGetIndependentWorkers(t *testing.T) {
	t.Parallel()
	addr, stop := startTestRouter(t)
	defer stop()

	dbA := filepath.Join(t.TempDir(), "a.db")
	dbB := filepath.Join(t.TempDir(), "b.db")

	roundTrip(t, addr, &protocol.Envelope{
		Type: protocol.KindExecBatch, DB: dbA, Tx: protocol.TxAtomic,
		Stmts: []protocol.Statement{{SQL: "CREATE TABLE t (id INTEGER)"}},
	})
	roundTrip(t, addr, &protocol.Envelope{
		Type: protocol.KindExecBatch, DB: dbA, Tx: protocol.TxAtomic,
		Stmts: []protocol.Statement{{SQL: "INSERT INTO t VALUES (1)"}},
	})

	respB := roundTrip(t, addr, &protocol.Envelope{Type: protocol.KindPing, DB: dbB})
	require.NotNil(t, respB.Rev)
	assert.Equal(t, int64(0), *respB.Rev, "a fresh database's revision is unaffected by writes to another database")
}

func TestShutdownStopsRouterAndWorkers(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	r := New(Config{Version: "test", IdleTimeout: time.Hour, WorkerIdleTimeout: time.Hour})
	ctx := context.Background()
	done := make(chan error, 1)
	go func() { done <- r.Serve(ctx, ln) }()

	addr := ln.Addr()
	dbPath := filepath.Join(t.TempDir(), "a.db")
	roundTrip(t, addr, &protocol.Envelope{Type: protocol.KindPing, DB: dbPath})

	resp := roundTrip(t, addr, &protocol.Envelope{Type: protocol.KindShutdown})
	assert.Equal(t, "ok", resp.Status)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("router did not stop after Shutdown")
	}
}
