// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package ipc

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListenBindsFreshSocket(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "sqlited.sock")

	ln, err := Listen(path)
	require.NoError(t, err)
	defer ln.Close()

	_, err = os.Stat(path)
	assert.NoError(t, err)
}

func TestListenRemovesStaleSocketFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "sqlited.sock")

	// Create and immediately abandon a listener without removing its
	// file, simulating an unclean exit.
	stale, err := net.Listen("unix", path)
	require.NoError(t, err)
	stale.(*net.UnixListener).SetUnlinkOnClose(false)
	stale.Close() // listener gone, but the socket file remains on disk

	ln, err := Listen(path)
	require.NoError(t, err)
	defer ln.Close()
}

func TestListenRefusesALiveSocket(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "sqlited.sock")

	owner, err := net.Listen("unix", path)
	require.NoError(t, err)
	defer owner.Close()
	go func() {
		for {
			conn, err := owner.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	_, err = Listen(path)
	assert.ErrorIs(t, err, ErrSocketOwned)
}

func TestWatchDirObservesCreate(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	events, cancel, err := WatchDir(dir, "target.sock")
	require.NoError(t, err)
	defer cancel()

	f, err := os.Create(filepath.Join(dir, "target.sock"))
	require.NoError(t, err)
	f.Close()

	select {
	case <-events:
	case <-time.After(2 * time.Second):
		t.Fatal("did not observe creation of watched file")
	}
}
