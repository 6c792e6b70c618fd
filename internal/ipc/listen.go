// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package ipc binds the daemon's Unix domain socket, clearing a stale,
// unowned socket file left behind by a process that did not exit
// cleanly (killed, crashed, power loss) before a previous listener got
// a chance to unlink it.
package ipc

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// dialProbeTimeout bounds how long Listen waits to find out whether an
// existing socket file still has a live listener behind it.
const dialProbeTimeout = 200 * time.Millisecond

// ErrSocketOwned is returned when a socket file at path is answered by
// a live listener; the single-instance guard should have prevented
// this, so its presence means the guard and the socket disagree about
// whether a daemon is already running.
var ErrSocketOwned = errors.New("ipc: socket is owned by a live listener")

// raceWatchWindow bounds how long Listen waits, after removing a stale
// socket file, to see whether a concurrent process recreates it before
// this process binds. The single-instance guard should make this
// impossible, but the socket file and the guard's lock file are two
// separate pieces of state and can disagree.
const raceWatchWindow = 50 * time.Millisecond

// Listen binds a Unix domain socket at path, first removing the file
// if it exists and nothing answers a connection attempt to it.
func Listen(path string) (net.Listener, error) {
	if _, err := os.Stat(path); err == nil {
		if probeIsLive(path) {
			return nil, fmt.Errorf("%w: %s", ErrSocketOwned, path)
		}

		dir, name := filepath.Dir(path), filepath.Base(path)
		recreated, cancel, watchErr := WatchDir(dir, name)
		if watchErr != nil {
			log.Warn().Err(watchErr).Str("path", path).Msg("ipc: could not watch for a racing recreate of the stale socket")
		}

		log.Info().Str("path", path).Msg("ipc: removing stale socket file")
		if err := os.Remove(path); err != nil {
			if cancel != nil {
				cancel()
			}
			return nil, fmt.Errorf("remove stale socket %s: %w", path, err)
		}

		if recreated != nil {
			select {
			case <-recreated:
				cancel()
				return nil, fmt.Errorf("%w: %s", ErrSocketOwned, path)
			case <-time.After(raceWatchWindow):
			}
			cancel()
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("stat socket path %s: %w", path, err)
	}

	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", path, err)
	}
	return ln, nil
}

// probeIsLive reports whether a connection to path succeeds, meaning a
// listener is actually behind the file rather than it being a leftover
// from an unclean exit.
func probeIsLive(path string) bool {
	conn, err := net.DialTimeout("unix", path, dialProbeTimeout)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// WatchDir watches dir for the creation of a file named name, used
// during startup to detect a concurrent process racing to bind the
// same socket after this process removed a stale one. Returns a
// channel that delivers at most one value and is closed once the watch
// stops; cancel stops the watch and releases the underlying
// fsnotify.Watcher.
func WatchDir(dir, name string) (events <-chan struct{}, cancel func() error, err error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	out := make(chan struct{}, 1)
	done := make(chan struct{})
	go func() {
		defer close(out)
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if (ev.Op&fsnotify.Create == fsnotify.Create) && filepath.Base(ev.Name) == name {
					select {
					case out <- struct{}{}:
					default:
					}
				}
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			case <-done:
				return
			}
		}
	}()

	return out, func() error {
		close(done)
		return watcher.Close()
	}, nil
}
