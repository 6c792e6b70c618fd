// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package singleinstance ensures at most one daemon process runs
// against a given data directory at a time.
package singleinstance

import (
	"errors"
	"fmt"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog/log"
)

// ErrAlreadyRunning is returned by Acquire when another process already
// holds the lock.
var ErrAlreadyRunning = errors.New("AlreadyRunning: another sqlited instance is already running against this data directory")

// Guard wraps the acquired OS-level exclusion primitive. It must be
// released exactly once, normally via a deferred Release() at process
// start; the OS reclaims the lock automatically even if Release is
// never called (process exit, including crash).
type Guard struct {
	fl   *flock.Flock
	path string
}

// Acquire attempts a non-blocking acquisition of the named exclusion
// primitive backed by a lock file at path. On failure to acquire
// because another process holds it, it returns ErrAlreadyRunning.
func Acquire(path string) (*Guard, error) {
	fl := flock.New(path)

	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire single-instance lock %s: %w", path, err)
	}
	if !locked {
		return nil, ErrAlreadyRunning
	}

	log.Debug().Str("lockfile", path).Msg("single-instance lock acquired")
	return &Guard{fl: fl, path: path}, nil
}

// Release drops the lock. Safe to call once; calling it more than once
// is a no-op beyond the first.
func (g *Guard) Release() error {
	if g == nil || g.fl == nil {
		return nil
	}
	if err := g.fl.Unlock(); err != nil {
		return fmt.Errorf("release single-instance lock %s: %w", g.path, err)
	}
	log.Debug().Str("lockfile", g.path).Msg("single-instance lock released")
	return nil
}
