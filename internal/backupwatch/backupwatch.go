// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package backupwatch observes a database file for changes made by
// something other than its owning worker: a backup tool or sync
// client replacing the file without going through
// PrepareForMaintenance / CloseDatabase / ReopenDatabase. It never
// intervenes; the maintenance protocol is caller-driven by design, so
// this package only logs what it sees.
package backupwatch

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// Watcher logs a structured warning whenever the watched database
// file is written, removed, or renamed out from under it.
type Watcher struct {
	path    string
	fw      *fsnotify.Watcher
	stop    chan struct{}
	stopped sync.Once
}

// New starts watching path's parent directory for changes to path
// itself. The caller decides when this is appropriate to run, e.g.
// only while the corresponding worker reports state Open.
func New(path string) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve absolute path: %w", err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	w := &Watcher{path: abs, fw: fw, stop: make(chan struct{})}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	name := filepath.Base(w.path)
	for {
		select {
		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != name {
				continue
			}
			w.logEvent(ev)

		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Str("path", w.path).Msg("backupwatch: watcher error")

		case <-w.stop:
			return
		}
	}
}

func (w *Watcher) logEvent(ev fsnotify.Event) {
	switch {
	case ev.Op&fsnotify.Write == fsnotify.Write:
		log.Warn().Str("path", w.path).Msg("backupwatch: database file modified outside the maintenance protocol")
	case ev.Op&fsnotify.Remove == fsnotify.Remove:
		log.Warn().Str("path", w.path).Msg("backupwatch: database file removed outside the maintenance protocol")
	case ev.Op&(fsnotify.Rename|fsnotify.Create) != 0:
		log.Warn().Str("path", w.path).Str("op", ev.Op.String()).Msg("backupwatch: database file replaced outside the maintenance protocol")
	}
}

// Close stops the watcher. Safe to call more than once.
func (w *Watcher) Close() error {
	var err error
	w.stopped.Do(func() {
		close(w.stop)
		err = w.fw.Close()
	})
	return err
}
