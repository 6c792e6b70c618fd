// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package buildinfo exposes the daemon's version, commit, and build
// date, set at link time via -ldflags and reported over the wire in
// Ping responses and the version CLI command.
package buildinfo

import (
	"encoding/json"
	"fmt"
	"runtime"
)

// Set via -ldflags at build time. Version defaults to "dev" so local
// builds still report something sensible.
var (
	Version = "dev"
	Commit  string
	Date    string
)

// UserAgent identifies this daemon's build in outbound HTTP requests
// (currently unused by the IPC protocol itself, but available to any
// component that talks to another HTTP service).
var UserAgent string

func init() {
	UserAgent = fmt.Sprintf("sqlited/%s (%s; %s)", Version, runtime.GOOS, runtime.GOARCH)
}

// String renders version, commit, and build date as a 3-line string
// suitable for a CLI --version flag.
func String() string {
	return fmt.Sprintf("Version: %s\nCommit: %s\nBuild date: %s", Version, Commit, Date)
}

type info struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
}

// JSON renders version, commit, and build date as a JSON object.
func JSON() ([]byte, error) {
	return json.Marshal(info{Version: Version, Commit: Commit, Date: Date})
}
