// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
)

// defaultConfigTemplate is written by EnsureConfig the first time the
// daemon starts against a data directory with no config.toml yet.
const defaultConfigTemplate = `# config.toml - Auto-generated on first run

# Directory holding the daemon's Unix socket and any daemon-owned
# state. Database files themselves live wherever the client passes.
dataDir = %q

# Unix socket path. Defaults to sqlited.sock inside dataDir.
#socketPath = ""

# Router idle timeout in minutes. The router process exits after this
# long with no accepted connections and no registered workers.
# Default: 30
#routerIdleTimeout = 30

# Worker idle timeout in minutes. Each per-database worker exits after
# this long with no submitted requests.
# Default: 5
#workerIdleTimeout = 5

# Bounded inbox capacity per worker. A full inbox rejects new requests
# with a busy error rather than blocking the caller.
# Default: 1024
#workerInboxCapacity = 1024

# Log file path
# If not defined, logs to stdout
# Optional
#logPath = ""

# Log rotation
# Maximum log file size in megabytes before rotation
# Default: 50
#logMaxSize = 50

# Number of rotated log files to retain (0 keeps all)
# Default: 3
#logMaxBackups = 3

# Log level
# Default: "INFO"
# Options: "ERROR", "DEBUG", "INFO", "WARN", "TRACE"
logLevel = "INFO"

# Metrics
#metricsEnabled = false
#metricsHost = "127.0.0.1"
#metricsPort = 9090
`

// EnsureConfig writes a default config.toml at path if nothing already
// exists there. It never overwrites an existing file.
func EnsureConfig(path, dataDir string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("stat config %s: %w", path, err)
	}

	content := fmt.Sprintf(defaultConfigTemplate, dataDir)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	return nil
}

var logSettingPatterns = map[string]*regexp.Regexp{
	"logPath":       regexp.MustCompile(`(?m)^#?\s*logPath\s*=.*$`),
	"logMaxSize":    regexp.MustCompile(`(?m)^#?\s*logMaxSize\s*=.*$`),
	"logMaxBackups": regexp.MustCompile(`(?m)^#?\s*logMaxBackups\s*=.*$`),
	"logLevel":      regexp.MustCompile(`(?m)^#?\s*logLevel\s*=.*$`),
}

// updateLogSettingsInTOML rewrites the log-related keys of an existing
// config.toml's text in place, uncommenting them if necessary, without
// disturbing any other section. Keys that are absent are appended as a
// "# Log settings" block, placed before an [httpTimeouts] section when
// one exists.
func updateLogSettingsInTOML(content, logLevel, logPath string, logMaxSize, logMaxBackups int) string {
	values := map[string]string{
		"logPath":       fmt.Sprintf("logPath = %q", logPath),
		"logMaxSize":    fmt.Sprintf("logMaxSize = %d", logMaxSize),
		"logMaxBackups": fmt.Sprintf("logMaxBackups = %d", logMaxBackups),
		"logLevel":      fmt.Sprintf("logLevel = %q", logLevel),
	}

	updated := content
	var missing []string
	for _, key := range []string{"logPath", "logMaxSize", "logMaxBackups", "logLevel"} {
		pattern := logSettingPatterns[key]
		if pattern.MatchString(updated) {
			updated = pattern.ReplaceAllString(updated, values[key])
		} else {
			missing = append(missing, values[key])
		}
	}

	if len(missing) == 0 {
		return updated
	}

	section := "\n# Log settings\n" + strings.Join(missing, "\n") + "\n"
	if idx := strings.Index(updated, "[httpTimeouts]"); idx != -1 {
		return updated[:idx] + strings.TrimPrefix(section, "\n") + "\n" + updated[idx:]
	}
	return updated + section
}
