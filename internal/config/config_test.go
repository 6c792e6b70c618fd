// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsWithNoConfigFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.toml")

	cfg, err := New(configPath)
	require.NoError(t, err)

	assert.Equal(t, tmpDir, cfg.DataDir)
	assert.Equal(t, filepath.Join(tmpDir, "sqlited.sock"), cfg.SocketPath)
	assert.Equal(t, 30, cfg.RouterIdleTimeoutMinutes)
	assert.Equal(t, 5, cfg.WorkerIdleTimeoutMinutes)
	assert.Equal(t, 1024, cfg.WorkerInboxCapacity)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.False(t, cfg.MetricsEnabled)
}

func TestExplicitValuesInConfigFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.toml")

	content := `
socketPath = "/custom/sqlited.sock"
workerIdleTimeout = 10
workerInboxCapacity = 256
logLevel = "DEBUG"
metricsEnabled = true
metricsHost = "0.0.0.0"
metricsPort = 9999
`
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0o644))

	cfg, err := New(configPath)
	require.NoError(t, err)

	assert.Equal(t, "/custom/sqlited.sock", cfg.SocketPath)
	assert.Equal(t, 10, cfg.WorkerIdleTimeoutMinutes)
	assert.Equal(t, 256, cfg.WorkerInboxCapacity)
	assert.Equal(t, "DEBUG", cfg.LogLevel)
	assert.True(t, cfg.MetricsEnabled)
	assert.Equal(t, "0.0.0.0", cfg.MetricsHost)
	assert.Equal(t, 9999, cfg.MetricsPort)
}

func TestEnvironmentVariablePrecedence(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.toml")

	content := `workerIdleTimeout = 10`
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0o644))

	os.Setenv("SQLITED__WORKER_IDLE_TIMEOUT", "45")
	defer os.Unsetenv("SQLITED__WORKER_IDLE_TIMEOUT")

	cfg, err := New(configPath)
	require.NoError(t, err)

	assert.Equal(t, 45, cfg.WorkerIdleTimeoutMinutes)
}

func TestEnsureConfigWritesDefaultOnlyOnce(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.toml")

	require.NoError(t, EnsureConfig(configPath, tmpDir))
	first, err := os.ReadFile(configPath)
	require.NoError(t, err)
	assert.Contains(t, string(first), "Auto-generated on first run")

	require.NoError(t, os.WriteFile(configPath, append(first, []byte("\nlogLevel = \"DEBUG\"\n")...), 0o644))
	require.NoError(t, EnsureConfig(configPath, tmpDir))

	second, err := os.ReadFile(configPath)
	require.NoError(t, err)
	assert.Contains(t, string(second), `logLevel = "DEBUG"`, "EnsureConfig must not overwrite an existing file")
}
