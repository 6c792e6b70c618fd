// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package config loads the daemon's TOML configuration file, applying
// SQLITED__-prefixed environment variable overrides on top of it.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"

	"github.com/spf13/viper"
)

// Config is the daemon's full runtime configuration.
type Config struct {
	DataDir    string `toml:"dataDir" mapstructure:"dataDir"`
	SocketPath string `toml:"socketPath" mapstructure:"socketPath"`

	RouterIdleTimeoutMinutes  int `toml:"routerIdleTimeout" mapstructure:"routerIdleTimeout"`
	WorkerIdleTimeoutMinutes  int `toml:"workerIdleTimeout" mapstructure:"workerIdleTimeout"`
	WorkerInboxCapacity       int `toml:"workerInboxCapacity" mapstructure:"workerInboxCapacity"`

	LogLevel      string `toml:"logLevel" mapstructure:"logLevel"`
	LogPath       string `toml:"logPath" mapstructure:"logPath"`
	LogMaxSize    int    `toml:"logMaxSize" mapstructure:"logMaxSize"`
	LogMaxBackups int    `toml:"logMaxBackups" mapstructure:"logMaxBackups"`

	MetricsEnabled bool   `toml:"metricsEnabled" mapstructure:"metricsEnabled"`
	MetricsHost    string `toml:"metricsHost" mapstructure:"metricsHost"`
	MetricsPort    int    `toml:"metricsPort" mapstructure:"metricsPort"`
}

// envBindings lists every key's environment override, one BindEnv call
// per field since viper's automatic prefix join uses a single
// underscore and this project's convention uses two.
var envBindings = map[string]string{
	"dataDir":             "SQLITED__DATA_DIR",
	"socketPath":          "SQLITED__SOCKET_PATH",
	"routerIdleTimeout":   "SQLITED__ROUTER_IDLE_TIMEOUT",
	"workerIdleTimeout":   "SQLITED__WORKER_IDLE_TIMEOUT",
	"workerInboxCapacity": "SQLITED__WORKER_INBOX_CAPACITY",
	"logLevel":            "SQLITED__LOG_LEVEL",
	"logPath":             "SQLITED__LOG_PATH",
	"logMaxSize":          "SQLITED__LOG_MAX_SIZE",
	"logMaxBackups":       "SQLITED__LOG_MAX_BACKUPS",
	"metricsEnabled":      "SQLITED__METRICS_ENABLED",
	"metricsHost":         "SQLITED__METRICS_HOST",
	"metricsPort":         "SQLITED__METRICS_PORT",
}

func setDefaults(v *viper.Viper, dataDir string) {
	v.SetDefault("dataDir", dataDir)
	v.SetDefault("socketPath", filepath.Join(dataDir, "sqlited.sock"))
	v.SetDefault("routerIdleTimeout", 30)
	v.SetDefault("workerIdleTimeout", 5)
	v.SetDefault("workerInboxCapacity", 1024)
	v.SetDefault("logLevel", "INFO")
	v.SetDefault("logMaxSize", 50)
	v.SetDefault("logMaxBackups", 3)
	v.SetDefault("metricsEnabled", false)
	v.SetDefault("metricsHost", "127.0.0.1")
	v.SetDefault("metricsPort", 9090)
}

// New loads configPath as TOML, applying defaults for any key the
// file omits and environment overrides on top of both. A missing file
// is not an error: the daemon runs on defaults plus env overrides
// alone (EnsureConfig is what actually creates the file on first run).
func New(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("toml")

	setDefaults(v, filepath.Dir(configPath))

	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env for %s: %w", key, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read config %s: %w", configPath, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.SocketPath == "" {
		cfg.SocketPath = filepath.Join(cfg.DataDir, "sqlited.sock")
	}

	return &cfg, nil
}
