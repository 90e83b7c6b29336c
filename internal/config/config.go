// Package config handles clonemgrd configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config holds clonemgrd's daemon configuration.
type Config struct {
	// StoreDBPath is where the durable Task Store's sqlite file lives.
	StoreDBPath string

	// WorktreeRoot is a directory the start command creates at boot and
	// reports in its startup line. No path is resolved against it.
	WorktreeRoot string

	// PollInterval is how often CONNECT tasks are re-checked for peer
	// reachability (§4.7).
	PollInterval time.Duration

	// MaxConnectAttempts bounds how many poll ticks a task may spend in
	// CONNECT before failing with ERROR(CONNECT). 0 means unbounded.
	MaxConnectAttempts int

	// StatusPushAddr is the listen address for the read-only websocket
	// status feed, e.g. ":8765".
	StatusPushAddr string

	// TelemetryEndpoint is the OTLP gRPC collector address. Empty disables
	// telemetry export.
	TelemetryEndpoint string

	// Verbose is set from CLONEMGR_VERBOSE. Nothing in clonemgrd reads it;
	// log output is the same either way.
	Verbose bool
}

// Load loads configuration from the environment, falling back to defaults
// matching a single-user local daemon.
func Load() (*Config, error) {
	cfg := &Config{
		StoreDBPath:        defaultStoreDBPath(),
		WorktreeRoot:       defaultWorktreeRoot(),
		PollInterval:       5 * time.Second,
		MaxConnectAttempts: 0,
		StatusPushAddr:     ":8765",
		TelemetryEndpoint:  "",
		Verbose:            false,
	}

	if v := os.Getenv("CLONEMGR_STORE_DB_PATH"); v != "" {
		cfg.StoreDBPath = v
	}
	if v := os.Getenv("CLONEMGR_WORKTREE_ROOT"); v != "" {
		cfg.WorktreeRoot = v
	}
	if v := os.Getenv("CLONEMGR_POLL_INTERVAL"); v != "" {
		cfg.PollInterval = parseDurationOrDefault(v, 5*time.Second)
	}
	if v := os.Getenv("CLONEMGR_MAX_CONNECT_ATTEMPTS"); v != "" {
		cfg.MaxConnectAttempts = parseIntOrDefault(v, 0)
	}
	if v := os.Getenv("CLONEMGR_STATUS_PUSH_ADDR"); v != "" {
		cfg.StatusPushAddr = v
	}
	if v := os.Getenv("CLONEMGR_TELEMETRY_ENDPOINT"); v != "" {
		cfg.TelemetryEndpoint = v
	}
	if v := os.Getenv("CLONEMGR_VERBOSE"); v != "" {
		cfg.Verbose = v == "true" || v == "1"
	}

	return cfg, nil
}

func defaultStoreDBPath() string {
	dir, err := os.Getwd()
	if err != nil {
		return ".clonemgr/clonemgr.db"
	}
	return filepath.Join(dir, ".clonemgr", "clonemgr.db")
}

func defaultWorktreeRoot() string {
	dir, err := os.Getwd()
	if err != nil {
		return ".clonemgr/worktrees"
	}
	return filepath.Join(dir, ".clonemgr", "worktrees")
}

func parseIntOrDefault(s string, def int) int {
	var i int
	if _, err := fmt.Sscanf(s, "%d", &i); err != nil {
		return def
	}
	return i
}

func parseDurationOrDefault(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}
