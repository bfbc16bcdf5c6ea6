// Package config resolves process-level settings for the download engine,
// adapted from the teacher's ConfigManager getter-with-default shape but
// backed by environment variables rather than a settings table, since this
// repository has no settings UI to round-trip through.
package config

import (
	"os"
	"strconv"
)

const (
	envDownloadRoot  = "STREAMVAULT_DOWNLOAD_ROOT"
	envMaxConcurrent = "STREAMVAULT_MAX_CONCURRENT"
	envBandwidthCap  = "STREAMVAULT_BANDWIDTH_CAP_BYTES_PER_SEC"
	envUserAgent     = "STREAMVAULT_USER_AGENT"
	envControlPort   = "STREAMVAULT_CONTROL_PORT"
	envDatabasePath  = "STREAMVAULT_DB_PATH"
)

// Config holds every process-level setting the engine needs.
type Config struct {
	DownloadRoot string
	MaxConcurrent int
	// BandwidthCapBytesPerSec is 0 when unset (no cap).
	BandwidthCapBytesPerSec int64
	UserAgent               string
	ControlPort             int
	DatabasePath            string
}

// Load resolves Config from the environment, falling back to the same
// defaults the teacher's ConfigManager used for its own settings.
func Load() Config {
	return Config{
		DownloadRoot:            getString(envDownloadRoot, defaultDownloadRoot()),
		MaxConcurrent:           getInt(envMaxConcurrent, 3),
		BandwidthCapBytesPerSec: getInt64(envBandwidthCap, 0),
		UserAgent:               getString(envUserAgent, "streamvault/1.0"),
		ControlPort:             getInt(envControlPort, 4444),
		DatabasePath:            getString(envDatabasePath, defaultDatabasePath()),
	}
}

func defaultDownloadRoot() string {
	dir, err := os.UserHomeDir()
	if err != nil {
		return "./downloads"
	}
	return dir + "/Downloads/streamvault"
}

func defaultDatabasePath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "./streamvault.db"
	}
	return dir + "/streamvault/streamvault.db"
}

func getString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}
