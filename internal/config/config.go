// Package config loads Durably's runtime configuration from a TOML file
// on disk, layered under environment variable overrides.
package config

import (
	"errors"
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is Durably's resolved runtime configuration.
type Config struct {
	DataDir           string
	LogLevel          string
	PersistLogs       bool
	PollingInterval   time.Duration
	HeartbeatInterval time.Duration
	StaleThreshold    time.Duration
	MaxConcurrent     int
}

// fileConfig mirrors the on-disk TOML shape. Durations are strings
// ("1s", "500ms") per time.ParseDuration, not raw nanoseconds, since
// that's what a human editing durably.toml would write.
type fileConfig struct {
	DataDir           string `toml:"data_dir"`
	LogLevel          string `toml:"log_level"`
	PersistLogs       *bool  `toml:"persist_logs"`
	PollingInterval   string `toml:"polling_interval"`
	HeartbeatInterval string `toml:"heartbeat_interval"`
	StaleThreshold    string `toml:"stale_threshold"`
	MaxConcurrent     int    `toml:"max_concurrent"`
}

var (
	osUserHomeDir = os.UserHomeDir
	osCurrentUser = user.Current
	osGeteuid     = os.Geteuid
	osTempDir     = os.TempDir
)

const defaultConfigContent = `# Durably configuration
# All values shown are defaults. Uncomment and edit to customize.

# Directory holding durably.db and this config file.
# Environment variable: DURABLY_DATA_DIR
# data_dir = "~/.durably"

# Log level: debug, info, warn, error.
# Environment variable: DURABLY_LOG_LEVEL
# log_level = "info"

# Persist step.log calls to the logs table, not just the event bus.
# Environment variable: DURABLY_PERSIST_LOGS
# persist_logs = false

# How often the Worker Loop polls for pending Runs when idle.
# Environment variable: DURABLY_POLLING_INTERVAL
# polling_interval = "1s"

# How often an in-flight Run's heartbeat_at is refreshed.
# Environment variable: DURABLY_HEARTBEAT_INTERVAL
# heartbeat_interval = "5s"

# How long since the last heartbeat before a running Run is considered
# abandoned and reset to pending.
# Environment variable: DURABLY_STALE_THRESHOLD
# stale_threshold = "30s"

# Maximum Runs the Worker Loop drives concurrently. The Worker clamps
# this to 1; larger values have no effect.
# Environment variable: DURABLY_MAX_CONCURRENT
# max_concurrent = 1
`

// Load resolves Config from, in increasing precedence: built-in
// defaults, durably.toml in the data directory (created on first run if
// absent), then DURABLY_* environment variables.
func Load() Config {
	cfg := Config{
		LogLevel:          "info",
		PollingInterval:   1000 * time.Millisecond,
		HeartbeatInterval: 5000 * time.Millisecond,
		StaleThreshold:    30000 * time.Millisecond,
		MaxConcurrent:     1,
	}

	cfg.DataDir = resolveDataDir()
	configPath := filepath.Join(cfg.DataDir, "durably.toml")
	ensureDefaultConfig(configPath)

	file := loadFile(configPath)
	applyFileConfig(&cfg, file)
	applyEnvOverrides(&cfg)

	return cfg
}

func resolveDataDir() string {
	if v := strings.TrimSpace(os.Getenv("DURABLY_DATA_DIR")); v != "" {
		return v
	}
	if home, err := resolveHomeDir(); err == nil {
		return filepath.Join(home, ".durably")
	}
	// Last-resort fallback for restricted service environments.
	return filepath.Join(osTempDir(), "durably")
}

func ensureDefaultConfig(configPath string) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		writeDefaultConfig(configPath)
	}
}

// loadFile decodes path as TOML, returning a zero-value fileConfig (not
// an error) if the file is absent — an unwritable data dir shouldn't
// prevent Load from returning usable defaults.
func loadFile(path string) fileConfig {
	var fc fileConfig
	if _, err := toml.DecodeFile(path, &fc); err != nil {
		return fileConfig{}
	}
	return fc
}

func applyFileConfig(cfg *Config, file fileConfig) {
	if file.DataDir != "" {
		cfg.DataDir = file.DataDir
	}
	if file.LogLevel != "" {
		cfg.LogLevel = strings.ToLower(file.LogLevel)
	}
	if file.PersistLogs != nil {
		cfg.PersistLogs = *file.PersistLogs
	}
	if d, ok := parseDuration(file.PollingInterval); ok {
		cfg.PollingInterval = d
	}
	if d, ok := parseDuration(file.HeartbeatInterval); ok {
		cfg.HeartbeatInterval = d
	}
	if d, ok := parseDuration(file.StaleThreshold); ok {
		cfg.StaleThreshold = d
	}
	if file.MaxConcurrent > 0 {
		cfg.MaxConcurrent = file.MaxConcurrent
	}
}

// applyEnvOverrides takes precedence over both defaults and the file,
// matching the teacher's SENTINEL_* env var layering.
func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("DURABLY_DATA_DIR")); v != "" {
		cfg.DataDir = v
	}
	if v := strings.TrimSpace(os.Getenv("DURABLY_LOG_LEVEL")); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv("DURABLY_PERSIST_LOGS")); v != "" {
		if parsed, ok := parseBool(v); ok {
			cfg.PersistLogs = parsed
		}
	}
	if v := strings.TrimSpace(os.Getenv("DURABLY_POLLING_INTERVAL")); v != "" {
		if d, ok := parseDuration(v); ok {
			cfg.PollingInterval = d
		}
	}
	if v := strings.TrimSpace(os.Getenv("DURABLY_HEARTBEAT_INTERVAL")); v != "" {
		if d, ok := parseDuration(v); ok {
			cfg.HeartbeatInterval = d
		}
	}
	if v := strings.TrimSpace(os.Getenv("DURABLY_STALE_THRESHOLD")); v != "" {
		if d, ok := parseDuration(v); ok {
			cfg.StaleThreshold = d
		}
	}
	if v := strings.TrimSpace(os.Getenv("DURABLY_MAX_CONCURRENT")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxConcurrent = n
		}
	}
}

// writeDefaultConfig creates the config file with commented-out defaults.
// Best-effort: errors are silently ignored, matching ensureDefaultConfig's
// treatment of a missing/unwritable data dir as non-fatal.
func writeDefaultConfig(path string) {
	_ = os.MkdirAll(filepath.Dir(path), 0o700)
	_ = os.WriteFile(path, []byte(defaultConfigContent), 0o600) //nolint:gosec // fixed content, not user input
}

func parseBool(raw string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "on":
		return true, true
	case "0", "false", "no", "off":
		return false, true
	default:
		return false, false
	}
}

func parseDuration(raw string) (time.Duration, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, false
	}
	v, err := time.ParseDuration(raw)
	if err != nil || v <= 0 {
		return 0, false
	}
	return v, true
}

func resolveHomeDir() (string, error) {
	if home := strings.TrimSpace(os.Getenv("HOME")); home != "" {
		return home, nil
	}
	if home, err := osUserHomeDir(); err == nil && strings.TrimSpace(home) != "" {
		return strings.TrimSpace(home), nil
	}
	if current, err := osCurrentUser(); err == nil && current != nil {
		if home := strings.TrimSpace(current.HomeDir); home != "" {
			return home, nil
		}
	}
	if osGeteuid() == 0 {
		// System services may run without HOME set.
		if runtime.GOOS == "darwin" {
			return "/var/root", nil
		}
		return "/root", nil
	}
	return "", errors.New("home directory not found")
}
