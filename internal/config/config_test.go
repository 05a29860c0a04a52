package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadFileDecodesTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "durably.toml")

	content := `# Durably config
data_dir = "/var/lib/durably"
log_level = "DEBUG"
persist_logs = true
polling_interval = "250ms"
heartbeat_interval = "2s"
stale_threshold = "10s"
max_concurrent = 4
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	fc := loadFile(path)
	if fc.DataDir != "/var/lib/durably" {
		t.Errorf("DataDir = %q", fc.DataDir)
	}
	if fc.LogLevel != "DEBUG" {
		t.Errorf("LogLevel = %q", fc.LogLevel)
	}
	if fc.PersistLogs == nil || !*fc.PersistLogs {
		t.Errorf("PersistLogs = %v", fc.PersistLogs)
	}
	if fc.PollingInterval != "250ms" {
		t.Errorf("PollingInterval = %q", fc.PollingInterval)
	}
	if fc.MaxConcurrent != 4 {
		t.Errorf("MaxConcurrent = %d", fc.MaxConcurrent)
	}
}

func TestLoadFileMissingReturnsZeroValue(t *testing.T) {
	fc := loadFile(filepath.Join(t.TempDir(), "missing.toml"))
	if fc != (fileConfig{}) {
		t.Errorf("expected zero-value fileConfig, got %+v", fc)
	}
}

func TestApplyFileConfigOverridesDefaults(t *testing.T) {
	cfg := Config{
		LogLevel:        "info",
		PollingInterval: time.Second,
		MaxConcurrent:   1,
	}
	persist := true
	applyFileConfig(&cfg, fileConfig{
		LogLevel:        "warn",
		PersistLogs:     &persist,
		PollingInterval: "500ms",
		MaxConcurrent:   3,
	})

	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel = %q", cfg.LogLevel)
	}
	if !cfg.PersistLogs {
		t.Error("PersistLogs = false, want true")
	}
	if cfg.PollingInterval != 500*time.Millisecond {
		t.Errorf("PollingInterval = %v", cfg.PollingInterval)
	}
	if cfg.MaxConcurrent != 3 {
		t.Errorf("MaxConcurrent = %d", cfg.MaxConcurrent)
	}
}

func TestApplyFileConfigIgnoresInvalidDuration(t *testing.T) {
	cfg := Config{PollingInterval: time.Second}
	applyFileConfig(&cfg, fileConfig{PollingInterval: "not-a-duration"})
	if cfg.PollingInterval != time.Second {
		t.Errorf("PollingInterval = %v, want unchanged default", cfg.PollingInterval)
	}
}

func TestApplyEnvOverridesTakePrecedence(t *testing.T) {
	cfg := Config{LogLevel: "info", MaxConcurrent: 1, PollingInterval: time.Second}

	t.Setenv("DURABLY_LOG_LEVEL", "ERROR")
	t.Setenv("DURABLY_MAX_CONCURRENT", "8")
	t.Setenv("DURABLY_POLLING_INTERVAL", "50ms")
	t.Setenv("DURABLY_PERSIST_LOGS", "true")

	applyEnvOverrides(&cfg)

	if cfg.LogLevel != "error" {
		t.Errorf("LogLevel = %q", cfg.LogLevel)
	}
	if cfg.MaxConcurrent != 8 {
		t.Errorf("MaxConcurrent = %d", cfg.MaxConcurrent)
	}
	if cfg.PollingInterval != 50*time.Millisecond {
		t.Errorf("PollingInterval = %v", cfg.PollingInterval)
	}
	if !cfg.PersistLogs {
		t.Error("PersistLogs = false, want true")
	}
}

func TestLoadWritesDefaultConfigOnFirstRun(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("DURABLY_DATA_DIR", dir)

	cfg := Load()

	if cfg.DataDir != dir {
		t.Errorf("DataDir = %q, want %q", cfg.DataDir, dir)
	}
	if _, err := os.Stat(filepath.Join(dir, "durably.toml")); err != nil {
		t.Errorf("expected durably.toml to be written: %v", err)
	}
	if cfg.MaxConcurrent != 1 {
		t.Errorf("MaxConcurrent default = %d, want 1", cfg.MaxConcurrent)
	}
}

func TestLoadEnvOverridesFileValue(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "durably.toml")
	if err := os.WriteFile(path, []byte(`log_level = "warn"`+"\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("DURABLY_DATA_DIR", dir)
	t.Setenv("DURABLY_LOG_LEVEL", "debug")

	cfg := Load()
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want env override to win", cfg.LogLevel)
	}
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		raw    string
		want   time.Duration
		wantOK bool
	}{
		{"1s", time.Second, true},
		{"", 0, false},
		{"0s", 0, false},
		{"-1s", 0, false},
		{"garbage", 0, false},
	}
	for _, tt := range tests {
		got, ok := parseDuration(tt.raw)
		if ok != tt.wantOK || got != tt.want {
			t.Errorf("parseDuration(%q) = (%v, %v), want (%v, %v)", tt.raw, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestParseBool(t *testing.T) {
	tests := []struct {
		raw    string
		want   bool
		wantOK bool
	}{
		{"true", true, true},
		{"yes", true, true},
		{"0", false, true},
		{"off", false, true},
		{"maybe", false, false},
	}
	for _, tt := range tests {
		got, ok := parseBool(tt.raw)
		if ok != tt.wantOK || got != tt.want {
			t.Errorf("parseBool(%q) = (%v, %v), want (%v, %v)", tt.raw, got, ok, tt.want, tt.wantOK)
		}
	}
}
