package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestDefaultConfig(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("DefaultConfig().Validate() failed: %v", err)
	}
	if cfg.Direction != "bidirectional" || cfg.Strategy != "three_way_merge" || cfg.Policy != "merge" {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
	if cfg.Debounce() != 300*time.Millisecond || cfg.PollInterval() != 2*time.Second {
		t.Errorf("Debounce() = %v, PollInterval() = %v", cfg.Debounce(), cfg.PollInterval())
	}
	if got, want := cfg.BackupDirFor(), filepath.Join(".tasksync", "backups"); got != want {
		t.Errorf("BackupDirFor() = %q, want %q", got, want)
	}
}

func TestWriteDefaultRoundTrip(t *testing.T) {
	for _, name := range []string{"config.yaml", "config.toml"} {
		name := name
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			path := filepath.Join(t.TempDir(), name)
			if err := WriteDefault(path); err != nil {
				t.Fatalf("WriteDefault() failed: %v", err)
			}

			cfg, err := Load(path)
			if err != nil {
				t.Fatalf("Load() failed: %v", err)
			}
			if diff := cmp.Diff(DefaultConfig(), cfg); diff != "" {
				t.Errorf("loaded config mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestWriteDefaultRefusesOverwrite(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("file: mine.md\n"), 0644); err != nil {
		t.Fatal(err)
	}

	if err := WriteDefault(path); !errors.Is(err, os.ErrExist) {
		t.Errorf("WriteDefault() error = %v, want ErrExist", err)
	}
	data, _ := os.ReadFile(path)
	if string(data) != "file: mine.md\n" {
		t.Errorf("existing config was modified: %q", data)
	}
}

func TestWriteDefaultUnsupportedFormat(t *testing.T) {
	t.Parallel()
	if err := WriteDefault(filepath.Join(t.TempDir(), "config.ini")); err == nil {
		t.Error("WriteDefault(.ini) succeeded, want error")
	}
}

func TestLoadPartialFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "tasksync.yaml")
	content := `file: notes/TODO.md
direction: file_to_app
strategy: manual
retry:
  max_attempts: 5
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	want := DefaultConfig()
	want.File = "notes/TODO.md"
	want.Direction = "file_to_app"
	want.Strategy = "manual"
	want.Retry.MaxAttempts = 5
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
	if got, want := cfg.BackupDirFor(), filepath.Join("notes", ".tasksync", "backups"); got != want {
		t.Errorf("BackupDirFor() = %q, want %q", got, want)
	}
}

func TestLoadTOML(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "tasksync.toml")
	content := `file = "work.md"
auto_backup = false

[retry]
max_interval_ms = 5000
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.File != "work.md" || cfg.AutoBackup || cfg.Retry.MaxIntervalMs != 5000 {
		t.Errorf("config = %+v", cfg)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasksync.yaml")
	if err := os.WriteFile(path, []byte("max_tasks: 10\n"), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("TASKSYNC_MAX_TASKS", "42")
	t.Setenv("TASKSYNC_RETRY_MAX_ATTEMPTS", "7")
	t.Setenv("TASKSYNC_DRY_RUN", "true")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.MaxTasks != 42 || cfg.Retry.MaxAttempts != 7 || !cfg.DryRun {
		t.Errorf("env overrides not applied: %+v", cfg)
	}
}

func TestLoadErrors(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	if _, err := Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("Load(missing) succeeded, want error")
	}

	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("direction: sideways\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(bad); !errors.Is(err, ErrInvalid) {
		t.Errorf("Load(bad direction) error = %v, want ErrInvalid", err)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"empty file", func(c *Config) { c.File = " " }, "file"},
		{"direction", func(c *Config) { c.Direction = "up" }, "direction"},
		{"strategy", func(c *Config) { c.Strategy = "coin_flip" }, "strategy"},
		{"policy", func(c *Config) { c.Policy = "" }, "policy"},
		{"debounce", func(c *Config) { c.DebounceMs = 0 }, "debounce_ms"},
		{"throttle", func(c *Config) { c.ThrottleMs = -1 }, "throttle_ms"},
		{"poll", func(c *Config) { c.PollIntervalMs = 0 }, "poll_interval_ms"},
		{"file size", func(c *Config) { c.MaxFileSizeMB = -1 }, "max_file_size_mb"},
		{"max tasks", func(c *Config) { c.MaxTasks = -1 }, "max_tasks"},
		{"retention", func(c *Config) { c.BackupRetentionDays = -1 }, "backup_retention_days"},
		{"db path", func(c *Config) { c.DBPath = "" }, "db_path"},
		{"attempts", func(c *Config) { c.Retry.MaxAttempts = 0 }, "max_attempts"},
		{"intervals", func(c *Config) { c.Retry.MaxIntervalMs = 10 }, "intervals"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if !errors.Is(err, ErrInvalid) {
				t.Fatalf("Validate() error = %v, want ErrInvalid", err)
			}
			if !strings.Contains(err.Error(), tt.field) {
				t.Errorf("Validate() error = %q, want mention of %s", err, tt.field)
			}
		})
	}

	ok := DefaultConfig()
	ok.ThrottleMs = 0
	ok.MaxFileSizeMB = 0
	if err := ok.Validate(); err != nil {
		t.Errorf("Validate() with disabled limits failed: %v", err)
	}
}

func TestMarshal(t *testing.T) {
	t.Parallel()

	data, err := Marshal(DefaultConfig(), "yaml")
	if err != nil {
		t.Fatalf("Marshal(yaml) failed: %v", err)
	}
	if !strings.Contains(string(data), "direction: bidirectional") {
		t.Errorf("yaml output missing direction:\n%s", data)
	}

	data, err = Marshal(DefaultConfig(), "toml")
	if err != nil {
		t.Fatalf("Marshal(toml) failed: %v", err)
	}
	if !strings.Contains(string(data), `direction = "bidirectional"`) {
		t.Errorf("toml output missing direction:\n%s", data)
	}
}
