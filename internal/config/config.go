// Package config loads tasksync settings from a yaml or toml file and
// TASKSYNC_* environment variables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/mschirtzinger/tasksync/internal/coordinator"
	"github.com/mschirtzinger/tasksync/internal/merge"
	"github.com/mschirtzinger/tasksync/internal/schema"
)

// EnvPrefix prefixes environment overrides, e.g. TASKSYNC_RETRY_MAX_ATTEMPTS.
const EnvPrefix = "TASKSYNC"

// DefaultFileNames are searched in the working directory when no config
// file is given.
var DefaultFileNames = []string{".tasksync.yaml", ".tasksync.yml", ".tasksync.toml"}

// ErrInvalid is returned by Validate.
var ErrInvalid = errors.New("invalid configuration")

// Config represents the full tasksync configuration
type Config struct {
	// File is the markdown task file.
	File string `yaml:"file" toml:"file" mapstructure:"file"`

	Direction string `yaml:"direction" toml:"direction" mapstructure:"direction"`
	Strategy  string `yaml:"strategy" toml:"strategy" mapstructure:"strategy"`
	Policy    string `yaml:"policy" toml:"policy" mapstructure:"policy"`

	DebounceMs     int `yaml:"debounce_ms" toml:"debounce_ms" mapstructure:"debounce_ms"`
	ThrottleMs     int `yaml:"throttle_ms" toml:"throttle_ms" mapstructure:"throttle_ms"`
	PollIntervalMs int `yaml:"poll_interval_ms" toml:"poll_interval_ms" mapstructure:"poll_interval_ms"`

	MaxFileSizeMB int `yaml:"max_file_size_mb" toml:"max_file_size_mb" mapstructure:"max_file_size_mb"`
	MaxTasks      int `yaml:"max_tasks" toml:"max_tasks" mapstructure:"max_tasks"`

	AutoBackup          bool   `yaml:"auto_backup" toml:"auto_backup" mapstructure:"auto_backup"`
	BackupRetentionDays int    `yaml:"backup_retention_days" toml:"backup_retention_days" mapstructure:"backup_retention_days"`
	BackupDir           string `yaml:"backup_dir" toml:"backup_dir" mapstructure:"backup_dir"`

	DryRun bool `yaml:"dry_run" toml:"dry_run" mapstructure:"dry_run"`

	// DBPath is the SQLite task store.
	DBPath string `yaml:"db_path" toml:"db_path" mapstructure:"db_path"`

	// AllowedRoot, when set, must contain File.
	AllowedRoot string `yaml:"allowed_root" toml:"allowed_root" mapstructure:"allowed_root"`

	Retry RetryConfig `yaml:"retry" toml:"retry" mapstructure:"retry"`

	// LogFile additionally receives logs, rotated. Empty logs to stderr only.
	LogFile string `yaml:"log_file" toml:"log_file" mapstructure:"log_file"`

	// DashboardAddr serves the live dashboard from watch. Empty disables it.
	DashboardAddr string `yaml:"dashboard_addr" toml:"dashboard_addr" mapstructure:"dashboard_addr"`
}

// RetryConfig configures file I/O retries
type RetryConfig struct {
	MaxAttempts       int `yaml:"max_attempts" toml:"max_attempts" mapstructure:"max_attempts"`
	InitialIntervalMs int `yaml:"initial_interval_ms" toml:"initial_interval_ms" mapstructure:"initial_interval_ms"`
	MaxIntervalMs     int `yaml:"max_interval_ms" toml:"max_interval_ms" mapstructure:"max_interval_ms"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		File:                "TODO.md",
		Direction:           string(schema.DirectionBidirectional),
		Strategy:            string(coordinator.StrategyThreeWayMerge),
		Policy:              string(merge.PolicyMerge),
		DebounceMs:          300,
		ThrottleMs:          1000,
		PollIntervalMs:      2000,
		MaxFileSizeMB:       10,
		MaxTasks:            10000,
		AutoBackup:          true,
		BackupRetentionDays: 30,
		DBPath:              filepath.Join(".tasksync", "tasks.db"),
		Retry: RetryConfig{
			MaxAttempts:       3,
			InitialIntervalMs: 100,
			MaxIntervalMs:     2000,
		},
	}
}

// NewViper returns a viper instance carrying every default and reading
// TASKSYNC_* overrides from the environment.
func NewViper() *viper.Viper {
	v := viper.New()
	d := DefaultConfig()

	v.SetDefault("file", d.File)
	v.SetDefault("direction", d.Direction)
	v.SetDefault("strategy", d.Strategy)
	v.SetDefault("policy", d.Policy)
	v.SetDefault("debounce_ms", d.DebounceMs)
	v.SetDefault("throttle_ms", d.ThrottleMs)
	v.SetDefault("poll_interval_ms", d.PollIntervalMs)
	v.SetDefault("max_file_size_mb", d.MaxFileSizeMB)
	v.SetDefault("max_tasks", d.MaxTasks)
	v.SetDefault("auto_backup", d.AutoBackup)
	v.SetDefault("backup_retention_days", d.BackupRetentionDays)
	v.SetDefault("backup_dir", d.BackupDir)
	v.SetDefault("dry_run", d.DryRun)
	v.SetDefault("db_path", d.DBPath)
	v.SetDefault("allowed_root", d.AllowedRoot)
	v.SetDefault("retry.max_attempts", d.Retry.MaxAttempts)
	v.SetDefault("retry.initial_interval_ms", d.Retry.InitialIntervalMs)
	v.SetDefault("retry.max_interval_ms", d.Retry.MaxIntervalMs)
	v.SetDefault("log_file", d.LogFile)
	v.SetDefault("dashboard_addr", d.DashboardAddr)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the configuration from path, or from the first of
// DefaultFileNames in the working directory when path is empty, and applies
// environment overrides.
func Load(path string) (*Config, error) {
	return LoadViper(NewViper(), path)
}

// LoadViper is Load on a caller-supplied viper instance, typically one with
// command-line flags bound to it.
func LoadViper(v *viper.Viper, path string) (*Config, error) {
	if path == "" {
		path = findDefaultFile()
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func findDefaultFile() string {
	for _, name := range DefaultFileNames {
		if _, err := os.Stat(name); err == nil {
			return name
		}
	}
	return ""
}

// Validate checks every field and returns the first problem found.
func (c *Config) Validate() error {
	switch {
	case strings.TrimSpace(c.File) == "":
		return fmt.Errorf("%w: file is required", ErrInvalid)
	case !schema.Direction(c.Direction).Valid():
		return fmt.Errorf("%w: unknown direction %q", ErrInvalid, c.Direction)
	case !coordinator.Strategy(c.Strategy).Valid():
		return fmt.Errorf("%w: unknown strategy %q", ErrInvalid, c.Strategy)
	case c.Policy == "" || !merge.Policy(c.Policy).Valid():
		return fmt.Errorf("%w: unknown policy %q", ErrInvalid, c.Policy)
	case c.DebounceMs <= 0:
		return fmt.Errorf("%w: debounce_ms must be positive", ErrInvalid)
	case c.ThrottleMs < 0:
		return fmt.Errorf("%w: throttle_ms cannot be negative", ErrInvalid)
	case c.PollIntervalMs <= 0:
		return fmt.Errorf("%w: poll_interval_ms must be positive", ErrInvalid)
	case c.MaxFileSizeMB < 0:
		return fmt.Errorf("%w: max_file_size_mb cannot be negative", ErrInvalid)
	case c.MaxTasks < 0:
		return fmt.Errorf("%w: max_tasks cannot be negative", ErrInvalid)
	case c.BackupRetentionDays < 0:
		return fmt.Errorf("%w: backup_retention_days cannot be negative", ErrInvalid)
	case strings.TrimSpace(c.DBPath) == "":
		return fmt.Errorf("%w: db_path is required", ErrInvalid)
	case c.Retry.MaxAttempts < 1:
		return fmt.Errorf("%w: retry.max_attempts must be at least 1", ErrInvalid)
	case c.Retry.InitialIntervalMs <= 0 || c.Retry.MaxIntervalMs < c.Retry.InitialIntervalMs:
		return fmt.Errorf("%w: retry intervals must be positive with max >= initial", ErrInvalid)
	}
	return nil
}

// Debounce returns DebounceMs as a duration.
func (c *Config) Debounce() time.Duration { return ms(c.DebounceMs) }

// Throttle returns ThrottleMs as a duration.
func (c *Config) Throttle() time.Duration { return ms(c.ThrottleMs) }

// PollInterval returns PollIntervalMs as a duration.
func (c *Config) PollInterval() time.Duration { return ms(c.PollIntervalMs) }

// RetryInitial returns the first retry delay.
func (c *Config) RetryInitial() time.Duration { return ms(c.Retry.InitialIntervalMs) }

// RetryMax returns the retry delay cap.
func (c *Config) RetryMax() time.Duration { return ms(c.Retry.MaxIntervalMs) }

func ms(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}

// BackupDirFor returns BackupDir, or .tasksync/backups next to the task file
// when it is unset.
func (c *Config) BackupDirFor() string {
	if c.BackupDir != "" {
		return c.BackupDir
	}
	return filepath.Join(filepath.Dir(c.File), ".tasksync", "backups")
}

// Marshal renders c as "yaml" or "toml".
func Marshal(c *Config, format string) ([]byte, error) {
	switch format {
	case "yaml", "yml":
		return yaml.Marshal(c)
	case "toml":
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(c); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}
	return nil, fmt.Errorf("unsupported config format %q", format)
}

// WriteDefault writes the default configuration to path, formatted by its
// extension. An existing file is never overwritten.
func WriteDefault(path string) error {
	format := strings.TrimPrefix(filepath.Ext(path), ".")
	data, err := Marshal(DefaultConfig(), format)
	if err != nil {
		return err
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return fmt.Errorf("failed to create config %s: %w", path, err)
	}
	if _, err := f.Write(append([]byte("# tasksync configuration\n"), data...)); err != nil {
		f.Close()
		return fmt.Errorf("failed to write config %s: %w", path, err)
	}
	return f.Close()
}
