// Package backup snapshots the task file before it is overwritten and
// enforces a retention period on old snapshots.
//
// Snapshots live in a single directory and are named
// <file name>.<20060102-150405.000000000>.bak in UTC.
package backup

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/spf13/afero"
)

// TimestampLayout is the time format embedded in backup names.
const TimestampLayout = "20060102-150405.000000000"

var nameRe = regexp.MustCompile(`^(.+)\.(\d{8}-\d{6}\.\d{9})\.bak$`)

// ErrInvalidName is returned by Restore for names that are not backups.
var ErrInvalidName = errors.New("invalid backup name")

// Config holds backup settings.
type Config struct {
	// Fs is the filesystem. Nil uses the OS filesystem.
	Fs afero.Fs

	// Dir receives the snapshots.
	Dir string

	// RetentionDays is how long snapshots are kept. 0 keeps them forever.
	RetentionDays int

	// Now is the clock. Nil uses time.Now.
	Now func() time.Time

	// Logger for backup activity
	Logger *log.Logger
}

// Backup describes one snapshot.
type Backup struct {
	Name      string
	Path      string
	Source    string
	CreatedAt time.Time
	Size      int64
}

// Manager creates, lists, prunes and restores snapshots.
type Manager struct {
	fs     afero.Fs
	config Config
}

// New creates a Manager.
func New(cfg Config) *Manager {
	if cfg.Fs == nil {
		cfg.Fs = afero.NewOsFs()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[backup] ", log.LstdFlags)
	}
	return &Manager{fs: cfg.Fs, config: cfg}
}

// Dir returns the backup directory.
func (m *Manager) Dir() string {
	return m.config.Dir
}

// Snapshot copies path into the backup directory and returns the backup's
// path. A missing source is not an error: there is nothing to lose, so ""
// is returned.
func (m *Manager) Snapshot(path string) (string, error) {
	data, err := afero.ReadFile(m.fs, path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read file for backup: %w", err)
	}

	if err := m.fs.MkdirAll(m.config.Dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create backup directory: %w", err)
	}

	stamp := m.config.Now().UTC().Format(TimestampLayout)
	dest := filepath.Join(m.config.Dir, filepath.Base(path)+"."+stamp+".bak")
	if err := afero.WriteFile(m.fs, dest, data, 0600); err != nil {
		return "", fmt.Errorf("failed to create backup: %w", err)
	}

	m.config.Logger.Printf("Backed up %s to %s", path, dest)
	return dest, nil
}

// List returns the snapshots in the backup directory, newest first.
func (m *Manager) List() ([]Backup, error) {
	entries, err := afero.ReadDir(m.fs, m.config.Dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list backups: %w", err)
	}

	var backups []Backup
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		source, created, ok := parseName(e.Name())
		if !ok {
			continue
		}
		backups = append(backups, Backup{
			Name:      e.Name(),
			Path:      filepath.Join(m.config.Dir, e.Name()),
			Source:    source,
			CreatedAt: created,
			Size:      e.Size(),
		})
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].CreatedAt.After(backups[j].CreatedAt)
	})
	return backups, nil
}

// Prune removes snapshots older than the retention period and returns how
// many were removed.
func (m *Manager) Prune() (int, error) {
	if m.config.RetentionDays <= 0 {
		return 0, nil
	}

	backups, err := m.List()
	if err != nil {
		return 0, err
	}

	cutoff := m.config.Now().Add(-time.Duration(m.config.RetentionDays) * 24 * time.Hour)
	removed := 0
	for _, b := range backups {
		if !b.CreatedAt.Before(cutoff) {
			continue
		}
		if err := m.fs.Remove(b.Path); err != nil {
			return removed, fmt.Errorf("failed to remove backup %s: %w", b.Name, err)
		}
		removed++
	}

	if removed > 0 {
		m.config.Logger.Printf("Pruned %d backup(s) older than %d day(s)", removed, m.config.RetentionDays)
	}
	return removed, nil
}

// Restore copies the named snapshot over target.
func (m *Manager) Restore(name, target string) error {
	if strings.ContainsAny(name, `/\`) || !nameRe.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}

	data, err := afero.ReadFile(m.fs, filepath.Join(m.config.Dir, name))
	if err != nil {
		return fmt.Errorf("failed to read backup %s: %w", name, err)
	}
	if err := afero.WriteFile(m.fs, target, data, 0644); err != nil {
		return fmt.Errorf("failed to restore %s: %w", target, err)
	}

	m.config.Logger.Printf("Restored %s from %s", target, name)
	return nil
}

func parseName(name string) (source string, created time.Time, ok bool) {
	match := nameRe.FindStringSubmatch(name)
	if match == nil {
		return "", time.Time{}, false
	}
	t, err := time.Parse(TimestampLayout, match[2])
	if err != nil {
		return "", time.Time{}, false
	}
	return match[1], t, true
}
