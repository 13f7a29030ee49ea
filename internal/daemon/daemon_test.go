package daemon

import (
	"context"
	"errors"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/afero"

	"github.com/mschirtzinger/tasksync/internal/backup"
	"github.com/mschirtzinger/tasksync/internal/coordinator"
	"github.com/mschirtzinger/tasksync/internal/schema"
	"github.com/mschirtzinger/tasksync/internal/store"
	"github.com/mschirtzinger/tasksync/internal/watcher"
)

func discard() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func setupTestDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "tasks.db"))
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.InitSchema(); err != nil {
		t.Fatalf("Failed to initialize schema: %v", err)
	}
	return db
}

func newCoordinator(t *testing.T, db *store.DB, path string, mutate func(*coordinator.Config)) *coordinator.Coordinator {
	t.Helper()
	cfg := coordinator.DefaultConfig(path)
	cfg.Logger = discard()
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := coordinator.New(db, cfg)
	if err != nil {
		t.Fatalf("coordinator.New() failed: %v", err)
	}
	return c
}

func testConfig() *Config {
	return &Config{
		PollInterval: 20 * time.Millisecond,
		Watcher: watcher.Config{
			Debounce:      20 * time.Millisecond,
			MaxFileSizeMB: 10,
			MaxRetries:    1,
			RetryDelay:    10 * time.Millisecond,
			Logger:        discard(),
		},
		Logger: discard(),
	}
}

// writeFile replaces path atomically so the daemon never reads a
// half-written file.
func writeFile(t *testing.T, path, content string) {
	t.Helper()
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write %s: %v", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		t.Fatalf("Failed to rename %s: %v", tmp, err)
	}
}

func fileContains(path, substr string) bool {
	data, err := os.ReadFile(path)
	return err == nil && strings.Contains(string(data), substr)
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

// startDaemon runs d in the background and returns a function that stops
// it and reports Start's result.
func startDaemon(t *testing.T, d *Daemon) (stop func() error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Start(ctx) }()

	var stopped bool
	var result error
	stop = func() error {
		if stopped {
			return result
		}
		stopped = true
		cancel()
		select {
		case result = <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("Daemon did not stop")
		}
		return result
	}
	t.Cleanup(func() { stop() })
	return stop
}

func TestNew(t *testing.T) {
	db := setupTestDB(t)
	path := filepath.Join(t.TempDir(), "TODO.md")
	coord := newCoordinator(t, db, path, nil)

	tests := []struct {
		name    string
		coord   *coordinator.Coordinator
		db      *store.DB
		config  *Config
		wantErr bool
	}{
		{"valid", coord, db, testConfig(), false},
		{"default config", coord, db, nil, false},
		{"nil coordinator", nil, db, testConfig(), true},
		{"nil db", coord, nil, testConfig(), true},
		{"zero poll interval", coord, db, &Config{Logger: discard()}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := New(tt.coord, tt.db, nil, tt.config)
			if (err != nil) != tt.wantErr {
				t.Fatalf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
			if d != nil {
				d.Stop()
			}
		})
	}
}

func TestDaemon_SyncsBothWays(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	path := filepath.Join(t.TempDir(), "TODO.md")
	writeFile(t, path, "- [ ] First <!-- id:first -->\n")

	d, err := New(newCoordinator(t, db, path, nil), db, nil, testConfig())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	stop := startDaemon(t, d)

	eventually(t, "initial import", func() bool {
		_, err := db.Get(ctx, "first")
		return err == nil
	})
	eventually(t, "watcher start", d.Watcher().IsWatching)

	writeFile(t, path, "- [ ] First <!-- id:first -->\n- [ ] Second\n")
	eventually(t, "minted id written back", func() bool {
		return fileContains(path, "- [ ] Second <!-- id:")
	})

	if err := db.Create(ctx, &schema.Task{ID: "third", Title: "Third", Order: 10}); err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	eventually(t, "app task written to file", func() bool {
		return fileContains(path, "- [ ] Third <!-- id:third -->")
	})

	n, err := db.Count(ctx)
	if err != nil {
		t.Fatalf("Count() failed: %v", err)
	}
	if n != 3 {
		t.Errorf("Count() = %d, want 3", n)
	}

	if err := stop(); err != nil {
		t.Errorf("Start() returned %v after cancellation", err)
	}
}

func TestStart_Locked(t *testing.T) {
	db := setupTestDB(t)
	path := filepath.Join(t.TempDir(), "TODO.md")

	other := flock.New(path + ".lock")
	locked, err := other.TryLock()
	if err != nil || !locked {
		t.Fatalf("TryLock() = %v, %v", locked, err)
	}
	defer other.Unlock()

	d, err := New(newCoordinator(t, db, path, nil), db, nil, testConfig())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer d.Stop()

	if err := d.Start(context.Background()); !errors.Is(err, ErrLocked) {
		t.Errorf("Start() error = %v, want ErrLocked", err)
	}
}

func TestStart_OversizedFileReleasesLock(t *testing.T) {
	db := setupTestDB(t)
	path := filepath.Join(t.TempDir(), "TODO.md")
	writeFile(t, path, strings.Repeat("x", 1<<20+1))

	coord := newCoordinator(t, db, path, func(c *coordinator.Config) { c.MaxFileSizeMB = 1 })
	d, err := New(coord, db, nil, testConfig())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer d.Stop()

	if err := d.Start(context.Background()); !errors.Is(err, coordinator.ErrFileTooLarge) {
		t.Fatalf("Start() error = %v, want ErrFileTooLarge", err)
	}

	again := flock.New(path + ".lock")
	locked, err := again.TryLock()
	if err != nil || !locked {
		t.Errorf("lock still held after failed start: %v, %v", locked, err)
	}
	again.Unlock()
}

func TestDaemon_PrunesBackups(t *testing.T) {
	db := setupTestDB(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "TODO.md")
	writeFile(t, path, "- [ ] A <!-- id:a -->\n")

	backupDir := filepath.Join(dir, "backups")
	if err := os.MkdirAll(backupDir, 0755); err != nil {
		t.Fatalf("MkdirAll() failed: %v", err)
	}
	old := "TODO.md." + time.Now().AddDate(0, 0, -10).UTC().Format(backup.TimestampLayout) + ".bak"
	oldPath := filepath.Join(backupDir, old)
	if err := os.WriteFile(oldPath, []byte("old"), 0600); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}

	backups := backup.New(backup.Config{
		Fs:            afero.NewOsFs(),
		Dir:           backupDir,
		RetentionDays: 7,
		Logger:        discard(),
	})
	cfg := testConfig()
	cfg.PruneInterval = 20 * time.Millisecond

	d, err := New(newCoordinator(t, db, path, nil), db, backups, cfg)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	startDaemon(t, d)

	eventually(t, "old backup pruned", func() bool {
		_, err := os.Stat(oldPath)
		return errors.Is(err, os.ErrNotExist)
	})
}
