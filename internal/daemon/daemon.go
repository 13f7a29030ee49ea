// Package daemon keeps a task file and the task store in sync until stopped.
//
// The daemon:
// 1. Takes an exclusive lock next to the task file
// 2. Runs a full sync in every configured direction
// 3. Watches the file and imports its changes
// 4. Polls the store revision and writes app-side changes to the file
// 5. Prunes old backups on a slow ticker
// 6. Handles graceful shutdown
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/mschirtzinger/tasksync/internal/backup"
	"github.com/mschirtzinger/tasksync/internal/coordinator"
	"github.com/mschirtzinger/tasksync/internal/schema"
	"github.com/mschirtzinger/tasksync/internal/store"
	"github.com/mschirtzinger/tasksync/internal/watcher"
)

// ErrLocked is returned by Start when another daemon holds the file's lock.
var ErrLocked = errors.New("another daemon is syncing this file")

// Config holds configuration for the daemon.
type Config struct {
	// PollInterval is how often the store revision is checked for app-side
	// changes.
	PollInterval time.Duration

	// PruneInterval is how often old backups are removed. 0 disables pruning.
	PruneInterval time.Duration

	// LockPath overrides the lock file. Empty uses "<file>.lock".
	LockPath string

	// Watcher configures file watching.
	Watcher watcher.Config

	// Logger for daemon activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		PollInterval:  2 * time.Second,
		PruneInterval: time.Hour,
		Watcher:       watcher.DefaultConfig(),
		Logger:        log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// Daemon drives a coordinator from file events and store changes.
type Daemon struct {
	coord   *coordinator.Coordinator
	db      *store.DB
	backups *backup.Manager
	config  *Config
	path    string

	lock    *flock.Flock
	watcher *watcher.Watcher

	// fileChanged wakes the loop after a watcher change; one pending signal
	// is enough.
	fileChanged chan struct{}

	lastRevision  int64
	lastThrottled int

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
	fatal    error
	fatalMu  sync.Mutex
}

// New creates a daemon for coord's file. backups may be nil, which disables
// pruning.
func New(coord *coordinator.Coordinator, db *store.DB, backups *backup.Manager, config *Config) (*Daemon, error) {
	if coord == nil {
		return nil, fmt.Errorf("coordinator cannot be nil")
	}
	if db == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.PollInterval <= 0 {
		return nil, fmt.Errorf("poll interval must be positive")
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[daemon] ", log.LstdFlags)
	}

	path := coord.Config().FilePath
	lockPath := config.LockPath
	if lockPath == "" {
		lockPath = path + ".lock"
	}

	w, err := watcher.New(path, config.Watcher)
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Daemon{
		coord:       coord,
		db:          db,
		backups:     backups,
		config:      config,
		path:        path,
		lock:        flock.New(lockPath),
		watcher:     w,
		fileChanged: make(chan struct{}, 1),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Watcher returns the daemon's file watcher.
func (d *Daemon) Watcher() *watcher.Watcher {
	return d.watcher
}

// Start begins the daemon's operation.
//
// The daemon will:
// 1. Acquire the lock, failing with ErrLocked if it is held
// 2. Perform a full sync
// 3. Start watching the file
// 4. Poll the store and prune backups in the background
//
// This blocks until ctx is cancelled or a fatal sync error occurs.
func (d *Daemon) Start(ctx context.Context) error {
	d.config.Logger.Printf("Starting daemon for %s", d.path)

	locked, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to acquire lock %s: %w", d.lock.Path(), err)
	}
	if !locked {
		return fmt.Errorf("%w: %s", ErrLocked, d.lock.Path())
	}

	if err := d.coord.Start(ctx); err != nil {
		d.unlock()
		return fmt.Errorf("failed to start coordinator: %w", err)
	}

	// Perform initial full sync
	if _, err := d.coord.Sync(ctx); err != nil {
		if coordinator.IsFatal(err) {
			d.unlock()
			return fmt.Errorf("initial sync failed: %w", err)
		}
		d.config.Logger.Printf("Warning: initial sync failed: %v", err)
	}
	d.recordRevision(ctx)

	d.watcher.On(watcher.EventChange, d.onFileChanged)
	d.watcher.On(watcher.EventAdd, d.onFileChanged)
	d.watcher.On(watcher.EventUnlink, func(ev watcher.Event) {
		d.config.Logger.Printf("Warning: %s was removed; tasks stay in the store until the file returns", ev.Path)
	})
	if err := d.watcher.Start(); err != nil {
		d.unlock()
		return fmt.Errorf("failed to start watcher: %w", err)
	}

	d.config.Logger.Printf("Watching: %s", d.path)

	d.wg.Add(1)
	go d.loop()

	// Wait for shutdown
	select {
	case <-ctx.Done():
		d.config.Logger.Println("Shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		if err := d.Stop(); err != nil {
			return err
		}
		return d.fatalErr()
	}
}

// Stop gracefully shuts down the daemon. It is safe to call more than once.
func (d *Daemon) Stop() error {
	var err error
	d.stopOnce.Do(func() {
		d.config.Logger.Println("Stopping daemon")

		// Signal shutdown
		d.cancel()

		if werr := d.watcher.Dispose(); werr != nil {
			d.config.Logger.Printf("Error closing watcher: %v", werr)
		}

		// Wait for goroutines to finish
		d.wg.Wait()

		err = d.unlock()
		d.config.Logger.Println("Daemon stopped")
	})
	return err
}

func (d *Daemon) unlock() error {
	if err := d.lock.Unlock(); err != nil {
		return fmt.Errorf("failed to release lock %s: %w", d.lock.Path(), err)
	}
	return nil
}

func (d *Daemon) onFileChanged(watcher.Event) {
	select {
	case d.fileChanged <- struct{}{}:
	default:
	}
}

// loop runs every sync the daemon triggers, one at a time.
func (d *Daemon) loop() {
	defer d.wg.Done()

	poll := time.NewTicker(d.config.PollInterval)
	defer poll.Stop()

	var prune <-chan time.Time
	if d.config.PruneInterval > 0 && d.backups != nil {
		t := time.NewTicker(d.config.PruneInterval)
		defer t.Stop()
		prune = t.C
	}

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-d.fileChanged:
			d.syncFile()

		case <-poll.C:
			d.pollStore()

		case <-prune:
			d.pruneBackups()
		}
	}
}

// syncFile imports the file and writes back what the import changed, such
// as newly minted ids.
func (d *Daemon) syncFile() {
	direction := d.coord.Config().Direction
	if !direction.Includes(schema.DirectionFileToApp) {
		return
	}
	if _, err := d.coord.SyncFileToApp(d.ctx); err != nil {
		d.handleSyncError(err)
		return
	}
	if direction.Includes(schema.DirectionAppToFile) {
		if _, err := d.coord.SyncAppToFile(d.ctx); err != nil {
			d.handleSyncError(err)
			return
		}
	}
	d.recordRevision(d.ctx)
}

// pollStore writes the file when the store changed since the last pass, and
// catches up on file changes the watcher throttled away.
func (d *Daemon) pollStore() {
	stats := d.watcher.Statistics()
	if stats.ThrottledEvents != d.lastThrottled {
		d.lastThrottled = stats.ThrottledEvents
		d.syncFile()
	}

	if !d.coord.Config().Direction.Includes(schema.DirectionAppToFile) {
		return
	}
	rev, err := d.db.Revision(d.ctx)
	if err != nil {
		d.config.Logger.Printf("Error reading store revision: %v", err)
		return
	}
	if rev == d.lastRevision {
		return
	}

	d.config.Logger.Printf("Store changed (revision %d -> %d)", d.lastRevision, rev)
	if _, err := d.coord.SyncAppToFile(d.ctx); err != nil {
		d.handleSyncError(err)
		return
	}
	d.recordRevision(d.ctx)
}

func (d *Daemon) pruneBackups() {
	n, err := d.backups.Prune()
	if err != nil {
		d.config.Logger.Printf("Error pruning backups: %v", err)
		return
	}
	if n > 0 {
		d.config.Logger.Printf("Pruned %d backup(s)", n)
	}
}

// recordRevision remembers the store revision after the daemon's own passes
// so they do not trigger another one.
func (d *Daemon) recordRevision(ctx context.Context) {
	rev, err := d.db.Revision(ctx)
	if err != nil {
		d.config.Logger.Printf("Error reading store revision: %v", err)
		return
	}
	d.lastRevision = rev
}

// handleSyncError logs err and shuts the daemon down when it is fatal.
// Retryable failures are picked up again by the next event or poll.
func (d *Daemon) handleSyncError(err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	if !coordinator.IsFatal(err) {
		d.config.Logger.Printf("Sync failed (retryable=%v): %v", coordinator.IsRetryable(err), err)
		return
	}

	d.config.Logger.Printf("Fatal sync error, shutting down: %v", err)
	d.fatalMu.Lock()
	if d.fatal == nil {
		d.fatal = err
	}
	d.fatalMu.Unlock()
	d.cancel()
}

func (d *Daemon) fatalErr() error {
	d.fatalMu.Lock()
	defer d.fatalMu.Unlock()
	return d.fatal
}
