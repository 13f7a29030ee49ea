// Package coordinator runs sync passes between the markdown task file and
// the task store.
//
// A file-to-app pass reads the file, compares every task with its base
// snapshot (the state both sides last agreed on) and the store's version,
// and applies creates, updates, deletes and resolved conflicts in one store
// transaction. An app-to-file pass serializes the store and writes the file
// atomically. Both passes are single-flight per direction and serialized
// against each other, and both are skipped when their input hashes to the
// same value as at the end of the previous pass.
package coordinator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/singleflight"

	"github.com/mschirtzinger/tasksync/internal/backup"
	"github.com/mschirtzinger/tasksync/internal/codec"
	"github.com/mschirtzinger/tasksync/internal/conflict"
	"github.com/mschirtzinger/tasksync/internal/merge"
	"github.com/mschirtzinger/tasksync/internal/resilience"
	"github.com/mschirtzinger/tasksync/internal/schema"
	"github.com/mschirtzinger/tasksync/internal/store"
)

// Codec converts between file content and tasks.
type Codec interface {
	Parse(content string) []*schema.Task
	Serialize(tasks []*schema.Task) string
}

// Strategy selects how conflicting tasks are settled.
type Strategy string

const (
	// StrategyThreeWayMerge resolves conflicts with the configured policy.
	StrategyThreeWayMerge Strategy = "three_way_merge"
	// StrategyLastWriteWins keeps whichever side was updated last, whole.
	StrategyLastWriteWins Strategy = "last_write_wins"
	// StrategyManual leaves every conflict for a person to decide.
	StrategyManual Strategy = "manual"
)

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyThreeWayMerge, StrategyLastWriteWins, StrategyManual:
		return true
	}
	return false
}

// Config holds coordinator configuration.
type Config struct {
	// FilePath is the markdown task file.
	FilePath string

	// Direction limits which passes may run.
	Direction schema.Direction

	// Strategy and Policy decide conflicts.
	Strategy Strategy
	Policy   merge.Policy

	// MaxFileSizeMB aborts the coordinator when exceeded. 0 disables it.
	MaxFileSizeMB int

	// MaxTasks drops parsed tasks beyond this count. 0 disables it.
	MaxTasks int

	// AutoBackup snapshots the file before it is overwritten.
	AutoBackup bool

	// DryRun computes passes without writing the store or the file.
	DryRun bool

	// Codec parses and serializes the file. Nil uses the markdown codec.
	Codec Codec

	// Resolver decides conflicts. Nil creates one.
	Resolver *conflict.Resolver

	// Files performs file I/O. Nil uses the OS filesystem with defaults.
	Files *resilience.Layer

	// Backups receives snapshots when AutoBackup is set. Nil keeps them in
	// .tasksync/backups next to the file.
	Backups *backup.Manager

	// Now is the clock. Nil uses time.Now.
	Now func() time.Time

	// Logger for coordinator activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults for path.
func DefaultConfig(path string) Config {
	return Config{
		FilePath:      path,
		Direction:     schema.DirectionBidirectional,
		Strategy:      StrategyThreeWayMerge,
		Policy:        merge.PolicyMerge,
		MaxFileSizeMB: 10,
		MaxTasks:      10000,
		AutoBackup:    true,
		Logger:        log.New(os.Stderr, "[coordinator] ", log.LstdFlags),
	}
}

// Statistics aggregates every recorded pass.
type Statistics struct {
	TotalSyncs              int       `json:"total_syncs"`
	SuccessfulSyncs         int       `json:"successful_syncs"`
	FailedSyncs             int       `json:"failed_syncs"`
	AverageDurationMs       float64   `json:"average_duration_ms"`
	TotalTasksChanged       int       `json:"total_tasks_changed"`
	TotalConflicts          int       `json:"total_conflicts"`
	AutoResolvedConflicts   int       `json:"auto_resolved_conflicts"`
	ManualResolvedConflicts int       `json:"manual_resolved_conflicts"`
	LastSyncAt              time.Time `json:"last_sync_at,omitempty"`
	LastSuccessfulSyncAt    time.Time `json:"last_successful_sync_at,omitempty"`
}

// Result describes one pass.
type Result struct {
	Direction schema.Direction
	// Skipped is set when the input was unchanged or the file did not exist.
	Skipped bool
	// DryRun is set when nothing was written.
	DryRun bool
	// Entry holds the counts. It is zero for skipped passes.
	Entry schema.SyncHistoryEntry
	// Conflicts detected by the pass, resolved or pending.
	Conflicts []*conflict.Conflict
}

// Coordinator runs sync passes. It is safe for concurrent use.
type Coordinator struct {
	db       *store.DB
	config   Config
	codec    Codec
	resolver *conflict.Resolver
	files    *resilience.Layer
	backups  *backup.Manager
	now      func() time.Time
	logger   *log.Logger

	group  singleflight.Group
	passMu sync.Mutex
	// outbox holds observer notifications queued by the running pass.
	outbox []func()

	mu           sync.Mutex
	hashes       map[schema.Direction]string
	aborted      error
	stats        Statistics
	observers    map[int]Observer
	nextObserver int
}

// New creates a coordinator over db.
func New(db *store.DB, cfg Config) (*Coordinator, error) {
	if db == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	if cfg.FilePath == "" {
		return nil, fmt.Errorf("file path cannot be empty")
	}
	if cfg.Direction == "" {
		cfg.Direction = schema.DirectionBidirectional
	}
	if !cfg.Direction.Valid() {
		return nil, fmt.Errorf("invalid direction %q", cfg.Direction)
	}
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyThreeWayMerge
	}
	if !cfg.Strategy.Valid() {
		return nil, fmt.Errorf("invalid strategy %q", cfg.Strategy)
	}
	if !cfg.Policy.Valid() {
		return nil, fmt.Errorf("invalid policy %q", cfg.Policy)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[coordinator] ", log.LstdFlags)
	}
	if cfg.Codec == nil {
		cfg.Codec = codec.New()
	}
	if cfg.Resolver == nil {
		cfg.Resolver = conflict.NewResolver(conflict.Config{Now: cfg.Now, Logger: cfg.Logger})
	}
	if cfg.Files == nil {
		files := resilience.DefaultConfig()
		files.Logger = cfg.Logger
		cfg.Files = resilience.New(files)
	}
	if cfg.Backups == nil {
		cfg.Backups = backup.New(backup.Config{
			Fs:     cfg.Files.Fs(),
			Dir:    filepath.Join(filepath.Dir(cfg.FilePath), ".tasksync", "backups"),
			Now:    cfg.Now,
			Logger: cfg.Logger,
		})
	}

	return &Coordinator{
		db:        db,
		config:    cfg,
		codec:     cfg.Codec,
		resolver:  cfg.Resolver,
		files:     cfg.Files,
		backups:   cfg.Backups,
		now:       cfg.Now,
		logger:    cfg.Logger,
		hashes:    make(map[schema.Direction]string),
		observers: make(map[int]Observer),
	}, nil
}

// Config returns the coordinator's configuration.
func (c *Coordinator) Config() Config {
	return c.config
}

// Start checks the file size and loads persisted pending conflicts. An
// oversized file aborts the coordinator.
func (c *Coordinator) Start(ctx context.Context) error {
	info, err := c.files.Stat(ctx, c.config.FilePath)
	switch {
	case err == nil:
		if err := c.checkSize(info.Size()); err != nil {
			return err
		}
	case errors.Is(err, os.ErrNotExist):
		c.logger.Printf("%s does not exist yet", c.config.FilePath)
	default:
		return fmt.Errorf("failed to stat %s: %w", c.config.FilePath, err)
	}

	pending, err := c.PendingConflicts(ctx)
	if err != nil {
		return err
	}
	for _, cf := range pending {
		c.resolver.Track(cf)
	}

	c.logger.Printf("Coordinator started for %s (%s, %s): %d pending conflict(s)",
		c.config.FilePath, c.config.Direction, c.config.Strategy, len(pending))
	return nil
}

// SyncFileToApp imports the file into the store. Concurrent calls share one
// pass.
func (c *Coordinator) SyncFileToApp(ctx context.Context) (*Result, error) {
	if !c.config.Direction.Includes(schema.DirectionFileToApp) {
		return nil, fmt.Errorf("%w: %s", ErrDirectionDisabled, schema.DirectionFileToApp)
	}
	return c.run(ctx, schema.DirectionFileToApp, c.fileToApp)
}

// SyncAppToFile writes the store to the file. Concurrent calls share one
// pass. In bidirectional mode, unsynced file edits are imported first.
func (c *Coordinator) SyncAppToFile(ctx context.Context) (*Result, error) {
	if !c.config.Direction.Includes(schema.DirectionAppToFile) {
		return nil, fmt.Errorf("%w: %s", ErrDirectionDisabled, schema.DirectionAppToFile)
	}
	return c.run(ctx, schema.DirectionAppToFile, c.appToFile)
}

// Sync runs every pass the configured direction includes, file first.
func (c *Coordinator) Sync(ctx context.Context) ([]*Result, error) {
	var results []*Result
	if c.config.Direction.Includes(schema.DirectionFileToApp) {
		res, err := c.SyncFileToApp(ctx)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	if c.config.Direction.Includes(schema.DirectionAppToFile) {
		res, err := c.SyncAppToFile(ctx)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

// run joins an in-flight pass of the same direction or starts one. Passes
// of different directions never overlap.
func (c *Coordinator) run(ctx context.Context, dir schema.Direction, pass func(context.Context) (*Result, error)) (*Result, error) {
	v, err, _ := c.group.Do(string(dir), func() (interface{}, error) {
		c.passMu.Lock()
		var (
			res *Result
			err error
		)
		if err = c.abortErr(); err == nil {
			res, err = pass(ctx)
		}
		outbox := c.outbox
		c.outbox = nil
		c.passMu.Unlock()

		for _, fn := range outbox {
			fn()
		}
		return res, err
	})
	res, _ := v.(*Result)
	return res, err
}

// Statistics returns a snapshot of pass statistics.
func (c *Coordinator) Statistics() Statistics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// History returns recorded passes, newest first. limit <= 0 returns all.
func (c *Coordinator) History(ctx context.Context, limit int) ([]schema.SyncHistoryEntry, error) {
	return c.db.ListHistory(ctx, limit)
}

// PendingConflicts returns the persisted conflicts awaiting a decision,
// oldest first.
func (c *Coordinator) PendingConflicts(ctx context.Context) ([]*conflict.Conflict, error) {
	records, err := c.db.ListConflicts(ctx, true)
	if err != nil {
		return nil, err
	}
	out := make([]*conflict.Conflict, 0, len(records))
	for _, rec := range records {
		cf, err := decodeConflict(rec)
		if err != nil {
			c.logger.Printf("Warning: skipping unreadable conflict %s: %v", rec.ID, err)
			continue
		}
		out = append(out, cf)
	}
	return out, nil
}

// abortErr reports the fatal error that stopped the coordinator, if any.
func (c *Coordinator) abortErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.aborted != nil {
		return fmt.Errorf("%w: %v", ErrAborted, c.aborted)
	}
	return nil
}

// checkSize aborts the coordinator when size exceeds the configured limit.
func (c *Coordinator) checkSize(size int64) error {
	limit := int64(c.config.MaxFileSizeMB) << 20
	if limit <= 0 || size <= limit {
		return nil
	}
	err := fmt.Errorf("%w: %s is %s, limit is %d MB",
		ErrFileTooLarge, c.config.FilePath, humanize.IBytes(uint64(size)), c.config.MaxFileSizeMB)

	c.mu.Lock()
	c.aborted = err
	c.mu.Unlock()
	c.logger.Printf("Aborting: %v", err)
	return err
}

// readFile stats and reads the task file. A missing file is reported
// through exists, not err.
func (c *Coordinator) readFile(ctx context.Context) (content string, modTime time.Time, exists bool, err error) {
	info, err := c.files.Stat(ctx, c.config.FilePath)
	if errors.Is(err, os.ErrNotExist) {
		return "", time.Time{}, false, nil
	}
	if err != nil {
		return "", time.Time{}, false, fmt.Errorf("failed to stat %s: %w", c.config.FilePath, err)
	}
	if err := c.checkSize(info.Size()); err != nil {
		return "", time.Time{}, false, err
	}

	content, err = c.files.ReadFile(ctx, c.config.FilePath)
	if errors.Is(err, os.ErrNotExist) {
		return "", time.Time{}, false, nil
	}
	if err != nil {
		return "", time.Time{}, false, err
	}
	return content, info.ModTime(), true, nil
}

func (c *Coordinator) lastHash(dir schema.Direction) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hashes[dir]
}

func (c *Coordinator) setHash(dir schema.Direction, hash string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hashes[dir] = hash
}

func hashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// policyFor returns the resolution policy for cf under the configured
// strategy.
func (c *Coordinator) policyFor(cf *conflict.Conflict) merge.Policy {
	switch c.config.Strategy {
	case StrategyManual:
		return merge.PolicyManual
	case StrategyLastWriteWins:
		if cf.Type == conflict.TypeDeletion {
			// A deleted side has no timestamp; keep the survivor.
			return merge.PolicyMerge
		}
		if merge.Newer(cf.FileVersion, cf.AppVersion) == merge.SideApp {
			return merge.PolicyPreferApp
		}
		return merge.PolicyPreferFile
	}
	if c.config.Policy == "" {
		return merge.PolicyMerge
	}
	return c.config.Policy
}

// resolverFor returns the shared resolver, or a scratch one for dry runs so
// no pending state or statistics leak.
func (c *Coordinator) resolverFor(dryRun bool) *conflict.Resolver {
	if !dryRun {
		return c.resolver
	}
	return conflict.NewResolver(conflict.Config{Now: c.now, Logger: c.logger})
}

// succeed records a successful pass and queues observer notifications.
func (c *Coordinator) succeed(ctx context.Context, entry *schema.SyncHistoryEntry, conflicts []*conflict.Conflict) {
	entry.Success = true
	c.complete(ctx, entry)

	done := *entry
	c.outbox = append(c.outbox, func() { c.notifyCompleted(done, conflicts) })
	c.logger.Printf("%s pass complete: created=%d updated=%d deleted=%d skipped=%d dropped=%d conflicts=%d/%d (%dms)",
		entry.Direction, entry.Created, entry.Updated, entry.Deleted, entry.Skipped, entry.Dropped,
		entry.ConflictsResolved, entry.ConflictsDetected, entry.DurationMs)
}

// fail records a failed pass, queues observer notifications and returns err.
func (c *Coordinator) fail(ctx context.Context, entry *schema.SyncHistoryEntry, err error) error {
	entry.Success = false
	entry.Error = err.Error()
	c.complete(ctx, entry)

	failed := *entry
	c.outbox = append(c.outbox, func() { c.notifyFailed(failed, err) })
	c.logger.Printf("%s pass failed: %v", entry.Direction, err)
	return err
}

// complete stamps the entry, updates statistics and appends it to history.
func (c *Coordinator) complete(ctx context.Context, entry *schema.SyncHistoryEntry) {
	entry.CompletedAt = c.now().UTC()
	entry.DurationMs = entry.CompletedAt.Sub(entry.StartedAt).Milliseconds()

	c.mu.Lock()
	s := &c.stats
	s.TotalSyncs++
	if entry.Success {
		s.SuccessfulSyncs++
		s.LastSuccessfulSyncAt = entry.CompletedAt
	} else {
		s.FailedSyncs++
	}
	s.AverageDurationMs += (float64(entry.DurationMs) - s.AverageDurationMs) / float64(s.TotalSyncs)
	s.TotalTasksChanged += entry.Changed()
	s.TotalConflicts += entry.ConflictsDetected
	s.AutoResolvedConflicts += entry.ConflictsResolved
	s.LastSyncAt = entry.CompletedAt
	c.mu.Unlock()

	// History must survive a rolled-back pass, so it is written on its own.
	if err := c.db.AppendHistory(context.WithoutCancel(ctx), entry); err != nil {
		c.logger.Printf("Warning: failed to record sync history: %v", err)
	}
}

func encodeConflict(cf *conflict.Conflict) (store.ConflictRecord, error) {
	data, err := json.Marshal(cf)
	if err != nil {
		return store.ConflictRecord{}, fmt.Errorf("failed to encode conflict %s: %w", cf.ID, err)
	}
	return store.ConflictRecord{
		ID:         cf.ID,
		TaskID:     cf.TaskID,
		Type:       string(cf.Type),
		Resolved:   cf.Resolved,
		DetectedAt: cf.DetectedAt,
		Data:       data,
	}, nil
}

func decodeConflict(rec store.ConflictRecord) (*conflict.Conflict, error) {
	var cf conflict.Conflict
	if err := json.Unmarshal(rec.Data, &cf); err != nil {
		return nil, fmt.Errorf("failed to decode conflict %s: %w", rec.ID, err)
	}
	cf.Resolved = rec.Resolved
	return &cf, nil
}
