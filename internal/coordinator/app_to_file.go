package coordinator

import (
	"context"
	"fmt"

	"github.com/mschirtzinger/tasksync/internal/codec"
	"github.com/mschirtzinger/tasksync/internal/schema"
	"github.com/mschirtzinger/tasksync/internal/store"
)

func (c *Coordinator) appToFile(ctx context.Context) (*Result, error) {
	if c.config.Direction == schema.DirectionBidirectional {
		if err := c.reconcileFile(ctx); err != nil {
			return nil, err
		}
	}

	dryRun := c.config.DryRun
	entry := schema.SyncHistoryEntry{Direction: schema.DirectionAppToFile, StartedAt: c.now().UTC()}

	tasks, err := c.db.Query(ctx, store.Filter{}, store.QueryOptions{OrderBy: store.OrderFile})
	if err != nil {
		return nil, c.fail(ctx, &entry, fmt.Errorf("failed to load tasks: %w", err))
	}
	renumbered := renumber(tasks)

	content := c.codec.Serialize(tasks)
	hash := hashContent(content)
	if hash == c.lastHash(schema.DirectionAppToFile) && len(renumbered) == 0 {
		return &Result{Direction: schema.DirectionAppToFile, Skipped: true}, nil
	}

	current, _, exists, err := c.readFile(ctx)
	if err != nil {
		return nil, c.fail(ctx, &entry, err)
	}
	if err := c.checkDropped(current, tasks); err != nil {
		return nil, c.fail(ctx, &entry, err)
	}
	c.countFileChanges(&entry, current, tasks)

	if dryRun {
		entry.Success = true
		entry.CompletedAt = c.now().UTC()
		entry.DurationMs = entry.CompletedAt.Sub(entry.StartedAt).Milliseconds()
		c.logger.Printf("Dry run: would write %d task(s) to %s", len(tasks), c.config.FilePath)
		return &Result{Direction: schema.DirectionAppToFile, DryRun: true, Entry: entry}, nil
	}

	if !exists || current != content {
		if c.config.AutoBackup && exists {
			if _, err := c.backups.Snapshot(c.config.FilePath); err != nil {
				return nil, c.fail(ctx, &entry, fmt.Errorf("failed to back up %s: %w", c.config.FilePath, err))
			}
		}
		if err := c.files.WriteFileAtomic(ctx, c.config.FilePath, []byte(content), 0644); err != nil {
			return nil, c.fail(ctx, &entry, err)
		}
	}

	if err := c.refreshBases(ctx, tasks, renumbered); err != nil {
		return nil, c.fail(ctx, &entry, err)
	}

	c.setHash(schema.DirectionAppToFile, hash)
	// Prime the file hash so the watcher's echo of this write is skipped.
	c.setHash(schema.DirectionFileToApp, hashContent(content))

	c.succeed(ctx, &entry, nil)
	return &Result{Direction: schema.DirectionAppToFile, Entry: entry}, nil
}

// reconcileFile imports file edits made since the last file-to-app pass so
// writing the file does not discard them.
func (c *Coordinator) reconcileFile(ctx context.Context) error {
	content, _, exists, err := c.readFile(ctx)
	if err != nil {
		entry := schema.SyncHistoryEntry{Direction: schema.DirectionAppToFile, StartedAt: c.now().UTC()}
		return c.fail(ctx, &entry, err)
	}
	if !exists || hashContent(content) == c.lastHash(schema.DirectionFileToApp) {
		return nil
	}

	c.logger.Printf("Importing unsynced edits in %s before writing it", c.config.FilePath)
	if _, err := c.fileToApp(ctx); err != nil {
		return fmt.Errorf("failed to import unsynced edits: %w", err)
	}
	return nil
}

// refreshBases stores renumbered orders and records every task as the base
// both sides now agree on.
func (c *Coordinator) refreshBases(ctx context.Context, tasks []*schema.Task, renumbered []*schema.Task) error {
	bases, err := c.db.LoadBases(ctx)
	if err != nil {
		return fmt.Errorf("failed to load base snapshots: %w", err)
	}

	return c.db.Transaction(ctx, func(tx *store.Tx) error {
		for _, t := range renumbered {
			if err := tx.Update(ctx, t); err != nil {
				return err
			}
		}

		seen := make(map[string]bool, len(tasks))
		for _, t := range tasks {
			seen[t.ID] = true
			if err := tx.SaveBase(ctx, t); err != nil {
				return err
			}
		}
		for id := range bases {
			if seen[id] {
				continue
			}
			if err := tx.DeleteBase(ctx, id); err != nil {
				return err
			}
		}
		return nil
	})
}

// checkDropped refuses to overwrite a bidirectional file whose entries
// beyond MaxTasks are missing from the store, since writing would erase
// them.
func (c *Coordinator) checkDropped(current string, tasks []*schema.Task) error {
	limit := c.config.MaxTasks
	if limit <= 0 || c.config.Direction != schema.DirectionBidirectional {
		return nil
	}
	parsed := c.codec.Parse(current)
	if len(parsed) <= limit {
		return nil
	}

	stored := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		stored[t.ID] = true
	}
	missing := 0
	for _, t := range parsed[limit:] {
		if t.ID == "" || !stored[t.ID] {
			missing++
		}
	}
	if missing > 0 {
		return fmt.Errorf("%w: %d task(s) beyond the limit of %d exist only in %s", ErrTaskLimit, missing, limit, c.config.FilePath)
	}
	return nil
}

// countFileChanges compares the file's current tasks with the tasks about
// to be written.
func (c *Coordinator) countFileChanges(entry *schema.SyncHistoryEntry, current string, tasks []*schema.Task) {
	before := make(map[string]*schema.Task)
	parsed := c.codec.Parse(current)
	codec.ResolveParents(parsed)
	for _, t := range parsed {
		if t.ID != "" {
			before[t.ID] = t
		}
	}

	for _, t := range tasks {
		old, ok := before[t.ID]
		switch {
		case !ok:
			entry.Created++
		case !schema.ContentEqual(old, t):
			entry.Updated++
		}
		delete(before, t.ID)
	}
	entry.Deleted = len(before)
}

// renumber sets each task's Order to its position within its section, in
// file order, and returns the tasks whose Order changed. Positions are what
// the codec reads back, so stored orders must match them for base
// comparisons to hold.
func renumber(tasks []*schema.Task) []*schema.Task {
	schema.SortForFile(tasks)

	var changed []*schema.Task
	pos := make(map[string]int)
	for _, t := range tasks {
		want := pos[t.Section]
		pos[t.Section]++
		if t.Order != want {
			t.Order = want
			changed = append(changed, t)
		}
	}
	return changed
}
