package coordinator

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/mschirtzinger/tasksync/internal/codec"
	"github.com/mschirtzinger/tasksync/internal/conflict"
	"github.com/mschirtzinger/tasksync/internal/schema"
	"github.com/mschirtzinger/tasksync/internal/store"
)

// plan is the set of store writes a file-to-app pass will make.
type plan struct {
	creates []*schema.Task
	updates []*schema.Task
	deletes []string

	// rebase lists tasks whose base is refreshed from the stored row after
	// the writes; baseTo sets explicit bases for tasks not in the store.
	rebase    []string
	baseTo    []*schema.Task
	dropBases []string

	conflicts []*conflict.Conflict
	pending   int
	// refreshed holds pending conflicts whose versions moved on.
	refreshed []*conflict.Conflict

	// minted holds ids generated for id-less file entries.
	minted map[string]bool
}

func (p *plan) create(t *schema.Task) {
	p.creates = append(p.creates, t)
	p.rebase = append(p.rebase, t.ID)
}

func (p *plan) update(t *schema.Task) {
	p.updates = append(p.updates, t)
	p.rebase = append(p.rebase, t.ID)
}

func (p *plan) remove(id string) {
	p.deletes = append(p.deletes, id)
}

func (c *Coordinator) fileToApp(ctx context.Context) (*Result, error) {
	dryRun := c.config.DryRun
	entry := schema.SyncHistoryEntry{Direction: schema.DirectionFileToApp, StartedAt: c.now().UTC()}

	content, modTime, exists, err := c.readFile(ctx)
	if err != nil {
		return nil, c.fail(ctx, &entry, err)
	}
	if !exists {
		c.logger.Printf("%s does not exist, nothing to import", c.config.FilePath)
		return &Result{Direction: schema.DirectionFileToApp, Skipped: true}, nil
	}

	hash := hashContent(content)
	if hash == c.lastHash(schema.DirectionFileToApp) {
		return &Result{Direction: schema.DirectionFileToApp, Skipped: true}, nil
	}

	parsed := c.codec.Parse(content)
	for _, t := range parsed {
		// The file carries no timestamps; its tasks are as new as the file.
		t.CreatedAt = modTime.UTC()
		t.UpdatedAt = modTime.UTC()
	}

	p, err := c.planFileToApp(ctx, parsed, &entry, c.resolverFor(dryRun), dryRun)
	if err != nil {
		return nil, c.fail(ctx, &entry, err)
	}

	if dryRun {
		entry.Success = true
		entry.CompletedAt = c.now().UTC()
		entry.DurationMs = entry.CompletedAt.Sub(entry.StartedAt).Milliseconds()
		c.logger.Printf("Dry run: would create %d, update %d, delete %d task(s)", entry.Created, entry.Updated, entry.Deleted)
		return &Result{Direction: schema.DirectionFileToApp, DryRun: true, Entry: entry, Conflicts: p.conflicts}, nil
	}

	if err := c.applyFileToApp(ctx, p); err != nil {
		return nil, c.fail(ctx, &entry, err)
	}

	c.setHash(schema.DirectionFileToApp, hash)
	c.succeed(ctx, &entry, p.conflicts)
	return &Result{Direction: schema.DirectionFileToApp, Entry: entry, Conflicts: p.conflicts}, nil
}

// planFileToApp classifies every task seen in the file, the store or the
// base snapshots and fills entry's counts.
func (c *Coordinator) planFileToApp(ctx context.Context, parsed []*schema.Task, entry *schema.SyncHistoryEntry, resolver *conflict.Resolver, dryRun bool) (*plan, error) {
	var dropped []*schema.Task
	if limit := c.config.MaxTasks; limit > 0 && len(parsed) > limit {
		dropped = parsed[limit:]
		parsed = parsed[:limit]
		entry.Dropped = len(dropped)
		c.logger.Printf("Dropping %d task(s) beyond the limit of %d", entry.Dropped, limit)
	}

	appTasks, err := c.db.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load tasks: %w", err)
	}
	bases, err := c.db.LoadBases(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load base snapshots: %w", err)
	}
	pending, err := c.db.ListConflicts(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("failed to load pending conflicts: %w", err)
	}

	app := make(map[string]*schema.Task, len(appTasks))
	for _, t := range appTasks {
		app[t.ID] = t
	}
	awaiting := make(map[string]store.ConflictRecord, len(pending))
	for _, rec := range pending {
		awaiting[rec.TaskID] = rec
	}

	p := &plan{minted: make(map[string]bool)}
	file, protected := c.indexFileTasks(parsed, app, p, entry)
	codec.ResolveParents(parsed)
	protectDropped(dropped, file, app, protected)

	ids := make(map[string]struct{}, len(file)+len(app)+len(bases))
	for id := range file {
		ids[id] = struct{}{}
	}
	for id := range app {
		ids[id] = struct{}{}
	}
	for id := range bases {
		ids[id] = struct{}{}
	}
	sorted := make([]string, 0, len(ids))
	for id := range ids {
		sorted = append(sorted, id)
	}
	sort.Strings(sorted)

	// In file_to_app mode the file is authoritative and never loses to the
	// store.
	authoritative := c.config.Direction == schema.DirectionFileToApp

	for _, id := range sorted {
		f, a, b := file[id], app[id], bases[id]

		if rec, ok := awaiting[id]; ok {
			if f != nil || a != nil {
				entry.Skipped++
				c.refreshPending(p, rec, f, a, dryRun)
			}
			continue
		}

		switch {
		case f != nil && a == nil && b == nil:
			p.create(f)

		case f != nil && a == nil:
			// Deleted in the app since the last sync.
			switch {
			case authoritative:
				p.create(f)
			case !schema.ContentEqual(f, b):
				c.resolve(p, entry, resolver, b, f, nil)
			default:
				// The next app-to-file pass drops it from the file.
			}

		case f == nil && a != nil:
			// New in the app, or removed from the file.
			if b == nil || protected[id] {
				continue
			}
			if authoritative || schema.ContentEqual(a, b) {
				p.remove(id)
			} else {
				c.resolve(p, entry, resolver, b, nil, a)
			}

		case f == nil && a == nil:
			p.dropBases = append(p.dropBases, id)

		case b == nil:
			if schema.ContentEqual(f, a) {
				p.rebase = append(p.rebase, id)
			} else if authoritative {
				p.update(withCreated(f, a))
			} else {
				c.resolve(p, entry, resolver, nil, f, a)
			}

		default:
			fileChanged := !schema.ContentEqual(f, b)
			appChanged := !schema.ContentEqual(a, b)
			switch {
			case !fileChanged:
				// Nothing new in the file; app-side edits flow the other way.
			case !appChanged || authoritative:
				p.update(withCreated(f, a))
			case schema.ContentEqual(f, a):
				p.rebase = append(p.rebase, id)
			default:
				c.resolve(p, entry, resolver, b, f, a)
			}
		}
	}

	entry.Created = len(p.creates)
	entry.Updated = len(p.updates)
	entry.Deleted = len(p.deletes)

	// A renamed id-less entry shows up as one create plus one delete; report
	// the pair as an update.
	renamed := 0
	for _, t := range p.creates {
		if p.minted[t.ID] {
			renamed++
		}
	}
	if renamed > entry.Deleted {
		renamed = entry.Deleted
	}
	entry.Created -= renamed
	entry.Deleted -= renamed
	entry.Updated += renamed

	return p, nil
}

// indexFileTasks keys parsed tasks by id. Entries without an id are matched
// to a store task with the same title that the file does not already
// reference, or given a fresh id. Invalid and duplicate entries are counted
// as skipped; the ids of invalid entries are returned as protected so the
// store keeps those tasks.
func (c *Coordinator) indexFileTasks(parsed []*schema.Task, app map[string]*schema.Task, p *plan, entry *schema.SyncHistoryEntry) (map[string]*schema.Task, map[string]bool) {
	file := make(map[string]*schema.Task, len(parsed))
	protected := make(map[string]bool)
	var idless []*schema.Task

	for _, t := range parsed {
		if t.ID == "" {
			idless = append(idless, t)
			continue
		}
		if _, dup := file[t.ID]; dup {
			c.logger.Printf("Warning: skipping duplicate task id %s (%q)", t.ID, t.Title)
			entry.Skipped++
			continue
		}
		if err := t.Validate(); err != nil {
			c.logger.Printf("Warning: skipping invalid task %s: %v", t.ID, err)
			entry.Skipped++
			protected[t.ID] = true
			continue
		}
		file[t.ID] = t
	}

	byTitle := make(map[string][]*schema.Task)
	for _, t := range sortedTasks(app) {
		if _, ok := file[t.ID]; ok || protected[t.ID] {
			continue
		}
		byTitle[t.Title] = append(byTitle[t.Title], t)
	}

	for _, t := range idless {
		if candidates := byTitle[t.Title]; len(candidates) > 0 {
			t.ID = candidates[0].ID
			byTitle[t.Title] = candidates[1:]
		} else {
			t.ID = uuid.NewString()
			p.minted[t.ID] = true
		}
		if err := t.Validate(); err != nil {
			c.logger.Printf("Warning: skipping invalid task %q: %v", t.Title, err)
			entry.Skipped++
			continue
		}
		file[t.ID] = t
	}

	return file, protected
}

// protectDropped marks the stored tasks behind entries dropped by MaxTasks
// so their absence from the kept entries does not delete them. Id-less
// entries protect the unmatched stored tasks with the same title.
func protectDropped(dropped []*schema.Task, file, app map[string]*schema.Task, protected map[string]bool) {
	if len(dropped) == 0 {
		return
	}
	titles := make(map[string]bool)
	for _, t := range dropped {
		if t.ID != "" {
			protected[t.ID] = true
		} else {
			titles[t.Title] = true
		}
	}
	for id, t := range app {
		if _, kept := file[id]; !kept && titles[t.Title] {
			protected[id] = true
		}
	}
}

// resolve builds a conflict for one task, resolves it and adds the outcome
// to the plan.
func (c *Coordinator) resolve(p *plan, entry *schema.SyncHistoryEntry, resolver *conflict.Resolver, base, file, app *schema.Task) {
	cf := conflict.New(base, file, app, c.now())
	entry.ConflictsDetected++

	out, err := resolver.Resolve(cf, c.policyFor(cf))
	if err != nil {
		c.logger.Printf("Warning: cannot resolve conflict on %s: %v", cf.TaskID, err)
		entry.Skipped++
		return
	}
	p.conflicts = append(p.conflicts, cf)

	if out.Pending() {
		c.logger.Printf("Conflict %s on task %s awaits a manual decision: %s", cf.ID, cf.TaskID, out.Manual.Reason)
		p.pending++
		return
	}
	entry.ConflictsResolved++

	switch {
	case out.Merged == nil && app != nil:
		p.remove(cf.TaskID)
	case out.Merged == nil:
		// Deleted in the app and the deletion won; remember the file version
		// as agreed so the next pass does not resurrect it.
		p.baseTo = append(p.baseTo, file)
	case app == nil:
		p.create(out.Merged.Clone())
	default:
		p.update(withCreated(out.Merged, app))
	}
}

// refreshPending carries new edits into a conflict that still awaits a
// decision, so the decision applies to the latest version of each side.
func (c *Coordinator) refreshPending(p *plan, rec store.ConflictRecord, file, app *schema.Task, dryRun bool) {
	var cf *conflict.Conflict
	if live, ok := c.resolver.Lookup(rec.ID); ok && !dryRun {
		cf = live
	} else {
		decoded, err := decodeConflict(rec)
		if err != nil {
			c.logger.Printf("Warning: %v", err)
			return
		}
		cf = decoded
	}

	if schema.ContentEqual(cf.FileVersion, file) && schema.ContentEqual(cf.AppVersion, app) {
		return
	}
	cf.FileVersion = file.Clone()
	cf.AppVersion = app.Clone()
	p.refreshed = append(p.refreshed, cf)
}

// applyFileToApp writes the plan in one transaction. Any failed item rolls
// the whole pass back.
func (c *Coordinator) applyFileToApp(ctx context.Context, p *plan) error {
	return c.db.Transaction(ctx, func(tx *store.Tx) error {
		if err := batchErr("create", tx.BatchCreate(ctx, p.creates)); err != nil {
			return err
		}
		if err := batchErr("update", tx.BatchUpdate(ctx, p.updates)); err != nil {
			return err
		}
		if err := batchErr("delete", tx.BatchDelete(ctx, p.deletes)); err != nil {
			return err
		}
		for _, id := range p.deletes {
			if err := tx.DeleteBase(ctx, id); err != nil {
				return err
			}
		}
		for _, id := range p.dropBases {
			if err := tx.DeleteBase(ctx, id); err != nil {
				return err
			}
		}
		for _, id := range p.rebase {
			stored, err := tx.Get(ctx, id)
			if err != nil {
				return err
			}
			if err := tx.SaveBase(ctx, stored); err != nil {
				return err
			}
		}
		for _, t := range p.baseTo {
			if err := tx.SaveBase(ctx, t); err != nil {
				return err
			}
		}
		for _, cf := range append(p.conflicts, p.refreshed...) {
			rec, err := encodeConflict(cf)
			if err != nil {
				return err
			}
			if err := tx.SaveConflict(ctx, rec); err != nil {
				return err
			}
		}
		return nil
	})
}

// batchErr reports how many items of a batch failed, wrapping the first
// failure.
func batchErr(op string, results []store.BatchResult) error {
	first := store.FirstError(results)
	if first == nil {
		return nil
	}
	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
		}
	}
	return fmt.Errorf("failed to %s %d of %d task(s): %w", op, failed, len(results), first)
}

// withCreated returns a copy of t carrying from's creation time.
func withCreated(t, from *schema.Task) *schema.Task {
	out := t.Clone()
	if from != nil && !from.CreatedAt.IsZero() {
		out.CreatedAt = from.CreatedAt
	}
	return out
}

func sortedTasks(m map[string]*schema.Task) []*schema.Task {
	out := make([]*schema.Task, 0, len(m))
	for _, t := range m {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Order != out[j].Order {
			return out[i].Order < out[j].Order
		}
		return out[i].ID < out[j].ID
	})
	return out
}
