package coordinator

import (
	"context"
	"errors"
	"fmt"

	"github.com/mschirtzinger/tasksync/internal/conflict"
	"github.com/mschirtzinger/tasksync/internal/schema"
	"github.com/mschirtzinger/tasksync/internal/store"
)

// ResolveConflict applies a user decision to a persisted conflict and
// writes the outcome to the store together with a fresh base snapshot.
// task is required for conflict.MethodManualMerge and ignored otherwise.
// The file picks the decision up on the next app-to-file pass.
func (c *Coordinator) ResolveConflict(ctx context.Context, id string, method conflict.Method, task *schema.Task) (*conflict.Resolution, error) {
	c.passMu.Lock()
	defer c.passMu.Unlock()

	cf, err := c.lookupConflict(ctx, id)
	if err != nil {
		return nil, err
	}

	res, err := c.resolver.ResolveManually(cf, method, task, "")
	if err != nil {
		return nil, err
	}

	err = c.db.Transaction(ctx, func(tx *store.Tx) error {
		if res.MergedTask == nil {
			if err := tx.Delete(ctx, cf.TaskID); err != nil {
				return err
			}
			if err := tx.DeleteBase(ctx, cf.TaskID); err != nil {
				return err
			}
		} else {
			t := res.MergedTask.Clone()
			_, err := tx.Get(ctx, t.ID)
			switch {
			case errors.Is(err, store.ErrNotFound):
				t.UpdatedAt = t.CreatedAt
				err = tx.Create(ctx, t)
			case err == nil:
				err = tx.Update(ctx, t)
			}
			if err != nil {
				return err
			}
			if err := tx.SaveBase(ctx, t); err != nil {
				return err
			}
		}

		rec, err := encodeConflict(cf)
		if err != nil {
			return err
		}
		return tx.SaveConflict(ctx, rec)
	})
	if err != nil {
		// Keep the conflict pending so the decision can be retried.
		cf.Resolved = false
		cf.Resolution = nil
		c.resolver.Track(cf)
		return nil, fmt.Errorf("failed to apply resolution of conflict %s: %w", id, err)
	}

	c.mu.Lock()
	c.stats.ManualResolvedConflicts++
	c.mu.Unlock()

	c.logger.Printf("Resolved conflict %s on task %s with %s", cf.ID, cf.TaskID, method)
	return res, nil
}

// lookupConflict loads a conflict from the store, which is authoritative
// across processes, and prefers the resolver's live copy when it has one.
func (c *Coordinator) lookupConflict(ctx context.Context, id string) (*conflict.Conflict, error) {
	rec, err := c.db.GetConflict(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrConflictNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	if rec.Resolved {
		return nil, fmt.Errorf("%w: %s", conflict.ErrAlreadyResolved, id)
	}

	if live, ok := c.resolver.Lookup(id); ok {
		return live, nil
	}
	cf, err := decodeConflict(*rec)
	if err != nil {
		return nil, err
	}
	c.resolver.Track(cf)
	return cf, nil
}
