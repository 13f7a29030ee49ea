package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mschirtzinger/tasksync/internal/schema"
)

// LoadBases returns every base snapshot keyed by task id.
func (o *ops) LoadBases(ctx context.Context) (map[string]*schema.Task, error) {
	rows, err := o.q.QueryContext(ctx, `SELECT task_id, data FROM base_snapshots`)
	if err != nil {
		return nil, fmt.Errorf("failed to query base snapshots: %w", err)
	}
	defer rows.Close()

	bases := make(map[string]*schema.Task)
	for rows.Next() {
		var id, data string
		if err := rows.Scan(&id, &data); err != nil {
			return nil, fmt.Errorf("failed to scan base snapshot: %w", err)
		}
		var task schema.Task
		if err := json.Unmarshal([]byte(data), &task); err != nil {
			return nil, fmt.Errorf("failed to unmarshal base snapshot %s: %w", id, err)
		}
		task.Normalize()
		bases[id] = &task
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating base snapshots: %w", err)
	}
	return bases, nil
}

// SaveBase records task as the last reconciled version of its id.
func (o *ops) SaveBase(ctx context.Context, task *schema.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal base snapshot: %w", err)
	}
	query := `
	INSERT INTO base_snapshots (task_id, data, synced_at) VALUES (?, ?, ?)
	ON CONFLICT(task_id) DO UPDATE SET
		data = excluded.data,
		synced_at = excluded.synced_at
	`
	if _, err := o.q.ExecContext(ctx, query, task.ID, string(data), formatTime(o.now())); err != nil {
		return fmt.Errorf("failed to save base snapshot %s: %w", task.ID, err)
	}
	return nil
}

// DeleteBase removes the base snapshot of id. Idempotent.
func (o *ops) DeleteBase(ctx context.Context, id string) error {
	if _, err := o.q.ExecContext(ctx, `DELETE FROM base_snapshots WHERE task_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete base snapshot %s: %w", id, err)
	}
	return nil
}

// AppendHistory stores a sync pass record and sets entry.ID.
func (o *ops) AppendHistory(ctx context.Context, entry *schema.SyncHistoryEntry) error {
	query := `
	INSERT INTO sync_history (
		direction, started_at, completed_at, created, updated, deleted,
		skipped, dropped, conflicts_detected, conflicts_resolved,
		success, error, duration_ms
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	res, err := o.q.ExecContext(ctx, query,
		string(entry.Direction),
		formatTime(entry.StartedAt),
		formatTime(entry.CompletedAt),
		entry.Created,
		entry.Updated,
		entry.Deleted,
		entry.Skipped,
		entry.Dropped,
		entry.ConflictsDetected,
		entry.ConflictsResolved,
		boolToInt(entry.Success),
		entry.Error,
		entry.DurationMs,
	)
	if err != nil {
		return fmt.Errorf("failed to append sync history: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		entry.ID = id
	}
	return nil
}

// ListHistory returns the most recent sync passes, newest first.
// A limit of 0 returns all of them.
func (o *ops) ListHistory(ctx context.Context, limit int) ([]schema.SyncHistoryEntry, error) {
	query := `
	SELECT id, direction, started_at, completed_at, created, updated, deleted,
	       skipped, dropped, conflicts_detected, conflicts_resolved,
	       success, error, duration_ms
	FROM sync_history
	ORDER BY id DESC
	`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := o.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync history: %w", err)
	}
	defer rows.Close()

	var entries []schema.SyncHistoryEntry
	for rows.Next() {
		var e schema.SyncHistoryEntry
		var direction, startedAt, completedAt string
		var success int
		err := rows.Scan(
			&e.ID, &direction, &startedAt, &completedAt,
			&e.Created, &e.Updated, &e.Deleted,
			&e.Skipped, &e.Dropped, &e.ConflictsDetected, &e.ConflictsResolved,
			&success, &e.Error, &e.DurationMs,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync history: %w", err)
		}
		e.Direction = schema.Direction(direction)
		e.StartedAt = parseTime(startedAt)
		e.CompletedAt = parseTime(completedAt)
		e.Success = success != 0
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sync history: %w", err)
	}
	return entries, nil
}

// ConflictRecord is a persisted conflict. Data holds the caller's JSON
// encoding of the full conflict; the other fields are indexed copies.
type ConflictRecord struct {
	ID         string
	TaskID     string
	Type       string
	Resolved   bool
	DetectedAt time.Time
	Data       []byte
}

// SaveConflict inserts or replaces a conflict record.
func (o *ops) SaveConflict(ctx context.Context, rec ConflictRecord) error {
	query := `
	INSERT INTO conflicts (id, task_id, conflict_type, resolved, detected_at, data)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		resolved = excluded.resolved,
		data = excluded.data
	`
	_, err := o.q.ExecContext(ctx, query,
		rec.ID, rec.TaskID, rec.Type, boolToInt(rec.Resolved), formatTime(rec.DetectedAt), string(rec.Data))
	if err != nil {
		return fmt.Errorf("failed to save conflict %s: %w", rec.ID, err)
	}
	return nil
}

// GetConflict returns one conflict record. Returns ErrNotFound if absent.
func (o *ops) GetConflict(ctx context.Context, id string) (*ConflictRecord, error) {
	row := o.q.QueryRowContext(ctx,
		`SELECT id, task_id, conflict_type, resolved, detected_at, data FROM conflicts WHERE id = ?`, id)
	rec, err := scanConflict(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("conflict %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conflict %s: %w", id, err)
	}
	return rec, nil
}

// ListConflicts returns conflict records, oldest first.
func (o *ops) ListConflicts(ctx context.Context, unresolvedOnly bool) ([]ConflictRecord, error) {
	query := `SELECT id, task_id, conflict_type, resolved, detected_at, data FROM conflicts`
	if unresolvedOnly {
		query += ` WHERE resolved = 0`
	}
	query += ` ORDER BY detected_at ASC, id ASC`

	rows, err := o.q.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query conflicts: %w", err)
	}
	defer rows.Close()

	var recs []ConflictRecord
	for rows.Next() {
		rec, err := scanConflict(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conflict: %w", err)
		}
		recs = append(recs, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating conflicts: %w", err)
	}
	return recs, nil
}

func scanConflict(row rowScanner) (*ConflictRecord, error) {
	var rec ConflictRecord
	var resolved int
	var detectedAt, data string
	if err := row.Scan(&rec.ID, &rec.TaskID, &rec.Type, &resolved, &detectedAt, &data); err != nil {
		return nil, err
	}
	rec.Resolved = resolved != 0
	rec.DetectedAt = parseTime(detectedAt)
	rec.Data = []byte(data)
	return &rec, nil
}
