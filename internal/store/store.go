// Package store provides the embedded SQLite task store.
//
// The database runs in embedded mode (ncruces/go-sqlite3) with WAL so the
// CLI can read while a daemon is syncing.
//
// Tables:
//   - tasks: one row per task, tags as a JSON array
//   - base_snapshots: last reconciled version of each task
//   - sync_history: one row per sync pass
//   - conflicts: persisted conflicts awaiting or holding a resolution
//   - meta: the revision counter, bumped by triggers on every task mutation
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/mschirtzinger/tasksync/internal/schema"
)

// ErrNotFound is returned when a task or record does not exist.
var ErrNotFound = errors.New("not found")

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// ops holds the operations shared by DB and Tx.
type ops struct {
	q   querier
	now func() time.Time
}

// DB wraps the SQLite connection.
type DB struct {
	ops
	conn *sql.DB
	path string
}

// Tx is a store transaction. It exposes the same operations as DB; every
// write made through it commits or rolls back together.
type Tx struct {
	ops
}

// Option configures a DB.
type Option func(*DB)

// WithClock overrides the clock used to stamp createdAt/updatedAt.
func WithClock(now func() time.Time) Option {
	return func(db *DB) { db.now = now }
}

// Open creates a new database connection at the specified path.
//
// The caller MUST call Close() when done. Call InitSchema before use.
func Open(path string, opts ...Option) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{
		ops:  ops{q: conn, now: time.Now},
		conn: conn,
		path: path,
	}
	for _, opt := range opts {
		opt(db)
	}

	if _, err := db.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	return db, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// RawDB returns the underlying sql.DB connection.
func (db *DB) RawDB() *sql.DB {
	return db.conn
}

// Close checkpoints the WAL and closes the connection.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	return nil
}

// InitSchema creates the database schema if it doesn't exist. Idempotent.
func (db *DB) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the database schema with context support.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	ddl := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		priority TEXT NOT NULL DEFAULT 'medium',
		description TEXT NOT NULL DEFAULT '',
		tags TEXT NOT NULL DEFAULT '[]',  -- JSON array
		section TEXT NOT NULL DEFAULT '',
		parent_id TEXT NOT NULL DEFAULT '',
		sort_order INTEGER NOT NULL DEFAULT 0,
		archived INTEGER NOT NULL DEFAULT 0,
		due_date TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS base_snapshots (
		task_id TEXT PRIMARY KEY,
		data TEXT NOT NULL,  -- JSON task
		synced_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sync_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		direction TEXT NOT NULL,
		started_at TEXT NOT NULL,
		completed_at TEXT NOT NULL,
		created INTEGER NOT NULL DEFAULT 0,
		updated INTEGER NOT NULL DEFAULT 0,
		deleted INTEGER NOT NULL DEFAULT 0,
		skipped INTEGER NOT NULL DEFAULT 0,
		dropped INTEGER NOT NULL DEFAULT 0,
		conflicts_detected INTEGER NOT NULL DEFAULT 0,
		conflicts_resolved INTEGER NOT NULL DEFAULT 0,
		success INTEGER NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		duration_ms INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS conflicts (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		conflict_type TEXT NOT NULL,
		resolved INTEGER NOT NULL DEFAULT 0,
		detected_at TEXT NOT NULL,
		data TEXT NOT NULL  -- JSON conflict
	);

	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value INTEGER NOT NULL
	);
	INSERT OR IGNORE INTO meta (key, value) VALUES ('revision', 0);

	CREATE TRIGGER IF NOT EXISTS tasks_rev_insert AFTER INSERT ON tasks
	BEGIN
		UPDATE meta SET value = value + 1 WHERE key = 'revision';
	END;
	CREATE TRIGGER IF NOT EXISTS tasks_rev_update AFTER UPDATE ON tasks
	BEGIN
		UPDATE meta SET value = value + 1 WHERE key = 'revision';
	END;
	CREATE TRIGGER IF NOT EXISTS tasks_rev_delete AFTER DELETE ON tasks
	BEGIN
		UPDATE meta SET value = value + 1 WHERE key = 'revision';
	END;

	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
	CREATE INDEX IF NOT EXISTS idx_tasks_file_order ON tasks(section, sort_order, id);
	CREATE INDEX IF NOT EXISTS idx_tasks_parent ON tasks(parent_id);
	CREATE INDEX IF NOT EXISTS idx_conflicts_resolved ON conflicts(resolved, detected_at);
	`

	if _, err := db.conn.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

// Transaction runs fn inside a database transaction. If fn returns an error
// (or panics) every write made through tx is rolled back.
func (db *DB) Transaction(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&Tx{ops: ops{q: sqlTx, now: db.now}}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Revision returns the task revision counter. It increases on every insert,
// update or delete of a task row, whichever process made it.
func (db *DB) Revision(ctx context.Context) (int64, error) {
	var rev int64
	err := db.conn.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = 'revision'`).Scan(&rev)
	if err != nil {
		return 0, fmt.Errorf("failed to read revision: %w", err)
	}
	return rev, nil
}

const taskColumns = `id, title, status, priority, description, tags, section,
	parent_id, sort_order, archived, due_date, created_at, updated_at`

// Get retrieves a single task by ID. Returns ErrNotFound if absent.
func (o *ops) Get(ctx context.Context, id string) (*schema.Task, error) {
	row := o.q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task %s: %w", id, err)
	}
	return task, nil
}

// Create inserts a new task. Zero timestamps are filled from the clock and
// written back into task.
func (o *ops) Create(ctx context.Context, task *schema.Task) error {
	task.SetDefaults(o.now())
	if err := task.Validate(); err != nil {
		return fmt.Errorf("invalid task: %w", err)
	}

	args, err := taskArgs(task)
	if err != nil {
		return err
	}
	query := `INSERT INTO tasks (` + taskColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := o.q.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to create task %s: %w", task.ID, err)
	}
	return nil
}

// Update replaces an existing task. UpdatedAt is stamped with
// max(now, previous+1ns) and written back into task; CreatedAt is preserved.
func (o *ops) Update(ctx context.Context, task *schema.Task) error {
	task.Normalize()
	if err := task.Validate(); err != nil {
		return fmt.Errorf("invalid task: %w", err)
	}

	var createdAt, updatedAt string
	err := o.q.QueryRowContext(ctx, `SELECT created_at, updated_at FROM tasks WHERE id = ?`, task.ID).
		Scan(&createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("task %s: %w", task.ID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to load task %s: %w", task.ID, err)
	}

	task.CreatedAt = parseTime(createdAt)
	task.UpdatedAt = nextUpdatedAt(o.now(), parseTime(updatedAt))

	args, err := taskArgs(task)
	if err != nil {
		return err
	}
	query := `
	UPDATE tasks SET
		title = ?, status = ?, priority = ?, description = ?, tags = ?,
		section = ?, parent_id = ?, sort_order = ?, archived = ?, due_date = ?,
		updated_at = ?
	WHERE id = ?`
	_, err = o.q.ExecContext(ctx, query,
		args[1], args[2], args[3], args[4], args[5],
		args[6], args[7], args[8], args[9], args[10],
		args[12], task.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update task %s: %w", task.ID, err)
	}
	return nil
}

// Delete removes a task. Returns nil if the task doesn't exist (idempotent).
func (o *ops) Delete(ctx context.Context, id string) error {
	if _, err := o.q.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete task %s: %w", id, err)
	}
	return nil
}

// BatchResult is the outcome of one item of a batch operation.
type BatchResult struct {
	ID  string
	Err error
}

// BatchCreate creates each task, continuing past individual failures.
func (o *ops) BatchCreate(ctx context.Context, tasks []*schema.Task) []BatchResult {
	results := make([]BatchResult, 0, len(tasks))
	for _, task := range tasks {
		results = append(results, BatchResult{ID: task.ID, Err: o.Create(ctx, task)})
	}
	return results
}

// BatchUpdate updates each task, continuing past individual failures.
func (o *ops) BatchUpdate(ctx context.Context, tasks []*schema.Task) []BatchResult {
	results := make([]BatchResult, 0, len(tasks))
	for _, task := range tasks {
		results = append(results, BatchResult{ID: task.ID, Err: o.Update(ctx, task)})
	}
	return results
}

// BatchDelete deletes each id, continuing past individual failures.
func (o *ops) BatchDelete(ctx context.Context, ids []string) []BatchResult {
	results := make([]BatchResult, 0, len(ids))
	for _, id := range ids {
		results = append(results, BatchResult{ID: id, Err: o.Delete(ctx, id)})
	}
	return results
}

// FirstError returns the first failure in results, or nil.
func FirstError(results []BatchResult) error {
	for _, r := range results {
		if r.Err != nil {
			return r.Err
		}
	}
	return nil
}

// Filter selects tasks in Query. Zero fields match everything.
type Filter struct {
	Status   schema.Status
	Priority schema.Priority
	Section  *string
	ParentID *string
	Tag      string
	Archived *bool
	IDs      []string
}

// Sort orders for QueryOptions.OrderBy.
const (
	OrderFile    = "file"    // section, order, id
	OrderUpdated = "updated" // most recently updated first
	OrderCreated = "created" // oldest first
)

// QueryOptions paginates and orders Query results.
type QueryOptions struct {
	// Limit restricts the number of results (0 = no limit)
	Limit int
	// Offset skips the first N results
	Offset int
	// OrderBy is one of OrderFile (default), OrderUpdated, OrderCreated
	OrderBy string
}

// Query retrieves tasks matching filter.
func (o *ops) Query(ctx context.Context, filter Filter, opts QueryOptions) ([]*schema.Task, error) {
	var conditions []string
	var args []any

	if filter.Status != "" {
		conditions = append(conditions, "t.status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Priority != "" {
		conditions = append(conditions, "t.priority = ?")
		args = append(args, string(filter.Priority))
	}
	if filter.Section != nil {
		conditions = append(conditions, "t.section = ?")
		args = append(args, *filter.Section)
	}
	if filter.ParentID != nil {
		conditions = append(conditions, "t.parent_id = ?")
		args = append(args, *filter.ParentID)
	}
	if filter.Archived != nil {
		conditions = append(conditions, "t.archived = ?")
		args = append(args, boolToInt(*filter.Archived))
	}
	if len(filter.IDs) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(filter.IDs)), ",")
		conditions = append(conditions, "t.id IN ("+placeholders+")")
		for _, id := range filter.IDs {
			args = append(args, id)
		}
	}
	if filter.Tag != "" {
		conditions = append(conditions, "EXISTS (SELECT 1 FROM json_each(t.tags) WHERE json_each.value = ?)")
		args = append(args, filter.Tag)
	}

	query := `SELECT ` + prefixColumns("t.") + ` FROM tasks t`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}

	switch opts.OrderBy {
	case OrderUpdated:
		query += " ORDER BY t.updated_at DESC, t.id ASC"
	case OrderCreated:
		query += " ORDER BY t.created_at ASC, t.id ASC"
	case "", OrderFile:
		query += " ORDER BY t.section ASC, t.sort_order ASC, t.id ASC"
	default:
		return nil, fmt.Errorf("unknown order %q", opts.OrderBy)
	}

	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	} else if opts.Offset > 0 {
		query += " LIMIT -1"
	}
	if opts.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, opts.Offset)
	}

	rows, err := o.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	return scanTasks(rows)
}

// All returns every task in file order.
func (o *ops) All(ctx context.Context) ([]*schema.Task, error) {
	return o.Query(ctx, Filter{}, QueryOptions{})
}

// Count returns the total number of tasks.
func (o *ops) Count(ctx context.Context) (int, error) {
	var count int
	if err := o.q.QueryRowContext(ctx, "SELECT COUNT(*) FROM tasks").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to get task count: %w", err)
	}
	return count, nil
}

// NextOrder returns the order a task appended to section should take.
func (o *ops) NextOrder(ctx context.Context, section string) (int, error) {
	var last sql.NullInt64
	err := o.q.QueryRowContext(ctx, `SELECT MAX(sort_order) FROM tasks WHERE section = ?`, section).Scan(&last)
	if err != nil {
		return 0, fmt.Errorf("failed to get next order: %w", err)
	}
	if !last.Valid {
		return 0, nil
	}
	return int(last.Int64) + 1, nil
}

// nextUpdatedAt keeps updatedAt strictly increasing even when the clock
// stalls or steps backwards.
func nextUpdatedAt(now, prev time.Time) time.Time {
	now = now.UTC()
	if !now.After(prev) {
		return prev.Add(time.Nanosecond).UTC()
	}
	return now
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*schema.Task, error) {
	var task schema.Task
	var status, priority, tagsJSON, createdAt, updatedAt string
	var archived int
	var due sql.NullString

	err := row.Scan(
		&task.ID,
		&task.Title,
		&status,
		&priority,
		&task.Description,
		&tagsJSON,
		&task.Section,
		&task.ParentID,
		&task.Order,
		&archived,
		&due,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	task.Status = schema.Status(status)
	task.Priority = schema.Priority(priority)
	task.Archived = archived != 0
	task.CreatedAt = parseTime(createdAt)
	task.UpdatedAt = parseTime(updatedAt)

	if tagsJSON != "" && tagsJSON != "null" {
		if err := json.Unmarshal([]byte(tagsJSON), &task.Tags); err != nil {
			return nil, fmt.Errorf("failed to unmarshal tags: %w", err)
		}
	}
	task.Tags = schema.NormalizeTags(task.Tags)

	if due.Valid {
		d, err := schema.ParseDue(due.String)
		if err != nil {
			return nil, fmt.Errorf("failed to parse due date: %w", err)
		}
		task.DueDate = d
	}

	return &task, nil
}

func scanTasks(rows *sql.Rows) ([]*schema.Task, error) {
	var tasks []*schema.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}
	return tasks, nil
}

// taskArgs returns the values for taskColumns, in order.
func taskArgs(task *schema.Task) ([]any, error) {
	tags := task.Tags
	if tags == nil {
		tags = []string{}
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal tags: %w", err)
	}

	var due sql.NullString
	if s := schema.FormatDue(task.DueDate); s != "" {
		due = sql.NullString{String: s, Valid: true}
	}

	return []any{
		task.ID,
		task.Title,
		string(task.Status),
		string(task.Priority),
		task.Description,
		string(tagsJSON),
		task.Section,
		task.ParentID,
		task.Order,
		boolToInt(task.Archived),
		due,
		formatTime(task.CreatedAt),
		formatTime(task.UpdatedAt),
	}, nil
}

func prefixColumns(prefix string) string {
	cols := strings.Split(taskColumns, ",")
	for i, c := range cols {
		cols[i] = prefix + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
