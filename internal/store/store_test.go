package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/mschirtzinger/tasksync/internal/schema"
)

// stepClock returns a clock that advances by one second on every call.
func stepClock(start time.Time) func() time.Time {
	var mu sync.Mutex
	now := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Second)
		return now
	}
}

func openTestDB(t *testing.T, opts ...Option) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path, opts...)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.InitSchema(); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}
	return db
}

func newTask(id, title string) *schema.Task {
	return &schema.Task{ID: id, Title: title, Status: schema.StatusPending, Priority: schema.PriorityMedium}
}

func TestInitSchema_Tables(t *testing.T) {
	db := openTestDB(t)

	for _, table := range []string{"tasks", "base_snapshots", "sync_history", "conflicts", "meta"} {
		var count int
		err := db.conn.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&count)
		if err != nil {
			t.Fatalf("Failed to query table %s: %v", table, err)
		}
		if count != 1 {
			t.Errorf("Table %s does not exist", table)
		}
	}

	if err := db.InitSchema(); err != nil {
		t.Errorf("Second InitSchema() failed: %v", err)
	}
}

func TestCreateGet(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	due := time.Date(2024, 5, 3, 0, 0, 0, 0, time.UTC)
	task := &schema.Task{
		ID:          "t-1",
		Title:       "Buy milk",
		Status:      schema.StatusInProgress,
		Priority:    schema.PriorityHigh,
		Description: "two litres",
		Tags:        []string{"home", "errands"},
		Section:     "Errands",
		ParentID:    "t-0",
		Order:       3,
		Archived:    true,
		DueDate:     &due,
	}
	if err := db.Create(ctx, task); err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	if task.CreatedAt.IsZero() || task.UpdatedAt.IsZero() {
		t.Fatal("Create() did not stamp timestamps")
	}

	got, err := db.Get(ctx, "t-1")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if diff := cmp.Diff(task, got); diff != "" {
		t.Errorf("Get() mismatch (-want +got):\n%s", diff)
	}
}

func TestCreate_Invalid(t *testing.T) {
	db := openTestDB(t)
	if err := db.Create(context.Background(), &schema.Task{ID: "x"}); err == nil {
		t.Error("Create() accepted a task without a title")
	}
}

func TestCreate_Duplicate(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	if err := db.Create(ctx, newTask("t-1", "a")); err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	if err := db.Create(ctx, newTask("t-1", "b")); err == nil {
		t.Error("Create() accepted a duplicate id")
	}
}

func TestGet_NotFound(t *testing.T) {
	db := openTestDB(t)
	_, err := db.Get(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestUpdate_StrictlyIncreasingUpdatedAt(t *testing.T) {
	ctx := context.Background()
	frozen := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	db := openTestDB(t, WithClock(func() time.Time { return frozen }))

	task := newTask("t-1", "first")
	if err := db.Create(ctx, task); err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	created := task.CreatedAt
	prev := task.UpdatedAt

	for i := 0; i < 3; i++ {
		task.Title = "rev"
		task.CreatedAt = time.Time{}
		if err := db.Update(ctx, task); err != nil {
			t.Fatalf("Update() failed: %v", err)
		}
		if !task.UpdatedAt.After(prev) {
			t.Fatalf("UpdatedAt %v not after %v", task.UpdatedAt, prev)
		}
		if !task.CreatedAt.Equal(created) {
			t.Errorf("CreatedAt changed to %v, want %v", task.CreatedAt, created)
		}
		prev = task.UpdatedAt
	}

	got, err := db.Get(ctx, "t-1")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if !got.UpdatedAt.Equal(prev) {
		t.Errorf("stored UpdatedAt = %v, want %v", got.UpdatedAt, prev)
	}
}

func TestUpdate_NotFound(t *testing.T) {
	db := openTestDB(t)
	err := db.Update(context.Background(), newTask("nope", "x"))
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Update() error = %v, want ErrNotFound", err)
	}
}

func TestDelete_Idempotent(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	if err := db.Create(ctx, newTask("t-1", "x")); err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := db.Delete(ctx, "t-1"); err != nil {
			t.Fatalf("Delete() #%d failed: %v", i, err)
		}
	}
	if n, _ := db.Count(ctx); n != 0 {
		t.Errorf("Count() = %d, want 0", n)
	}
}

func TestBatch_PartialFailure(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	results := db.BatchCreate(ctx, []*schema.Task{
		newTask("a", "A"),
		{ID: "bad"},
		newTask("c", "C"),
	})
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	if results[0].Err != nil || results[2].Err != nil {
		t.Errorf("valid items failed: %+v", results)
	}
	if results[1].Err == nil {
		t.Error("invalid item succeeded")
	}
	if FirstError(results) == nil {
		t.Error("FirstError() = nil, want the invalid item's error")
	}

	upd := db.BatchUpdate(ctx, []*schema.Task{newTask("a", "A2"), newTask("zz", "missing")})
	if upd[0].Err != nil || !errors.Is(upd[1].Err, ErrNotFound) {
		t.Errorf("BatchUpdate() results = %+v", upd)
	}

	del := db.BatchDelete(ctx, []string{"a", "c"})
	if FirstError(del) != nil {
		t.Errorf("BatchDelete() failed: %+v", del)
	}
	if n, _ := db.Count(ctx); n != 0 {
		t.Errorf("Count() = %d, want 0", n)
	}
}

func TestTransaction_Rollback(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	if err := db.Create(ctx, newTask("keep", "original")); err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	revBefore, _ := db.Revision(ctx)

	boom := errors.New("boom")
	err := db.Transaction(ctx, func(tx *Tx) error {
		if err := tx.Create(ctx, newTask("new", "inside")); err != nil {
			return err
		}
		upd := newTask("keep", "changed")
		if err := tx.Update(ctx, upd); err != nil {
			return err
		}
		if err := tx.SaveBase(ctx, upd); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Transaction() error = %v, want boom", err)
	}

	if _, err := db.Get(ctx, "new"); !errors.Is(err, ErrNotFound) {
		t.Errorf("created task survived rollback: %v", err)
	}
	got, err := db.Get(ctx, "keep")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got.Title != "original" {
		t.Errorf("Title = %q after rollback, want %q", got.Title, "original")
	}
	bases, err := db.LoadBases(ctx)
	if err != nil {
		t.Fatalf("LoadBases() failed: %v", err)
	}
	if len(bases) != 0 {
		t.Errorf("base snapshot survived rollback: %v", bases)
	}
	if rev, _ := db.Revision(ctx); rev != revBefore {
		t.Errorf("Revision() = %d after rollback, want %d", rev, revBefore)
	}
}

func TestTransaction_Commit(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	err := db.Transaction(ctx, func(tx *Tx) error {
		return FirstError(tx.BatchCreate(ctx, []*schema.Task{newTask("a", "A"), newTask("b", "B")}))
	})
	if err != nil {
		t.Fatalf("Transaction() failed: %v", err)
	}
	if n, _ := db.Count(ctx); n != 2 {
		t.Errorf("Count() = %d, want 2", n)
	}
}

func TestRevision_BumpsOnMutation(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	rev0, err := db.Revision(ctx)
	if err != nil {
		t.Fatalf("Revision() failed: %v", err)
	}

	task := newTask("t-1", "x")
	_ = db.Create(ctx, task)
	rev1, _ := db.Revision(ctx)
	_ = db.Update(ctx, task)
	rev2, _ := db.Revision(ctx)
	_ = db.Delete(ctx, "t-1")
	rev3, _ := db.Revision(ctx)

	if !(rev0 < rev1 && rev1 < rev2 && rev2 < rev3) {
		t.Errorf("revisions not increasing: %d %d %d %d", rev0, rev1, rev2, rev3)
	}

	_ = db.SaveBase(ctx, task)
	if rev4, _ := db.Revision(ctx); rev4 != rev3 {
		t.Errorf("base snapshot write bumped revision: %d -> %d", rev3, rev4)
	}
}

func TestQuery(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t, WithClock(stepClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))))

	work := "Work"
	tasks := []*schema.Task{
		{ID: "a", Title: "A", Status: schema.StatusPending, Priority: schema.PriorityHigh, Order: 1, Tags: []string{"x"}},
		{ID: "b", Title: "B", Status: schema.StatusCompleted, Priority: schema.PriorityLow, Order: 0},
		{ID: "c", Title: "C", Status: schema.StatusPending, Priority: schema.PriorityMedium, Section: work, Order: 0, Tags: []string{"x", "y"}},
		{ID: "d", Title: "D", Status: schema.StatusPending, Priority: schema.PriorityMedium, Section: work, Order: 1, Archived: true, ParentID: "c"},
	}
	if err := FirstError(db.BatchCreate(ctx, tasks)); err != nil {
		t.Fatalf("BatchCreate() failed: %v", err)
	}

	archived := true
	parent := "c"
	tests := []struct {
		name   string
		filter Filter
		opts   QueryOptions
		want   []string
	}{
		{"all in file order", Filter{}, QueryOptions{}, []string{"b", "a", "c", "d"}},
		{"by status", Filter{Status: schema.StatusPending}, QueryOptions{}, []string{"a", "c", "d"}},
		{"by priority", Filter{Priority: schema.PriorityLow}, QueryOptions{}, []string{"b"}},
		{"by section", Filter{Section: &work}, QueryOptions{}, []string{"c", "d"}},
		{"by tag", Filter{Tag: "x"}, QueryOptions{}, []string{"a", "c"}},
		{"archived", Filter{Archived: &archived}, QueryOptions{}, []string{"d"}},
		{"by parent", Filter{ParentID: &parent}, QueryOptions{}, []string{"d"}},
		{"by ids", Filter{IDs: []string{"d", "a"}}, QueryOptions{}, []string{"a", "d"}},
		{"limit offset", Filter{}, QueryOptions{Limit: 2, Offset: 1}, []string{"a", "c"}},
		{"offset only", Filter{}, QueryOptions{Offset: 3}, []string{"d"}},
		{"newest first", Filter{}, QueryOptions{OrderBy: OrderUpdated}, []string{"d", "c", "b", "a"}},
		{"oldest first", Filter{}, QueryOptions{OrderBy: OrderCreated, Limit: 1}, []string{"a"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := db.Query(ctx, tt.filter, tt.opts)
			if err != nil {
				t.Fatalf("Query() failed: %v", err)
			}
			var ids []string
			for _, task := range got {
				ids = append(ids, task.ID)
			}
			if diff := cmp.Diff(tt.want, ids); diff != "" {
				t.Errorf("Query() ids mismatch (-want +got):\n%s", diff)
			}
		})
	}

	if _, err := db.Query(ctx, Filter{}, QueryOptions{OrderBy: "bogus"}); err == nil {
		t.Error("Query() accepted an unknown order")
	}
}

func TestNextOrder(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	if n, err := db.NextOrder(ctx, "Work"); err != nil || n != 0 {
		t.Fatalf("NextOrder() on empty section = %d, %v; want 0", n, err)
	}
	task := newTask("a", "A")
	task.Section = "Work"
	task.Order = 4
	_ = db.Create(ctx, task)
	if n, _ := db.NextOrder(ctx, "Work"); n != 5 {
		t.Errorf("NextOrder() = %d, want 5", n)
	}
}

func TestBases(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	task := newTask("a", "A")
	task.Tags = []string{"x"}
	task.SetDefaults(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	if err := db.SaveBase(ctx, task); err != nil {
		t.Fatalf("SaveBase() failed: %v", err)
	}
	task.Title = "A2"
	if err := db.SaveBase(ctx, task); err != nil {
		t.Fatalf("SaveBase() overwrite failed: %v", err)
	}

	bases, err := db.LoadBases(ctx)
	if err != nil {
		t.Fatalf("LoadBases() failed: %v", err)
	}
	if diff := cmp.Diff(map[string]*schema.Task{"a": task}, bases); diff != "" {
		t.Errorf("LoadBases() mismatch (-want +got):\n%s", diff)
	}

	if err := db.DeleteBase(ctx, "a"); err != nil {
		t.Fatalf("DeleteBase() failed: %v", err)
	}
	bases, _ = db.LoadBases(ctx)
	if len(bases) != 0 {
		t.Errorf("LoadBases() after delete = %v", bases)
	}
}

func TestHistory(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	start := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		entry := &schema.SyncHistoryEntry{
			Direction:   schema.DirectionFileToApp,
			StartedAt:   start.Add(time.Duration(i) * time.Minute),
			CompletedAt: start.Add(time.Duration(i)*time.Minute + time.Second),
			Created:     i,
			Success:     i != 1,
			DurationMs:  1000,
		}
		if i == 1 {
			entry.Error = "read failed"
		}
		if err := db.AppendHistory(ctx, entry); err != nil {
			t.Fatalf("AppendHistory() failed: %v", err)
		}
		if entry.ID == 0 {
			t.Error("AppendHistory() did not set ID")
		}
	}

	got, err := db.ListHistory(ctx, 2)
	if err != nil {
		t.Fatalf("ListHistory() failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d entries, want 2", len(got))
	}
	if got[0].Created != 2 || got[1].Created != 1 {
		t.Errorf("entries not newest first: %+v", got)
	}
	if got[1].Success || got[1].Error != "read failed" {
		t.Errorf("failed entry round-tripped as %+v", got[1])
	}
	if !got[0].StartedAt.Equal(start.Add(2 * time.Minute)) {
		t.Errorf("StartedAt = %v", got[0].StartedAt)
	}

	all, _ := db.ListHistory(ctx, 0)
	if len(all) != 3 {
		t.Errorf("ListHistory(0) returned %d entries, want 3", len(all))
	}
}

func TestConflicts(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	detected := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	recs := []ConflictRecord{
		{ID: "c1", TaskID: "a", Type: "content", DetectedAt: detected, Data: []byte(`{"id":"c1"}`)},
		{ID: "c2", TaskID: "b", Type: "deletion", DetectedAt: detected.Add(time.Minute), Data: []byte(`{"id":"c2"}`)},
	}
	for _, rec := range recs {
		if err := db.SaveConflict(ctx, rec); err != nil {
			t.Fatalf("SaveConflict() failed: %v", err)
		}
	}

	resolved := recs[0]
	resolved.Resolved = true
	resolved.Data = []byte(`{"id":"c1","resolved":true}`)
	if err := db.SaveConflict(ctx, resolved); err != nil {
		t.Fatalf("SaveConflict() update failed: %v", err)
	}

	pending, err := db.ListConflicts(ctx, true)
	if err != nil {
		t.Fatalf("ListConflicts() failed: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != "c2" {
		t.Errorf("pending conflicts = %+v, want only c2", pending)
	}

	got, err := db.GetConflict(ctx, "c1")
	if err != nil {
		t.Fatalf("GetConflict() failed: %v", err)
	}
	if diff := cmp.Diff(&resolved, got, cmpopts.EquateApproxTime(0)); diff != "" {
		t.Errorf("GetConflict() mismatch (-want +got):\n%s", diff)
	}

	if _, err := db.GetConflict(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetConflict() error = %v, want ErrNotFound", err)
	}
}

func TestNextUpdatedAt(t *testing.T) {
	prev := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		now  time.Time
		want time.Time
	}{
		{"clock ahead", prev.Add(time.Second), prev.Add(time.Second)},
		{"clock equal", prev, prev.Add(time.Nanosecond)},
		{"clock behind", prev.Add(-time.Hour), prev.Add(time.Nanosecond)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := nextUpdatedAt(tt.now, prev); !got.Equal(tt.want) {
				t.Errorf("nextUpdatedAt() = %v, want %v", got, tt.want)
			}
		})
	}
}
