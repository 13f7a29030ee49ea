package migrate

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/mschirtzinger/tasksync/internal/schema"
	"github.com/mschirtzinger/tasksync/internal/store"
)

func setupTestDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "tasks.db"))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.InitSchema(); err != nil {
		t.Fatalf("failed to init schema: %v", err)
	}
	return db
}

func seed(t *testing.T, db *store.DB) {
	t.Helper()
	ctx := context.Background()
	created := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	due := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	tasks := []*schema.Task{
		{ID: "a", Title: "Ship release", Priority: schema.PriorityHigh, Tags: []string{"ops"}, Section: "Work", DueDate: &due, CreatedAt: created},
		{ID: "b", Title: "Write notes", Status: schema.StatusInProgress, ParentID: "a", Section: "Work", Order: 1, CreatedAt: created},
		{ID: "c", Title: "Buy milk", Description: "semi-skimmed", CreatedAt: created},
	}
	for _, task := range tasks {
		if err := db.Create(ctx, task); err != nil {
			t.Fatalf("failed to create task %s: %v", task.ID, err)
		}
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	ctx := context.Background()
	src := setupTestDB(t)
	seed(t, src)

	path := filepath.Join(t.TempDir(), "out", "tasks.jsonl")
	n, err := Export(ctx, src, path)
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	if n != 3 {
		t.Errorf("expected 3 tasks exported, got %d", n)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if lines := strings.Count(string(data), "\n"); lines != 3 {
		t.Errorf("expected 3 lines, got %d", lines)
	}

	dst := setupTestDB(t)
	result, err := Import(ctx, dst, ImportOptions{Path: path})
	if err != nil {
		t.Fatalf("Import failed: %v", err)
	}
	if result.Created != 3 || result.Updated != 0 || result.Skipped != 0 || len(result.Errors) != 0 {
		t.Errorf("unexpected result: %+v", result)
	}

	want, _ := src.All(ctx)
	got, _ := dst.All(ctx)
	if diff := cmp.Diff(want, got, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("imported tasks mismatch (-want +got):\n%s", diff)
	}
}

func TestImport_ExistingTasks(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	seed(t, db)

	path := filepath.Join(t.TempDir(), "tasks.jsonl")
	content := `{"id":"a","title":"Ship release v2","status":"completed","priority":"high"}
{"id":"d","title":"New task"}
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	result, err := Import(ctx, db, ImportOptions{Path: path})
	if err != nil {
		t.Fatalf("Import failed: %v", err)
	}
	if result.Created != 1 || result.Skipped != 1 {
		t.Errorf("without overwrite: %+v", result)
	}
	if task, _ := db.Get(ctx, "a"); task.Title != "Ship release" {
		t.Errorf("existing task was modified: %q", task.Title)
	}

	result, err = Import(ctx, db, ImportOptions{Path: path, Overwrite: true})
	if err != nil {
		t.Fatalf("Import failed: %v", err)
	}
	if result.Updated != 2 || result.Created != 0 {
		t.Errorf("with overwrite: %+v", result)
	}
	task, _ := db.Get(ctx, "a")
	if task.Title != "Ship release v2" || task.Status != schema.StatusCompleted {
		t.Errorf("task a = %+v", task)
	}
}

func TestImport_DryRun(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)

	path := filepath.Join(t.TempDir(), "tasks.jsonl")
	if err := os.WriteFile(path, []byte(`{"id":"x","title":"Preview"}`+"\n"), 0644); err != nil {
		t.Fatal(err)
	}

	result, err := Import(ctx, db, ImportOptions{Path: path, DryRun: true})
	if err != nil {
		t.Fatalf("Import failed: %v", err)
	}
	if result.Created != 1 {
		t.Errorf("expected 1 would-be creation, got %+v", result)
	}
	if n, _ := db.Count(ctx); n != 0 {
		t.Errorf("dry run wrote %d task(s)", n)
	}
}

func TestImport_InvalidTasksReported(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)

	path := filepath.Join(t.TempDir(), "tasks.jsonl")
	content := `{"id":"ok","title":"Fine"}
{"id":"","title":"No id"}
{"id":"bad","title":"Bad status","status":"someday"}
{"id":"ok","title":"Duplicate"}
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	result, err := Import(ctx, db, ImportOptions{Path: path})
	if err != nil {
		t.Fatalf("Import failed: %v", err)
	}
	if result.Created != 1 {
		t.Errorf("expected 1 created, got %d", result.Created)
	}
	if len(result.Errors) != 3 {
		t.Errorf("expected 3 errors, got %v", result.Errors)
	}
}

func TestFromJSONL_InvalidFile(t *testing.T) {
	_, err := FromJSONL("/nonexistent/path.jsonl")
	if err == nil {
		t.Error("expected error for nonexistent file")
	}
}

func TestFromJSONL_InvalidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.jsonl")
	if err := os.WriteFile(path, []byte(`{"id":"a","title":"One"}`+"\n{not json\n"), 0644); err != nil {
		t.Fatal(err)
	}

	_, err := FromJSONL(path)
	if err == nil || !strings.Contains(err.Error(), "line 2") {
		t.Errorf("expected error at line 2, got %v", err)
	}
}
