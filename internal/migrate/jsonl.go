// Package migrate moves the task store in and out of JSONL dumps, one task
// per line, for backups and for moving tasks between machines.
package migrate

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/mschirtzinger/tasksync/internal/schema"
	"github.com/mschirtzinger/tasksync/internal/store"
)

// ImportOptions contains configuration for an import
type ImportOptions struct {
	// Path is the JSONL file to read.
	Path string
	// DryRun validates and counts without writing the store.
	DryRun bool
	// Overwrite replaces tasks that already exist. Otherwise they are skipped.
	Overwrite bool
}

// ImportResult contains statistics about an import
type ImportResult struct {
	Created int
	Updated int
	Skipped int
	Errors  []string
}

// FromJSONL reads a JSONL dump and returns the tasks it holds, normalized.
func FromJSONL(path string) ([]*schema.Task, error) {
	// #nosec G304 - controlled path from CLI
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open JSONL file: %w", err)
	}
	defer file.Close()
	return ReadJSONL(file)
}

// ReadJSONL decodes one task per line from r.
func ReadJSONL(r io.Reader) ([]*schema.Task, error) {
	var tasks []*schema.Task
	decoder := json.NewDecoder(r)
	lineNum := 0

	for {
		var task schema.Task
		if err := decoder.Decode(&task); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("invalid JSON at line %d: %w", lineNum+1, err)
		}
		lineNum++

		task.Normalize()
		tasks = append(tasks, &task)
	}

	return tasks, nil
}

// WriteJSONL encodes tasks to w, one per line.
func WriteJSONL(w io.Writer, tasks []*schema.Task) error {
	encoder := json.NewEncoder(w)
	for _, t := range tasks {
		if err := encoder.Encode(t); err != nil {
			return fmt.Errorf("failed to encode task %s: %w", t.ID, err)
		}
	}
	return nil
}

// ToJSONL writes tasks to path atomically via a temp file.
func ToJSONL(path string, tasks []*schema.Task) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	w := bufio.NewWriter(tmp)
	if err := WriteJSONL(w, tasks); err != nil {
		tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// Export writes every task in db to path and returns how many were written.
func Export(ctx context.Context, db *store.DB, path string) (int, error) {
	tasks, err := db.All(ctx)
	if err != nil {
		return 0, err
	}
	if err := ToJSONL(path, tasks); err != nil {
		return 0, err
	}
	return len(tasks), nil
}

// Import loads a JSONL dump into db in one transaction. Invalid tasks are
// reported in the result and skipped; they do not fail the import.
func Import(ctx context.Context, db *store.DB, opts ImportOptions) (*ImportResult, error) {
	tasks, err := FromJSONL(opts.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to parse JSONL: %w", err)
	}

	result := &ImportResult{}
	err = db.Transaction(ctx, func(tx *store.Tx) error {
		seen := make(map[string]bool, len(tasks))
		for _, task := range tasks {
			if err := task.Validate(); err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("task %q: %v", task.ID, err))
				continue
			}
			if seen[task.ID] {
				result.Errors = append(result.Errors, fmt.Sprintf("task %q: duplicate id", task.ID))
				continue
			}
			seen[task.ID] = true

			_, err := tx.Get(ctx, task.ID)
			switch {
			case errors.Is(err, store.ErrNotFound):
				if !opts.DryRun {
					if err := tx.Create(ctx, task); err != nil {
						return err
					}
				}
				result.Created++
			case err != nil:
				return err
			case !opts.Overwrite:
				result.Skipped++
			default:
				if !opts.DryRun {
					if err := tx.Update(ctx, task); err != nil {
						return err
					}
				}
				result.Updated++
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to import %s: %w", opts.Path, err)
	}
	return result, nil
}
