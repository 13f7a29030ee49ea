// Package schema provides the task record shared by the markdown file and the
// application store.
package schema

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mitchellh/hashstructure/v2"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted:
		return true
	}
	return false
}

// Priority is the urgency of a task.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return true
	}
	return false
}

// MaxTitleLength bounds task titles.
const MaxTitleLength = 500

// Task is a single checklist item.
//
// ID is immutable once assigned. UpdatedAt strictly increases on every
// mutation; the store enforces this on write.
type Task struct {
	// ===== Identification =====
	ID string `json:"id"`

	// ===== Content =====
	Title       string   `json:"title"`
	Status      Status   `json:"status"`
	Priority    Priority `json:"priority"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`

	// ===== Placement =====
	Section  string `json:"section,omitempty"`
	ParentID string `json:"parent_id,omitempty"`
	Order    int    `json:"order"`
	Archived bool   `json:"archived,omitempty"`

	// ===== Scheduling =====
	DueDate *time.Time `json:"due_date,omitempty"`

	// ===== Timestamps =====
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks if the Task has valid field values.
func (t *Task) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("id is required")
	}
	if strings.TrimSpace(t.Title) == "" {
		return fmt.Errorf("title is required")
	}
	if len(t.Title) > MaxTitleLength {
		return fmt.Errorf("title must be %d characters or less (got %d)", MaxTitleLength, len(t.Title))
	}
	if !t.Status.Valid() {
		return fmt.Errorf("invalid status %q", t.Status)
	}
	if !t.Priority.Valid() {
		return fmt.Errorf("invalid priority %q", t.Priority)
	}
	if t.ParentID != "" && t.ParentID == t.ID {
		return fmt.Errorf("task cannot be its own parent")
	}
	return nil
}

// Normalize applies defaults and canonical forms in place: trimmed title,
// default enums, sorted unique tags, UTC timestamps.
func (t *Task) Normalize() {
	t.Title = strings.TrimSpace(t.Title)
	t.Section = strings.TrimSpace(t.Section)
	t.Description = strings.TrimRight(t.Description, " \t\n")
	if t.Status == "" {
		t.Status = StatusPending
	}
	if t.Priority == "" {
		t.Priority = PriorityMedium
	}
	t.Tags = NormalizeTags(t.Tags)
	if t.DueDate != nil {
		d := t.DueDate.UTC()
		t.DueDate = &d
	}
	if !t.CreatedAt.IsZero() {
		t.CreatedAt = t.CreatedAt.UTC()
	}
	if !t.UpdatedAt.IsZero() {
		t.UpdatedAt = t.UpdatedAt.UTC()
	}
}

// SetDefaults fills timestamps that are still zero.
func (t *Task) SetDefaults(now time.Time) {
	t.Normalize()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now.UTC()
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = t.CreatedAt
	}
}

// Clone returns a deep copy. A nil task clones to nil.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	if t.Tags != nil {
		c.Tags = append([]string(nil), t.Tags...)
	}
	if t.DueDate != nil {
		d := *t.DueDate
		c.DueDate = &d
	}
	return &c
}

// NormalizeTags trims, drops empties, dedupes and sorts. The result is never nil.
func NormalizeTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.TrimSpace(strings.TrimPrefix(tag, "#"))
		if tag == "" {
			continue
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}

// fingerprint is the hashed projection of a task: content fields only, no
// timestamps, due date reduced to a canonical string.
type fingerprint struct {
	Title       string
	Status      string
	Priority    string
	Description string
	Tags        []string
	Section     string
	ParentID    string
	Order       int
	Archived    bool
	Due         string
}

// Fingerprint returns a stable hash of the task's content. Timestamps are
// ignored and tags are hashed as a set, so two tasks with the same content
// always share a fingerprint.
func (t *Task) Fingerprint() uint64 {
	if t == nil {
		return 0
	}
	fp := fingerprint{
		Title:       t.Title,
		Status:      string(t.Status),
		Priority:    string(t.Priority),
		Description: t.Description,
		Tags:        NormalizeTags(t.Tags),
		Section:     t.Section,
		ParentID:    t.ParentID,
		Order:       t.Order,
		Archived:    t.Archived,
		Due:         FormatDue(t.DueDate),
	}
	h, err := hashstructure.Hash(fp, hashstructure.FormatV2, &hashstructure.HashOptions{SlicesAsSets: true})
	if err != nil {
		// Only primitive fields are hashed; Hash cannot fail on them.
		panic(fmt.Sprintf("schema: fingerprint: %v", err))
	}
	return h
}

// ContentEqual reports whether two tasks carry identical content. Two nil
// tasks are equal; a nil and a non-nil task are not.
func ContentEqual(a, b *Task) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Fingerprint() == b.Fingerprint()
}

// FormatDue renders a due date canonically: a bare date at UTC midnight,
// RFC3339 otherwise. Nil renders as "".
func FormatDue(d *time.Time) string {
	if d == nil {
		return ""
	}
	u := d.UTC()
	if u.Hour() == 0 && u.Minute() == 0 && u.Second() == 0 && u.Nanosecond() == 0 {
		return u.Format(time.DateOnly)
	}
	return u.Format(time.RFC3339)
}

// ParseDue is the inverse of FormatDue. It accepts a bare date or RFC3339.
func ParseDue(s string) (*time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return &t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, fmt.Errorf("invalid due date %q: %w", s, err)
	}
	t = t.UTC()
	return &t, nil
}

// SortForFile orders tasks the way they appear in the file: unsectioned tasks
// first, then sections alphabetically, each by Order then ID.
func SortForFile(tasks []*Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		a, b := tasks[i], tasks[j]
		if a.Section != b.Section {
			return a.Section < b.Section
		}
		if a.Order != b.Order {
			return a.Order < b.Order
		}
		return a.ID < b.ID
	})
}
