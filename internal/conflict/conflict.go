// Package conflict resolves tasks edited on both the file and the app side
// since their last sync.
package conflict

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mschirtzinger/tasksync/internal/merge"
	"github.com/mschirtzinger/tasksync/internal/schema"
)

// Type categorizes a conflict.
type Type string

const (
	// TypeContent: both sides changed fields of a task with a known base.
	TypeContent Type = "content"
	// TypeDeletion: one side deleted the task, the other still holds it.
	TypeDeletion Type = "deletion"
	// TypeCreation: both sides hold the task but it has no base yet.
	TypeCreation Type = "creation"
)

// Method is how a conflict was resolved.
type Method string

const (
	MethodUseFile     Method = "use_file"
	MethodUseApp      Method = "use_app"
	MethodManualMerge Method = "manual_merge"
	MethodAutoMerge   Method = "auto_merge"
)

// Valid reports whether m is a known method.
func (m Method) Valid() bool {
	switch m {
	case MethodUseFile, MethodUseApp, MethodManualMerge, MethodAutoMerge:
		return true
	}
	return false
}

// ResolvedBy records who made the decision.
type ResolvedBy string

const (
	ResolvedBySystem ResolvedBy = "system"
	ResolvedByUser   ResolvedBy = "user"
)

// Policy is the resolution policy. It is shared with the merger.
type Policy = merge.Policy

const (
	PolicyPreferFile = merge.PolicyPreferFile
	PolicyPreferApp  = merge.PolicyPreferApp
	PolicyMerge      = merge.PolicyMerge
	PolicyManual     = merge.PolicyManual
)

var (
	// ErrMalformed is returned for a nil conflict or one with no versions.
	ErrMalformed = errors.New("malformed conflict")
	// ErrInvalidDecision is returned when a manual decision cannot be applied.
	ErrInvalidDecision = errors.New("invalid decision")
	// ErrAlreadyResolved is returned when deciding a resolved conflict.
	ErrAlreadyResolved = errors.New("conflict already resolved")
)

// Resolution is the decision taken for a conflict. A nil MergedTask means the
// task is deleted on both sides.
type Resolution struct {
	Method     Method       `json:"method"`
	MergedTask *schema.Task `json:"merged_task,omitempty"`
	ResolvedBy ResolvedBy   `json:"resolved_by"`
	ResolvedAt time.Time    `json:"resolved_at"`
	Reason     string       `json:"reason"`
}

// Conflict is a task that both sides touched since the base snapshot. A nil
// FileVersion or AppVersion means that side deleted (or never had) the task.
type Conflict struct {
	ID          string       `json:"id"`
	TaskID      string       `json:"task_id"`
	FileVersion *schema.Task `json:"file_version,omitempty"`
	AppVersion  *schema.Task `json:"app_version,omitempty"`
	BaseVersion *schema.Task `json:"base_version,omitempty"`
	DetectedAt  time.Time    `json:"detected_at"`
	Type        Type         `json:"conflict_type"`
	Resolved    bool         `json:"resolved"`
	Resolution  *Resolution  `json:"resolution,omitempty"`
}

// New builds a conflict and classifies it: a missing side is a deletion, a
// missing base a creation, otherwise content.
func New(base, file, app *schema.Task, detectedAt time.Time) *Conflict {
	c := &Conflict{
		ID:          uuid.NewString(),
		FileVersion: file.Clone(),
		AppVersion:  app.Clone(),
		BaseVersion: base.Clone(),
		DetectedAt:  detectedAt.UTC(),
	}
	for _, t := range []*schema.Task{file, app, base} {
		if t != nil && t.ID != "" {
			c.TaskID = t.ID
			break
		}
	}
	switch {
	case file == nil || app == nil:
		c.Type = TypeDeletion
	case base == nil:
		c.Type = TypeCreation
	default:
		c.Type = TypeContent
	}
	return c
}

// Validate reports whether the conflict can be resolved at all.
func (c *Conflict) Validate() error {
	if c == nil {
		return ErrMalformed
	}
	if c.FileVersion == nil && c.AppVersion == nil {
		return fmt.Errorf("%w: conflict %s has neither a file nor an app version", ErrMalformed, c.ID)
	}
	return nil
}

// Survivor returns the side still holding a deletion-conflicted task.
func (c *Conflict) Survivor() (merge.Side, *schema.Task) {
	if c.FileVersion != nil {
		return merge.SideFile, c.FileVersion
	}
	return merge.SideApp, c.AppVersion
}

// ManualRecord describes what a person has to decide for a conflict left
// under the manual policy.
type ManualRecord struct {
	ConflictID      string                `json:"conflict_id"`
	TaskID          string                `json:"task_id"`
	Fields          []merge.FieldConflict `json:"fields"`
	SuggestedPolicy Policy                `json:"suggested_policy"`
	Reason          string                `json:"reason"`
}

// Outcome is the result of Resolve.
type Outcome struct {
	Conflict *Conflict
	// Merged is the task to apply. Under the manual policy it is provisional
	// (the newer side) and Resolution is nil. A nil Merged with a non-nil
	// Resolution means delete.
	Merged     *schema.Task
	Resolution *Resolution
	Manual     *ManualRecord
}

// Pending reports whether the outcome still awaits a manual decision.
func (o *Outcome) Pending() bool {
	return o.Resolution == nil
}
