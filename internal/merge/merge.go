// Package merge implements the field-level three-way merge of a task's file
// and app versions against their last common version.
package merge

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mschirtzinger/tasksync/internal/schema"
)

// Policy decides conflicting scalar fields.
type Policy string

const (
	PolicyPreferFile Policy = "prefer_file"
	PolicyPreferApp  Policy = "prefer_app"
	PolicyMerge      Policy = "merge"
	PolicyManual     Policy = "manual"
)

// Valid reports whether p is a known policy. The empty policy is valid and
// behaves like PolicyMerge.
func (p Policy) Valid() bool {
	switch p {
	case "", PolicyPreferFile, PolicyPreferApp, PolicyMerge, PolicyManual:
		return true
	}
	return false
}

// Strategy describes how a merge was computed.
type Strategy string

const (
	StrategyThreeWay Strategy = "three_way"
	StrategyTwoWay   Strategy = "two_way"  // no common ancestor
	StrategyOneSided Strategy = "one_side" // one version missing
)

// Field names, as reported in Report and FieldConflict.
const (
	FieldTitle       = "title"
	FieldStatus      = "status"
	FieldPriority    = "priority"
	FieldDueDate     = "dueDate"
	FieldDescription = "description"
	FieldTags        = "tags"
	FieldSection     = "section"
	FieldParentID    = "parentId"
	FieldOrder       = "order"
	FieldArchived    = "archived"
)

// Side identifies where a resolved value came from.
type Side string

const (
	SideFile  Side = "file"
	SideApp   Side = "app"
	SideUnion Side = "union"
)

// FieldConflict is one field that both sides changed to different values.
type FieldConflict struct {
	Field string `json:"field"`
	Base  any    `json:"base,omitempty"`
	File  any    `json:"file"`
	App   any    `json:"app"`
	// Resolution is the side whose value the merged task carries.
	Resolution Side `json:"resolution"`
	// Informational conflicts are recorded for audit only; tags are always
	// merged by union and never need a decision.
	Informational bool `json:"informational,omitempty"`
}

// Report lists which fields changed on which side.
type Report struct {
	FileOnlyChanges   []string `json:"file_only_changes,omitempty"`
	AppOnlyChanges    []string `json:"app_only_changes,omitempty"`
	ConflictingFields []string `json:"conflicting_fields,omitempty"`
}

// Result is the outcome of Merge.
type Result struct {
	Merged *schema.Task
	// HasConflicts is true when at least one scalar field needed a
	// tie-break. Informational tag conflicts do not set it.
	HasConflicts bool
	Conflicts    []FieldConflict
	Strategy     Strategy
	Report       Report
}

// DecidedFields returns the names of the non-informational conflicts.
func (r Result) DecidedFields() []string {
	var out []string
	for _, c := range r.Conflicts {
		if !c.Informational {
			out = append(out, c.Field)
		}
	}
	return out
}

// scalar is one mergeable non-set field.
type scalar struct {
	name string
	get  func(*schema.Task) any
	set  func(dst, src *schema.Task)
}

var scalars = []scalar{
	{FieldTitle, func(t *schema.Task) any { return t.Title }, func(d, s *schema.Task) { d.Title = s.Title }},
	{FieldStatus, func(t *schema.Task) any { return string(t.Status) }, func(d, s *schema.Task) { d.Status = s.Status }},
	{FieldPriority, func(t *schema.Task) any { return string(t.Priority) }, func(d, s *schema.Task) { d.Priority = s.Priority }},
	{FieldDueDate, func(t *schema.Task) any { return schema.FormatDue(t.DueDate) }, func(d, s *schema.Task) { d.DueDate = cloneTime(s.DueDate) }},
	{FieldDescription, func(t *schema.Task) any { return t.Description }, func(d, s *schema.Task) { d.Description = s.Description }},
	{FieldSection, func(t *schema.Task) any { return t.Section }, func(d, s *schema.Task) { d.Section = s.Section }},
	{FieldParentID, func(t *schema.Task) any { return t.ParentID }, func(d, s *schema.Task) { d.ParentID = s.ParentID }},
	{FieldOrder, func(t *schema.Task) any { return t.Order }, func(d, s *schema.Task) { d.Order = s.Order }},
	{FieldArchived, func(t *schema.Task) any { return t.Archived }, func(d, s *schema.Task) { d.Archived = s.Archived }},
}

// Merger merges task versions. It is stateless apart from its clock.
type Merger struct {
	now func() time.Time
}

// New returns a Merger stamping merged tasks with the wall clock.
func New() *Merger {
	return NewWithClock(time.Now)
}

// NewWithClock returns a Merger stamping merged tasks with now.
func NewWithClock(now func() time.Time) *Merger {
	return &Merger{now: now}
}

// Merge combines file and app against base.
//
// Fields changed on one side take that side's value; fields changed on both
// sides to the same value converge; fields changed to different values are
// decided by policy (prefer_file, prefer_app) or, for merge, manual and the
// empty policy, by the newer UpdatedAt with ties going to the file. Tags merge
// as (base - removals) + additions of both sides. A nil base compares file and
// app directly, so every differing field conflicts.
func (m *Merger) Merge(base, file, app *schema.Task, policy Policy) Result {
	if file == nil || app == nil {
		merged := file.Clone()
		if merged == nil {
			merged = app.Clone()
		}
		return Result{Merged: merged, Strategy: StrategyOneSided}
	}

	file = normalized(file)
	app = normalized(app)

	res := Result{Strategy: StrategyThreeWay}
	if base == nil {
		res.Strategy = StrategyTwoWay
	} else {
		base = normalized(base)
	}

	winner := decide(file, app, policy)

	merged := file.Clone()
	if base != nil {
		merged = base.Clone()
	}

	for _, f := range scalars {
		fv, av := f.get(file), f.get(app)

		if base == nil {
			if fv == av {
				f.set(merged, file)
				continue
			}
			res.addConflict(FieldConflict{Field: f.name, File: fv, App: av, Resolution: winner})
			f.set(merged, pick(winner, file, app))
			continue
		}

		bv := f.get(base)
		fileChanged, appChanged := fv != bv, av != bv
		switch {
		case !fileChanged && !appChanged:
		case fileChanged && !appChanged:
			f.set(merged, file)
			res.Report.FileOnlyChanges = append(res.Report.FileOnlyChanges, f.name)
		case !fileChanged && appChanged:
			f.set(merged, app)
			res.Report.AppOnlyChanges = append(res.Report.AppOnlyChanges, f.name)
		case fv == av:
			f.set(merged, file)
		default:
			res.addConflict(FieldConflict{Field: f.name, Base: bv, File: fv, App: av, Resolution: winner})
			f.set(merged, pick(winner, file, app))
		}
	}

	m.mergeTags(&res, merged, base, file, app)

	merged.ID = firstNonEmpty(idOf(base), file.ID, app.ID)
	merged.CreatedAt = createdAt(base, file, app)
	merged.UpdatedAt = m.now().UTC()
	res.Merged = merged
	return res
}

func (m *Merger) mergeTags(res *Result, merged, base, file, app *schema.Task) {
	if base == nil {
		merged.Tags = union(file.Tags, app.Tags)
		if !sameSet(file.Tags, app.Tags) {
			res.addConflict(FieldConflict{Field: FieldTags, File: file.Tags, App: app.Tags, Resolution: SideUnion, Informational: true})
		}
		return
	}

	fileChanged := !sameSet(file.Tags, base.Tags)
	appChanged := !sameSet(app.Tags, base.Tags)
	switch {
	case !fileChanged && !appChanged:
		merged.Tags = append([]string{}, base.Tags...)
	case fileChanged && !appChanged:
		merged.Tags = append([]string{}, file.Tags...)
		res.Report.FileOnlyChanges = append(res.Report.FileOnlyChanges, FieldTags)
	case !fileChanged && appChanged:
		merged.Tags = append([]string{}, app.Tags...)
		res.Report.AppOnlyChanges = append(res.Report.AppOnlyChanges, FieldTags)
	case sameSet(file.Tags, app.Tags):
		merged.Tags = append([]string{}, file.Tags...)
	default:
		fileAdded, fileRemoved := diff(base.Tags, file.Tags)
		appAdded, appRemoved := diff(base.Tags, app.Tags)
		removed := union(fileRemoved, appRemoved)
		kept, _ := diff(removed, base.Tags) // base minus removed
		merged.Tags = union(kept, union(fileAdded, appAdded))
		if len(fileAdded) > 0 && len(appAdded) > 0 && !sameSet(fileAdded, appAdded) {
			res.addConflict(FieldConflict{Field: FieldTags, Base: base.Tags, File: file.Tags, App: app.Tags,
				Resolution: SideUnion, Informational: true})
		}
	}
}

func (r *Result) addConflict(c FieldConflict) {
	r.Conflicts = append(r.Conflicts, c)
	r.Report.ConflictingFields = append(r.Report.ConflictingFields, c.Field)
	if !c.Informational {
		r.HasConflicts = true
	}
}

// decide returns the side that wins conflicting scalar fields.
func decide(file, app *schema.Task, policy Policy) Side {
	switch policy {
	case PolicyPreferFile:
		return SideFile
	case PolicyPreferApp:
		return SideApp
	}
	return Newer(file, app)
}

// Newer returns the side with the later UpdatedAt; ties go to the file.
func Newer(file, app *schema.Task) Side {
	if app != nil && (file == nil || app.UpdatedAt.After(file.UpdatedAt)) {
		return SideApp
	}
	return SideFile
}

func pick(s Side, file, app *schema.Task) *schema.Task {
	if s == SideApp {
		return app
	}
	return file
}

func normalized(t *schema.Task) *schema.Task {
	c := t.Clone()
	c.Normalize()
	return c
}

func createdAt(base, file, app *schema.Task) time.Time {
	if base != nil && !base.CreatedAt.IsZero() {
		return base.CreatedAt
	}
	var earliest time.Time
	for _, t := range []*schema.Task{file, app} {
		if t.CreatedAt.IsZero() {
			continue
		}
		if earliest.IsZero() || t.CreatedAt.Before(earliest) {
			earliest = t.CreatedAt
		}
	}
	return earliest
}

func idOf(t *schema.Task) string {
	if t == nil {
		return ""
	}
	return t.ID
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func toSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, it := range items {
		set[it] = struct{}{}
	}
	return set
}

func sameSet(a, b []string) bool {
	sa, sb := toSet(a), toSet(b)
	if len(sa) != len(sb) {
		return false
	}
	for k := range sa {
		if _, ok := sb[k]; !ok {
			return false
		}
	}
	return true
}

// diff returns the elements of to not in from (added) and of from not in to
// (removed), both sorted.
func diff(from, to []string) (added, removed []string) {
	fs, ts := toSet(from), toSet(to)
	for k := range ts {
		if _, ok := fs[k]; !ok {
			added = append(added, k)
		}
	}
	for k := range fs {
		if _, ok := ts[k]; !ok {
			removed = append(removed, k)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)
	return added, removed
}

func union(a, b []string) []string {
	return schema.NormalizeTags(append(append([]string{}, a...), b...))
}

// Describe renders a conflict list for audit reasons, e.g. "title (app), status (file)".
func Describe(conflicts []FieldConflict) string {
	parts := make([]string, 0, len(conflicts))
	for _, c := range conflicts {
		parts = append(parts, fmt.Sprintf("%s (%s)", c.Field, c.Resolution))
	}
	return strings.Join(parts, ", ")
}
