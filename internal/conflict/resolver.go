package conflict

import (
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mschirtzinger/tasksync/internal/merge"
	"github.com/mschirtzinger/tasksync/internal/schema"
)

// Config holds resolver configuration.
type Config struct {
	// Merger computes field-level merges. Nil uses merge.New().
	Merger *merge.Merger

	// Now is the clock used for resolution timestamps. Nil uses time.Now.
	Now func() time.Time

	// Logger for resolver activity
	Logger *log.Logger
}

// Resolver applies resolution policies and keeps running statistics. It is
// safe for concurrent use.
type Resolver struct {
	merger *merge.Merger
	now    func() time.Time
	logger *log.Logger

	mu      sync.Mutex
	pending map[string]*Conflict
	stats   counters
}

// NewResolver creates a resolver.
func NewResolver(cfg Config) *Resolver {
	if cfg.Merger == nil {
		cfg.Merger = merge.New()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[conflict] ", log.LstdFlags)
	}
	return &Resolver{
		merger:  cfg.Merger,
		now:     cfg.Now,
		logger:  cfg.Logger,
		pending: make(map[string]*Conflict),
		stats:   newCounters(),
	}
}

// Resolve applies policy to c.
//
// prefer_file and prefer_app return that side's full task. merge delegates to
// the merger and keeps the surviving side of a deletion. manual returns a
// ManualRecord and a provisional task (the newer side) and leaves c
// unresolved until ResolveManually is called. An empty policy means merge.
func (r *Resolver) Resolve(c *Conflict, policy Policy) (*Outcome, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if c.Resolved {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyResolved, c.ID)
	}
	if !policy.Valid() {
		return nil, fmt.Errorf("unknown policy %q", policy)
	}

	switch policy {
	case PolicyPreferFile:
		return r.finish(c, r.takeSide(c, merge.SideFile, "policy prefer_file")), nil
	case PolicyPreferApp:
		return r.finish(c, r.takeSide(c, merge.SideApp, "policy prefer_app")), nil
	case PolicyManual:
		return r.deferToUser(c), nil
	default:
		return r.finish(c, r.autoMerge(c)), nil
	}
}

// takeSide resolves c with one side's full version. A deleted side resolves
// to deletion.
func (r *Resolver) takeSide(c *Conflict, side merge.Side, why string) *Resolution {
	res := &Resolution{ResolvedBy: ResolvedBySystem, ResolvedAt: r.now().UTC()}
	var chosen *schema.Task
	if side == merge.SideFile {
		res.Method = MethodUseFile
		chosen = c.FileVersion
	} else {
		res.Method = MethodUseApp
		chosen = c.AppVersion
	}
	res.MergedTask = chosen.Clone()
	if chosen == nil {
		res.Reason = fmt.Sprintf("%s: task deleted on the %s side, deletion applied", why, side)
	} else {
		res.Reason = fmt.Sprintf("%s: %s version kept", why, side)
	}
	return res
}

func (r *Resolver) autoMerge(c *Conflict) *Resolution {
	if c.Type == TypeDeletion {
		side, _ := c.Survivor()
		return r.takeSide(c, side, "deletion conflict under merge: modified version kept")
	}

	result := r.merger.Merge(c.BaseVersion, c.FileVersion, c.AppVersion, PolicyMerge)
	res := &Resolution{
		Method:     MethodAutoMerge,
		MergedTask: result.Merged,
		ResolvedBy: ResolvedBySystem,
		ResolvedAt: r.now().UTC(),
	}
	if decided := result.DecidedFields(); len(decided) > 0 {
		res.Reason = fmt.Sprintf("merged with tie-breaks by newer update: %s", merge.Describe(result.Conflicts))
	} else if len(result.Conflicts) > 0 {
		res.Reason = "merged without conflicts; tags combined by union"
	} else {
		res.Reason = "merged without conflicts"
	}
	return res
}

func (r *Resolver) deferToUser(c *Conflict) *Outcome {
	var provisional *schema.Task
	if merge.Newer(c.FileVersion, c.AppVersion) == merge.SideApp {
		provisional = c.AppVersion.Clone()
	} else {
		provisional = c.FileVersion.Clone()
	}

	suggestion := r.Suggest(c)
	record := &ManualRecord{
		ConflictID:      c.ID,
		TaskID:          c.TaskID,
		SuggestedPolicy: suggestion.Policy,
	}
	if c.Type == TypeDeletion {
		side, _ := c.Survivor()
		record.Reason = fmt.Sprintf("task deleted on one side and kept on the %s side", side)
	} else {
		result := r.merger.Merge(c.BaseVersion, c.FileVersion, c.AppVersion, PolicyManual)
		record.Fields = result.Conflicts
		record.Reason = fmt.Sprintf("%d field(s) changed on both sides: %s", len(result.Conflicts), strings.Join(result.Report.ConflictingFields, ", "))
	}

	r.mu.Lock()
	r.pending[c.ID] = c
	r.mu.Unlock()

	return &Outcome{Conflict: c, Merged: provisional, Manual: record}
}

// ResolveManually applies a user decision to c: use_file, use_app, or
// manual_merge with a supplied task.
func (r *Resolver) ResolveManually(c *Conflict, method Method, task *schema.Task, reason string) (*Resolution, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if c.Resolved {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyResolved, c.ID)
	}

	res := &Resolution{Method: method, ResolvedBy: ResolvedByUser, ResolvedAt: r.now().UTC(), Reason: reason}
	switch method {
	case MethodUseFile:
		res.MergedTask = c.FileVersion.Clone()
	case MethodUseApp:
		res.MergedTask = c.AppVersion.Clone()
	case MethodManualMerge:
		if task == nil {
			return nil, fmt.Errorf("%w: manual_merge requires a task", ErrInvalidDecision)
		}
		merged := task.Clone()
		if merged.ID == "" {
			merged.ID = c.TaskID
		}
		if merged.ID != c.TaskID {
			return nil, fmt.Errorf("%w: task id %q does not match conflict task %q", ErrInvalidDecision, merged.ID, c.TaskID)
		}
		merged.Normalize()
		if err := merged.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidDecision, err)
		}
		res.MergedTask = merged
	default:
		return nil, fmt.Errorf("%w: method %q", ErrInvalidDecision, method)
	}
	if res.Reason == "" {
		res.Reason = fmt.Sprintf("resolved by user with %s", method)
	}

	r.finish(c, res)
	return res, nil
}

// finish marks c resolved and records statistics.
func (r *Resolver) finish(c *Conflict, res *Resolution) *Outcome {
	c.Resolved = true
	c.Resolution = res

	r.mu.Lock()
	delete(r.pending, c.ID)
	r.stats.record(c, res)
	r.mu.Unlock()

	return &Outcome{Conflict: c, Merged: res.MergedTask, Resolution: res}
}

// Track registers an unresolved conflict loaded from storage so it counts as
// pending.
func (r *Resolver) Track(c *Conflict) {
	if c == nil || c.Resolved {
		return
	}
	r.mu.Lock()
	r.pending[c.ID] = c
	r.mu.Unlock()
}

// Pending returns the conflicts awaiting a manual decision, oldest first.
func (r *Resolver) Pending() []*Conflict {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Conflict, 0, len(r.pending))
	for _, c := range r.pending {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DetectedAt.Equal(out[j].DetectedAt) {
			return out[i].DetectedAt.Before(out[j].DetectedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Lookup returns a pending conflict by id.
func (r *Resolver) Lookup(id string) (*Conflict, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.pending[id]
	return c, ok
}

// BatchResult summarizes ResolveBatch.
type BatchResult struct {
	Total    int
	Resolved int
	Pending  int
	Failed   int
	// Outcomes is parallel to the input; failed entries are nil.
	Outcomes []*Outcome
	Errors   []error
	Stats    Statistics
}

// ResolveBatch resolves conflicts in order. Malformed entries are counted as
// failed and do not stop the batch.
func (r *Resolver) ResolveBatch(conflicts []*Conflict, policy Policy) BatchResult {
	br := BatchResult{Total: len(conflicts), Outcomes: make([]*Outcome, len(conflicts))}
	for i, c := range conflicts {
		out, err := r.Resolve(c, policy)
		if err != nil {
			r.logger.Printf("Skipping conflict %d: %v", i, err)
			br.Failed++
			br.Errors = append(br.Errors, fmt.Errorf("conflict %d: %w", i, err))
			continue
		}
		br.Outcomes[i] = out
		if out.Pending() {
			br.Pending++
		} else {
			br.Resolved++
		}
	}
	br.Stats = r.Statistics()
	return br
}
