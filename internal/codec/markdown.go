// Package codec converts the markdown checklist file to and from task records.
//
// One task per checkbox line:
//
//	## Work
//	- [ ] Ship release !high #ops due:2024-05-01 <!-- id:abc -->
//	  > description line
//	  - [/] Write notes <!-- id:def parent:abc -->
//
// Markers: "[ ]" pending, "[/]" or "[~]" in progress, "[x]" completed.
// Inline tokens: !low|!medium|!high, #tag, due:<date>, due:(natural phrase),
// @archived. The trailing HTML comment carries the stable id and parent id.
// A title word that would read as a token is written with a leading
// backslash: "Read \#golang book".
package codec

import (
	"bufio"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"

	"github.com/mschirtzinger/tasksync/internal/schema"
)

var (
	headingRe = regexp.MustCompile(`^(#{1,6})\s+(.+?)\s*#*\s*$`)
	taskRe    = regexp.MustCompile(`^(\s*)[-*+]\s+\[([ xX/~])\]\s*(.*)$`)
	descRe    = regexp.MustCompile(`^(\s+)>\s?(.*)$`)
	metaRe    = regexp.MustCompile(`(?:^|\s)<!--\s*([^<>]*?)\s*-->\s*$`)
	duePhrase = regexp.MustCompile(`(?:^|\s)due:\(([^)]*)\)`)
	dueWord   = regexp.MustCompile(`(?:^|\s)due:(\S+)`)
	tagRe     = regexp.MustCompile(`(?:^|\s)#(\p{L}[\p{L}\p{N}_\-/]*)`)
	prioRe    = regexp.MustCompile(`(?:^|\s)!(low|medium|high)\b`)
	archRe    = regexp.MustCompile(`(?:^|\s)@archived\b`)
	spaceRe   = regexp.MustCompile(`\s+`)

	// Title words that would read back as tokens are written with a
	// leading backslash.
	escapeRe   = regexp.MustCompile(`(^|\s)(#\p{L}|!(?:low|medium|high)\b|due:|@archived\b|<!--|\\)`)
	unescapeRe = regexp.MustCompile(`(^|\s)\\(#\p{L}|!(?:low|medium|high)\b|due:|@archived\b|<!--|\\)`)
)

// Warning describes a line that could not be turned into a task.
type Warning struct {
	Line   int
	Text   string
	Reason string
}

func (w Warning) String() string {
	return fmt.Sprintf("line %d: %s: %q", w.Line, w.Reason, w.Text)
}

// Markdown is the checklist codec. The zero value is not usable; call New.
type Markdown struct {
	dates *when.Parser
	now   func() time.Time
}

// New returns a codec that resolves natural-language due dates relative to
// the wall clock.
func New() *Markdown {
	return NewWithClock(time.Now)
}

// NewWithClock returns a codec using now as the reference time for
// natural-language due dates.
func NewWithClock(now func() time.Time) *Markdown {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return &Markdown{dates: w, now: now}
}

// Parse converts file content to tasks, skipping lines it cannot interpret.
// A subtask nested under a task without an id gets a positional parent
// reference; call ResolveParents once ids are assigned.
func (m *Markdown) Parse(content string) []*schema.Task {
	tasks, _ := m.ParseWithWarnings(content)
	return tasks
}

type stackEntry struct {
	indent int
	index  int
	task   *schema.Task
}

// parentRefPrefix marks a ParentID that points at an earlier task of the same
// parse result by position, because that task has no id yet.
const parentRefPrefix = "@pos:"

// ResolveParents replaces positional parent references left by Parse with
// the ids the referenced tasks have since been given. References to tasks
// that still have no id are cleared.
func ResolveParents(tasks []*schema.Task) {
	for _, t := range tasks {
		ref, ok := strings.CutPrefix(t.ParentID, parentRefPrefix)
		if !ok {
			continue
		}
		t.ParentID = ""
		if i, err := strconv.Atoi(ref); err == nil && i >= 0 && i < len(tasks) && tasks[i] != t {
			t.ParentID = tasks[i].ID
		}
	}
}

// ParseWithWarnings is Parse plus a report of the lines that were skipped.
func (m *Markdown) ParseWithWarnings(content string) ([]*schema.Task, []Warning) {
	var (
		tasks    []*schema.Task
		warnings []Warning
		section  string
		order    int
		stack    []stackEntry
		last     *schema.Task
		lastInd  int
	)

	scanner := bufio.NewScanner(strings.NewReader(content))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		raw := strings.ReplaceAll(scanner.Text(), "\t", "  ")

		if h := headingRe.FindStringSubmatch(raw); h != nil {
			if len(h[1]) >= 2 {
				section = strings.TrimSpace(h[2])
				order = 0
			}
			stack = stack[:0]
			last = nil
			continue
		}

		if d := descRe.FindStringSubmatch(raw); d != nil && last != nil && len(d[1]) > lastInd {
			if last.Description != "" {
				last.Description += "\n"
			}
			last.Description += d[2]
			continue
		}

		t := taskRe.FindStringSubmatch(raw)
		if t == nil {
			last = nil
			continue
		}

		indent := len(t[1])
		task, err := m.parseTaskText(t[3])
		if err != nil {
			warnings = append(warnings, Warning{Line: lineNum, Text: raw, Reason: err.Error()})
			last = nil
			continue
		}
		task.Status = markerStatus(t[2])
		task.Section = section
		task.Order = order
		order++

		for len(stack) > 0 && stack[len(stack)-1].indent >= indent {
			stack = stack[:len(stack)-1]
		}
		if task.ParentID == "" && len(stack) > 0 {
			parent := stack[len(stack)-1]
			task.ParentID = parent.task.ID
			if task.ParentID == "" {
				task.ParentID = parentRefPrefix + strconv.Itoa(parent.index)
			}
		}
		stack = append(stack, stackEntry{indent: indent, index: len(tasks), task: task})

		task.Normalize()
		tasks = append(tasks, task)
		last = task
		lastInd = indent
	}

	if err := scanner.Err(); err != nil {
		warnings = append(warnings, Warning{Line: lineNum + 1, Reason: err.Error()})
	}

	return tasks, warnings
}

// parseTaskText extracts tokens and metadata from the text after the marker.
func (m *Markdown) parseTaskText(text string) (*schema.Task, error) {
	task := &schema.Task{}

	if meta := metaRe.FindStringSubmatch(text); meta != nil {
		for _, field := range strings.Fields(meta[1]) {
			key, value, ok := strings.Cut(field, ":")
			if !ok {
				continue
			}
			switch key {
			case "id":
				task.ID = value
			case "parent":
				task.ParentID = value
			}
		}
		text = text[:len(text)-len(meta[0])]
	}

	if p := duePhrase.FindStringSubmatch(text); p != nil {
		due, err := m.resolvePhrase(p[1])
		if err != nil {
			return nil, err
		}
		task.DueDate = due
		text = strings.Replace(text, strings.TrimSpace(p[0]), "", 1)
	} else if w := dueWord.FindStringSubmatch(text); w != nil {
		due, err := schema.ParseDue(w[1])
		if err != nil {
			due, err = m.resolvePhrase(w[1])
			if err != nil {
				return nil, err
			}
		}
		task.DueDate = due
		text = strings.Replace(text, strings.TrimSpace(w[0]), "", 1)
	}

	if p := prioRe.FindStringSubmatch(text); p != nil {
		task.Priority = schema.Priority(p[1])
		text = prioRe.ReplaceAllString(text, " ")
	}

	for _, tag := range tagRe.FindAllStringSubmatch(text, -1) {
		task.Tags = append(task.Tags, tag[1])
	}
	text = tagRe.ReplaceAllString(text, " ")

	if archRe.MatchString(text) {
		task.Archived = true
		text = archRe.ReplaceAllString(text, " ")
	}

	task.Title = unescapeTitle(strings.TrimSpace(spaceRe.ReplaceAllString(text, " ")))
	if task.Title == "" {
		return nil, fmt.Errorf("empty title")
	}
	return task, nil
}

// ResolveDue parses a due value the way a due: token is parsed: a date,
// RFC3339, or a natural phrase such as "next friday". Empty yields nil.
func (m *Markdown) ResolveDue(s string) (*time.Time, error) {
	if due, err := schema.ParseDue(s); err == nil {
		return due, nil
	}
	return m.resolvePhrase(s)
}

// resolvePhrase turns "tomorrow" or "next friday" into a UTC date.
func (m *Markdown) resolvePhrase(phrase string) (*time.Time, error) {
	r, err := m.dates.Parse(phrase, m.now())
	if err != nil {
		return nil, fmt.Errorf("invalid due date %q: %w", phrase, err)
	}
	if r == nil {
		return nil, fmt.Errorf("invalid due date %q", phrase)
	}
	d := time.Date(r.Time.Year(), r.Time.Month(), r.Time.Day(), 0, 0, 0, 0, time.UTC)
	return &d, nil
}

func escapeTitle(title string) string {
	return escapeRe.ReplaceAllString(title, `${1}\${2}`)
}

func unescapeTitle(title string) string {
	return unescapeRe.ReplaceAllString(title, `${1}${2}`)
}

func markerStatus(marker string) schema.Status {
	switch marker {
	case "x", "X":
		return schema.StatusCompleted
	case "/", "~":
		return schema.StatusInProgress
	default:
		return schema.StatusPending
	}
}

func statusMarker(s schema.Status) string {
	switch s {
	case schema.StatusCompleted:
		return "x"
	case schema.StatusInProgress:
		return "/"
	default:
		return " "
	}
}

// Serialize renders tasks deterministically: unsectioned tasks first, then one
// "## " heading per section, each ordered by Order. Subtasks whose parent is
// rendered earlier in the same section are indented beneath it.
func (m *Markdown) Serialize(tasks []*schema.Task) string {
	sorted := make([]*schema.Task, 0, len(tasks))
	for _, t := range tasks {
		if t != nil {
			sorted = append(sorted, t)
		}
	}
	schema.SortForFile(sorted)

	var b strings.Builder
	depth := make(map[string]int, len(sorted))
	section := ""
	first := true
	for _, t := range sorted {
		if t.Section != section || (first && t.Section != "") {
			if !first {
				b.WriteString("\n")
			}
			fmt.Fprintf(&b, "## %s\n\n", t.Section)
			section = t.Section
			depth = make(map[string]int)
		}
		first = false

		level := 0
		if d, ok := depth[t.ParentID]; ok && t.ParentID != "" {
			level = d + 1
		}
		if t.ID != "" {
			depth[t.ID] = level
		}
		writeTask(&b, t, strings.Repeat("  ", level))
	}
	return b.String()
}

func writeTask(b *strings.Builder, t *schema.Task, indent string) {
	fmt.Fprintf(b, "%s- [%s] %s", indent, statusMarker(t.Status), escapeTitle(t.Title))
	if t.Priority != "" && t.Priority != schema.PriorityMedium {
		fmt.Fprintf(b, " !%s", t.Priority)
	}
	for _, tag := range schema.NormalizeTags(t.Tags) {
		fmt.Fprintf(b, " #%s", tag)
	}
	if due := schema.FormatDue(t.DueDate); due != "" {
		fmt.Fprintf(b, " due:%s", due)
	}
	if t.Archived {
		b.WriteString(" @archived")
	}
	if t.ID != "" || t.ParentID != "" {
		b.WriteString(" <!--")
		if t.ID != "" {
			fmt.Fprintf(b, " id:%s", t.ID)
		}
		if t.ParentID != "" {
			fmt.Fprintf(b, " parent:%s", t.ParentID)
		}
		b.WriteString(" -->")
	}
	b.WriteString("\n")
	if t.Description != "" {
		for _, line := range strings.Split(t.Description, "\n") {
			fmt.Fprintf(b, "%s  > %s\n", indent, line)
		}
	}
}
