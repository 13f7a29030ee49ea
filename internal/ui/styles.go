// Package ui renders terminal output for the tasksync CLI.
package ui

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/muesli/termenv"
	"golang.org/x/term"

	"github.com/mschirtzinger/tasksync/internal/schema"
)

// Semantic colors, adapted to light and dark terminals.
var (
	ColorPass   = lipgloss.AdaptiveColor{Light: "#2e7d32", Dark: "#9ccc65"}
	ColorWarn   = lipgloss.AdaptiveColor{Light: "#b26a00", Dark: "#ffca28"}
	ColorFail   = lipgloss.AdaptiveColor{Light: "#c62828", Dark: "#ef5350"}
	ColorAccent = lipgloss.AdaptiveColor{Light: "#1565c0", Dark: "#64b5f6"}
	ColorMuted  = lipgloss.AdaptiveColor{Light: "#757575", Dark: "#9e9e9e"}
)

var (
	PassStyle   = lipgloss.NewStyle().Foreground(ColorPass)
	WarnStyle   = lipgloss.NewStyle().Foreground(ColorWarn)
	FailStyle   = lipgloss.NewStyle().Foreground(ColorFail)
	AccentStyle = lipgloss.NewStyle().Foreground(ColorAccent)
	MutedStyle  = lipgloss.NewStyle().Foreground(ColorMuted)
	HeaderStyle = lipgloss.NewStyle().Bold(true).Foreground(ColorAccent)
)

func init() {
	if !ShouldUseColor(os.Stdout) {
		lipgloss.SetColorProfile(termenv.Ascii)
	}
}

// ShouldUseColor reports whether output to w should be colored. NO_COLOR
// disables color, CLICOLOR_FORCE enables it, otherwise w must be a terminal.
func ShouldUseColor(w io.Writer) bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	if os.Getenv("CLICOLOR_FORCE") != "" {
		return true
	}
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// IsInteractive reports whether stdin and stdout are both terminals.
func IsInteractive() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))
}

func RenderPass(s string) string   { return PassStyle.Render(s) }
func RenderWarn(s string) string   { return WarnStyle.Render(s) }
func RenderFail(s string) string   { return FailStyle.Render(s) }
func RenderAccent(s string) string { return AccentStyle.Render(s) }
func RenderMuted(s string) string  { return MutedStyle.Render(s) }
func RenderHeader(s string) string { return HeaderStyle.Render(s) }

// RenderStatus renders a task status as its checklist marker.
func RenderStatus(s schema.Status) string {
	switch s {
	case schema.StatusCompleted:
		return RenderPass("[x]")
	case schema.StatusInProgress:
		return RenderWarn("[/]")
	default:
		return "[ ]"
	}
}

// RenderPriority renders a priority, leaving medium unstyled.
func RenderPriority(p schema.Priority) string {
	switch p {
	case schema.PriorityHigh:
		return RenderFail(string(p))
	case schema.PriorityLow:
		return RenderMuted(string(p))
	default:
		return string(p)
	}
}

// RenderBool renders yes or no.
func RenderBool(b bool) string {
	if b {
		return RenderPass("yes")
	}
	return RenderMuted("no")
}

// RelativeTime renders t relative to now, or "never" for the zero time.
func RelativeTime(t time.Time) string {
	if t.IsZero() {
		return RenderMuted("never")
	}
	return humanize.Time(t)
}

// Bytes renders a size in IEC units.
func Bytes(n int64) string {
	if n < 0 {
		n = 0
	}
	return humanize.IBytes(uint64(n))
}

// Table renders rows under headers with a rounded border.
func Table(headers []string, rows [][]string) string {
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(MutedStyle).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return HeaderStyle.Padding(0, 1)
			}
			return lipgloss.NewStyle().Padding(0, 1)
		})
	return t.Render()
}

// TaskLine renders one task as a single checklist line.
func TaskLine(t *schema.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", RenderStatus(t.Status), t.Title)
	if t.Priority != "" && t.Priority != schema.PriorityMedium {
		fmt.Fprintf(&b, " %s", RenderPriority(t.Priority))
	}
	for _, tag := range t.Tags {
		fmt.Fprintf(&b, " %s", RenderAccent("#"+tag))
	}
	if due := schema.FormatDue(t.DueDate); due != "" {
		fmt.Fprintf(&b, " %s", RenderWarn("due "+due))
	}
	fmt.Fprintf(&b, " %s", RenderMuted(t.ID))
	return b.String()
}
