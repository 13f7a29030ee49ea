package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/mschirtzinger/tasksync/internal/conflict"
	"github.com/mschirtzinger/tasksync/internal/merge"
	"github.com/mschirtzinger/tasksync/internal/schema"
	"github.com/mschirtzinger/tasksync/internal/ui"
)

var conflictsCmd = &cobra.Command{
	Use:     "conflicts",
	GroupID: "sync",
	Short:   "List and resolve conflicts awaiting a decision",
}

var conflictsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending conflicts",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		e := mustOpenEnv(ctx)
		defer e.Close()

		pending, err := e.coord.PendingConflicts(ctx)
		if err != nil {
			e.Close()
			fatalf("Error: %v", err)
		}
		if len(pending) == 0 {
			fmt.Println(ui.RenderPass("No pending conflicts."))
			return
		}

		advisor := conflict.NewResolver(conflict.Config{Logger: newLogger("conflict")})
		rows := make([][]string, 0, len(pending))
		for _, cf := range pending {
			s := advisor.Suggest(cf)
			rows = append(rows, []string{
				cf.ID,
				taskTitle(cf),
				string(cf.Type),
				ui.RelativeTime(cf.DetectedAt),
				fmt.Sprintf("%s (%.0f%%)", s.Policy, s.Confidence*100),
			})
		}
		fmt.Println(ui.Table([]string{"ID", "Task", "Type", "Detected", "Suggested"}, rows))
	},
}

var conflictsResolveCmd = &cobra.Command{
	Use:   "resolve [conflict-id]",
	Short: "Decide a pending conflict",
	Long: `Decide a pending conflict and write the result to the store and the file.

--use picks the file version, the app version, or a field-by-field merge of
both. Without --use on a terminal, an interactive picker shows both versions.
Without a conflict id, the picker lists every pending conflict.

Examples:
  tasksync conflicts resolve 6f1c... --use file
  tasksync conflicts resolve`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		use, _ := cmd.Flags().GetString("use")

		ctx := context.Background()
		e := mustOpenEnv(ctx)
		defer e.Close()

		pending, err := e.coord.PendingConflicts(ctx)
		if err != nil {
			e.Close()
			fatalf("Error: %v", err)
		}

		var cf *conflict.Conflict
		switch {
		case len(args) == 1:
			for _, p := range pending {
				if p.ID == args[0] {
					cf = p
				}
			}
			if cf == nil {
				e.Close()
				fatalf("Error: no pending conflict %s", args[0])
			}
		case len(pending) == 0:
			fmt.Println(ui.RenderPass("No pending conflicts."))
			return
		case ui.IsInteractive():
			if cf, err = pickConflict(pending); err != nil {
				e.Close()
				fatalf("Error: %v", err)
			}
		default:
			e.Close()
			fatalf("Error: a conflict id is required when not running in a terminal")
		}

		if use == "" {
			if !ui.IsInteractive() {
				e.Close()
				fatalf("Error: --use is required when not running in a terminal")
			}
			if use, err = pickSide(cf); err != nil {
				e.Close()
				fatalf("Error: %v", err)
			}
		}

		method, task, err := decision(cf, use)
		if err != nil {
			e.Close()
			fatalf("Error: %v", err)
		}

		res, err := e.coord.ResolveConflict(ctx, cf.ID, method, task)
		if err != nil {
			e.Close()
			fatalf("Error: %v", err)
		}
		if err := e.pushToFile(ctx); err != nil {
			fmt.Printf("%s resolved, but writing %s failed: %v\n", ui.RenderWarn("!"), cfg.File, err)
			return
		}

		if res.MergedTask == nil {
			fmt.Printf("%s Resolved %s: task deleted\n", ui.RenderPass("✓"), cf.ID)
			return
		}
		fmt.Printf("%s Resolved %s with %s\n  %s\n", ui.RenderPass("✓"), cf.ID, res.Method, ui.TaskLine(res.MergedTask))
	},
}

// decision maps a --use value to a resolution method and, for merge, the
// merged task.
func decision(cf *conflict.Conflict, use string) (conflict.Method, *schema.Task, error) {
	switch use {
	case "file":
		return conflict.MethodUseFile, nil, nil
	case "app":
		return conflict.MethodUseApp, nil, nil
	case "merge":
		if cf.FileVersion == nil || cf.AppVersion == nil {
			return "", nil, fmt.Errorf("one side deleted the task; choose file or app")
		}
		res := merge.New().Merge(cf.BaseVersion, cf.FileVersion, cf.AppVersion, merge.PolicyMerge)
		return conflict.MethodManualMerge, res.Merged, nil
	}
	return "", nil, fmt.Errorf("unknown choice %q (want file, app or merge)", use)
}

func pickConflict(pending []*conflict.Conflict) (*conflict.Conflict, error) {
	options := make([]huh.Option[int], len(pending))
	for i, cf := range pending {
		options[i] = huh.NewOption(fmt.Sprintf("%s  %s (%s)", cf.ID[:min(8, len(cf.ID))], taskTitle(cf), cf.Type), i)
	}

	var idx int
	err := huh.NewSelect[int]().
		Title("Which conflict?").
		Options(options...).
		Value(&idx).
		Run()
	if err != nil {
		return nil, abortErr(err)
	}
	return pending[idx], nil
}

func pickSide(cf *conflict.Conflict) (string, error) {
	options := []huh.Option[string]{
		huh.NewOption("File: "+describeVersion(cf.FileVersion), "file"),
		huh.NewOption("App:  "+describeVersion(cf.AppVersion), "app"),
	}
	if cf.FileVersion != nil && cf.AppVersion != nil {
		options = append(options, huh.NewOption("Merge both, field by field", "merge"))
	}

	suggestion := conflict.NewResolver(conflict.Config{Logger: newLogger("conflict")}).Suggest(cf)

	var use string
	err := huh.NewForm(huh.NewGroup(
		huh.NewNote().
			Title(fmt.Sprintf("Conflict on %q", taskTitle(cf))).
			Description(fmt.Sprintf("Suggested: %s (%s)", suggestion.Policy, suggestion.Reason)),
		huh.NewSelect[string]().
			Title("Keep which version?").
			Options(options...).
			Value(&use),
	)).Run()
	if err != nil {
		return "", abortErr(err)
	}
	return use, nil
}

func abortErr(err error) error {
	if errors.Is(err, huh.ErrUserAborted) {
		return fmt.Errorf("cancelled")
	}
	return err
}

func describeVersion(t *schema.Task) string {
	if t == nil {
		return "deleted"
	}
	return strings.TrimSpace(ui.TaskLine(t))
}

func taskTitle(cf *conflict.Conflict) string {
	for _, t := range []*schema.Task{cf.FileVersion, cf.AppVersion, cf.BaseVersion} {
		if t != nil {
			return t.Title
		}
	}
	return cf.TaskID
}

func init() {
	conflictsResolveCmd.Flags().String("use", "", "Resolution: file, app or merge")

	conflictsCmd.AddCommand(conflictsListCmd)
	conflictsCmd.AddCommand(conflictsResolveCmd)
	rootCmd.AddCommand(conflictsCmd)
}
