package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/tasksync/internal/schema"
	"github.com/mschirtzinger/tasksync/internal/store"
	"github.com/mschirtzinger/tasksync/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show the task file, store and last sync",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		e := mustOpenEnv(ctx)
		defer e.Close()

		fmt.Println(ui.RenderHeader("Task file"))
		info, err := e.files.Stat(ctx, cfg.File)
		switch {
		case err == nil:
			fmt.Printf("  %s  %s, modified %s\n", cfg.File, ui.Bytes(info.Size()), ui.RelativeTime(info.ModTime()))
		case errors.Is(err, os.ErrNotExist):
			fmt.Printf("  %s  %s\n", cfg.File, ui.RenderWarn("missing"))
		default:
			fmt.Printf("  %s  %s\n", cfg.File, ui.RenderFail(err.Error()))
		}

		fmt.Println(ui.RenderHeader("Store"))
		total, err := e.db.Count(ctx)
		if err != nil {
			e.Close()
			fatalf("Error: %v", err)
		}
		fmt.Printf("  %s  %d task(s)", cfg.DBPath, total)
		for _, s := range []schema.Status{schema.StatusPending, schema.StatusInProgress, schema.StatusCompleted} {
			tasks, err := e.db.Query(ctx, store.Filter{Status: s}, store.QueryOptions{})
			if err != nil {
				e.Close()
				fatalf("Error: %v", err)
			}
			fmt.Printf(", %d %s", len(tasks), s)
		}
		fmt.Println()

		fmt.Println(ui.RenderHeader("Sync"))
		fmt.Printf("  direction %s, strategy %s, policy %s\n", cfg.Direction, cfg.Strategy, cfg.Policy)
		history, err := e.coord.History(ctx, 1)
		if err != nil {
			e.Close()
			fatalf("Error: %v", err)
		}
		if len(history) == 0 {
			fmt.Printf("  last sync %s\n", ui.RenderMuted("never"))
		} else {
			last := history[0]
			outcome := ui.RenderPass("ok")
			if !last.Success {
				outcome = ui.RenderFail("failed: " + last.Error)
			}
			fmt.Printf("  last sync %s (%s) %s\n", ui.RelativeTime(last.CompletedAt), last.Direction, outcome)
		}

		pending, err := e.coord.PendingConflicts(ctx)
		if err != nil {
			e.Close()
			fatalf("Error: %v", err)
		}
		if len(pending) > 0 {
			fmt.Printf("  %s\n", ui.RenderWarn(fmt.Sprintf("%d conflict(s) awaiting a decision", len(pending))))
		} else {
			fmt.Printf("  %s\n", ui.RenderMuted("no pending conflicts"))
		}
	},
}

var historyCmd = &cobra.Command{
	Use:     "history",
	GroupID: "sync",
	Short:   "List recent sync passes",
	Run: func(cmd *cobra.Command, args []string) {
		limit, _ := cmd.Flags().GetInt("limit")

		ctx := context.Background()
		e := mustOpenEnv(ctx)
		defer e.Close()

		entries, err := e.coord.History(ctx, limit)
		if err != nil {
			e.Close()
			fatalf("Error: %v", err)
		}
		if len(entries) == 0 {
			fmt.Println("No sync history yet.")
			return
		}

		rows := make([][]string, 0, len(entries))
		for _, en := range entries {
			result := ui.RenderPass("ok")
			if !en.Success {
				result = ui.RenderFail("failed")
			}
			rows = append(rows, []string{
				ui.RelativeTime(en.CompletedAt),
				string(en.Direction),
				strconv.Itoa(en.Created),
				strconv.Itoa(en.Updated),
				strconv.Itoa(en.Deleted),
				strconv.Itoa(en.ConflictsDetected),
				strconv.FormatInt(en.DurationMs, 10) + "ms",
				result,
			})
		}
		fmt.Println(ui.Table([]string{"When", "Direction", "Created", "Updated", "Deleted", "Conflicts", "Took", "Result"}, rows))
	},
}

func init() {
	historyCmd.Flags().IntP("limit", "n", 20, "Number of passes to show (0 for all)")

	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(historyCmd)
}
