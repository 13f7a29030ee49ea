package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/tasksync/internal/coordinator"
	"github.com/mschirtzinger/tasksync/internal/schema"
	"github.com/mschirtzinger/tasksync/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Run one sync pass in each configured direction",
	Long: `Run a single sync between the task file and the store.

The file is imported first, then the store is written back to the file.
--direction limits the run to one pass; it must be allowed by the configured
direction.

Examples:
  tasksync sync                          # both directions
  tasksync sync --direction file_to_app  # import the file only
  tasksync sync --dry-run                # show what would change`,
	Run: func(cmd *cobra.Command, args []string) {
		direction, _ := cmd.Flags().GetString("direction")
		if dryRun, _ := cmd.Flags().GetBool("dry-run"); dryRun {
			cfg.DryRun = true
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		e := mustOpenEnv(ctx)
		defer e.Close()

		var (
			results []*coordinator.Result
			err     error
		)
		switch schema.Direction(direction) {
		case "", schema.DirectionBidirectional:
			results, err = e.coord.Sync(ctx)
		case schema.DirectionFileToApp:
			var res *coordinator.Result
			if res, err = e.coord.SyncFileToApp(ctx); res != nil {
				results = append(results, res)
			}
		case schema.DirectionAppToFile:
			var res *coordinator.Result
			if res, err = e.coord.SyncAppToFile(ctx); res != nil {
				results = append(results, res)
			}
		default:
			fatalf("Error: unknown direction %q", direction)
		}

		for _, res := range results {
			printResult(res)
		}
		if err != nil {
			e.Close()
			fatalf("Error: sync failed: %v", err)
		}
	},
}

func printResult(res *coordinator.Result) {
	label := ui.RenderAccent(string(res.Direction))
	if res.Skipped {
		fmt.Printf("%s %s\n", label, ui.RenderMuted("unchanged"))
		return
	}

	en := res.Entry
	summary := fmt.Sprintf("%d created, %d updated, %d deleted", en.Created, en.Updated, en.Deleted)
	if en.Skipped > 0 {
		summary += fmt.Sprintf(", %d skipped", en.Skipped)
	}
	if en.Dropped > 0 {
		summary += ", " + ui.RenderWarn(fmt.Sprintf("%d dropped", en.Dropped))
	}
	if res.DryRun {
		summary += " " + ui.RenderWarn("(dry run)")
	}
	fmt.Printf("%s %s %s\n", ui.RenderPass("✓"), label, summary)

	pending := 0
	for _, cf := range res.Conflicts {
		if !cf.Resolved {
			pending++
		}
	}
	if len(res.Conflicts) > 0 {
		fmt.Printf("  %d conflict(s), %d resolved automatically\n", len(res.Conflicts), len(res.Conflicts)-pending)
	}
	if pending > 0 {
		fmt.Printf("  %s run %s to decide\n", ui.RenderWarn(fmt.Sprintf("%d awaiting a decision;", pending)), ui.RenderAccent("tasksync conflicts resolve"))
	}
}

func init() {
	syncCmd.Flags().String("direction", "", "Limit to one pass: file_to_app or app_to_file")
	syncCmd.Flags().Bool("dry-run", false, "Compute changes without writing the store or the file")

	rootCmd.AddCommand(syncCmd)
}
