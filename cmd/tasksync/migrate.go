package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/tasksync/internal/migrate"
	"github.com/mschirtzinger/tasksync/internal/ui"
)

var exportCmd = &cobra.Command{
	Use:     "export <path.jsonl>",
	GroupID: "maintenance",
	Short:   "Dump the task store to a JSONL file",
	Args:    cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		e := mustOpenEnv(ctx)
		defer e.Close()

		n, err := migrate.Export(ctx, e.db, args[0])
		if err != nil {
			e.Close()
			fatalf("Error: %v", err)
		}
		fmt.Printf("%s Exported %d task(s) to %s\n", ui.RenderPass("✓"), n, args[0])
	},
}

var importCmd = &cobra.Command{
	Use:     "import <path.jsonl>",
	GroupID: "maintenance",
	Short:   "Load tasks from a JSONL dump into the store",
	Long: `Load tasks from a JSONL dump (as written by "tasksync export") into the store
and write them to the task file.

Tasks that already exist are skipped unless --overwrite is given. Invalid
lines are reported and skipped.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		overwrite, _ := cmd.Flags().GetBool("overwrite")

		ctx := context.Background()
		e := mustOpenEnv(ctx)
		defer e.Close()

		result, err := migrate.Import(ctx, e.db, migrate.ImportOptions{
			Path:      args[0],
			DryRun:    dryRun,
			Overwrite: overwrite,
		})
		if err != nil {
			e.Close()
			fatalf("Error: %v", err)
		}

		for _, msg := range result.Errors {
			fmt.Printf("%s %s\n", ui.RenderWarn("!"), msg)
		}
		summary := fmt.Sprintf("%d created, %d updated, %d skipped", result.Created, result.Updated, result.Skipped)
		if dryRun {
			fmt.Printf("%s %s\n", ui.RenderWarn("(dry run)"), summary)
			return
		}
		fmt.Printf("%s Imported %s: %s\n", ui.RenderPass("✓"), args[0], summary)

		if err := e.pushToFile(ctx); err != nil {
			fmt.Printf("%s writing %s failed: %v\n", ui.RenderWarn("!"), cfg.File, err)
		}
	},
}

func init() {
	importCmd.Flags().Bool("dry-run", false, "Validate and count without writing")
	importCmd.Flags().Bool("overwrite", false, "Replace tasks that already exist")

	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(importCmd)
}
