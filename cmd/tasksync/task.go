package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/mschirtzinger/tasksync/internal/schema"
	"github.com/mschirtzinger/tasksync/internal/store"
	"github.com/mschirtzinger/tasksync/internal/ui"
)

var taskCmd = &cobra.Command{
	Use:     "task",
	GroupID: "tasks",
	Short:   "Add, list and complete tasks in the store",
	Long: `Edit tasks on the app side. Changes are written to the task file right
away when the configured direction includes app_to_file.`,
}

var taskAddCmd = &cobra.Command{
	Use:   "add <title>",
	Short: "Add a task",
	Long: `Add a task to the store.

Examples:
  tasksync task add "Ship release" --priority high --tag ops --due 2024-05-01
  tasksync task add "Pay rent" --due "next friday" --section Home`,
	Args: cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		priority, _ := cmd.Flags().GetString("priority")
		tags, _ := cmd.Flags().GetStringSlice("tag")
		due, _ := cmd.Flags().GetString("due")
		section, _ := cmd.Flags().GetString("section")
		parent, _ := cmd.Flags().GetString("parent")
		description, _ := cmd.Flags().GetString("description")

		ctx := context.Background()
		e := mustOpenEnv(ctx)
		defer e.Close()

		dueDate, err := e.codec.ResolveDue(due)
		if err != nil {
			e.Close()
			fatalf("Error: %v", err)
		}
		order, err := e.db.NextOrder(ctx, section)
		if err != nil {
			e.Close()
			fatalf("Error: %v", err)
		}

		task := &schema.Task{
			ID:          uuid.NewString(),
			Title:       strings.Join(args, " "),
			Status:      schema.StatusPending,
			Priority:    schema.Priority(priority),
			Description: description,
			Tags:        tags,
			Section:     section,
			ParentID:    parent,
			Order:       order,
			DueDate:     dueDate,
		}
		task.Normalize()
		if err := task.Validate(); err != nil {
			e.Close()
			fatalf("Error: invalid task: %v", err)
		}
		if err := e.db.Create(ctx, task); err != nil {
			e.Close()
			fatalf("Error: %v", err)
		}
		if err := e.pushToFile(ctx); err != nil {
			fmt.Printf("%s added, but writing %s failed: %v\n", ui.RenderWarn("!"), cfg.File, err)
		}

		fmt.Printf("%s Added %s\n", ui.RenderPass("✓"), ui.TaskLine(task))
	},
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	Run: func(cmd *cobra.Command, args []string) {
		status, _ := cmd.Flags().GetString("status")
		tag, _ := cmd.Flags().GetString("tag")
		all, _ := cmd.Flags().GetBool("all")

		filter := store.Filter{Status: schema.Status(status), Tag: tag}
		if status != "" && !filter.Status.Valid() {
			fatalf("Error: unknown status %q", status)
		}
		if !all {
			archived := false
			filter.Archived = &archived
		}

		ctx := context.Background()
		e := mustOpenEnv(ctx)
		defer e.Close()

		tasks, err := e.db.Query(ctx, filter, store.QueryOptions{OrderBy: store.OrderFile})
		if err != nil {
			e.Close()
			fatalf("Error: %v", err)
		}
		if len(tasks) == 0 {
			fmt.Println("No tasks.")
			return
		}

		for i, t := range tasks {
			if t.Section != "" && (i == 0 || t.Section != tasks[i-1].Section) {
				fmt.Println(ui.RenderHeader(t.Section))
			}
			indent := ""
			if t.ParentID != "" {
				indent = "  "
			}
			fmt.Println(indent + ui.TaskLine(t))
		}
	},
}

var taskDoneCmd = &cobra.Command{
	Use:   "done <id>...",
	Short: "Mark tasks completed",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		e := mustOpenEnv(ctx)
		defer e.Close()

		for _, id := range args {
			task, err := e.db.Get(ctx, id)
			if errors.Is(err, store.ErrNotFound) {
				fmt.Printf("%s no task %s\n", ui.RenderWarn("!"), id)
				continue
			}
			if err != nil {
				e.Close()
				fatalf("Error: %v", err)
			}
			if task.Status == schema.StatusCompleted {
				fmt.Printf("%s already done\n", ui.TaskLine(task))
				continue
			}
			task.Status = schema.StatusCompleted
			if err := e.db.Update(ctx, task); err != nil {
				e.Close()
				fatalf("Error: %v", err)
			}
			fmt.Printf("%s %s\n", ui.RenderPass("✓"), ui.TaskLine(task))
		}

		if err := e.pushToFile(ctx); err != nil {
			fmt.Printf("%s writing %s failed: %v\n", ui.RenderWarn("!"), cfg.File, err)
		}
	},
}

func init() {
	taskAddCmd.Flags().StringP("priority", "p", string(schema.PriorityMedium), "Priority: low, medium or high")
	taskAddCmd.Flags().StringSliceP("tag", "t", nil, "Tag (repeatable)")
	taskAddCmd.Flags().String("due", "", "Due date: 2024-05-01, RFC3339 or a phrase like \"next friday\"")
	taskAddCmd.Flags().String("section", "", "Section heading to file the task under")
	taskAddCmd.Flags().String("parent", "", "Parent task id")
	taskAddCmd.Flags().StringP("description", "d", "", "Description")

	taskListCmd.Flags().String("status", "", "Only tasks with this status")
	taskListCmd.Flags().String("tag", "", "Only tasks with this tag")
	taskListCmd.Flags().BoolP("all", "a", false, "Include archived tasks")

	taskCmd.AddCommand(taskAddCmd)
	taskCmd.AddCommand(taskListCmd)
	taskCmd.AddCommand(taskDoneCmd)
	rootCmd.AddCommand(taskCmd)
}
