package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/tasksync/internal/daemon"
	"github.com/mschirtzinger/tasksync/internal/dashboard"
	"github.com/mschirtzinger/tasksync/internal/ui"
	"github.com/mschirtzinger/tasksync/internal/watcher"
)

var watchCmd = &cobra.Command{
	Use:         "watch",
	GroupID:     "sync",
	Short:       "Keep the task file and the store in sync until interrupted",
	Annotations: map[string]string{logToStderr: "true"},
	Long: `Run the sync daemon in the foreground.

The daemon takes a lock next to the task file, runs a full sync, then imports
file edits as they happen and writes store changes back to the file. Only one
daemon can sync a given file at a time.

With --dashboard, a WebSocket dashboard streams sync results, errors,
conflicts and statistics:
  ws://<addr>/ws      live messages
  http://<addr>/health

Examples:
  tasksync watch
  tasksync watch --dashboard 127.0.0.1:8080`,
	Run: func(cmd *cobra.Command, args []string) {
		if cmd.Flags().Changed("dashboard") {
			cfg.DashboardAddr, _ = cmd.Flags().GetString("dashboard")
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		e, err := openEnv(cfg)
		if err != nil {
			fatalf("Error: %v", err)
		}
		defer e.Close()

		if cfg.DashboardAddr != "" {
			server := dashboard.NewServer(&dashboard.Config{
				Addr:   cfg.DashboardAddr,
				Logger: newLogger("dashboard"),
			})
			if err := server.Start(); err != nil {
				e.Close()
				fatalf("Error: failed to start dashboard: %v", err)
			}
			defer server.Stop()

			handler := dashboard.NewHandler(server, e.coord, newLogger("dashboard"))
			unsubscribe := e.coord.Subscribe(handler)
			defer unsubscribe()

			fmt.Printf("Dashboard: %s\n", ui.RenderAccent("ws://"+server.Addr()+"/ws"))
		}

		d, err := daemon.New(e.coord, e.db, e.backups, &daemon.Config{
			PollInterval:  cfg.PollInterval(),
			PruneInterval: daemon.DefaultConfig().PruneInterval,
			Watcher: watcher.Config{
				Debounce:      cfg.Debounce(),
				Throttle:      cfg.Throttle(),
				MaxFileSizeMB: cfg.MaxFileSizeMB,
				MaxRetries:    cfg.Retry.MaxAttempts,
				RetryDelay:    cfg.RetryInitial(),
				AllowedRoot:   cfg.AllowedRoot,
				Logger:        newLogger("watcher"),
			},
			Logger: newLogger("daemon"),
		})
		if err != nil {
			e.Close()
			fatalf("Error: %v", err)
		}

		fmt.Printf("%s Syncing %s (%s). Press Ctrl+C to stop.\n", ui.RenderAccent("🔄"), cfg.File, cfg.Direction)

		if err := d.Start(ctx); err != nil {
			if errors.Is(err, daemon.ErrLocked) {
				e.Close()
				fatalf("Error: %s is already being synced by another process", cfg.File)
			}
			e.Close()
			fatalf("Error: %v", err)
		}

		fmt.Println("Stopped.")
	},
}

func init() {
	watchCmd.Flags().String("dashboard", "", "Serve the live dashboard on this address (e.g. 127.0.0.1:8080)")

	rootCmd.AddCommand(watchCmd)
}
