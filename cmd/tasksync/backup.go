package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/tasksync/internal/backup"
	"github.com/mschirtzinger/tasksync/internal/ui"
)

var backupCmd = &cobra.Command{
	Use:     "backup",
	GroupID: "maintenance",
	Short:   "Manage snapshots taken before the task file is overwritten",
}

func backupManager() *backup.Manager {
	return backup.New(backup.Config{
		Dir:           cfg.BackupDirFor(),
		RetentionDays: cfg.BackupRetentionDays,
		Logger:        newLogger("backup"),
	})
}

var backupListCmd = &cobra.Command{
	Use:   "list",
	Short: "List snapshots, newest first",
	Run: func(cmd *cobra.Command, args []string) {
		backups, err := backupManager().List()
		if err != nil {
			fatalf("Error: %v", err)
		}
		if len(backups) == 0 {
			fmt.Printf("No backups in %s\n", cfg.BackupDirFor())
			return
		}

		rows := make([][]string, 0, len(backups))
		for _, b := range backups {
			rows = append(rows, []string{b.Name, ui.RelativeTime(b.CreatedAt), ui.Bytes(b.Size)})
		}
		fmt.Println(ui.Table([]string{"Name", "Created", "Size"}, rows))
	},
}

var backupPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove snapshots older than the retention period",
	Run: func(cmd *cobra.Command, args []string) {
		if cfg.BackupRetentionDays == 0 {
			fmt.Println("Retention is disabled (backup_retention_days: 0); nothing pruned.")
			return
		}
		removed, err := backupManager().Prune()
		if err != nil {
			fatalf("Error: %v", err)
		}
		fmt.Printf("%s Removed %d backup(s) older than %d day(s)\n", ui.RenderPass("✓"), removed, cfg.BackupRetentionDays)
	},
}

var backupRestoreCmd = &cobra.Command{
	Use:   "restore <name>",
	Short: "Copy a snapshot over the task file",
	Long: `Copy a snapshot over the task file. The current file is snapshotted first,
so a restore can itself be undone. The next sync imports the restored content.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		m := backupManager()
		if _, err := os.Stat(cfg.File); err == nil {
			if _, err := m.Snapshot(cfg.File); err != nil {
				fatalf("Error: failed to snapshot current file: %v", err)
			}
		}
		if err := m.Restore(args[0], cfg.File); err != nil {
			fatalf("Error: %v", err)
		}
		fmt.Printf("%s Restored %s from %s\n", ui.RenderPass("✓"), cfg.File, args[0])
	},
}

func init() {
	backupCmd.AddCommand(backupListCmd)
	backupCmd.AddCommand(backupPruneCmd)
	backupCmd.AddCommand(backupRestoreCmd)
	rootCmd.AddCommand(backupCmd)
}
