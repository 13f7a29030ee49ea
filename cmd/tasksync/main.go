// Command tasksync keeps a markdown checklist and a SQLite task store in sync.
package main

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/mschirtzinger/tasksync/internal/config"
)

// annotation set on commands that log to stderr without --verbose
const logToStderr = "log-stderr"

var (
	v         = config.NewViper()
	cfg       *config.Config
	logOutput io.Writer = io.Discard
	logFile   *lumberjack.Logger
)

var rootCmd = &cobra.Command{
	Use:   "tasksync",
	Short: "Keep a markdown checklist and a task database in sync",
	Long: `tasksync syncs a markdown checklist file with a local SQLite task store.

Edit tasks in either place: file edits are imported into the store, store
edits are written back to the file, and tasks both sides changed are merged
field by field. Run "tasksync watch" to keep both sides in sync continuously.

Configuration is read from .tasksync.yaml, .tasksync.yml or .tasksync.toml in
the working directory (or --config), then TASKSYNC_* environment variables,
then flags.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if cmd.Annotations["skip-config"] == "true" {
			return
		}
		path, _ := cmd.Flags().GetString("config")
		loaded, err := config.LoadViper(v, path)
		if err != nil {
			fatalf("Error loading configuration: %v", err)
		}
		cfg = loaded
		setupLogging(cmd)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logFile != nil {
			_ = logFile.Close()
		}
	},
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync Commands:"},
		&cobra.Group{ID: "tasks", Title: "Task Commands:"},
		&cobra.Group{ID: "maintenance", Title: "Maintenance Commands:"},
	)

	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "Config file (default: .tasksync.yaml in the working directory)")
	flags.String("file", "", "Markdown task file")
	flags.String("db", "", "SQLite task store")
	flags.String("log-file", "", "Also write logs to this file, rotated")
	flags.BoolP("verbose", "v", false, "Log sync activity to stderr")

	_ = v.BindPFlag("file", flags.Lookup("file"))
	_ = v.BindPFlag("db_path", flags.Lookup("db"))
	_ = v.BindPFlag("log_file", flags.Lookup("log-file"))
}

// setupLogging routes component logs to stderr (with --verbose or for
// long-running commands) and to the rotating log file when configured.
func setupLogging(cmd *cobra.Command) {
	var sinks []io.Writer
	verbose, _ := cmd.Flags().GetBool("verbose")
	if verbose || cmd.Annotations[logToStderr] == "true" {
		sinks = append(sinks, os.Stderr)
	}
	if cfg.LogFile != "" {
		logFile = &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    10, // megabytes
			MaxBackups: 5,
			MaxAge:     28, // days
		}
		sinks = append(sinks, logFile)
	}
	switch len(sinks) {
	case 0:
		logOutput = io.Discard
	case 1:
		logOutput = sinks[0]
	default:
		logOutput = io.MultiWriter(sinks...)
	}
}

// newLogger returns a logger for one component.
func newLogger(component string) *log.Logger {
	return log.New(logOutput, "["+component+"] ", log.LstdFlags)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	if logFile != nil {
		_ = logFile.Close()
	}
	os.Exit(1)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
