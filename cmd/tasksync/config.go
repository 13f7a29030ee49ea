package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/tasksync/internal/config"
	"github.com/mschirtzinger/tasksync/internal/ui"
)

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "maintenance",
	Short:   "Create or show the configuration",
}

var configInitCmd = &cobra.Command{
	Use:         "init [path]",
	Short:       "Write a default configuration file",
	Long:        `Write the default configuration to path (default .tasksync.yaml). A .toml path writes TOML. Existing files are never overwritten.`,
	Args:        cobra.MaximumNArgs(1),
	Annotations: map[string]string{"skip-config": "true"},
	Run: func(cmd *cobra.Command, args []string) {
		path := config.DefaultFileNames[0]
		if len(args) == 1 {
			path = args[0]
		}
		if err := config.WriteDefault(path); err != nil {
			if errors.Is(err, os.ErrExist) {
				fatalf("Error: %s already exists", path)
			}
			fatalf("Error: %v", err)
		}
		fmt.Printf("%s Wrote %s\n", ui.RenderPass("✓"), path)
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long:  `Print the configuration after applying the config file, TASKSYNC_* environment variables and flags.`,
	Run: func(cmd *cobra.Command, args []string) {
		format, _ := cmd.Flags().GetString("format")
		data, err := config.Marshal(cfg, format)
		if err != nil {
			fatalf("Error: %v", err)
		}
		fmt.Print(string(data))
	},
}

func init() {
	configShowCmd.Flags().String("format", "yaml", "Output format: yaml or toml")

	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(configCmd)
}
