package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/lobster-hep/lobster/internal/config"
	"github.com/lobster-hep/lobster/internal/statusfile"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the most recent status.yaml snapshot for a run",
	Run: func(cmd *cobra.Command, args []string) {
		if configPath == "" {
			fmt.Fprintln(os.Stderr, "status: --config is required")
			os.Exit(2)
		}
		cfg, err := config.Load(configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "status:", err)
			os.Exit(2)
		}
		snap, err := statusfile.Read(filepath.Join(cfg.Workdir, "status.yaml"))
		if err != nil {
			fmt.Fprintln(os.Stderr, "status: no snapshot yet:", err)
			os.Exit(1)
		}
		fmt.Printf("%s  updated %s  tasks left %.1f  merged %v  done %v\n",
			snap.Label, snap.UpdatedAt.Format("2006-01-02T15:04:05"), snap.TasksLeft, snap.AllMerged, snap.Done)
		for _, w := range snap.Workflows {
			fmt.Printf("  %-24s %-12s events=%-10d tasks_left=%-6.1f complete=%v\n",
				w.Label, w.Category, w.EventsProcessed, w.TasksLeft, w.Complete)
		}
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
