package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/lobster-hep/lobster/internal/config"
	"github.com/lobster-hep/lobster/internal/store"
	"github.com/lobster-hep/lobster/internal/telemetry"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print store-level aggregate counters for a run",
	Run: func(cmd *cobra.Command, args []string) {
		if configPath == "" {
			fmt.Fprintln(os.Stderr, "stats: --config is required")
			os.Exit(2)
		}
		cfg, err := config.Load(configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "stats:", err)
			os.Exit(2)
		}

		ctx := context.Background()
		st, err := store.Open(filepath.Join(cfg.Workdir, "lobster.db"), store.Options{
			Meter: telemetry.Meter(cfg.Label), RetryLimit: cfg.Advanced.RetryLimit,
		})
		if err != nil {
			fmt.Fprintln(os.Stderr, "stats:", err)
			os.Exit(1)
		}
		defer st.Close()

		left, err := st.UnfinishedUnits(ctx)
		if err != nil {
			fmt.Fprintln(os.Stderr, "stats:", err)
			os.Exit(1)
		}
		tasksLeft, err := st.EstimateTasksLeft(ctx)
		if err != nil {
			fmt.Fprintln(os.Stderr, "stats:", err)
			os.Exit(1)
		}
		merged, err := st.Merged(ctx)
		if err != nil {
			fmt.Fprintln(os.Stderr, "stats:", err)
			os.Exit(1)
		}

		failed, err := st.FailedUnits(ctx)
		if err != nil {
			fmt.Fprintln(os.Stderr, "stats:", err)
			os.Exit(1)
		}
		skipped, err := st.SkippedFiles(ctx)
		if err != nil {
			fmt.Fprintln(os.Stderr, "stats:", err)
			os.Exit(1)
		}

		fmt.Printf("unfinished units: %d\n", left)
		fmt.Printf("estimated tasks left: %.1f\n", tasksLeft)
		fmt.Printf("fully merged: %v\n", merged)
		for _, wf := range st.Workflows() {
			report, err := st.WorkflowStatus(ctx, wf.Label)
			if err != nil {
				fmt.Fprintln(os.Stderr, "stats:", err)
				os.Exit(1)
			}
			fmt.Printf("  %-24s total_units=%-8d events_processed=%-10d failed=%-4d paused=%-4d skipped_files=%-4d tasks_left=%-6.1f complete=%v\n",
				wf.Label, wf.TotalUnits, wf.EventsProcessed, failed[wf.Label], report.PausedUnits, len(skipped[wf.Label]), report.TasksLeft, report.Complete)
		}
	},
}

func init() {
	rootCmd.AddCommand(statsCmd)
}
