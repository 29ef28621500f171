package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/lobster-hep/lobster/internal/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Load the configuration and check the workflow dependency graph for cycles",
	Run: func(cmd *cobra.Command, args []string) {
		if configPath == "" {
			fmt.Fprintln(os.Stderr, "validate: --config is required")
			os.Exit(2)
		}
		cfg, err := config.Load(configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "validate:", err)
			os.Exit(2)
		}
		fmt.Printf("%s: %d workflow(s), %d categor(y/ies) - OK\n", cfg.Label, len(cfg.Workflows), len(cfg.Categories))
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}
