package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/lobster-hep/lobster/internal/config"
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Request termination of a running controller loop",
	Run: func(cmd *cobra.Command, args []string) {
		if configPath == "" {
			fmt.Fprintln(os.Stderr, "stop: --config is required")
			os.Exit(2)
		}
		cfg, err := config.Load(configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "stop:", err)
			os.Exit(2)
		}
		marker := filepath.Join(cfg.Workdir, stopMarkerName)
		if err := os.WriteFile(marker, []byte{}, 0644); err != nil {
			fmt.Fprintln(os.Stderr, "stop:", err)
			os.Exit(1)
		}
		fmt.Println("termination requested; the running controller will cancel in-flight tasks and exit")
	},
}

func init() {
	rootCmd.AddCommand(stopCmd)
}
