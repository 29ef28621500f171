// Command lobster runs and inspects task-provisioning controller runs.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "lobster",
	Short: "lobster drives a distributed task-provisioning run for a data-processing pipeline",
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(2)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the workflow configuration file")
}

func main() {
	Execute()
}
