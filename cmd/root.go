package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// Execute runs the deepresearch command tree.
func Execute() {
	var root = &cobra.Command{
		Use:   "deepresearch",
		Short: "Resilient multi-step research report pipeline",
	}

	root.AddCommand(serveCMD(), workerCMD(), migrateCMD())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
