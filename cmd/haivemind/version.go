package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/haivemind/haivemind/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("haivemind version %s\n", version.Get())
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
