package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// this is set by goreleaser
var version string

func init() {
	if version == "" {
		version = "DEV"
	}
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("%s\n", version)
	},
}
