package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number of locator",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("locator version %s\n", version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
