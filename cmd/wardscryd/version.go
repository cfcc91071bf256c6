package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/wardscry/wardscry"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number of wardscryd",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("wardscryd version %s\n", strings.TrimSpace(wardscry.Version))
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
