package main

import (
	"fmt"
	"strings"

	"github.com/aretw0/binlens"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number of binlens",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "binlens version %s\n", strings.TrimSpace(binlens.Version))
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
