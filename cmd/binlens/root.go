package main

import (
	"fmt"
	"os"

	"github.com/aretw0/binlens/internal/cli"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "binlens",
	Short: "BinLens drives and observes binary analysis runs",
	Long: `BinLens launches an analysis engine against a target binary, streams its
logs, findings and CLI invocations, and lets you pause, resume or cancel the run.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if envFile, _ := cmd.Flags().GetString("env-file"); envFile != "" {
			cli.LoadEnv(envFile)
			return
		}
		cli.LoadEnv()
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	// Persistent flags (available to all commands)
	rootCmd.PersistentFlags().Bool("debug", false, "Log debug output to stderr")
	rootCmd.PersistentFlags().String("env-file", "", "Load environment variables from this file instead of .env.local and .env")
	rootCmd.PersistentFlags().String("engine-config", "", "Engine config file (defaults to $"+cli.EnvEngineConfig+")")
}

// debugFlag honours --debug and BINLENS_DEBUG.
func debugFlag(cmd *cobra.Command) bool {
	debug, _ := cmd.Flags().GetBool("debug")
	return debug || cli.EnvBool(cli.EnvDebug, false)
}
