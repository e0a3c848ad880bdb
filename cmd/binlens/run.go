package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/aretw0/binlens"
	"github.com/aretw0/binlens/internal/cli"
	"github.com/spf13/cobra"
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run <config> [-- engine args...]",
	Short: "Run one analysis in the foreground",
	Long: `Commits the config, launches the engine and follows the run until it ends.
Type p, r or c and Enter to pause, resume or cancel. Ctrl+C cancels the run.

The engine comes from --engine-config, from $` + cli.EnvEngineConfig + `, or from
the arguments after --.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		engineConfig, _ := cmd.Flags().GetString("engine-config")
		jsonMode, _ := cmd.Flags().GetBool("json")
		quiet, _ := cmd.Flags().GetBool("quiet")
		noColor, _ := cmd.Flags().GetBool("no-color")
		archive, _ := cmd.Flags().GetBool("archive")
		tail, _ := cmd.Flags().GetInt("tail")
		capacity, _ := cmd.Flags().GetInt("log-capacity")
		categories, _ := cmd.Flags().GetStringSlice("categories")

		var engineCommand []string
		if dash := cmd.ArgsLenAtDash(); dash >= 0 {
			engineCommand = args[dash:]
			args = args[:dash]
		}
		if len(args) != 1 {
			return fmt.Errorf("expected one config file before --, got %d", len(args))
		}

		sigCtx := cli.NewSignalContext(context.Background())
		defer sigCtx.Cancel()

		return cli.Run(sigCtx, cli.RunOptions{
			ConfigPath:       args[0],
			EngineConfigPath: engineConfig,
			EngineCommand:    engineCommand,
			Debug:            debugFlag(cmd),
			JSON:             jsonMode,
			Quiet:            quiet,
			NoColor:          noColor,
			Archive:          archive,
			Tail:             tail,
			LogCapacity:      capacity,
			Categories:       categories,
			Version:          strings.TrimSpace(binlens.Version),
			Stdout:           cmd.OutOrStdout(),
		})
	},
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().Bool("json", false, "Print the final session record as JSON instead of the live view")
	runCmd.Flags().BoolP("quiet", "q", false, "Print nothing; the exit code reports the outcome")
	runCmd.Flags().Bool("no-color", false, "Disable colors and markdown styling")
	runCmd.Flags().Bool("archive", false, "Archive the session record to the configured backend")
	runCmd.Flags().Int("tail", 20, "Log lines shown in the final summary")
	runCmd.Flags().Int("log-capacity", cli.EnvInt(cli.EnvLogCapacity, 0), "Log lines kept in memory (0 for the default)")
	runCmd.Flags().StringSlice("categories", cli.EnvList(cli.EnvCategories), "Vulnerability categories the engine can report")
}
