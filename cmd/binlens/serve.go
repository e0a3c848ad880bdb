package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/aretw0/binlens"
	"github.com/aretw0/binlens/internal/cli"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	Long: `Serves the session API over HTTP: configs, sessions, views, server-sent
event streams and the archive.

Storage follows the environment: $` + cli.EnvRedisURL + ` stores configs in Redis and
locks the active slot across replicas; $` + cli.EnvDatabaseURL + ` or $` + cli.EnvS3Endpoint + `
archive sessions in Postgres or S3. Files under .binlens/ are the fallback.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := serverOptions(cmd)
		if err != nil {
			return err
		}
		port, _ := cmd.Flags().GetString("port")
		opts.Addr = ":" + port
		opts.Metrics, _ = cmd.Flags().GetBool("metrics")

		sigCtx := cli.NewSignalContext(context.Background())
		defer sigCtx.Cancel()
		return cli.Serve(sigCtx, opts)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringP("port", "p", cli.Env(cli.EnvPort, "8080"), "Port to listen on")
	serveCmd.Flags().Bool("metrics", true, "Expose Prometheus metrics at /metrics")
	addStorageFlags(serveCmd)
}

func addStorageFlags(cmd *cobra.Command) {
	cmd.Flags().String("redis-url", "", "Redis URL (overrides $"+cli.EnvRedisURL+")")
	cmd.Flags().String("database-url", "", "Postgres URL for the archive (overrides $"+cli.EnvDatabaseURL+")")
	cmd.Flags().String("config-dir", "", "Directory of stored configs when Redis is not used")
	cmd.Flags().Bool("config-history", cli.EnvBool(cli.EnvConfigHistory, false), "Keep stored configs in a versioned Loam repository")
	cmd.Flags().String("archive-dir", "", "Directory of archived sessions when no other archive is configured")
	cmd.Flags().Int("log-capacity", cli.EnvInt(cli.EnvLogCapacity, 0), "Log lines kept per session (0 for the default)")
	cmd.Flags().StringSlice("categories", cli.EnvList(cli.EnvCategories), "Vulnerability categories the engine can report")
}

func serverOptions(cmd *cobra.Command) (cli.ServerOptions, error) {
	storage := cli.StorageFromEnv()
	for flag, dst := range map[string]*string{
		"redis-url":    &storage.RedisURL,
		"database-url": &storage.DatabaseURL,
		"config-dir":   &storage.ConfigDir,
		"archive-dir":  &storage.ArchiveDir,
	} {
		if v, _ := cmd.Flags().GetString(flag); v != "" {
			*dst = v
		}
	}
	storage.ConfigHistory, _ = cmd.Flags().GetBool("config-history")
	if storage.RedisURL != "" && !strings.Contains(storage.RedisURL, "://") {
		return cli.ServerOptions{}, fmt.Errorf("redis url %q must include a scheme", storage.RedisURL)
	}

	engineConfig, _ := cmd.Flags().GetString("engine-config")
	capacity, _ := cmd.Flags().GetInt("log-capacity")
	categories, _ := cmd.Flags().GetStringSlice("categories")
	return cli.ServerOptions{
		EngineConfigPath: engineConfig,
		Storage:          storage,
		Debug:            debugFlag(cmd),
		LogCapacity:      capacity,
		Categories:       categories,
		Version:          strings.TrimSpace(binlens.Version),
		Stdout:           cmd.OutOrStdout(),
	}, nil
}
