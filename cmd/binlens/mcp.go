package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/aretw0/binlens/internal/cli"
	"github.com/spf13/cobra"
)

// mcpCmd represents the mcp command
var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Run the Model Context Protocol (MCP) server",
	Long: `Exposes analysis sessions as MCP tools and resources.
This allows AI agents to validate configs, drive runs and read their views.

Supported Transports:
- stdio (default): Uses Standard Input/Output. Ideal for local process integration.
- sse: Uses Server-Sent Events over HTTP. Ideal for remote agents or debuggers.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		transport, _ := cmd.Flags().GetString("transport")
		port, _ := cmd.Flags().GetInt("port")

		opts, err := serverOptions(cmd)
		if err != nil {
			return err
		}
		opts.Addr = fmt.Sprintf(":%d", port)
		// Stdout carries JSON-RPC on stdio.
		opts.Stdout = os.Stderr
		log.SetOutput(os.Stderr)

		sigCtx := cli.NewSignalContext(context.Background())
		defer sigCtx.Cancel()
		return cli.ServeMCP(sigCtx, opts, transport, fmt.Sprintf("http://localhost:%d", port))
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)

	mcpCmd.Flags().String("transport", "stdio", "Transport protocol to use: 'stdio' or 'sse'")
	mcpCmd.Flags().Int("port", 8080, "Port to listen on (only for SSE)")
	addStorageFlags(mcpCmd)
}
