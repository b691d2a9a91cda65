package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/stevehiehn/tmtgo/internal/mcp"
)

var mcpPort int

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start the MCP server on stdio, or over SSE with --port",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		wd, err := os.Getwd()
		if err != nil {
			return err
		}
		// stdout carries the protocol; the logger writes to stderr.
		server := mcp.NewServer(wd, Version, logger.Named("mcp"))
		if mcpPort == 0 {
			return server.Serve(cmd.InOrStdin(), cmd.OutOrStdout())
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return mcp.NewSSEServer(server).ListenAndServe(ctx, fmt.Sprintf("127.0.0.1:%d", mcpPort))
	},
}

func init() {
	mcpCmd.Flags().IntVar(&mcpPort, "port", 0, "Serve over SSE on this port instead of stdio")
	rootCmd.AddCommand(mcpCmd)
}
