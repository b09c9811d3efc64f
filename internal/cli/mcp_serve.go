package cli

import (
	"github.com/corvino/connectsphere/internal/mcp"
	"github.com/spf13/cobra"
)

func newMCPServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:    "mcp-serve",
		Short:  "Start the MCP stdio server",
		Long:   `Runs a Model Context Protocol (MCP) server over stdio exposing media transfer, presence and call-log tools (upload_media, download_media, list_participants, list_call_logs).`,
		Hidden: true, // Not typically called by users directly
		RunE: func(cmd *cobra.Command, args []string) error {
			rc := newRelay("mcp")
			engine, err := newEngine(cmd.Context(), rc)
			if err != nil {
				return err
			}
			return mcp.Serve(mcp.Config{
				Relay:  rc,
				Engine: engine,
				Room:   cfg.Room,
			})
		},
	}

	return cmd
}
