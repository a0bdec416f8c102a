package main

import (
	"github.com/spf13/cobra"

	"github.com/altsci/atdata/internal/config"
	"github.com/altsci/atdata/internal/mcptools"
	"github.com/altsci/atdata/internal/store/postgres"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve dataset search tools to AI agents over stdio",
	Long: `mcp exposes the index as Model Context Protocol tools on stdin/stdout:
dataset search and lookup, schema browsing, and lens discovery. Point an
MCP-capable agent at this command to query the network.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		st, err := postgres.New(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer st.Close()

		return mcptools.ServeStdio(st, cfg.ServiceDID())
	},
}
