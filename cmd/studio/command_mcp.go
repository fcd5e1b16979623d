package main

import (
	"github.com/spf13/cobra"

	"github.com/pocketomega/pocket-studio/internal/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the engine as MCP tools over stdio",
	Long: "Expose run_graph, run_chain, get_target, check_job and list_capabilities to an MCP client " +
		"over stdin/stdout. Status output goes to stderr.",
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveMCP(cmd)
	},
}

func registerMCPCommand(root *cobra.Command) {
	root.AddCommand(mcpCmd)
}

func serveMCP(cmd *cobra.Command) error {
	// stdout carries the protocol.
	status := cmd.ErrOrStderr()
	printBanner(status)

	eng, err := loadEngine(cmd.Context(), status)
	if err != nil {
		return err
	}
	defer eng.Close()

	srv := mcp.NewServer(mcp.ServerOptions{
		Graphs:   eng.dispatcher,
		Chains:   eng.chains,
		Store:    eng.store,
		Registry: eng.registry,
		Poller:   eng.poller,
	})
	return srv.ServeStdio()
}
