package cmd

import (
	"github.com/spf13/cobra"

	"github.com/joescharf/critic/internal/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP stdio server for AI assistant integration",
	Long: `Start an MCP (Model Context Protocol) server on stdio.

This lets AI assistants query critic's review history natively.
Configure in Claude Code with:

  {
    "mcpServers": {
      "critic": { "command": "critic", "args": ["mcp"] }
    }
  }

Available tools: critic_list_installations, critic_list_reviews,
critic_get_review, critic_review_stats`,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := getStore()
		if err != nil {
			return err
		}
		return mcp.NewServer(s).ServeStdio(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}
