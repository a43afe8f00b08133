package cli

import (
	"github.com/spf13/cobra"
)

var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// RootCmd represents the base command when called without any subcommands
var RootCmd = &cobra.Command{
	Use:     "opmcp",
	Version: Version,
	Short:   "MCP server exposing OpenProject data to AI assistants",
	Long: `opmcp bridges OpenProject and MCP-speaking clients.
It exposes projects, work packages and weekly reports as tools over
stdio, HTTP, SSE or WebSocket transports.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() error {
	return RootCmd.Execute()
}
