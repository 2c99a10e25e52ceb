// Package app holds the exchanger CLI commands.
package app

import (
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root command for the exchanger CLI.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "exchanger",
		Short: "Multi-protocol verifiable credential exchange server",
		Long: `The exchanger drives workflow-configured credential exchanges to completion
over VC-API, OID4VCI, OID4VP, and invite-request, issuing and verifying
through capabilities delegated by each workflow's controller.`,
		SilenceUsage: true,
	}
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
	return rootCmd
}
