package app

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openvcx/exchanger/pkg/versions"
)

var versionFormat string

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show the exchanger version",
	RunE: func(cmd *cobra.Command, _ []string) error {
		info := versions.GetVersionInfo()
		if versionFormat == "json" {
			encoded, err := json.MarshalIndent(info, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to encode version info: %w", err)
			}
			cmd.Println(string(encoded))
			return nil
		}
		cmd.Printf("Version:    %s\n", info.Version)
		cmd.Printf("Commit:     %s\n", info.Commit)
		cmd.Printf("Build date: %s\n", info.BuildDate)
		cmd.Printf("Go version: %s\n", info.GoVersion)
		cmd.Printf("Platform:   %s\n", info.Platform)
		return nil
	},
}

func init() {
	versionCmd.Flags().StringVar(&versionFormat, "format", "text", "Output format (text or json)")
}
