// Package commands implements the metatron CLI using cobra.
package commands

import (
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root command with all subcommands registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "metatron",
		Short: "Metatron - autonomous WhatsApp reply assistant",
		Long: `Metatron links to a WhatsApp account as a companion device and
answers permitted contacts and groups autonomously.

Examples:
  metatron serve
  metatron serve --config ./config.yaml
  metatron config set-key`,
		Version: version,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newConfigCmd(),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "config.yaml", "path to the configuration file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	return rootCmd
}
