// Package commands implements the Doppel CLI commands using cobra.
package commands

import (
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root CLI command with all subcommands registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "doppel",
		Short: "Doppel - personal chat auto-reply agent",
		Long: `Doppel sits on your own messaging account, watches incoming private
messages, waits for the sender to finish typing, and answers in your
voice with human timing.

Examples:
  doppel setup
  doppel serve
  doppel serve --gateway telegram`,
		Version: version,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newSetupCmd(),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the configuration file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	return rootCmd
}
