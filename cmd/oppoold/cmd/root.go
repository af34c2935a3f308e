package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags.
var Version = "dev"

// NewRootCmd builds the oppoold command tree.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "oppoold",
		Short: "ERC-4337 user operation pool server",
		Long: `oppoold runs a UserOperation pool for ERC-4337 bundlers: it validates
incoming operations against the chain, keeps a priority-ordered mempool per
EntryPoint, and announces confirmed heads to bundle builders.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().String(flagConfig, "", "path to config file")
	rootCmd.AddCommand(
		newStartCmd(),
		newVersionCmd(),
	)
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the oppoold version",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), Version)
			return err
		},
	}
}
