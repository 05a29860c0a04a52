// Package cli wires together the durably root Cobra command and its
// subcommands.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"durably/internal/cli/commands"
)

// NewRootCommand constructs the durably root Cobra command.
func NewRootCommand() *cobra.Command {
	version := os.Getenv("DURABLY_VERSION")
	if version == "" {
		version = "0.0.0-dev"
	}

	cmd := &cobra.Command{
		Use:           "durably",
		Short:         "durably – a step-oriented, resumable batch execution engine",
		Long:          "durably runs Jobs composed of named, durably-cached Steps, resuming a Run from its last completed Step after a crash.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().String("data-dir", "", "durably data directory (overrides the resolved config default)")

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the durably version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "durably version %s\n", version)
		},
	})

	// Lexicographic order for deterministic help output.
	cmd.AddCommand(commands.NewCancelCommand())
	cmd.AddCommand(commands.NewMigrateCommand())
	cmd.AddCommand(commands.NewRetryCommand())
	cmd.AddCommand(commands.NewRunsCommand())
	cmd.AddCommand(commands.NewServeCommand())
	cmd.AddCommand(commands.NewStatusCommand())
	cmd.AddCommand(commands.NewTriggerCommand())

	return cmd
}
