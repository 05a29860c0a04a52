package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewCancelCommand returns the `durably cancel <run-id>` command.
func NewCancelCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Cooperatively cancel a pending or running Run",
		Args:  cobra.ExactArgs(1),
		RunE:  runCancel,
	}
}

func runCancel(cmd *cobra.Command, args []string) error {
	d, err := openFromFlags(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = d.Stop(cmd.Context()) }()

	if err := d.Cancel(cmd.Context(), args[0]); err != nil {
		return fmt.Errorf("cancel: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "run %s marked cancelled\n", args[0])
	return nil
}
