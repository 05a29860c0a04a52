package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewRetryCommand returns the `durably retry <run-id>` command.
func NewRetryCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <run-id>",
		Short: "Reset a failed or cancelled Run back to pending",
		Args:  cobra.ExactArgs(1),
		RunE:  runRetry,
	}
}

func runRetry(cmd *cobra.Command, args []string) error {
	d, err := openFromFlags(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = d.Stop(cmd.Context()) }()

	if err := d.Retry(cmd.Context(), args[0]); err != nil {
		return fmt.Errorf("retry: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "run %s reset to pending\n", args[0])
	return nil
}
