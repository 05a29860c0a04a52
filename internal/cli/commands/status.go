package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewStatusCommand returns the `durably status <run-id>` command.
func NewStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show a Run's current status",
		Args:  cobra.ExactArgs(1),
		RunE:  runStatus,
	}
}

func runStatus(cmd *cobra.Command, args []string) error {
	d, err := openFromFlags(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = d.Stop(cmd.Context()) }()

	run, err := d.GetRun(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("status: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "id:       %s\n", run.ID)
	fmt.Fprintf(out, "job:      %s\n", run.JobName)
	fmt.Fprintf(out, "status:   %s\n", run.Status)
	if run.Error != "" {
		fmt.Fprintf(out, "error:    %s\n", run.Error)
	}
	if run.Progress != nil {
		fmt.Fprintf(out, "progress: %d", run.Progress.Current)
		if run.Progress.Total != nil {
			fmt.Fprintf(out, "/%d", *run.Progress.Total)
		}
		if run.Progress.Message != "" {
			fmt.Fprintf(out, " (%s)", run.Progress.Message)
		}
		fmt.Fprintln(out)
	}
	if len(run.Output) > 0 {
		fmt.Fprintf(out, "output:   %s\n", run.Output)
	}
	return nil
}
