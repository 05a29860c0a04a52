package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"durably"
)

// NewRunsCommand returns the `durably runs [--job] [--status]` command.
func NewRunsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List Runs, newest first",
		RunE:  runRuns,
	}
	cmd.Flags().String("job", "", "filter by job name")
	cmd.Flags().String("status", "", "filter by status (pending|running|completed|failed|cancelled)")
	cmd.Flags().Int("limit", 50, "maximum number of runs to list")
	cmd.Flags().Int("offset", 0, "number of runs to skip")
	return cmd
}

func runRuns(cmd *cobra.Command, args []string) error {
	d, err := openFromFlags(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = d.Stop(cmd.Context()) }()

	jobName, _ := cmd.Flags().GetString("job")
	status, _ := cmd.Flags().GetString("status")
	limit, _ := cmd.Flags().GetInt("limit")
	offset, _ := cmd.Flags().GetInt("offset")

	runs, err := d.GetRuns(cmd.Context(), durably.RunFilter{
		JobName: jobName,
		Status:  durably.Status(status),
		Limit:   limit,
		Offset:  offset,
	})
	if err != nil {
		return fmt.Errorf("runs: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(runs) == 0 {
		fmt.Fprintln(out, "no runs")
		return nil
	}
	for _, run := range runs {
		fmt.Fprintf(out, "%s  %-10s  %-8s  created=%s\n", run.ID, run.JobName, run.Status, run.CreatedAt.Format("2006-01-02T15:04:05Z"))
	}
	return nil
}
