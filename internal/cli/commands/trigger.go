package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"durably"
)

// NewTriggerCommand returns the `durably trigger <job> <json-payload>` command.
func NewTriggerCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trigger <job> <json-payload>",
		Short: "Create a new Run for a registered Job",
		Args:  cobra.ExactArgs(2),
		RunE:  runTrigger,
	}
	cmd.Flags().String("idempotency-key", "", "deduplicate against an existing Run with this key")
	cmd.Flags().String("concurrency-key", "", "serialize this Run against others sharing the key")
	return cmd
}

func runTrigger(cmd *cobra.Command, args []string) error {
	d, err := openFromFlags(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = d.Stop(cmd.Context()) }()
	if err := registerDemoJobs(d); err != nil {
		return err
	}

	jobName, rawPayload := args[0], args[1]

	var input any
	if err := json.Unmarshal([]byte(rawPayload), &input); err != nil {
		return fmt.Errorf("parsing json-payload: %w", err)
	}

	idempotencyKey, _ := cmd.Flags().GetString("idempotency-key")
	concurrencyKey, _ := cmd.Flags().GetString("concurrency-key")

	run, err := d.Trigger(cmd.Context(), jobName, input, durably.TriggerOptions{
		IdempotencyKey: idempotencyKey,
		ConcurrencyKey: concurrencyKey,
	})
	if err != nil {
		return fmt.Errorf("trigger: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "run %s created for job %q (status=%s)\n", run.ID, run.JobName, run.Status)
	return nil
}
