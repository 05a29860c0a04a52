// Package commands implements the durably CLI's subcommands: migrate,
// serve, trigger, status, retry, cancel, and runs.
package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"durably"
	"durably/internal/config"
)

// openFromFlags builds a Durably instance from the --data-dir persistent
// flag (falling back to config.Load's resolved data directory) and the
// rest of config.Load's tuning values.
func openFromFlags(cmd *cobra.Command) (*durably.Durably, error) {
	cfg := config.Load()

	dataDir, err := cmd.Flags().GetString("data-dir")
	if err != nil {
		return nil, err
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}

	d, err := durably.New(durably.Options{
		DataDir:           cfg.DataDir,
		PollingInterval:   cfg.PollingInterval,
		HeartbeatInterval: cfg.HeartbeatInterval,
		StaleThreshold:    cfg.StaleThreshold,
		MaxConcurrent:     cfg.MaxConcurrent,
		PersistLogs:       cfg.PersistLogs,
	})
	if err != nil {
		return nil, fmt.Errorf("opening durably instance: %w", err)
	}
	return d, nil
}

// echoInput/echoOutput and noopInput/noopOutput back the two demo Jobs
// the serve and trigger subcommands register (§6), so `trigger echo
// '{"n":3}'` and `trigger noop '{}'` always work against a fresh
// data-dir with no additional setup.
type echoInput struct {
	N int `json:"n"`
}

type echoOutput struct {
	Sum int `json:"sum"`
}

type noopInput struct{}
type noopOutput struct{}

// registerDemoJobs registers the echo and noop Jobs. echo runs two
// steps (double, then add one) so `trigger echo` exercises step replay
// the same way a crash-and-resume would; noop is for exercising the
// trigger/status/cancel plumbing without any real work.
func registerDemoJobs(d *durably.Durably) error {
	if _, err := durably.Register(d, durably.JobDefinition[echoInput, echoOutput]{
		Name: "echo",
		Handle: func(step *durably.Step, in echoInput) (echoOutput, error) {
			doubled, err := durably.Run(step, "double", func() (int, error) {
				return in.N * 2, nil
			})
			if err != nil {
				return echoOutput{}, err
			}
			total, err := durably.Run(step, "increment", func() (int, error) {
				return doubled + 1, nil
			})
			if err != nil {
				return echoOutput{}, err
			}
			return echoOutput{Sum: total}, nil
		},
	}); err != nil {
		return err
	}

	if _, err := durably.Register(d, durably.JobDefinition[noopInput, noopOutput]{
		Name:   "noop",
		Handle: func(step *durably.Step, in noopInput) (noopOutput, error) { return noopOutput{}, nil },
	}); err != nil {
		return err
	}

	return nil
}
