package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

// NewServeCommand returns the `durably serve` command: it registers the
// demo Jobs and runs the Worker Loop until SIGINT/SIGTERM.
func NewServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the worker loop until interrupted",
		Long:  "Starts the Worker Loop, claiming and executing pending Runs, until SIGINT or SIGTERM.",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	d, err := openFromFlags(cmd)
	if err != nil {
		return err
	}
	if err := registerDemoJobs(d); err != nil {
		return fmt.Errorf("registering demo jobs: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d.Start(ctx)
	slog.Info("durably serve: worker loop started")

	<-ctx.Done()
	slog.Info("durably serve: shutting down...")

	// LIFO shutdown: stop claiming/advancing new work before closing the
	// database out from under any last in-flight step write.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("stop: %w", err)
	}
	slog.Info("durably serve: stopped")
	return nil
}
