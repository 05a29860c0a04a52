package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewMigrateCommand returns the `durably migrate` command.
func NewMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		Long:  "Opens durably.db in the configured data directory and applies any pending migrations (§4.A).",
		RunE:  runMigrate,
	}
}

func runMigrate(cmd *cobra.Command, args []string) error {
	d, err := openFromFlags(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = d.Stop(cmd.Context()) }()

	if err := d.Migrate(cmd.Context()); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
	return nil
}
