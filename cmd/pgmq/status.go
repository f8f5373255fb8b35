package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show migration status",
	Long:  "Display current database migration version and status",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	m, err := openMigrator(ctx)
	if err != nil {
		return err
	}
	defer m.close()

	status, err := m.status(ctx)
	if err != nil {
		return fmt.Errorf("failed to get migration status: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Current version: %d\n", status.CurrentVersion)
	fmt.Fprintf(out, "Latest version:  %d\n", status.LatestVersion)
	fmt.Fprintf(out, "Dirty:           %v\n", status.Dirty)

	if status.NeedsMigration {
		pending := status.LatestVersion - status.CurrentVersion
		fmt.Fprintf(out, "\n⚠ Migration needed: %d pending migration(s)\n", pending)
	} else {
		fmt.Fprintln(out, "\n✓ Database is up to date")
	}

	return nil
}
