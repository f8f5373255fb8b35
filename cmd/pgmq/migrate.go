package main

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/pgmq/pgmq-go/pgmq"
)

var targetVer int

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database migrations",
	Long:  "Install the pgmq extension by applying pending migrations up to the latest or specified version",
	Args:  cobra.NoArgs,
	RunE:  runMigrate,
}

func init() {
	migrateCmd.Flags().IntVar(&targetVer, "target", 0, "Target version (0 = latest)")
	rootCmd.AddCommand(migrateCmd)
}

// migrator runs migrations on whichever backend the DSN selects.
type migrator struct {
	pool *pgxpool.Pool
	db   *sql.DB
}

func openMigrator(ctx context.Context) (*migrator, error) {
	if err := requireDSN(); err != nil {
		return nil, err
	}
	driver, conn, err := pgmq.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	m := &migrator{}
	switch driver {
	case pgmq.DriverPQ:
		m.db, err = sql.Open("postgres", conn)
	case pgmq.DriverStdlib:
		m.db, err = sql.Open("pgx", conn)
	default:
		m.pool, err = pgxpool.New(ctx, conn)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	if err := m.ping(ctx); err != nil {
		m.close()
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	return m, nil
}

func (m *migrator) ping(ctx context.Context) error {
	if m.pool != nil {
		return m.pool.Ping(ctx)
	}
	return m.db.PingContext(ctx)
}

func (m *migrator) status(ctx context.Context) (*pgmq.MigrationStatus, error) {
	if m.pool != nil {
		return pgmq.GetMigrationStatus(ctx, m.pool)
	}
	return pgmq.GetMigrationStatusDB(ctx, m.db)
}

func (m *migrator) migrate(ctx context.Context, opts pgmq.MigrateOptions) error {
	if m.pool != nil {
		return pgmq.Migrate(ctx, m.pool, opts)
	}
	return pgmq.MigrateDB(ctx, m.db, opts)
}

func (m *migrator) close() {
	if m.pool != nil {
		m.pool.Close()
	}
	if m.db != nil {
		_ = m.db.Close()
	}
}

func runMigrate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	m, err := openMigrator(ctx)
	if err != nil {
		return err
	}
	defer m.close()

	// Check status first
	status, err := m.status(ctx)
	if err != nil {
		return fmt.Errorf("failed to get migration status: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Current version: %d\n", status.CurrentVersion)
	fmt.Fprintf(out, "Latest version:  %d\n", status.LatestVersion)

	if status.Dirty {
		return fmt.Errorf("database is in dirty state - manual intervention required")
	}

	if !status.NeedsMigration && targetVer == 0 {
		fmt.Fprintln(out, "✓ Database is up to date")
		return nil
	}

	fmt.Fprintln(out, "Running migrations...")
	if err := m.migrate(ctx, pgmq.MigrateOptions{TargetVersion: targetVer}); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	fmt.Fprintln(out, "✓ Migration completed successfully")
	return nil
}
