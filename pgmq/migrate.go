package pgmq

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/pgmq/pgmq-go/mq"
)

// MigrationsTable records which client migrations ran. It is separate from
// the extension's own objects so dropping pgmq leaves the history intact.
const MigrationsTable = "pgmq_client_migrations"

// MigrateOptions configures migration behavior
type MigrateOptions struct {
	// TargetVersion to migrate to. 0 means latest
	TargetVersion int
}

// MigrationStatus represents the current state of migrations
type MigrationStatus struct {
	CurrentVersion uint
	Dirty          bool
	LatestVersion  uint
	NeedsMigration bool
}

// Migrate installs the pgmq extension through golang-migrate, using the
// pool's connection settings. It is an alternative to the CREATE EXTENSION
// a Connection runs on start, for deployments that version their schema.
func Migrate(ctx context.Context, pool *pgxpool.Pool, opts MigrateOptions) error {
	db := openMigrationDB(pool)
	defer db.Close()
	return MigrateDB(ctx, db, opts)
}

// MigrateDB is Migrate for a database/sql handle. db must not be shared with
// other work while migrating; it is not closed.
func MigrateDB(ctx context.Context, db *sql.DB, opts MigrateOptions) error {
	m, err := newMigrator(ctx, db)
	if err != nil {
		return err
	}
	defer m.Close()

	if opts.TargetVersion > 0 {
		err = m.Migrate(uint(opts.TargetVersion))
	} else {
		err = m.Up()
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration failed: %w", err)
	}
	return nil
}

// GetMigrationStatus reports the applied and the latest embedded version.
func GetMigrationStatus(ctx context.Context, pool *pgxpool.Pool) (*MigrationStatus, error) {
	db := openMigrationDB(pool)
	defer db.Close()
	return GetMigrationStatusDB(ctx, db)
}

// GetMigrationStatusDB is GetMigrationStatus for a database/sql handle.
func GetMigrationStatusDB(ctx context.Context, db *sql.DB) (*MigrationStatus, error) {
	m, err := newMigrator(ctx, db)
	if err != nil {
		return nil, err
	}
	defer m.Close()

	current, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return nil, fmt.Errorf("failed to read migration version: %w", err)
	}
	latest := latestMigrationVersion()
	return &MigrationStatus{
		CurrentVersion: current,
		Dirty:          dirty,
		LatestVersion:  latest,
		NeedsMigration: current < latest,
	}, nil
}

func newMigrator(ctx context.Context, db *sql.DB) (*migrate.Migrate, error) {
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to open database for migration: %w", err)
	}
	source, err := iofs.New(mq.MigrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to create migration source: %w", err)
	}
	driver, err := migratepgx.WithInstance(db, &migratepgx.Config{
		MigrationsTable: MigrationsTable,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrator: %w", err)
	}
	return m, nil
}

// openMigrationDB opens a database/sql handle with exactly the pool's
// connection settings, TLS included.
func openMigrationDB(pool *pgxpool.Pool) *sql.DB {
	return stdlib.OpenDB(*pool.Config().ConnConfig.Copy())
}

// latestMigrationVersion parses the highest "NNNNNN_name.up.sql" version.
func latestMigrationVersion() uint {
	entries, err := mq.MigrationsFS.ReadDir("migrations")
	if err != nil {
		return 0
	}
	var latest uint
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasSuffix(name, ".up.sql") {
			continue
		}
		prefix, _, _ := strings.Cut(name, "_")
		ver, err := strconv.ParseUint(prefix, 10, 32)
		if err != nil {
			continue
		}
		if uint(ver) > latest {
			latest = uint(ver)
		}
	}
	return latest
}
