package pgmq

import (
	"context"
	"database/sql"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Tx is the subset of pgx the operations need. *pgxpool.Pool, *pgxpool.Conn,
// *pgx.Conn and pgx.Tx all satisfy it, so Operations can be bound to a pool
// or to a transaction the caller controls.
//
// Methods on this interface do NOT use the retry policy.
type Tx interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Pool defines the minimal pgx pool operations a Connection depends on.
//
// The primary implementation is *pgxpool.Pool. All methods must be safe to
// call from multiple goroutines.
type Pool interface {
	Tx

	// Begin starts a transaction, used by Connection.Tx.
	Begin(ctx context.Context) (pgx.Tx, error)

	// Acquire obtains a dedicated connection. The notify listener hijacks it
	// for LISTEN when the pool cannot hand out its connection config.
	Acquire(ctx context.Context) (*pgxpool.Conn, error)

	// Close is called by Connection.Close only when the Connection owns the pool.
	Close()
}

// SQLTx is the database/sql counterpart of Tx. *sql.DB, *sql.Conn and
// *sql.Tx satisfy it.
type SQLTx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// DB is the database/sql handle a Connection can run on, normally *sql.DB
// opened with the lib/pq ("postgres") or pgx stdlib ("pgx") driver.
type DB interface {
	SQLTx
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
	Close() error
}

// poolConfigProvider is implemented by *pgxpool.Pool.
type poolConfigProvider interface {
	Config() *pgxpool.Config
}

var (
	_ Pool  = (*pgxpool.Pool)(nil)
	_ Tx    = (pgx.Tx)(nil)
	_ DB    = (*sql.DB)(nil)
	_ SQLTx = (*sql.Tx)(nil)
)
