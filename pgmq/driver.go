package pgmq

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/pgmq/pgmq-go/pgmq/statement"
)

// Driver names the database backend a Connection runs on.
type Driver string

const (
	// DriverPgx runs on a pgx connection pool.
	DriverPgx Driver = "pgx"
	// DriverPQ runs on database/sql with the lib/pq driver.
	DriverPQ Driver = "pq"
	// DriverStdlib runs on database/sql with the pgx stdlib driver.
	DriverStdlib Driver = "stdlib"
)

// sqlDriverName is the name the backend is registered under in database/sql.
func (d Driver) sqlDriverName() string {
	switch d {
	case DriverPQ:
		return "postgres"
	case DriverStdlib:
		return "pgx"
	}
	return ""
}

// dsnDrivers maps a "+driver" scheme suffix to a backend. The asyncpg and
// psycopg names are accepted so connection strings written for other PGMQ
// clients work unchanged.
var dsnDrivers = map[string]Driver{
	"":         DriverPgx,
	"pgx":      DriverPgx,
	"asyncpg":  DriverPgx,
	"psycopg":  DriverPgx,
	"pq":       DriverPQ,
	"libpq":    DriverPQ,
	"psycopg2": DriverPQ,
	"stdlib":   DriverStdlib,
}

// ParseDSN picks a backend from the DSN scheme and returns the DSN with any
// "+driver" suffix removed.
//
//	postgres://u:p@host/db              -> DriverPgx
//	postgresql+pq://u:p@host/db         -> DriverPQ
//	postgresql+stdlib://u:p@host/db     -> DriverStdlib
//	host=localhost user=app dbname=app  -> DriverPgx
func ParseDSN(dsn string) (Driver, string, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return "", "", ErrNoSource
	}
	scheme, rest, ok := strings.Cut(dsn, "://")
	if !ok {
		// keyword/value form
		return DriverPgx, dsn, nil
	}
	base, suffix, _ := strings.Cut(scheme, "+")
	switch strings.ToLower(base) {
	case "postgres", "postgresql":
	default:
		return "", "", fmt.Errorf("%w: unsupported scheme %q", ErrUnknownDriver, scheme)
	}
	driver, ok := dsnDrivers[strings.ToLower(suffix)]
	if !ok {
		return "", "", fmt.Errorf("%w: %q", ErrUnknownDriver, suffix)
	}
	return driver, base + "://" + rest, nil
}

// rows is the iteration surface shared by pgx.Rows and *sql.Rows.
type rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close()
}

// executor runs statements on one backend.
type executor interface {
	exec(ctx context.Context, st statement.Statement) error
	query(ctx context.Context, st statement.Statement) (rows, error)
}

type pgxExecutor struct {
	q Tx
}

func (e pgxExecutor) exec(ctx context.Context, st statement.Statement) error {
	_, err := e.q.Exec(ctx, st.SQL, st.Args...)
	return err
}

func (e pgxExecutor) query(ctx context.Context, st statement.Statement) (rows, error) {
	return e.q.Query(ctx, st.SQL, st.Args...)
}

type sqlExecutor struct {
	q SQLTx
}

func (e sqlExecutor) exec(ctx context.Context, st statement.Statement) error {
	_, err := e.q.ExecContext(ctx, st.SQL, sqlArgs(st.Args)...)
	return err
}

func (e sqlExecutor) query(ctx context.Context, st statement.Statement) (rows, error) {
	r, err := e.q.QueryContext(ctx, st.SQL, sqlArgs(st.Args)...)
	if err != nil {
		return nil, err
	}
	return sqlRows{r}, nil
}

// sqlArgs wraps slices with pq.Array. database/sql has no native array
// support; the array literal is cast server side by the statement.
func sqlArgs(args []any) []any {
	out := make([]any, len(args))
	for i, a := range args {
		switch v := a.(type) {
		case []int64:
			out[i] = pq.Array(v)
		case []string:
			out[i] = pq.Array(v)
		default:
			out[i] = a
		}
	}
	return out
}

type sqlRows struct {
	r *sql.Rows
}

func (r sqlRows) Next() bool             { return r.r.Next() }
func (r sqlRows) Scan(dest ...any) error { return r.r.Scan(dest...) }
func (r sqlRows) Err() error             { return r.r.Err() }
func (r sqlRows) Close()                 { _ = r.r.Close() }

// queryRow runs st and scans the first row into dest. found is false when
// the statement returned no rows.
func queryRow(ctx context.Context, ex executor, st statement.Statement, dest ...any) (found bool, err error) {
	r, err := ex.query(ctx, st)
	if err != nil {
		return false, err
	}
	defer r.Close()
	if !r.Next() {
		return false, r.Err()
	}
	if err := r.Scan(dest...); err != nil {
		return false, err
	}
	for r.Next() {
	}
	return true, r.Err()
}

// queryColumn collects a single-column result.
func queryColumn[T any](ctx context.Context, ex executor, st statement.Statement) ([]T, error) {
	r, err := ex.query(ctx, st)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	var out []T
	for r.Next() {
		var v T
		if err := r.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, r.Err()
}
