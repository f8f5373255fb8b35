package pgmq

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"

	"github.com/pgmq/pgmq-go/pgmq/statement"
)

var (
	// ErrConnectionClosed is returned when an operation is attempted after
	// the Connection has begun shutting down or has been closed.
	ErrConnectionClosed = errors.New("connection is stopped")

	// ErrNoSource is returned by Open when neither a DSN, a pool nor a DB is given.
	ErrNoSource = errors.New("must provide either dsn, pool, or db")

	// ErrNilConfig is returned by Dial for a nil pool config.
	ErrNilConfig = errors.New("pgxpool config is nil")

	// ErrUnknownDriver is returned by ParseDSN for a scheme it cannot map to a backend.
	ErrUnknownDriver = errors.New("unknown driver")

	// ErrQueueNotFound is returned when the queue table does not exist.
	ErrQueueNotFound = errors.New("queue not found")

	// ErrInvalidQueueName is returned when the extension rejects a queue name.
	ErrInvalidQueueName = errors.New("invalid queue name")

	// ErrInvalidPartitionInterval is returned for a partition or retention
	// interval that is neither a positive number nor "<number> <unit>".
	ErrInvalidPartitionInterval = statement.ErrInvalidPartitionInterval

	// ErrMessageNotFound is returned when acknowledging a message that no
	// longer exists in the queue.
	ErrMessageNotFound = errors.New("message not found")

	// ErrNotifyUnsupported is returned by Consume with WithNotify on a
	// database/sql backend.
	ErrNotifyUnsupported = errors.New("insert notifications require the pgx driver")
)

const (
	codeUndefinedTable = "42P01"
	codeRaiseException = "P0001"
)

// postgresError extracts SQLSTATE and message from either driver's error type.
func postgresError(err error) (code, message string, ok bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code, pgErr.Message, true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code), pqErr.Message, true
	}
	return "", "", false
}

// wrapPostgresError attaches a sentinel to known server errors. The driver
// error stays in the chain.
func wrapPostgresError(err error) error {
	if err == nil {
		return nil
	}
	code, message, ok := postgresError(err)
	if !ok {
		return err
	}
	switch {
	case code == codeUndefinedTable:
		return fmt.Errorf("%w: %w", ErrQueueNotFound, err)
	case code == codeRaiseException && strings.Contains(strings.ToLower(message), "queue name"):
		return fmt.Errorf("%w: %w", ErrInvalidQueueName, err)
	}
	return err
}
