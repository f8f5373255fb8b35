package pgmq

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq" // registers the "postgres" database/sql driver
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/pgmq/pgmq-go/pgmq/statement"
)

// Connection is a client handle to the PGMQ extension in a PostgreSQL
// database. It runs on a pgx pool or a database/sql DB, owns it when it
// built it, manages consumers, and exposes every queue operation.
//
// All Operations methods are promoted from the embedded *Operations and run
// with the retry policy, a tracing span and message counters.
//
// Concurrency:
//   - Connection methods are safe to call from multiple goroutines unless
//     otherwise stated.
//   - Each Consumer created from a Connection runs internal goroutines for
//     fetching messages and (optionally) auto‑extending visibility timeouts.
type Connection struct {
	*Operations

	driver  Driver
	pool    Pool // set for DriverPgx
	db      DB   // set for DriverPQ and DriverStdlib
	ownPool bool // true if we created the pool or DB and should close it

	ctx             context.Context
	cancel          context.CancelFunc
	mu              sync.Mutex
	consumers       map[string]*Consumer
	shutdownTimeout time.Duration
	logger          LevelLogger
	retryConfig     RetryConfig
	closedFlag      chan struct{}
	closeOnce       sync.Once
	closing         bool // guarded by mu; no consumers are added once set

	skipExtensionCheck bool
	partmanMu          sync.Mutex
	partmanChecked     bool

	tracer       trace.Tracer
	meter        metric.Meter
	queryTracing bool
	telemetry    *telemetry
}

// Source names where a Connection gets its database from. Open uses the
// first one set, in the order DB, Pool, DSN.
type Source struct {
	DSN  string
	Pool Pool
	DB   DB
}

// Open creates a Connection from whichever of src's fields is set.
func Open(ctx context.Context, src Source, opts ...ConnectionOption) (*Connection, error) {
	switch {
	case src.DB != nil:
		return DialFromDB(ctx, src.DB, opts...)
	case src.Pool != nil:
		return DialFromPool(ctx, src.Pool, opts...)
	case src.DSN != "":
		return DialDSN(ctx, src.DSN, opts...)
	}
	return nil, ErrNoSource
}

// Dial creates a new Connection, building an underlying pgxpool.Pool from the
// provided pgx pool config.
//
// The returned Connection owns the pool and will Close() it during shutdown.
// config is not modified.
func Dial(ctx context.Context, config *pgxpool.Config, opts ...ConnectionOption) (*Connection, error) {
	if config == nil {
		return nil, ErrNilConfig
	}
	c, err := newConnection(opts...)
	if err != nil {
		return nil, err
	}
	if c.queryTracing {
		config = config.Copy()
		config.ConnConfig.Tracer = NewQueryTracer(c.tracer)
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	return c.usePool(ctx, pool, true)
}

// DialDSN creates a Connection from a connection string. The backend is
// chosen by the scheme (see ParseDSN). The Connection owns the pool or DB.
func DialDSN(ctx context.Context, dsn string, opts ...ConnectionOption) (*Connection, error) {
	driver, dsn, err := ParseDSN(dsn)
	if err != nil {
		return nil, err
	}
	if driver == DriverPgx {
		config, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, fmt.Errorf("failed to parse dsn: %w", err)
		}
		return Dial(ctx, config, opts...)
	}

	c, err := newConnection(opts...)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(driver.sqlDriverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	c.driver = driver
	return c.useDB(ctx, db, true)
}

// DialFromPool creates a new Connection using an existing Pool implementation
// (typically *pgxpool.Pool). The Connection does not own the pool and will not
// close it on Connection.Close().
func DialFromPool(ctx context.Context, pool Pool, opts ...ConnectionOption) (*Connection, error) {
	c, err := newConnection(opts...)
	if err != nil {
		return nil, err
	}
	return c.usePool(ctx, pool, false)
}

// DialFromDB creates a Connection on a database/sql handle opened with the
// lib/pq or pgx stdlib driver. The Connection does not close db.
func DialFromDB(ctx context.Context, db DB, opts ...ConnectionOption) (*Connection, error) {
	c, err := newConnection(opts...)
	if err != nil {
		return nil, err
	}
	c.driver = DriverPQ
	if sqlDB, ok := db.(*sql.DB); ok && isPgxStdlib(sqlDB) {
		c.driver = DriverStdlib
	}
	return c.useDB(ctx, db, false)
}

func newConnection(opts ...ConnectionOption) (*Connection, error) {
	c := &Connection{
		consumers:   make(map[string]*Consumer),
		logger:      NoopLogger{},
		retryConfig: defaultRetryConfig(),
		closedFlag:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if err := validateConnectionOptions(c); err != nil {
		return nil, err
	}
	if c.tracer == nil {
		c.tracer = defaultTracer()
	}
	if c.meter == nil {
		c.meter = defaultMeter()
	}
	t, err := newTelemetry(c.tracer, c.meter)
	if err != nil {
		return nil, fmt.Errorf("failed to create counters: %w", err)
	}
	c.telemetry = t
	return c, nil
}

func (c *Connection) usePool(ctx context.Context, pool Pool, own bool) (*Connection, error) {
	c.driver = DriverPgx
	c.pool = pool
	c.ownPool = own
	c.Operations = &Operations{ex: pgxExecutor{q: pool}, run: c.runner(true)}
	return c.start(ctx)
}

func (c *Connection) useDB(ctx context.Context, db DB, own bool) (*Connection, error) {
	c.db = db
	c.ownPool = own
	c.Operations = &Operations{ex: sqlExecutor{q: db}, run: c.runner(true)}
	return c.start(ctx)
}

// start runs the extension check. On failure an owned pool or DB is closed.
// Consumers outlive ctx's deadline; they stop on Close.
func (c *Connection) start(ctx context.Context) (*Connection, error) {
	c.ctx, c.cancel = context.WithCancel(context.WithoutCancel(ctx))
	if !c.skipExtensionCheck {
		if err := c.Operations.CheckExtension(ctx); err != nil {
			_ = c.Close()
			return nil, err
		}
	}
	return c, nil
}

// Driver reports the backend the Connection runs on.
func (c *Connection) Driver() Driver {
	return c.driver
}

// runner returns the hook every operation passes through: closed check,
// span, retry (when allowed), counters and error mapping.
func (c *Connection) runner(retry bool) runFunc {
	return func(ctx context.Context, op, queue string, fn func(context.Context) (int64, error)) error {
		if err := c.checkClosed(); err != nil {
			return err
		}
		began := time.Now()
		ctx, span := c.telemetry.start(ctx, op, queue)
		var n int64
		call := func(ctx context.Context) error {
			var err error
			n, err = fn(ctx)
			return err
		}
		var err error
		if retry {
			err = c.withRetry(ctx, call)
		} else {
			err = call(ctx)
		}
		c.telemetry.end(ctx, span, op, queue, n, time.Since(began), err)
		return wrapPostgresError(err)
	}
}

// CheckPartmanExtension creates pg_partman if missing. Once it succeeds the
// check is not repeated for the lifetime of the Connection.
func (c *Connection) CheckPartmanExtension(ctx context.Context) error {
	c.partmanMu.Lock()
	defer c.partmanMu.Unlock()
	if c.partmanChecked {
		return nil
	}
	if err := c.Operations.CheckPartmanExtension(ctx); err != nil {
		return err
	}
	c.partmanChecked = true
	return nil
}

// CreatePartitionedQueue validates the intervals, makes sure pg_partman is
// installed, then creates the queue.
func (c *Connection) CreatePartitionedQueue(ctx context.Context, queue string, opts ...PartitionOption) error {
	options := applyPartitionOptions(opts)
	for _, interval := range []string{options.partitionInterval, options.retentionInterval} {
		if _, err := ValidatePartitionInterval(interval); err != nil {
			return err
		}
	}
	if err := c.CheckPartmanExtension(ctx); err != nil {
		return err
	}
	return c.Operations.CreatePartitionedQueue(ctx, queue, opts...)
}

// Tx runs fn inside one database transaction. It commits when fn returns nil
// and rolls back when fn returns an error or panics. Operations inside fn are
// traced and counted but never retried.
//
//	err := conn.Tx(ctx, func(ops *pgmq.Operations) error {
//	    if _, err := ops.Delete(ctx, "orders", msg.ID); err != nil {
//	        return err
//	    }
//	    _, err := ops.Send(ctx, "shipments", payload)
//	    return err
//	})
func (c *Connection) Tx(ctx context.Context, fn func(*Operations) error) error {
	if err := c.checkClosed(); err != nil {
		return err
	}
	if c.pool != nil {
		return pgx.BeginFunc(ctx, c.pool, func(tx pgx.Tx) error {
			return fn(&Operations{ex: pgxExecutor{q: tx}, run: c.runner(false)})
		})
	}
	return c.sqlTx(ctx, fn)
}

func (c *Connection) sqlTx(ctx context.Context, fn func(*Operations) error) (err error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if err = fn(&Operations{ex: sqlExecutor{q: tx}, run: c.runner(false)}); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Close implements graceful shutdown for the Connection and all derived
// Consumers.
//
// Behavior:
//   - Signals all Consumers to Stop and (optionally) waits up to the configured
//     shutdown timeout for in‑flight messages to finish (Ack/Nack/Release).
//   - Closes the underlying pool or DB if the Connection owns it.
//
// Close is idempotent.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.close()
	})
	return err
}

func (c *Connection) close() error {
	c.mu.Lock()
	c.closing = true
	consumers := make([]*Consumer, 0, len(c.consumers))
	for _, consumer := range c.consumers {
		consumers = append(consumers, consumer)
	}
	c.mu.Unlock()

	// Consumers settle their messages through the Connection, so it is only
	// marked closed after they stop.
	var wg sync.WaitGroup
	for _, consumer := range consumers {
		wg.Add(1)
		go func(cons *Consumer) {
			defer wg.Done()
			cons.Stop()
		}(consumer)
	}

	if c.shutdownTimeout > 0 {
		done := make(chan struct{})
		go func() {
			wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(c.shutdownTimeout):
			c.logger.Warnf("Exceeded timeout for consumers to finish. Will shutdown connection")
		}
	} else {
		wg.Wait()
	}

	close(c.closedFlag)
	if c.cancel != nil {
		c.cancel()
	}

	if !c.ownPool {
		return nil
	}
	if c.pool != nil {
		c.pool.Close()
		return nil
	}
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

func (c *Connection) addConsumer(consumer *Consumer) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closing || c.isClosed() {
		return ErrConnectionClosed
	}
	c.consumers[consumer.id] = consumer
	return nil
}

func (c *Connection) removeConsumer(id string) {
	c.mu.Lock()
	delete(c.consumers, id)
	c.mu.Unlock()
}

// isClosed returns true if the connection is stopped
func (c *Connection) isClosed() bool {
	select {
	case <-c.closedFlag:
		return true
	default:
		return false
	}
}

// checkClosed returns an error if the connection is stopped
func (c *Connection) checkClosed() error {
	if c.isClosed() {
		return ErrConnectionClosed
	}
	return nil
}

// ValidatePartitionInterval normalises a partition or retention interval:
// a positive number of messages, or "<number> <unit>" such as "1 day".
func ValidatePartitionInterval(interval string) (string, error) {
	return statement.ValidatePartitionInterval(interval)
}

func isPgxStdlib(db *sql.DB) bool {
	_, ok := db.Driver().(*stdlib.Driver)
	return ok
}
