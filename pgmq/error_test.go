// Error handling tests simulate connection loss and retryable errors, validate
// backoff behavior and maximum attempts, and confirm that server errors are
// mapped to the package sentinels on every driver.
package pgmq_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgmq/pgmq-go/pgmq"
)

// MockDisconnectingPool wraps a real pool and simulates connection loss
type MockDisconnectingPool struct {
	RealPool     *pgxpool.Pool
	ShouldFail   atomic.Bool
	FailureCount atomic.Int32
}

var errConnectionLost = &pgconn.PgError{Code: "08006", Message: "simulated connection loss"}

func (m *MockDisconnectingPool) fail() bool {
	if m.ShouldFail.Load() {
		m.FailureCount.Add(1)
		return true
	}
	return false
}

func (m *MockDisconnectingPool) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	if m.fail() {
		return pgconn.CommandTag{}, errConnectionLost
	}
	return m.RealPool.Exec(ctx, sql, arguments...)
}

func (m *MockDisconnectingPool) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if m.fail() {
		return nil, errConnectionLost
	}
	return m.RealPool.Query(ctx, sql, args...)
}

func (m *MockDisconnectingPool) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return m.RealPool.QueryRow(ctx, sql, args...)
}

func (m *MockDisconnectingPool) Begin(ctx context.Context) (pgx.Tx, error) {
	if m.fail() {
		return nil, errConnectionLost
	}
	return m.RealPool.Begin(ctx)
}

func (m *MockDisconnectingPool) Acquire(ctx context.Context) (*pgxpool.Conn, error) {
	if m.fail() {
		return nil, errConnectionLost
	}
	return m.RealPool.Acquire(ctx)
}

// Close leaves the real pool to the test.
func (m *MockDisconnectingPool) Close() {}

// -----------------------------------------------------------------------
// Error Handling Tests
// -----------------------------------------------------------------------

// TestConnectionLossRecovery validates how the code handles connection loss and recovers from it
func TestConnectionLossRecovery(t *testing.T) {
	t.Parallel()
	pool, ctx := setupTestConnection(t)

	mockPool := &MockDisconnectingPool{RealPool: pool}
	conn, err := pgmq.DialFromPool(ctx, mockPool, pgmq.WithRetryConfig(pgmq.RetryConfig{
		MaxAttempts:       2,
		InitialBackoff:    10 * time.Millisecond,
		MaxBackoff:        50 * time.Millisecond,
		BackoffMultiplier: 2.0,
	}))
	require.NoError(t, err, "Failed to create connection")
	defer conn.Close()

	q := createQueue(t, ctx, conn, "conn_loss")
	msgID, err := conn.Send(ctx, q, json.RawMessage(`{"test":"conn_loss"}`))
	require.NoError(t, err)

	mockPool.ShouldFail.Store(true)
	_, err = conn.Send(ctx, q, json.RawMessage(`{"test":"should_fail"}`))
	require.Error(t, err, "Send should fail during connection loss")
	assert.True(t, pgmq.IsRetryableError(err))
	assert.Equal(t, int32(2), mockPool.FailureCount.Load(), "each attempt hits the pool")

	mockPool.ShouldFail.Store(false)
	recoveredID, err := conn.Send(ctx, q, json.RawMessage(`{"test":"recovered"}`))
	require.NoError(t, err, "Send should succeed after connection recovery")
	require.Greater(t, recoveredID, msgID)

	consumer, err := conn.Consume(ctx, q)
	require.NoError(t, err, "Should be able to create consumer after recovery")
	defer consumer.Stop()

	receivedCount := 0
	timeout := time.After(5 * time.Second)
	for receivedCount < 2 {
		select {
		case d := <-consumer.Messages():
			require.NoError(t, d.Ack(ctx), "Should be able to ack message")
			receivedCount++
		case <-timeout:
			t.Fatalf("Timed out waiting for messages, received %d/2", receivedCount)
		}
	}
}

// TestRetryOnSerializationFailure validates retry logic for transaction errors
func TestRetryOnSerializationFailure(t *testing.T) {
	t.Parallel()

	var callCount atomic.Int32
	mockPool := &MockPool{
		ExecFunc: func(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
			if callCount.Add(1) <= 2 {
				return pgconn.CommandTag{}, &pgconn.PgError{
					Code:    "40001", // serialization_failure
					Message: "simulated transaction error",
				}
			}
			return pgconn.CommandTag{}, nil
		},
	}

	ctx := context.Background()
	conn, err := pgmq.DialFromPool(ctx, mockPool,
		pgmq.WithoutExtensionCheck(),
		pgmq.WithRetryConfig(pgmq.RetryConfig{
			MaxAttempts:       5,
			InitialBackoff:    10 * time.Millisecond,
			MaxBackoff:        100 * time.Millisecond,
			BackoffMultiplier: 2.0,
		}))
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.CreateQueue(ctx, "retry_queue"), "Operation should succeed after retries")
	require.Equal(t, int32(3), callCount.Load(), "2 failures + 1 success")

	callCount.Store(0)
	mockPool.ExecFunc = func(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
		callCount.Add(1)
		return pgconn.CommandTag{}, &pgconn.PgError{Code: "40P01", Message: "persistent deadlock"}
	}
	err = conn.CreateQueue(ctx, "retry_fail_queue")
	require.Error(t, err, "Operation should fail after max retries")
	require.Equal(t, int32(5), callCount.Load(), "Should have made exactly 5 attempts")
}

func TestNonRetryableErrorFailsFast(t *testing.T) {
	t.Parallel()
	var callCount atomic.Int32
	mockPool := &MockPool{
		ExecFunc: func(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
			callCount.Add(1)
			return pgconn.CommandTag{}, &pgconn.PgError{Code: "42601", Message: "syntax error"}
		},
	}
	ctx := context.Background()
	conn, err := pgmq.DialFromPool(ctx, mockPool, pgmq.WithoutExtensionCheck())
	require.NoError(t, err)
	defer conn.Close()

	require.Error(t, conn.CreateQueue(ctx, "q"))
	assert.Equal(t, int32(1), callCount.Load())
}

func TestWithoutRetries(t *testing.T) {
	t.Parallel()
	var callCount atomic.Int32
	mockPool := &MockPool{
		ExecFunc: func(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
			callCount.Add(1)
			return pgconn.CommandTag{}, &pgconn.PgError{Code: "40001", Message: "serialization failure"}
		},
	}
	ctx := context.Background()
	conn, err := pgmq.DialFromPool(ctx, mockPool, pgmq.WithoutExtensionCheck(), pgmq.WithoutRetries())
	require.NoError(t, err)
	defer conn.Close()

	require.Error(t, conn.CreateQueue(ctx, "q"))
	assert.Equal(t, int32(1), callCount.Load())
}

// TestRetryBackoffBehavior verifies that backoff timing between retry attempts follows the expected pattern
func TestRetryBackoffBehavior(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	logger := &MockLogger{}

	var (
		mu       sync.Mutex
		attempts []time.Time
	)
	pool := &MockPool{
		ExecFunc: func(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
			mu.Lock()
			defer mu.Unlock()
			attempts = append(attempts, time.Now())
			if len(attempts) < 3 {
				return pgconn.CommandTag{}, &pgconn.PgError{Code: "40001", Message: "temporary error"}
			}
			return pgconn.CommandTag{}, nil
		},
	}

	conn, err := pgmq.DialFromPool(ctx, pool,
		pgmq.WithoutExtensionCheck(),
		pgmq.WithLogger(logger),
		pgmq.WithRetryConfig(pgmq.RetryConfig{
			MaxAttempts:       5,
			InitialBackoff:    100 * time.Millisecond,
			MaxBackoff:        1 * time.Second,
			BackoffMultiplier: 2.0,
		}))
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.CreateQueue(ctx, "backoff_queue"))
	require.Len(t, attempts, 3)

	firstBackoff := attempts[1].Sub(attempts[0])
	secondBackoff := attempts[2].Sub(attempts[1])
	assert.InDelta(t, 100, firstBackoff.Milliseconds(), 50, "First backoff should be around 100ms")
	assert.InDelta(t, 200, secondBackoff.Milliseconds(), 50, "Second backoff should be around 200ms")
	assert.Greater(t, secondBackoff, firstBackoff)

	var warnings int
	for _, line := range logger.GetMessages() {
		if strings.HasPrefix(line, "WARN: pgmq: Retryable error occurred") {
			warnings++
		}
	}
	assert.Equal(t, 2, warnings, "each retry is logged")
}

func TestRetryStopsOnContextCancel(t *testing.T) {
	t.Parallel()
	pool := &MockPool{
		ExecFunc: func(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
			return pgconn.CommandTag{}, &pgconn.PgError{Code: "08006", Message: "connection failure"}
		},
	}
	conn, err := pgmq.DialFromPool(context.Background(), pool,
		pgmq.WithoutExtensionCheck(),
		pgmq.WithRetryConfig(pgmq.RetryConfig{
			MaxAttempts:       10,
			InitialBackoff:    time.Second,
			MaxBackoff:        time.Second,
			BackoffMultiplier: 1.0,
		}))
	require.NoError(t, err)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	require.Error(t, conn.CreateQueue(ctx, "q"))
	assert.Less(t, time.Since(start), 900*time.Millisecond, "backoff wait ends with the context")
}

// TestErrorMapping verifies server errors are mapped to sentinels on every driver
func TestErrorMapping(t *testing.T) {
	t.Parallel()
	forEachBackend(t, func(t *testing.T, conn *pgmq.Connection) {
		ctx := context.Background()
		missing := queueName("missing")

		_, err := conn.Send(ctx, missing, json.RawMessage(`{}`))
		assert.ErrorIs(t, err, pgmq.ErrQueueNotFound)
		_, err = conn.Read(ctx, missing, 30)
		assert.ErrorIs(t, err, pgmq.ErrQueueNotFound)
		_, err = conn.Metrics(ctx, missing)
		assert.ErrorIs(t, err, pgmq.ErrQueueNotFound)
		_, err = conn.Purge(ctx, missing)
		assert.ErrorIs(t, err, pgmq.ErrQueueNotFound)
		assert.False(t, pgmq.IsRetryableError(err))
	})
}

func TestParallelOperations(t *testing.T) {
	t.Parallel()
	conn, ctx := setupConnection(t)
	q := createQueue(t, ctx, conn, "parallel")

	var wg sync.WaitGroup
	errChan := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			if _, err := conn.Send(ctx, q, json.RawMessage(fmt.Sprintf(`{"index":%d}`, idx))); err != nil {
				errChan <- err
			}
		}(i)
	}
	wg.Wait()
	close(errChan)

	var errs []error
	for err := range errChan {
		errs = append(errs, err)
	}
	assert.Empty(t, errs, "Parallel operations should not produce errors")

	m, err := conn.Metrics(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, int64(10), m.QueueLength)
}

// -----------------------------------------------------------------------
// Edge Case Tests
// -----------------------------------------------------------------------

// TestVeryLargePayload tests handling of large message payloads
func TestVeryLargePayload(t *testing.T) {
	t.Parallel()
	forEachBackend(t, func(t *testing.T, conn *pgmq.Connection) {
		ctx := context.Background()
		q := createQueue(t, ctx, conn, "large")

		values := make([]int, 10000)
		for i := range values {
			values[i] = (i % 255) + 1
		}
		payload, err := json.Marshal(map[string]any{"binary_data": values})
		require.NoError(t, err)
		t.Logf("Test payload size: %d bytes", len(payload))

		id, err := conn.Send(ctx, q, payload)
		require.NoError(t, err)

		msg, err := conn.Read(ctx, q, 30)
		require.NoError(t, err)
		require.NotNil(t, msg)
		assert.Equal(t, id, msg.ID)
		assert.JSONEq(t, string(payload), string(msg.Payload))
	})
}

// TestBoundaryConditions tests behavior at the edges of valid parameter ranges
func TestBoundaryConditions(t *testing.T) {
	t.Parallel()
	conn, ctx := setupConnection(t)
	q := createQueue(t, ctx, conn, "boundary")

	_, err := conn.Consume(ctx, q, pgmq.WithVT(0))
	assert.Error(t, err, "zero visibility timeout is rejected")
	_, err = conn.Consume(ctx, q, pgmq.WithBatchSize(0))
	assert.Error(t, err)
	_, err = conn.Consume(ctx, q, pgmq.WithMaxReadCount(-1))
	assert.Error(t, err)

	// scalar payloads are valid JSON
	for _, payload := range []string{`{}`, `[]`, `"text"`, `42`, `null`} {
		_, err := conn.Send(ctx, q, json.RawMessage(payload))
		require.NoError(t, err, payload)
	}

	_, err = conn.Send(ctx, q, json.RawMessage(`{not json`))
	require.Error(t, err, "invalid JSON is rejected by the server")
	var pgErr *pgconn.PgError
	assert.True(t, errors.As(err, &pgErr), "driver error stays in the chain")

	consumer, err := conn.Consume(ctx, q, pgmq.WithVT(1), pgmq.WithBatchSize(1000))
	require.NoError(t, err, "Should accept minimum visibility timeout and large batches")
	defer consumer.Stop()

	received := 0
	timeout := time.After(10 * time.Second)
	for received < 5 {
		select {
		case d := <-consumer.Messages():
			require.NoError(t, d.Ack(ctx))
			received++
		case <-timeout:
			t.Fatalf("received %d/5 messages", received)
		}
	}
}
