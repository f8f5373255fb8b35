package pgmq

import (
	"context"
	"database/sql/driver"
	"errors"
	"math"
	"strings"
	"time"
)

// RetryConfig holds configuration for automatic retry of transient database errors.
//
// The client retries operations that fail due to:
//   - Connection failures (PostgreSQL error class 08, or driver.ErrBadConn on database/sql)
//   - Serialization failures (40001)
//   - Deadlock detection (40P01)
//
// Retry uses exponential backoff capped at MaxBackoff.
type RetryConfig struct {
	// Disabled turns off retry logic entirely. When true, operations fail immediately on error.
	Disabled bool

	// MaxAttempts is the maximum number of attempts (including the initial attempt).
	MaxAttempts int

	// InitialBackoff is the wait time before the first retry.
	InitialBackoff time.Duration

	// MaxBackoff caps the backoff duration.
	MaxBackoff time.Duration

	// BackoffMultiplier is applied to the previous backoff to calculate the next wait time.
	// With InitialBackoff=100ms and BackoffMultiplier=2.0 the waits are 100ms, 200ms, 400ms...
	BackoffMultiplier float64
}

func defaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        2 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// IsRetryableError reports whether err is a transient failure worth another
// attempt. Both pgx and lib/pq errors are recognised.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}
	code, _, ok := postgresError(err)
	if !ok {
		return false
	}
	return code == "40001" || code == "40P01" || strings.HasPrefix(code, "08")
}

// delay is the wait before retry n, counting from 1.
func (rc RetryConfig) delay(n int) time.Duration {
	d := float64(rc.InitialBackoff) * math.Pow(rc.BackoffMultiplier, float64(n-1))
	if d > float64(rc.MaxBackoff) {
		return rc.MaxBackoff
	}
	return time.Duration(d)
}

// withRetry repeats operation while it fails with a retryable error, up to
// MaxAttempts in total. The wait between attempts ends early with ctx, and
// a Connection closed meanwhile stops further attempts.
func (c *Connection) withRetry(ctx context.Context, operation func(context.Context) error) error {
	rc := c.retryConfig
	err := operation(ctx)
	if rc.Disabled {
		return err
	}
	for n := 1; n < rc.MaxAttempts && IsRetryableError(err); n++ {
		c.logger.Warnf("Retryable error occurred (attempt %d/%d): %v", n, rc.MaxAttempts, err)
		timer := time.NewTimer(rc.delay(n))
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
		if c.isClosed() {
			return ErrConnectionClosed
		}
		err = operation(ctx)
	}
	return err
}
