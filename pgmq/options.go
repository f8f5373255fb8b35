package pgmq

import (
	"fmt"
	"math"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/pgmq/pgmq-go/pgmq/statement"
)

// ConnectionOption configures a Connection at construction time.
type ConnectionOption func(*Connection)

// WithShutdownTimeout sets how long Connection.Close waits for all Consumers
// to finish before continuing shutdown. Zero waits indefinitely (default).
//
// If the timeout expires, shutdown continues anyway. Messages still held by
// consumers become visible again when their visibility timeout expires.
func WithShutdownTimeout(d time.Duration) ConnectionOption {
	return func(c *Connection) {
		c.shutdownTimeout = d
	}
}

// WithRetryConfig sets the retry policy for transient database errors.
//
// The retry policy is used by every Connection method. Operations run inside
// Connection.Tx, or bound by NewOperations/NewSQLOperations, never retry
// since the transaction boundary belongs to the caller.
//
// The default retry policy is 3 attempts, 100ms initial backoff, 2s max
// backoff and a multiplier of 2.0.
func WithRetryConfig(config RetryConfig) ConnectionOption {
	return func(c *Connection) {
		c.retryConfig = config
	}
}

// WithoutRetries disables the retry policy for this Connection.
func WithoutRetries() ConnectionOption {
	return func(c *Connection) {
		c.retryConfig.Disabled = true
	}
}

// WithLogger installs a Printf-style logger. Each line is prefixed with its level.
func WithLogger(logger Logger) ConnectionOption {
	return func(c *Connection) {
		c.logger = levelLogAdapter{logger: logger}
	}
}

// WithLevelLogger installs a leveled logger.
func WithLevelLogger(logger LevelLogger) ConnectionOption {
	return func(c *Connection) {
		c.logger = logger
	}
}

// WithoutExtensionCheck skips "CREATE EXTENSION IF NOT EXISTS pgmq" at
// construction, for roles that lack the privilege on databases that already
// have the extension installed.
func WithoutExtensionCheck() ConnectionOption {
	return func(c *Connection) {
		c.skipExtensionCheck = true
	}
}

// WithOtelTracer sets the tracer used for per-operation spans. Defaults to
// the global tracer provider.
func WithOtelTracer(tracer trace.Tracer) ConnectionOption {
	return func(c *Connection) {
		c.tracer = tracer
	}
}

// WithOtelMeter sets the meter used for message counters. Defaults to the
// global meter provider.
func WithOtelMeter(meter metric.Meter) ConnectionOption {
	return func(c *Connection) {
		c.meter = meter
	}
}

// WithQueryTracing installs a pgx QueryTracer emitting one span per SQL
// statement. It only applies when the Connection builds the pgx pool itself
// (Dial and DialDSN with a pgx DSN).
func WithQueryTracing() ConnectionOption {
	return func(c *Connection) {
		c.queryTracing = true
	}
}

func validateConnectionOptions(options *Connection) error {
	if options.shutdownTimeout < 0 {
		return fmt.Errorf("shutdown timeout must be positive")
	}
	if options.logger == nil {
		return fmt.Errorf("logger must not be nil")
	}
	if options.retryConfig.Disabled {
		return nil
	}
	if options.retryConfig.MaxAttempts <= 0 {
		return fmt.Errorf("max attempts must be positive")
	}
	if options.retryConfig.InitialBackoff <= 0 {
		return fmt.Errorf("initial backoff must be positive")
	}
	if options.retryConfig.MaxBackoff <= 0 {
		return fmt.Errorf("max backoff must be positive")
	}
	if options.retryConfig.BackoffMultiplier <= 0 {
		return fmt.Errorf("backoff multiplier must be positive")
	}
	return nil
}

// queueOptions holds configuration for queue creation and removal.
type queueOptions struct {
	unlogged    bool
	partitioned bool
}

// QueueOption configures CreateQueue and DropQueue.
type QueueOption func(*queueOptions)

// WithUnlogged creates the queue with an UNLOGGED table: faster writes,
// contents lost on crash.
func WithUnlogged() QueueOption {
	return func(o *queueOptions) {
		o.unlogged = true
	}
}

// WithPartitioned tells DropQueue the queue was created with CreatePartitionedQueue.
func WithPartitioned() QueueOption {
	return func(o *queueOptions) {
		o.partitioned = true
	}
}

func applyQueueOptions(opts []QueueOption) queueOptions {
	var options queueOptions
	for _, opt := range opts {
		opt(&options)
	}
	return options
}

type partitionOptions struct {
	partitionInterval string
	retentionInterval string
}

// PartitionOption configures CreatePartitionedQueue.
type PartitionOption func(*partitionOptions)

// WithPartitionInterval sets how many messages (e.g. "10000") or how much
// time (e.g. "1 day") one partition holds. Default "10000".
func WithPartitionInterval(interval string) PartitionOption {
	return func(o *partitionOptions) {
		o.partitionInterval = interval
	}
}

// WithRetentionInterval sets how many messages or how much time is retained
// before old partitions are dropped. Default "100000".
func WithRetentionInterval(interval string) PartitionOption {
	return func(o *partitionOptions) {
		o.retentionInterval = interval
	}
}

func applyPartitionOptions(opts []PartitionOption) partitionOptions {
	options := partitionOptions{
		partitionInterval: statement.DefaultPartitionInterval,
		retentionInterval: statement.DefaultRetentionInterval,
	}
	for _, opt := range opts {
		opt(&options)
	}
	return options
}

type sendOptions struct {
	delay int
}

// SendOption configures Send, SendJSON and SendBatch.
type SendOption func(*sendOptions)

// WithDelay keeps new messages invisible for the given number of seconds.
func WithDelay(seconds int) SendOption {
	return func(o *sendOptions) {
		o.delay = seconds
	}
}

// WithDeliverAt keeps new messages invisible until t, rounded up to the next
// whole second. A time in the past means no delay.
func WithDeliverAt(t time.Time) SendOption {
	return func(o *sendOptions) {
		o.delay = secondsUntil(t)
	}
}

func secondsUntil(t time.Time) int {
	d := time.Until(t)
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Seconds()))
}

func applySendOptions(opts []SendOption) sendOptions {
	var options sendOptions
	for _, opt := range opts {
		opt(&options)
	}
	return options
}

type pollOptions struct {
	maxPoll      time.Duration
	pollInterval time.Duration
}

// PollOption configures ReadWithPoll.
type PollOption func(*pollOptions)

// WithMaxPoll bounds how long ReadWithPoll blocks server side. Default 5s,
// rounded up to whole seconds.
func WithMaxPoll(d time.Duration) PollOption {
	return func(o *pollOptions) {
		o.maxPoll = d
	}
}

// WithPollInterval sets how often the server re-checks the queue while
// polling. Default 100ms.
func WithPollInterval(d time.Duration) PollOption {
	return func(o *pollOptions) {
		o.pollInterval = d
	}
}

func applyPollOptions(opts []PollOption) (maxPollSeconds, pollIntervalMs int) {
	options := pollOptions{
		maxPoll:      statement.DefaultMaxPollSeconds * time.Second,
		pollInterval: statement.DefaultPollIntervalMs * time.Millisecond,
	}
	for _, opt := range opts {
		opt(&options)
	}
	maxPollSeconds = int(math.Ceil(options.maxPoll.Seconds()))
	pollIntervalMs = int(options.pollInterval.Milliseconds())
	if maxPollSeconds < 1 {
		maxPollSeconds = 1
	}
	if pollIntervalMs < 1 {
		pollIntervalMs = 1
	}
	return maxPollSeconds, pollIntervalMs
}

// consumeOptions holds configuration for message consumption.
type consumeOptions struct {
	batchSize       int
	checkTimeout    time.Duration
	vt              int
	noAutoExtension bool
	extendBatchSize int
	archiveOnAck    bool
	maxReadCount    int64
	notify          bool
	maxInFlight     int
}

// ConsumeOption configures Consume and ConsumeWithHandler.
type ConsumeOption func(*consumeOptions)

func defaultConsumeOptions() consumeOptions {
	return consumeOptions{
		batchSize:       5,
		checkTimeout:    10 * time.Second,
		vt:              30,
		extendBatchSize: 100,
	}
}

func validateConsumeOptions(options *consumeOptions) error {
	if options.checkTimeout <= 0 {
		return fmt.Errorf("check timeout must be positive")
	}
	if options.batchSize <= 0 {
		return fmt.Errorf("batch size must be positive")
	}
	if options.vt <= 0 {
		return fmt.Errorf("visibility timeout must be positive")
	}
	if options.extendBatchSize <= 0 {
		return fmt.Errorf("extend batch size must be positive")
	}
	if options.maxReadCount < 0 {
		return fmt.Errorf("max read count must not be negative")
	}
	if options.maxInFlight < 0 {
		return fmt.Errorf("max in flight must not be negative")
	}
	return nil
}

// WithBatchSize sets how many messages to read per batch. The Messages()
// channel is buffered to this size. Default 5.
func WithBatchSize(n int) ConsumeOption {
	return func(o *consumeOptions) {
		o.batchSize = n
	}
}

// WithCheckTimeout sets the maximum time between reads when the queue looks
// empty and no notification arrives. Default 10s.
func WithCheckTimeout(d time.Duration) ConsumeOption {
	return func(o *consumeOptions) {
		o.checkTimeout = d
	}
}

// WithVT sets the visibility timeout in seconds for read messages. Default 30.
//
// Unless auto-extension is disabled, in-flight messages are extended at half
// of their remaining visibility timeout, so the value only needs to cover
// one extension round trip.
func WithVT(seconds int) ConsumeOption {
	return func(o *consumeOptions) {
		o.vt = seconds
	}
}

// WithNoAutoExtension disables automatic visibility timeout extension. The
// application calls Delivery.SetVT itself if processing can outlast the vt.
func WithNoAutoExtension() ConsumeOption {
	return func(o *consumeOptions) {
		o.noAutoExtension = true
	}
}

// WithExtendBatchSize limits how many messages are extended in one
// statement. Default 100.
func WithExtendBatchSize(size int) ConsumeOption {
	return func(o *consumeOptions) {
		o.extendBatchSize = size
	}
}

// WithArchiveOnAck makes Delivery.Ack archive the message instead of deleting it.
func WithArchiveOnAck() ConsumeOption {
	return func(o *consumeOptions) {
		o.archiveOnAck = true
	}
}

// WithMaxReadCount archives messages that have been read more than n times
// instead of delivering them again. Zero (default) delivers forever.
func WithMaxReadCount(n int64) ConsumeOption {
	return func(o *consumeOptions) {
		o.maxReadCount = n
	}
}

// WithNotify enables insert notifications for the queue and wakes the
// consumer as soon as a message is sent, instead of waiting for the next
// check. Requires the pgx driver.
func WithNotify() ConsumeOption {
	return func(o *consumeOptions) {
		o.notify = true
	}
}

// WithMaxInFlight limits how many handlers a HandlerConsumer runs at once.
// Zero means unlimited.
func WithMaxInFlight(n int) ConsumeOption {
	return func(o *consumeOptions) {
		o.maxInFlight = n
	}
}

// NackOption configures Delivery.Nack.
type NackOption func(*nackOptions)

type nackOptions struct {
	delay time.Duration
}

// WithNackDelay makes a nacked message visible again after d instead of
// immediately. Sub-second delays are rounded up.
//
//	// exponential backoff on read count
//	d.Nack(ctx, pgmq.WithNackDelay(time.Duration(1<<d.ReadCount)*time.Second))
func WithNackDelay(d time.Duration) NackOption {
	return func(o *nackOptions) {
		o.delay = d
	}
}
