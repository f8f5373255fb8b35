package pgmq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pgmq/pgmq-go/pgmq/statement"
)

// Operation names, used as span names and metric attributes.
const (
	opCheckExtension        = "check_extension"
	opCheckPartmanExtension = "check_partman_extension"
	opCreateQueue           = "create_queue"
	opCreatePartitioned     = "create_partitioned_queue"
	opValidateQueueName     = "validate_queue_name"
	opDropQueue             = "drop_queue"
	opListQueues            = "list_queues"
	opSend                  = "send"
	opSendBatch             = "send_batch"
	opRead                  = "read"
	opReadBatch             = "read_batch"
	opReadWithPoll          = "read_with_poll"
	opSetVT                 = "set_vt"
	opSetVTBatch            = "set_vt_batch"
	opPop                   = "pop"
	opDelete                = "delete"
	opDeleteBatch           = "delete_batch"
	opArchive               = "archive"
	opArchiveBatch          = "archive_batch"
	opPurge                 = "purge"
	opMetrics               = "metrics"
	opMetricsAll            = "metrics_all"
	opEnableNotify          = "enable_notify_insert"
	opDisableNotify         = "disable_notify_insert"
	opNextVisibleTime       = "next_visible_time"
	opExtendVT              = "extend_vt"
)

// runFunc executes one operation. fn returns how many messages it touched.
type runFunc func(ctx context.Context, op, queue string, fn func(context.Context) (int64, error)) error

func directRun(ctx context.Context, _, _ string, fn func(context.Context) (int64, error)) error {
	_, err := fn(ctx)
	return wrapPostgresError(err)
}

// Operations exposes every PGMQ function on one executor.
//
// Operations never begin, commit or retry: the caller owns the transaction.
// A Connection embeds an Operations bound to its pool that adds retries,
// tracing and metrics; Connection.Tx hands out one bound to a transaction.
type Operations struct {
	ex  executor
	run runFunc
}

// NewOperations binds the operations to a pgx pool, connection or
// transaction. Nothing is committed on the caller's behalf.
//
//	tx, _ := pool.Begin(ctx)
//	defer tx.Rollback(ctx)
//	ops := pgmq.NewOperations(tx)
//	if _, err := ops.Send(ctx, "orders", payload); err != nil {
//	    return err
//	}
//	// ... other writes in the same transaction ...
//	return tx.Commit(ctx)
func NewOperations(tx Tx) *Operations {
	return &Operations{ex: pgxExecutor{q: tx}, run: directRun}
}

// NewSQLOperations binds the operations to a database/sql handle or transaction.
func NewSQLOperations(tx SQLTx) *Operations {
	return &Operations{ex: sqlExecutor{q: tx}, run: directRun}
}

func (o *Operations) execOp(ctx context.Context, op, queue string, st statement.Statement) error {
	return o.run(ctx, op, queue, func(ctx context.Context) (int64, error) {
		return 0, o.ex.exec(ctx, st)
	})
}

// CheckExtension creates the pgmq extension if it is missing.
func (o *Operations) CheckExtension(ctx context.Context) error {
	if err := o.execOp(ctx, opCheckExtension, "", statement.CheckExtension()); err != nil {
		return fmt.Errorf("failed to create pgmq extension: %w", err)
	}
	return nil
}

// CheckPartmanExtension creates the pg_partman extension if it is missing.
func (o *Operations) CheckPartmanExtension(ctx context.Context) error {
	if err := o.execOp(ctx, opCheckPartmanExtension, "", statement.CheckPartmanExtension()); err != nil {
		return fmt.Errorf("failed to create pg_partman extension: %w", err)
	}
	return nil
}

// CreateQueue creates a queue. Creating an existing queue is a no-op.
func (o *Operations) CreateQueue(ctx context.Context, queue string, opts ...QueueOption) error {
	options := applyQueueOptions(opts)
	if err := o.execOp(ctx, opCreateQueue, queue, statement.CreateQueue(queue, options.unlogged)); err != nil {
		return fmt.Errorf("failed to create queue %q: %w", queue, err)
	}
	return nil
}

// CreatePartitionedQueue creates a queue partitioned by pg_partman. Invalid
// intervals fail with ErrInvalidPartitionInterval before any SQL is sent.
//
// The pg_partman extension must already exist; Connection.CreatePartitionedQueue
// creates it on first use.
func (o *Operations) CreatePartitionedQueue(ctx context.Context, queue string, opts ...PartitionOption) error {
	options := applyPartitionOptions(opts)
	st, err := statement.CreatePartitionedQueue(queue, options.partitionInterval, options.retentionInterval)
	if err != nil {
		return err
	}
	if err := o.execOp(ctx, opCreatePartitioned, queue, st); err != nil {
		return fmt.Errorf("failed to create partitioned queue %q: %w", queue, err)
	}
	return nil
}

// ValidateQueueName asks the extension whether queue is an acceptable name.
// Too long names fail with ErrInvalidQueueName.
func (o *Operations) ValidateQueueName(ctx context.Context, queue string) error {
	return o.execOp(ctx, opValidateQueueName, queue, statement.ValidateQueueName(queue))
}

// DropQueue drops the queue and its archive. It reports whether the queue existed.
func (o *Operations) DropQueue(ctx context.Context, queue string, opts ...QueueOption) (bool, error) {
	options := applyQueueOptions(opts)
	var dropped bool
	err := o.run(ctx, opDropQueue, queue, func(ctx context.Context) (int64, error) {
		_, err := queryRow(ctx, o.ex, statement.DropQueue(queue, options.partitioned), &dropped)
		return 0, err
	})
	if err != nil {
		return false, fmt.Errorf("failed to drop queue %q: %w", queue, err)
	}
	return dropped, nil
}

// ListQueues returns the names of all queues, sorted.
func (o *Operations) ListQueues(ctx context.Context) ([]string, error) {
	var queues []string
	err := o.run(ctx, opListQueues, "", func(ctx context.Context) (n int64, err error) {
		queues, err = queryColumn[string](ctx, o.ex, statement.ListQueues())
		return 0, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list queues: %w", err)
	}
	return queues, nil
}

// ListQueueDetails returns every queue with its storage flags.
func (o *Operations) ListQueueDetails(ctx context.Context) ([]QueueInfo, error) {
	var queues []QueueInfo
	err := o.run(ctx, opListQueues, "", func(ctx context.Context) (int64, error) {
		r, err := o.ex.query(ctx, statement.ListQueueDetails())
		if err != nil {
			return 0, err
		}
		queues, err = scanQueueInfo(r)
		return 0, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list queues: %w", err)
	}
	return queues, nil
}

// Send enqueues one JSON message and returns its id.
func (o *Operations) Send(ctx context.Context, queue string, payload json.RawMessage, opts ...SendOption) (int64, error) {
	options := applySendOptions(opts)
	var id int64
	err := o.run(ctx, opSend, queue, func(ctx context.Context) (int64, error) {
		_, err := queryRow(ctx, o.ex, statement.Send(queue, string(payload), options.delay), &id)
		return 1, err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to send message: %w", err)
	}
	return id, nil
}

// SendJSON marshals v and sends it.
func (o *Operations) SendJSON(ctx context.Context, queue string, v any, opts ...SendOption) (int64, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("failed to encode message: %w", err)
	}
	return o.Send(ctx, queue, payload, opts...)
}

// SendBatch enqueues several messages in one statement and returns their
// ids in order. An empty batch is a no-op.
func (o *Operations) SendBatch(ctx context.Context, queue string, payloads []json.RawMessage, opts ...SendOption) ([]int64, error) {
	if len(payloads) == 0 {
		return nil, nil
	}
	options := applySendOptions(opts)
	messages := make([]string, len(payloads))
	for i, p := range payloads {
		messages[i] = string(p)
	}
	var ids []int64
	err := o.run(ctx, opSendBatch, queue, func(ctx context.Context) (n int64, err error) {
		ids, err = queryColumn[int64](ctx, o.ex, statement.SendBatch(queue, messages, options.delay))
		return int64(len(ids)), err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to send batch: %w", err)
	}
	return ids, nil
}

func (o *Operations) readMessages(ctx context.Context, op, queue string, st statement.Statement) ([]Message, error) {
	var messages []Message
	err := o.run(ctx, op, queue, func(ctx context.Context) (int64, error) {
		r, err := o.ex.query(ctx, st)
		if err != nil {
			return 0, err
		}
		messages, err = scanMessages(r)
		return int64(len(messages)), err
	})
	return messages, err
}

// Read reads one message and hides it for vt seconds. It returns nil when
// no message is visible.
func (o *Operations) Read(ctx context.Context, queue string, vt int) (*Message, error) {
	messages, err := o.readMessages(ctx, opRead, queue, statement.Read(queue, vt))
	if err != nil {
		return nil, fmt.Errorf("failed to read message: %w", err)
	}
	return first(messages), nil
}

// ReadBatch reads up to n messages and hides them for vt seconds. It
// returns nil when no message is visible.
func (o *Operations) ReadBatch(ctx context.Context, queue string, vt, n int) ([]Message, error) {
	messages, err := o.readMessages(ctx, opReadBatch, queue, statement.ReadBatch(queue, vt, n))
	if err != nil {
		return nil, fmt.Errorf("failed to read messages: %w", err)
	}
	return messages, nil
}

// ReadWithPoll is ReadBatch that waits server side for up to the max poll
// duration (WithMaxPoll, default 5s) until qty messages are visible.
func (o *Operations) ReadWithPoll(ctx context.Context, queue string, vt, qty int, opts ...PollOption) ([]Message, error) {
	maxPollSeconds, pollIntervalMs := applyPollOptions(opts)
	st := statement.ReadWithPoll(queue, vt, qty, maxPollSeconds, pollIntervalMs)
	messages, err := o.readMessages(ctx, opReadWithPoll, queue, st)
	if err != nil {
		return nil, fmt.Errorf("failed to read messages: %w", err)
	}
	return messages, nil
}

// SetVT makes the message visible again vt seconds from now and returns it
// with the new visibility time. It returns nil if the message does not exist.
func (o *Operations) SetVT(ctx context.Context, queue string, msgID int64, vt int) (*Message, error) {
	messages, err := o.readMessages(ctx, opSetVT, queue, statement.SetVT(queue, msgID, vt))
	if err != nil {
		return nil, fmt.Errorf("failed to set visibility timeout: %w", err)
	}
	return first(messages), nil
}

// SetVTBatch applies SetVT to several messages in one statement. Messages
// that no longer exist are omitted from the result.
func (o *Operations) SetVTBatch(ctx context.Context, queue string, msgIDs []int64, vt int) ([]Message, error) {
	if len(msgIDs) == 0 {
		return nil, nil
	}
	messages, err := o.readMessages(ctx, opSetVTBatch, queue, statement.SetVTBatch(queue, msgIDs, vt))
	if err != nil {
		return nil, fmt.Errorf("failed to set visibility timeout: %w", err)
	}
	return messages, nil
}

// extendVT pushes back the vt of messages still held by the given reads.
// readCounts[i] is the read count msgIDs[i] was delivered with.
func (o *Operations) extendVT(ctx context.Context, queue string, msgIDs, readCounts []int64, vt int) ([]Message, error) {
	if len(msgIDs) == 0 {
		return nil, nil
	}
	messages, err := o.readMessages(ctx, opExtendVT, queue, statement.ExtendVT(queue, msgIDs, readCounts, vt))
	if err != nil {
		return nil, fmt.Errorf("failed to extend visibility timeout: %w", err)
	}
	return messages, nil
}

// Pop reads and deletes one message. It returns nil when no message is visible.
func (o *Operations) Pop(ctx context.Context, queue string) (*Message, error) {
	messages, err := o.readMessages(ctx, opPop, queue, statement.Pop(queue))
	if err != nil {
		return nil, fmt.Errorf("failed to pop message: %w", err)
	}
	return first(messages), nil
}

func (o *Operations) boolOp(ctx context.Context, op, queue string, st statement.Statement) (bool, error) {
	var ok bool
	err := o.run(ctx, op, queue, func(ctx context.Context) (int64, error) {
		if _, err := queryRow(ctx, o.ex, st, &ok); err != nil {
			return 0, err
		}
		if ok {
			return 1, nil
		}
		return 0, nil
	})
	return ok, err
}

func (o *Operations) idsOp(ctx context.Context, op, queue string, st statement.Statement) ([]int64, error) {
	var ids []int64
	err := o.run(ctx, op, queue, func(ctx context.Context) (n int64, err error) {
		ids, err = queryColumn[int64](ctx, o.ex, st)
		return int64(len(ids)), err
	})
	return ids, err
}

// Delete removes a message. It reports whether the message existed.
func (o *Operations) Delete(ctx context.Context, queue string, msgID int64) (bool, error) {
	ok, err := o.boolOp(ctx, opDelete, queue, statement.Delete(queue, msgID))
	if err != nil {
		return false, fmt.Errorf("failed to delete message: %w", err)
	}
	return ok, nil
}

// DeleteBatch removes several messages and returns the ids that existed.
func (o *Operations) DeleteBatch(ctx context.Context, queue string, msgIDs []int64) ([]int64, error) {
	if len(msgIDs) == 0 {
		return nil, nil
	}
	ids, err := o.idsOp(ctx, opDeleteBatch, queue, statement.DeleteBatch(queue, msgIDs))
	if err != nil {
		return nil, fmt.Errorf("failed to delete messages: %w", err)
	}
	return ids, nil
}

// Archive moves a message to the queue's archive table. It reports whether
// the message existed.
func (o *Operations) Archive(ctx context.Context, queue string, msgID int64) (bool, error) {
	ok, err := o.boolOp(ctx, opArchive, queue, statement.Archive(queue, msgID))
	if err != nil {
		return false, fmt.Errorf("failed to archive message: %w", err)
	}
	return ok, nil
}

// ArchiveBatch archives several messages and returns the ids that existed.
func (o *Operations) ArchiveBatch(ctx context.Context, queue string, msgIDs []int64) ([]int64, error) {
	if len(msgIDs) == 0 {
		return nil, nil
	}
	ids, err := o.idsOp(ctx, opArchiveBatch, queue, statement.ArchiveBatch(queue, msgIDs))
	if err != nil {
		return nil, fmt.Errorf("failed to archive messages: %w", err)
	}
	return ids, nil
}

// Purge deletes every message in the queue and returns how many were deleted.
func (o *Operations) Purge(ctx context.Context, queue string) (int64, error) {
	var purged int64
	err := o.run(ctx, opPurge, queue, func(ctx context.Context) (int64, error) {
		_, err := queryRow(ctx, o.ex, statement.Purge(queue), &purged)
		return purged, err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to purge queue %q: %w", queue, err)
	}
	return purged, nil
}

// Metrics returns the queue's current statistics.
func (o *Operations) Metrics(ctx context.Context, queue string) (*QueueMetrics, error) {
	var metrics []QueueMetrics
	err := o.run(ctx, opMetrics, queue, func(ctx context.Context) (int64, error) {
		r, err := o.ex.query(ctx, statement.Metrics(queue))
		if err != nil {
			return 0, err
		}
		metrics, err = scanMetrics(r)
		return 0, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get metrics for %q: %w", queue, err)
	}
	return first(metrics), nil
}

// MetricsAll returns statistics for every queue, sorted by name.
func (o *Operations) MetricsAll(ctx context.Context) ([]QueueMetrics, error) {
	var metrics []QueueMetrics
	err := o.run(ctx, opMetricsAll, "", func(ctx context.Context) (int64, error) {
		r, err := o.ex.query(ctx, statement.MetricsAll())
		if err != nil {
			return 0, err
		}
		metrics, err = scanMetrics(r)
		return 0, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get metrics: %w", err)
	}
	return metrics, nil
}

// EnableNotifyInsert installs a trigger that notifies on
// "pgmq.q_<queue>.INSERT" whenever a message is sent.
func (o *Operations) EnableNotifyInsert(ctx context.Context, queue string) error {
	if err := o.execOp(ctx, opEnableNotify, queue, statement.EnableNotifyInsert(queue)); err != nil {
		return fmt.Errorf("failed to enable insert notifications: %w", err)
	}
	return nil
}

// DisableNotifyInsert removes the trigger installed by EnableNotifyInsert.
func (o *Operations) DisableNotifyInsert(ctx context.Context, queue string) error {
	if err := o.execOp(ctx, opDisableNotify, queue, statement.DisableNotifyInsert(queue)); err != nil {
		return fmt.Errorf("failed to disable insert notifications: %w", err)
	}
	return nil
}

// nextVisibleTime returns when the earliest message becomes visible, or the
// zero time for an empty queue.
func (o *Operations) nextVisibleTime(ctx context.Context, queue string) (time.Time, error) {
	var vt *time.Time
	err := o.run(ctx, opNextVisibleTime, queue, func(ctx context.Context) (int64, error) {
		_, err := queryRow(ctx, o.ex, statement.NextVisibleTime(queue), &vt)
		return 0, err
	})
	if err != nil || vt == nil {
		return time.Time{}, err
	}
	return *vt, nil
}

func first[T any](items []T) *T {
	if len(items) == 0 {
		return nil
	}
	return &items[0]
}
