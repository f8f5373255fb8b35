// Package statement builds the SQL text and positional arguments for every
// PGMQ function the client calls. Builders perform no I/O; the same
// Statement runs unchanged on pgx and on database/sql drivers because both
// use $n placeholders.
package statement

import (
	"strings"

	"github.com/jackc/pgx/v5"
)

// Statement is SQL text plus its positional arguments.
type Statement struct {
	SQL  string
	Args []any
}

const (
	// DefaultPartitionInterval is the msg_id span of one partition.
	DefaultPartitionInterval = "10000"
	// DefaultRetentionInterval is the msg_id span kept before old partitions are dropped.
	DefaultRetentionInterval = "100000"
	// DefaultMaxPollSeconds and DefaultPollIntervalMs mirror pgmq.read_with_poll defaults.
	DefaultMaxPollSeconds = 5
	DefaultPollIntervalMs = 100
)

// messageFields are selected explicitly so that newer extension versions
// with additional record columns still scan into the same five fields.
var messageFields = []string{"msg_id", "read_ct", "enqueued_at", "vt", "message"}

var messageColumns = strings.Join(messageFields, ", ")

// qualifiedColumns returns the message columns prefixed with a table alias.
func qualifiedColumns(alias string) string {
	cols := make([]string, len(messageFields))
	for i, f := range messageFields {
		cols[i] = alias + "." + f
	}
	return strings.Join(cols, ", ")
}

const metricsColumns = "queue_name, queue_length, newest_msg_age_sec, oldest_msg_age_sec, total_messages, scrape_time"

func stmt(sql string, args ...any) Statement {
	return Statement{SQL: sql, Args: args}
}

func CheckExtension() Statement {
	return stmt("CREATE EXTENSION IF NOT EXISTS pgmq CASCADE")
}

func CheckPartmanExtension() Statement {
	return stmt("CREATE EXTENSION IF NOT EXISTS pg_partman CASCADE")
}

// CreateQueue creates a regular or unlogged queue.
func CreateQueue(queue string, unlogged bool) Statement {
	if unlogged {
		return stmt("SELECT pgmq.create_unlogged($1::text)", queue)
	}
	return stmt("SELECT pgmq.create($1::text)", queue)
}

// CreatePartitionedQueue validates both intervals before building the call,
// so a malformed interval never reaches the server.
func CreatePartitionedQueue(queue, partitionInterval, retentionInterval string) (Statement, error) {
	partition, err := ValidatePartitionInterval(partitionInterval)
	if err != nil {
		return Statement{}, err
	}
	retention, err := ValidatePartitionInterval(retentionInterval)
	if err != nil {
		return Statement{}, err
	}
	return stmt("SELECT pgmq.create_partitioned($1::text, $2::text, $3::text)",
		queue, partition, retention), nil
}

func ValidateQueueName(queue string) Statement {
	return stmt("SELECT pgmq.validate_queue_name($1::text)", queue)
}

// DropQueue returns whether the queue existed. The single-argument form is
// used for regular queues since extension releases after 1.5 deprecate the
// partitioned flag.
func DropQueue(queue string, partitioned bool) Statement {
	if partitioned {
		return stmt("SELECT pgmq.drop_queue($1::text, $2::boolean)", queue, true)
	}
	return stmt("SELECT pgmq.drop_queue($1::text)", queue)
}

func ListQueues() Statement {
	return stmt("SELECT queue_name FROM pgmq.list_queues() ORDER BY queue_name")
}

// ListQueueDetails returns the full queue_record for every queue.
func ListQueueDetails() Statement {
	return stmt("SELECT queue_name, is_partitioned, is_unlogged, created_at FROM pgmq.list_queues() ORDER BY queue_name")
}

// Send takes the message as JSON text; the server casts it to jsonb.
func Send(queue string, message string, delay int) Statement {
	return stmt("SELECT * FROM pgmq.send($1::text, $2::jsonb, $3::integer)", queue, message, delay)
}

func SendBatch(queue string, messages []string, delay int) Statement {
	return stmt("SELECT * FROM pgmq.send_batch($1::text, $2::jsonb[], $3::integer)", queue, messages, delay)
}

func Read(queue string, vt int) Statement {
	return ReadBatch(queue, vt, 1)
}

func ReadBatch(queue string, vt, qty int) Statement {
	return stmt("SELECT "+messageColumns+" FROM pgmq.read($1::text, $2::integer, $3::integer)", queue, vt, qty)
}

// ReadWithPoll blocks server side for at most maxPollSeconds, checking every
// pollIntervalMs until qty messages are available.
func ReadWithPoll(queue string, vt, qty, maxPollSeconds, pollIntervalMs int) Statement {
	return stmt("SELECT "+messageColumns+" FROM pgmq.read_with_poll($1::text, $2::integer, $3::integer, $4::integer, $5::integer)",
		queue, vt, qty, maxPollSeconds, pollIntervalMs)
}

func SetVT(queue string, msgID int64, vt int) Statement {
	return stmt("SELECT "+messageColumns+" FROM pgmq.set_vt($1::text, $2::bigint, $3::integer)", queue, msgID, vt)
}

// SetVTBatch sets the same visibility timeout on many messages in one round
// trip. Missing ids produce no row.
func SetVTBatch(queue string, msgIDs []int64, vt int) Statement {
	return stmt(`SELECT `+qualifiedColumns("r")+`
FROM unnest($2::bigint[]) AS ids(id)
CROSS JOIN LATERAL pgmq.set_vt($1::text, ids.id, $3::integer) AS r
ORDER BY r.msg_id`, queue, msgIDs, vt)
}

// ExtendVT hides each listed message for another vt seconds, but only while
// its read_ct still equals the given read count. A message that was read
// again since keeps the newer reader's visibility timeout. Rows that no
// longer match are omitted from the result.
func ExtendVT(queue string, msgIDs, readCounts []int64, vt int) Statement {
	table := pgx.Identifier{"pgmq", QueueTable(queue)}.Sanitize()
	return stmt(`UPDATE `+table+` AS q
SET vt = clock_timestamp() + make_interval(secs => $3::integer)
FROM unnest($1::bigint[], $2::bigint[]) AS d(id, read_ct)
WHERE q.msg_id = d.id AND q.read_ct = d.read_ct
RETURNING `+qualifiedColumns("q"), msgIDs, readCounts, vt)
}

func Pop(queue string) Statement {
	return stmt("SELECT "+messageColumns+" FROM pgmq.pop($1::text)", queue)
}

func Delete(queue string, msgID int64) Statement {
	return stmt("SELECT pgmq.delete($1::text, $2::bigint)", queue, msgID)
}

func DeleteBatch(queue string, msgIDs []int64) Statement {
	return stmt("SELECT * FROM pgmq.delete($1::text, $2::bigint[])", queue, msgIDs)
}

func Archive(queue string, msgID int64) Statement {
	return stmt("SELECT pgmq.archive($1::text, $2::bigint)", queue, msgID)
}

func ArchiveBatch(queue string, msgIDs []int64) Statement {
	return stmt("SELECT * FROM pgmq.archive($1::text, $2::bigint[])", queue, msgIDs)
}

func Purge(queue string) Statement {
	return stmt("SELECT pgmq.purge_queue($1::text)", queue)
}

func Metrics(queue string) Statement {
	return stmt("SELECT "+metricsColumns+" FROM pgmq.metrics($1::text)", queue)
}

func MetricsAll() Statement {
	return stmt("SELECT " + metricsColumns + " FROM pgmq.metrics_all() ORDER BY queue_name")
}

func EnableNotifyInsert(queue string) Statement {
	return stmt("SELECT pgmq.enable_notify_insert($1::text)", queue)
}

func DisableNotifyInsert(queue string) Statement {
	return stmt("SELECT pgmq.disable_notify_insert($1::text)", queue)
}

// NextVisibleTime returns the earliest vt in the queue table, NULL when empty.
func NextVisibleTime(queue string) Statement {
	table := pgx.Identifier{"pgmq", QueueTable(queue)}.Sanitize()
	return stmt("SELECT min(vt) FROM " + table)
}

// QueueTable is the table the extension stores a queue's live messages in.
func QueueTable(queue string) string {
	return "q_" + strings.ToLower(queue)
}

// NotifyChannel is the channel pgmq.enable_notify_insert notifies on.
func NotifyChannel(queue string) string {
	return "pgmq." + QueueTable(queue) + ".INSERT"
}
