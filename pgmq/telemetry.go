package pgmq

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/pgmq/pgmq-go/pgmq"

func defaultTracer() trace.Tracer {
	return otel.GetTracerProvider().Tracer(instrumentationName)
}

func defaultMeter() metric.Meter {
	return otel.GetMeterProvider().Meter(instrumentationName)
}

// telemetry wraps each Connection operation in a span, records its duration
// and counts the messages it touched.
type telemetry struct {
	tracer trace.Tracer

	messagesSent     metric.Int64Counter
	messagesRead     metric.Int64Counter
	messagesDeleted  metric.Int64Counter
	messagesArchived metric.Int64Counter
	messagesPurged   metric.Int64Counter
	operationErrors  metric.Int64Counter
	duration         metric.Float64Histogram
}

func newTelemetry(tracer trace.Tracer, meter metric.Meter) (*telemetry, error) {
	t := &telemetry{tracer: tracer}
	var err error

	if t.messagesSent, err = meter.Int64Counter(
		"pgmq_messages_sent",
		metric.WithDescription("Number of messages sent"),
	); err != nil {
		return nil, fmt.Errorf("messages sent: %w", err)
	}
	if t.messagesRead, err = meter.Int64Counter(
		"pgmq_messages_read",
		metric.WithDescription("Number of messages read or popped"),
	); err != nil {
		return nil, fmt.Errorf("messages read: %w", err)
	}
	if t.messagesDeleted, err = meter.Int64Counter(
		"pgmq_messages_deleted",
		metric.WithDescription("Number of messages deleted"),
	); err != nil {
		return nil, fmt.Errorf("messages deleted: %w", err)
	}
	if t.messagesArchived, err = meter.Int64Counter(
		"pgmq_messages_archived",
		metric.WithDescription("Number of messages archived"),
	); err != nil {
		return nil, fmt.Errorf("messages archived: %w", err)
	}
	if t.messagesPurged, err = meter.Int64Counter(
		"pgmq_messages_purged",
		metric.WithDescription("Number of messages removed by purge"),
	); err != nil {
		return nil, fmt.Errorf("messages purged: %w", err)
	}
	if t.operationErrors, err = meter.Int64Counter(
		"pgmq_operation_errors",
		metric.WithDescription("Number of failed operations"),
	); err != nil {
		return nil, fmt.Errorf("operation errors: %w", err)
	}
	if t.duration, err = meter.Float64Histogram(
		"pgmq_operation_duration_seconds",
		metric.WithDescription("Duration of operations, retries included"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("operation duration: %w", err)
	}
	return t, nil
}

func (t *telemetry) start(ctx context.Context, op, queue string) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{
		semconv.DBSystemPostgreSQL,
		attribute.String("pgmq.operation", op),
	}
	if queue != "" {
		attrs = append(attrs, attribute.String("pgmq.queue", queue))
	}
	return t.tracer.Start(ctx, "pgmq."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...),
	)
}

func (t *telemetry) end(ctx context.Context, span trace.Span, op, queue string, n int64, elapsed time.Duration, err error) {
	defer span.End()
	set := metric.WithAttributes(attribute.String("queue", queue))
	t.duration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
		attribute.String("queue", queue),
		attribute.String("operation", op),
		attribute.Bool("error", err != nil),
	))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, op+" failed")
		t.operationErrors.Add(ctx, 1, metric.WithAttributes(
			attribute.String("queue", queue),
			attribute.String("operation", op),
		))
		return
	}
	if n <= 0 {
		return
	}
	span.SetAttributes(attribute.Int64("pgmq.messages", n))
	switch op {
	case opSend, opSendBatch:
		t.messagesSent.Add(ctx, n, set)
	case opRead, opReadBatch, opReadWithPoll, opPop:
		t.messagesRead.Add(ctx, n, set)
	case opDelete, opDeleteBatch:
		t.messagesDeleted.Add(ctx, n, set)
	case opArchive, opArchiveBatch:
		t.messagesArchived.Add(ctx, n, set)
	case opPurge:
		t.messagesPurged.Add(ctx, n, set)
	}
}

// queryTracer is a pgx.QueryTracer emitting one span per statement.
type queryTracer struct {
	otel trace.Tracer
}

type querySpanKey struct{}

// NewQueryTracer returns a pgx QueryTracer that emits an OpenTelemetry span
// per SQL statement. Install it on a pgx.ConnConfig to trace pools the
// Connection does not build itself.
func NewQueryTracer(t trace.Tracer) pgx.QueryTracer {
	return &queryTracer{otel: t}
}

func (t *queryTracer) TraceQueryStart(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	ctx, span := t.otel.Start(ctx, "pgmq.query",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			semconv.DBSystemPostgreSQL,
			attribute.String("db.statement", data.SQL),
		),
	)
	return context.WithValue(ctx, querySpanKey{}, span)
}

func (t *queryTracer) TraceQueryEnd(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryEndData) {
	span, ok := ctx.Value(querySpanKey{}).(trace.Span)
	if !ok {
		return
	}
	if data.Err != nil {
		span.RecordError(data.Err)
		span.SetStatus(codes.Error, data.Err.Error())
	}
	span.End()
}
