// Package collector exports pgmq queue statistics as Prometheus metrics.
//
// The collector queries pgmq.metrics_all on every scrape, so the values are
// as fresh as the scrape itself and no background goroutine is needed.
//
//	reg := prometheus.NewRegistry()
//	reg.MustRegister(collector.New(conn))
//	http.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
package collector

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/pgmq/pgmq-go/pgmq"
)

const (
	defaultNamespace = "pgmq"
	defaultTimeout   = 30 * time.Second
)

// MetricsSource is satisfied by *pgmq.Connection and *pgmq.Operations.
type MetricsSource interface {
	MetricsAll(ctx context.Context) ([]pgmq.QueueMetrics, error)
}

// Collector implements prometheus.Collector over a MetricsSource.
type Collector struct {
	source  MetricsSource
	timeout time.Duration

	queueLength   *prometheus.Desc
	totalMessages *prometheus.Desc
	oldestAge     *prometheus.Desc
	newestAge     *prometheus.Desc
}

// Option configures a Collector.
type Option func(*options)

type options struct {
	namespace string
	timeout   time.Duration
}

// WithNamespace replaces the "pgmq" metric name prefix.
func WithNamespace(namespace string) Option {
	return func(o *options) {
		o.namespace = namespace
	}
}

// WithTimeout bounds each scrape's query. Default 30s.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		o.timeout = d
	}
}

// New returns a Collector reading from source.
func New(source MetricsSource, opts ...Option) *Collector {
	o := options{namespace: defaultNamespace, timeout: defaultTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(o.namespace, "queue", name), help, []string{"queue"}, nil)
	}
	return &Collector{
		source:        source,
		timeout:       o.timeout,
		queueLength:   desc("length", "Number of messages currently in the queue."),
		totalMessages: desc("total_messages", "Number of messages ever sent to the queue."),
		oldestAge:     desc("oldest_message_age_seconds", "Age of the oldest message in the queue."),
		newestAge:     desc("newest_message_age_seconds", "Age of the newest message in the queue."),
	}
}

// Describe sends metric descriptors to the channel
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.queueLength
	ch <- c.totalMessages
	ch <- c.oldestAge
	ch <- c.newestAge
}

// Collect fetches metrics from the database and sends them to the channel
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	metrics, err := c.source.MetricsAll(ctx)
	if err != nil {
		ch <- prometheus.NewInvalidMetric(c.queueLength, err)
		return
	}
	for _, m := range metrics {
		ch <- prometheus.MustNewConstMetric(c.queueLength, prometheus.GaugeValue, float64(m.QueueLength), m.QueueName)
		ch <- prometheus.MustNewConstMetric(c.totalMessages, prometheus.CounterValue, float64(m.TotalMessages), m.QueueName)
		if m.OldestMsgAgeSec != nil {
			ch <- prometheus.MustNewConstMetric(c.oldestAge, prometheus.GaugeValue, float64(*m.OldestMsgAgeSec), m.QueueName)
		}
		if m.NewestMsgAgeSec != nil {
			ch <- prometheus.MustNewConstMetric(c.newestAge, prometheus.GaugeValue, float64(*m.NewestMsgAgeSec), m.QueueName)
		}
	}
}
