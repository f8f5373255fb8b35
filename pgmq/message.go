package pgmq

import (
	"encoding/json"
	"time"
)

// Message is one row of a queue as returned by read, pop and set_vt.
type Message struct {
	// ID is the message id, unique within its queue.
	ID int64
	// ReadCount is how many times the message has been read, including the
	// read that returned it.
	ReadCount int64
	// EnqueuedAt is when the message was sent.
	EnqueuedAt time.Time
	// VT is when the message becomes visible to readers again.
	VT time.Time
	// Payload is the jsonb body.
	Payload json.RawMessage
}

// Decode unmarshals the payload into v.
func (m *Message) Decode(v any) error {
	return json.Unmarshal(m.Payload, v)
}

// QueueMetrics is one row of pgmq.metrics / pgmq.metrics_all.
type QueueMetrics struct {
	QueueName   string
	QueueLength int64
	// NewestMsgAgeSec and OldestMsgAgeSec are nil when the queue is empty.
	NewestMsgAgeSec *int64
	OldestMsgAgeSec *int64
	// TotalMessages counts every message ever sent to the queue.
	TotalMessages int64
	ScrapeTime    time.Time
}

// QueueInfo describes a queue as listed by pgmq.list_queues.
type QueueInfo struct {
	Name          string
	IsPartitioned bool
	IsUnlogged    bool
	CreatedAt     time.Time
}

func scanMessages(r rows) ([]Message, error) {
	defer r.Close()
	var messages []Message
	for r.Next() {
		var (
			m       Message
			payload []byte
		)
		if err := r.Scan(&m.ID, &m.ReadCount, &m.EnqueuedAt, &m.VT, &payload); err != nil {
			return nil, err
		}
		m.Payload = payload
		messages = append(messages, m)
	}
	return messages, r.Err()
}

func scanMetrics(r rows) ([]QueueMetrics, error) {
	defer r.Close()
	var metrics []QueueMetrics
	for r.Next() {
		var m QueueMetrics
		if err := r.Scan(&m.QueueName, &m.QueueLength, &m.NewestMsgAgeSec,
			&m.OldestMsgAgeSec, &m.TotalMessages, &m.ScrapeTime); err != nil {
			return nil, err
		}
		metrics = append(metrics, m)
	}
	return metrics, r.Err()
}

func scanQueueInfo(r rows) ([]QueueInfo, error) {
	defer r.Close()
	var queues []QueueInfo
	for r.Next() {
		var q QueueInfo
		if err := r.Scan(&q.Name, &q.IsPartitioned, &q.IsUnlogged, &q.CreatedAt); err != nil {
			return nil, err
		}
		queues = append(queues, q)
	}
	return queues, r.Err()
}
