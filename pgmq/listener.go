package pgmq

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgxlisten"

	"github.com/pgmq/pgmq-go/pgmq/statement"
)

// insertListener wakes one consumer whenever a message is sent to its
// queue. It relies on pgmq.enable_notify_insert and keeps a dedicated
// connection in LISTEN, reconnecting on failure.
type insertListener struct {
	listener *pgxlisten.Listener
	events   chan time.Time
	stopped  chan struct{}
}

func newInsertListener(pool Pool, queue string, logger LevelLogger) *insertListener {
	l := &insertListener{
		events:  make(chan time.Time, 1),
		stopped: make(chan struct{}),
	}
	l.listener = &pgxlisten.Listener{
		Connect: func(ctx context.Context) (*pgx.Conn, error) {
			if p, ok := pool.(poolConfigProvider); ok {
				return pgx.ConnectConfig(ctx, p.Config().ConnConfig.Copy())
			}
			conn, err := pool.Acquire(ctx)
			if err != nil {
				return nil, err
			}
			return conn.Hijack(), nil
		},
		LogError: func(_ context.Context, err error) {
			logger.Warnf("Insert listener for queue %s: %v", queue, err)
		},
		ReconnectDelay: time.Second,
	}
	l.listener.Handle(statement.NotifyChannel(queue), pgxlisten.HandlerFunc(l.handle))
	return l
}

// handle coalesces notifications: one pending wakeup is enough for a fetch.
func (l *insertListener) handle(_ context.Context, _ *pgconn.Notification, _ *pgx.Conn) error {
	select {
	case l.events <- time.Now():
	default:
	}
	return nil
}

// start listens until ctx is cancelled.
func (l *insertListener) start(ctx context.Context) {
	go func() {
		defer close(l.stopped)
		_ = l.listener.Listen(ctx)
	}()
}

// wait blocks until the listening goroutine has returned.
func (l *insertListener) wait() {
	<-l.stopped
}
