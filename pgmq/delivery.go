package pgmq

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Delivery is a Message handed out by a Consumer. Exactly one of Ack, Nack
// or Release settles it; the Consumer keeps extending its visibility timeout
// until then.
type Delivery struct {
	Message

	// StoppedCtx is cancelled when the Consumer stops. Long handlers should
	// watch it and Release the message promptly.
	StoppedCtx context.Context

	queue        string
	archiveOnAck bool
	conn         *Connection
	onComplete   func(*Delivery)
	onRequeue    func(vt time.Time) // wakes the consumer when the message is visible again
	completeOnce sync.Once
	cancel       context.CancelFunc
	mu           sync.Mutex // guards Message.VT

	// lease is held while the message's vt changes in the database, so an
	// auto-extension and a Nack never interleave.
	lease    sync.Mutex
	settling atomic.Bool // set by Ack, Nack and Release before they take lease
}

// Queue is the queue the message was read from.
func (d *Delivery) Queue() string {
	return d.queue
}

// Ack finishes the message: it is deleted, or archived when the consumer was
// created WithArchiveOnAck. ErrMessageNotFound means someone else already
// removed it, typically after its visibility timeout expired.
func (d *Delivery) Ack(ctx context.Context) error {
	return d.AckTx(ctx, d.conn.Operations)
}

// AckTx finishes the message inside a caller transaction, so it disappears
// only if the transaction commits.
func (d *Delivery) AckTx(ctx context.Context, ops *Operations) error {
	unlock := d.settle()
	var (
		ok  bool
		err error
	)
	if d.archiveOnAck {
		ok, err = ops.Archive(ctx, d.queue, d.ID)
	} else {
		ok, err = ops.Delete(ctx, d.queue, d.ID)
	}
	if err == nil && !ok {
		err = ErrMessageNotFound
	}
	unlock()
	d.complete()
	return err
}

// Nack hands the message back to the queue. It becomes visible again
// immediately, or after WithNackDelay. Its read count is not reset.
func (d *Delivery) Nack(ctx context.Context, opts ...NackOption) error {
	options := nackOptions{}
	for _, opt := range opts {
		opt(&options)
	}
	unlock := d.settle()
	err := d.setVT(ctx, ceilSeconds(options.delay))
	unlock()
	d.requeued(err)
	d.complete()
	return err
}

// Release makes the message visible again immediately. It is Nack without a delay.
func (d *Delivery) Release(ctx context.Context) error {
	return d.Nack(ctx)
}

// SetVT makes the message invisible for another vt seconds and returns the
// new visibility time. Consumers created WithNoAutoExtension use this to
// extend long-running work.
func (d *Delivery) SetVT(ctx context.Context, vt int) (time.Time, error) {
	d.lease.Lock()
	err := d.setVT(ctx, vt)
	d.lease.Unlock()
	if err != nil {
		return time.Time{}, err
	}
	return d.GetVT(), nil
}

// GetVT returns the current visibility time, updated by SetVT and auto-extension.
func (d *Delivery) GetVT() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.VT
}

func (d *Delivery) updateVT(vt time.Time) {
	d.mu.Lock()
	d.VT = vt
	d.mu.Unlock()
}

func (d *Delivery) setVT(ctx context.Context, vt int) error {
	msg, err := d.conn.SetVT(ctx, d.queue, d.ID, vt)
	if err != nil {
		return err
	}
	if msg == nil {
		return ErrMessageNotFound
	}
	d.updateVT(msg.VT)
	return nil
}

// settle marks the delivery as finishing and waits for any extension in
// flight. The returned func releases the lease.
func (d *Delivery) settle() (unlock func()) {
	d.settling.Store(true)
	d.lease.Lock()
	return d.lease.Unlock
}

// settled reports whether Ack, Nack or Release has been called.
func (d *Delivery) settled() bool {
	return d.settling.Load()
}

func (d *Delivery) requeued(err error) {
	if err == nil && d.onRequeue != nil {
		d.onRequeue(d.GetVT())
	}
}

func (d *Delivery) complete() {
	d.completeOnce.Do(func() {
		if d.onComplete != nil {
			d.onComplete(d)
		}
	})
}

func ceilSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int((d + time.Second - 1) / time.Second)
}
