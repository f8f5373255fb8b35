package pgmq

import (
	"context"
	"sync"
)

// MessageHandler processes one delivery. A handler that returns without
// settling the delivery gets it acked; a handler that panics gets it nacked.
//
// ctx is the delivery's StoppedCtx and is cancelled when the consumer stops.
type MessageHandler func(ctx context.Context, d *Delivery)

// HandlerConsumer runs a MessageHandler for every delivery of a Consumer,
// at most WithMaxInFlight at a time.
type HandlerConsumer struct {
	consumer *Consumer
	handler  MessageHandler
	logger   LevelLogger

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup // dispatch loop
	handlerWg sync.WaitGroup // running handlers
	slots     slots
}

// slots bounds concurrent handlers. A nil slots is unlimited.
type slots chan struct{}

func (s slots) acquire(ctx context.Context) bool {
	if s == nil {
		return ctx.Err() == nil
	}
	select {
	case s <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s slots) release() {
	if s != nil {
		<-s
	}
}

// ConsumeWithHandler starts consuming queue and calls handler for each
// message in its own goroutine.
//
//	hc, err := conn.ConsumeWithHandler(ctx, "orders", func(ctx context.Context, d *pgmq.Delivery) {
//	    var o Order
//	    if err := d.Decode(&o); err != nil {
//	        _ = d.Nack(ctx, pgmq.WithNackDelay(time.Minute))
//	        return
//	    }
//	    process(ctx, o) // returning acks
//	}, pgmq.WithMaxInFlight(10))
func (c *Connection) ConsumeWithHandler(ctx context.Context, queue string, handler MessageHandler, opts ...ConsumeOption) (*HandlerConsumer, error) {
	options := defaultConsumeOptions()
	for _, opt := range opts {
		opt(&options)
	}
	consumer, err := c.newConsumer(ctx, queue, opts...)
	if err != nil {
		return nil, err
	}
	hc := newHandlerConsumer(c.ctx, consumer, handler, c.logger, options.maxInFlight)
	hc.start()
	return hc, nil
}

func newHandlerConsumer(ctx context.Context, consumer *Consumer, handler MessageHandler, logger LevelLogger, maxInFlight int) *HandlerConsumer {
	ctx, cancel := context.WithCancel(ctx)
	hc := &HandlerConsumer{
		consumer: consumer,
		handler:  handler,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
	if maxInFlight > 0 {
		hc.slots = make(slots, maxInFlight)
	}
	return hc
}

func (hc *HandlerConsumer) start() {
	hc.consumer.start()
	hc.wg.Add(1)
	go hc.dispatchLoop()
}

// Consumer returns the underlying Consumer.
func (hc *HandlerConsumer) Consumer() *Consumer {
	return hc.consumer
}

// dispatchLoop takes a slot before each message, so messages beyond the
// limit stay in the consumer buffer and get released on stop.
func (hc *HandlerConsumer) dispatchLoop() {
	defer hc.wg.Done()
	for hc.slots.acquire(hc.ctx) {
		d, ok := hc.next()
		if !ok {
			hc.slots.release()
			return
		}
		hc.handlerWg.Add(1)
		go hc.handle(d)
	}
}

func (hc *HandlerConsumer) next() (*Delivery, bool) {
	select {
	case d, ok := <-hc.consumer.Messages():
		return d, ok
	case <-hc.ctx.Done():
		return nil, false
	}
}

// handle runs the handler and settles whatever it left unsettled.
func (hc *HandlerConsumer) handle(d *Delivery) {
	defer hc.handlerWg.Done()
	defer hc.slots.release()

	if r := hc.invoke(d); r != nil {
		hc.logger.Errorf("Handler panic for message %d: %v", d.ID, r)
		if err := d.Nack(context.Background()); err != nil {
			hc.logger.Errorf("Failed to nack message %d after panic: %v", d.ID, err)
		}
		return
	}
	if d.settled() {
		return
	}
	if err := d.Ack(context.Background()); err != nil {
		hc.logger.Errorf("Failed to auto-ack message %d: %v", d.ID, err)
	}
}

// invoke returns the recovered panic value, or nil.
func (hc *HandlerConsumer) invoke(d *Delivery) (recovered any) {
	defer func() { recovered = recover() }()
	hc.handler(d.StoppedCtx, d)
	return nil
}

// Stop stops reading, waits for running handlers to return and then for
// the underlying Consumer to settle. Safe to call more than once.
func (hc *HandlerConsumer) Stop() {
	// Consumer.Stop blocks until handlers settle their deliveries, so it
	// runs alongside the wait for them.
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		hc.consumer.Stop()
	}()

	hc.cancel()
	hc.wg.Wait()
	hc.handlerWg.Wait()
	<-stopped
}
