package pgmq

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Consumer receives messages from a single queue.
//
// A Consumer maintains internal goroutines to read messages in batches,
// optionally auto‑extend their visibility timeouts, and track in‑flight
// messages until they are Ack/Nack/Release‑d. Create via Connection.Consume.
type Consumer struct {
	id               string
	conn             *Connection
	queue            string
	messages         chan *Delivery
	batchSize        int // number of messages to read in one batch
	vtSec            int // visibility timeout in seconds
	noAutoExtension  bool
	archiveOnAck     bool
	maxReadCount     int64
	checkTimeout     time.Duration // how often to check for new messages, if no events coming
	extendBatchSize  int           // how many messages to extend in one batch
	ctx              context.Context
	cancel           context.CancelFunc
	dbCtx            context.Context
	wg               sync.WaitGroup     // wg is used to wait for all goroutines to finish
	stopOnce         sync.Once
	listener         *insertListener    // nil unless WithNotify
	events           <-chan time.Time   // events is used to signal that new messages are available
	requeues         chan time.Time     // visibility times of nacked and released deliveries
	vtMessageUpdates chan messageUpdate // signal of message updates. used to keep track of vts
	messageUpdates   chan messageUpdate
	inFlightFlag     chan struct{}
	logger           LevelLogger
}

type messageUpdate struct {
	op  messageOp
	msg *Delivery
}
type messageOp int

const (
	messageAdded messageOp = iota
	messageRemoved
	messageLoopStopped
)

// deliveryKey identifies one read of a message. A message whose vt expired
// may be read again while an earlier delivery is still tracked.
type deliveryKey struct {
	id        int64
	readCount int64
}

func keyOf(d *Delivery) deliveryKey {
	return deliveryKey{id: d.ID, readCount: d.ReadCount}
}

// Consume starts a Consumer for the provided queue name.
//
// Behavior:
//   - Returns immediately with a Consumer whose Messages() channel yields
//     messages as they are read.
//   - Auto‑extension: Unless disabled via WithNoAutoExtension, the Consumer
//     automatically extends visibility timeouts for in‑flight messages around
//     halfway through their vt.
//   - Backpressure: Messages are read in batches (WithBatchSize). When the
//     queue is empty the next read happens when the earliest hidden message
//     becomes visible, after WithCheckTimeout, or on an insert notification
//     (WithNotify).
//
// Shutdown:
//   - Consumer.Stop() releases buffered messages that were not delivered to the
//     client yet, and waits for in‑flight messages to complete or be released.
func (c *Connection) Consume(ctx context.Context, queue string, opts ...ConsumeOption) (*Consumer, error) {
	consumer, err := c.newConsumer(ctx, queue, opts...)
	if err != nil {
		return nil, err
	}
	consumer.start()
	return consumer, nil
}

func (c *Connection) newConsumer(ctx context.Context, queue string, opts ...ConsumeOption) (*Consumer, error) {
	if err := c.checkClosed(); err != nil {
		return nil, err
	}
	options := defaultConsumeOptions()
	for _, opt := range opts {
		opt(&options)
	}
	consumer, err := newConsumerFromOptions(c.ctx, c, c.logger, queue, options)
	if err != nil {
		return nil, err
	}
	if options.notify {
		if c.pool == nil {
			consumer.cancel()
			return nil, ErrNotifyUnsupported
		}
		if err := c.EnableNotifyInsert(ctx, queue); err != nil {
			consumer.cancel()
			return nil, err
		}
		consumer.listener = newInsertListener(c.pool, queue, c.logger)
		consumer.events = consumer.listener.events
	}
	if err := c.addConsumer(consumer); err != nil {
		consumer.cancel()
		return nil, err
	}
	return consumer, nil
}

func newConsumerFromOptions(parentCtx context.Context, conn *Connection, logger LevelLogger, queue string, options consumeOptions) (*Consumer, error) {
	if err := validateConsumeOptions(&options); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(parentCtx)
	dbCtx := context.Background() // some operations should not be cancelled by consumer stop
	return &Consumer{
		id:               uuid.NewString(),
		conn:             conn,
		queue:            queue,
		messages:         make(chan *Delivery, options.batchSize),
		batchSize:        options.batchSize,
		vtSec:            options.vt,
		noAutoExtension:  options.noAutoExtension,
		archiveOnAck:     options.archiveOnAck,
		maxReadCount:     options.maxReadCount,
		checkTimeout:     options.checkTimeout,
		extendBatchSize:  options.extendBatchSize,
		ctx:              ctx,
		cancel:           cancel,
		dbCtx:            dbCtx,
		requeues:         make(chan time.Time, options.batchSize),
		vtMessageUpdates: make(chan messageUpdate, options.batchSize*2),
		messageUpdates:   make(chan messageUpdate, 100), // Buffered to avoid blocking during shutdown
		inFlightFlag:     make(chan struct{}),
		logger:           logger,
	}, nil
}

// ID identifies the consumer in logs.
func (c *Consumer) ID() string {
	return c.id
}

// Queue is the queue the consumer reads from.
func (c *Consumer) Queue() string {
	return c.queue
}

func (c *Consumer) start() {
	c.logger.Debugf("Consumer %s - starting on queue %s", c.id, c.queue)
	if c.listener != nil {
		c.listener.start(c.ctx)
	}
	if !c.noAutoExtension {
		c.startExtendLoop()
	}
	c.startMessageTrackingLoop()
	c.startMessageLoop()
}

func minTime(a, b time.Time) time.Time {
	if a.IsZero() {
		return b
	}
	if b.IsZero() {
		return a
	}
	if a.After(b) {
		return b
	}
	return a
}

func (c *Consumer) startMessageLoop() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		// Read immediately instead of waiting for the first tick
		fetchAfter := c.fetchMessages()
		for c.ctx.Err() == nil {
			fetch := false

			// if we don't have a signal to fetch immediately, we fetch after timeout
			fetchAfter = minTime(fetchAfter, time.Now().Add(c.checkTimeout))
			timer := time.NewTimer(time.Until(fetchAfter))
			select {
			case <-c.ctx.Done():
			case <-c.events:
				fetch = true
			case at := <-c.requeues:
				if at.After(time.Now()) {
					fetchAfter = minTime(fetchAfter, at)
				} else {
					fetch = true
				}
			case <-timer.C:
				fetch = true
			}
			timer.Stop()

			if c.ctx.Err() == nil && fetch {
				fetchAfter = c.fetchMessages()
			}
		}

		close(c.messages)

		// release all buffered messages that client hasn't consumed yet
		for msg := range c.messages {
			if err := msg.Release(c.dbCtx); err != nil {
				c.logger.Errorf("Failed to release message %d: %v", msg.ID, err)
			}
		}

		// signal message tracking loop to cancel messages
		c.messageUpdates <- messageUpdate{op: messageLoopStopped}

		// wait for all in-flight messages to be completed
		<-c.inFlightFlag

		if c.listener != nil {
			c.listener.wait()
		}

		// Close channels to signal auto-extend and tracking loops to exit.
		// Safe now: inFlightFlag is closed, so no message calls handleMessageComplete.
		close(c.messageUpdates)
		close(c.vtMessageUpdates)
	}()
}

// fetchMessages reads one batch and delivers it. It returns when the next
// read should happen: now if the batch was full, the earliest vt if the
// queue looked empty, a short delay after an error, or the zero time to
// wait for the check timeout.
func (c *Consumer) fetchMessages() time.Time {
	if c.ctx.Err() != nil {
		return time.Time{}
	}
	msgs, err := c.conn.ReadBatch(c.dbCtx, c.queue, c.vtSec, c.batchSize)
	if err != nil {
		c.logger.Errorf("Failed to read messages: %v", err)
		return time.Now().Add(1 * time.Second) // retry after 1 second
	}
	c.logger.Debugf("Consumer %s - read %d messages", c.id, len(msgs))
	read := len(msgs)
	msgs = c.dropExhausted(msgs)

	deliveries := make([]*Delivery, 0, len(msgs))
	for _, m := range msgs {
		d := c.newDelivery(m)
		c.messageUpdates <- messageUpdate{op: messageAdded, msg: d}
		if !c.noAutoExtension {
			c.vtMessageUpdates <- messageUpdate{op: messageAdded, msg: d}
		}
		deliveries = append(deliveries, d)
	}

	for _, d := range deliveries {
		if c.ctx.Err() != nil { // stopped before this message reached the client
			if err := d.Release(c.dbCtx); err != nil {
				c.logger.Errorf("Failed to release message %d: %v", d.ID, err)
			}
			continue
		}
		select {
		case c.messages <- d:
		case <-c.ctx.Done():
			if err := d.Release(c.dbCtx); err != nil {
				c.logger.Errorf("Failed to release message %d: %v", d.ID, err)
			}
		}
	}
	if c.ctx.Err() != nil {
		return time.Time{}
	}
	if read == c.batchSize {
		return time.Now() // the batch was full, there may be more
	}
	if read == 0 {
		nextVisibleTime, err := c.conn.nextVisibleTime(c.dbCtx, c.queue)
		if err != nil {
			c.logger.Errorf("Failed to get next visible time: %v", err)
			return time.Now().Add(1 * time.Second)
		}
		if !nextVisibleTime.IsZero() {
			c.logger.Debugf("Consumer %s - next available message in %d ms", c.id, time.Until(nextVisibleTime).Milliseconds())
		}
		return nextVisibleTime
	}
	return time.Time{}
}

func (c *Consumer) newDelivery(m Message) *Delivery {
	d := &Delivery{
		Message:      m,
		queue:        c.queue,
		archiveOnAck: c.archiveOnAck,
		conn:         c.conn,
	}
	// Background as parent so that clients can't read any values from the consumer context.
	d.StoppedCtx, d.cancel = context.WithCancel(context.Background())
	d.onComplete = c.handleMessageComplete
	d.onRequeue = c.handleRequeue
	return d
}

// dropExhausted archives messages read more than maxReadCount times and
// returns the rest.
func (c *Consumer) dropExhausted(msgs []Message) []Message {
	if c.maxReadCount <= 0 {
		return msgs
	}
	keep := msgs[:0]
	var exhausted []int64
	for _, m := range msgs {
		if m.ReadCount > c.maxReadCount {
			exhausted = append(exhausted, m.ID)
			continue
		}
		keep = append(keep, m)
	}
	if len(exhausted) == 0 {
		return keep
	}
	archived, err := c.conn.ArchiveBatch(c.dbCtx, c.queue, exhausted)
	if err != nil {
		// they stay hidden until vt and are retried on a later read
		c.logger.Errorf("Failed to archive %d messages over max read count: %v", len(exhausted), err)
		return keep
	}
	c.logger.Warnf("Archived %d messages from queue %s after more than %d reads: %v",
		len(archived), c.queue, c.maxReadCount, archived)
	return keep
}

// handleRequeue schedules a read for when a nacked message is visible again.
// A full buffer means a read is already pending.
func (c *Consumer) handleRequeue(vt time.Time) {
	select {
	case c.requeues <- vt:
	default:
	}
}

func (c *Consumer) handleMessageComplete(d *Delivery) {
	c.messageUpdates <- messageUpdate{op: messageRemoved, msg: d}
	if !c.noAutoExtension {
		c.vtMessageUpdates <- messageUpdate{op: messageRemoved, msg: d}
	}
}

func (c *Consumer) startMessageTrackingLoop() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		inFlight := make(map[*Delivery]struct{})
		cancelled := false
		for update := range c.messageUpdates {
			switch update.op {
			case messageAdded:
				inFlight[update.msg] = struct{}{}
			case messageRemoved:
				delete(inFlight, update.msg)
				update.msg.cancel()
			case messageLoopStopped:
				c.logger.Debugf("Consumer %s - message loop stopped, %d in flight", c.id, len(inFlight))
				for msg := range inFlight { // let clients know they should stop processing
					msg.cancel()
				}
				cancelled = true
			}
			if cancelled && len(inFlight) == 0 {
				close(c.inFlightFlag) // letting main loop know that we're done
				break
			}
		}
		// drain until the message loop closes the channel
		for range c.messageUpdates {
		}
	}()
}

// auto-extend implementation
type vtInfo struct {
	key      deliveryKey
	msg      *Delivery
	extendAt time.Time
}

// calculateExtendAt calculates when to extend the message's visibility timeout.
//
// We extend at the halfway point (50%) to ensure the message doesn't become
// visible to other consumers while still being processed.
//
// For example, with VT=60s:
//   - Message hidden until: 12:01:00
//   - Extension triggered at: 12:00:30 (halfway point)
//   - After extension: hidden until 12:01:30
//
// Returns the timestamp when extension should occur, or now if VT has already expired.
func calculateExtendAt(vtUntil time.Time) time.Time {
	remaining := time.Until(vtUntil)
	if remaining < 0 {
		return time.Now()
	}
	return time.Now().Add(remaining / 2)
}

func (c *Consumer) startExtendLoop() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		var nextExtension <-chan time.Time
		vts := newVTHeap()

		var tryAfter time.Time
		updateTimer := func() {
			head := vts.peek()
			var wait time.Duration
			if !tryAfter.IsZero() {
				wait = time.Until(tryAfter)
			} else if head != nil {
				wait = time.Until(head.extendAt)
			} else {
				nextExtension = nil
				return
			}
			if wait < 0 {
				wait = 0
			}
			nextExtension = time.After(wait)
		}
		for c.ctx.Err() == nil {
			select {
			case <-c.ctx.Done():
			case update := <-c.vtMessageUpdates:
				switch update.op {
				case messageAdded:
					vts.push(&vtInfo{
						key:      keyOf(update.msg),
						msg:      update.msg,
						extendAt: calculateExtendAt(update.msg.GetVT()),
					})
				case messageRemoved:
					vts.remove(keyOf(update.msg))
				}
				updateTimer()
			case <-nextExtension:
				tryAfter = c.extendVTs(vts)
				updateTimer()
			}
		}
		// on shutdown drain updates channel
		for range c.vtMessageUpdates {
		}
	}()
}

const (
	// ExtendWindowPercent defines what percentage of the VT period to use as the extension window.
	// Messages due within this window are extended together.
	ExtendWindowPercent = 20
)

// extendVTs extends one batch of messages and returns to the main loop,
// which may call this function again if more messages need extending.
//
// Messages due within 20% of the VT period are batched. With VT=30s,
// messages due within the next 6s share one statement.
//
// Each extended delivery's lease is held until the statement returns, so a
// concurrent Ack, Nack or Release runs after it. Deliveries already being
// settled are dropped from the heap. The statement only touches rows whose
// read count still matches, so a message read again by someone else keeps
// its new vt.
func (c *Consumer) extendVTs(vts *vtHeap) (tryAfter time.Time) {
	extendDeadline := time.Now().Add(time.Duration(c.vtSec*ExtendWindowPercent*10) * time.Millisecond)
	extending := make(map[deliveryKey]*vtInfo)
	var (
		ids, readCounts []int64
		busy            []*vtInfo
	)

	head := vts.peek()
	for head != nil && head.extendAt.Before(extendDeadline) && len(ids) < c.extendBatchSize {
		head = vts.pop()
		switch {
		case head.msg.settled(): // dropped
		case !head.msg.lease.TryLock():
			busy = append(busy, head) // a manual SetVT is running
		case head.msg.settled():
			head.msg.lease.Unlock()
		default:
			extending[head.key] = head
			ids = append(ids, head.key.id)
			readCounts = append(readCounts, head.key.readCount)
		}
		head = vts.peek()
	}
	for _, info := range busy {
		info.extendAt = time.Now().Add(time.Second)
		vts.push(info)
	}
	if len(ids) == 0 {
		return
	}
	defer func() {
		for _, info := range extending {
			info.msg.lease.Unlock()
		}
	}()

	extended, err := c.conn.extendVT(c.dbCtx, c.queue, ids, readCounts, c.vtSec)
	if err != nil {
		c.logger.Errorf("Failed to extend message vts batch: %v", err)
		for _, info := range extending {
			if !info.msg.settled() {
				vts.push(info)
			}
		}
		return time.Now().Add(1 * time.Second) // take a break before trying again
	}
	if len(extended) != len(ids) {
		c.logger.Warnf("Some messages were not extended: expected %d, got %d",
			len(ids), len(extended))
	}
	for _, m := range extended {
		info, ok := extending[deliveryKey{id: m.ID, readCount: m.ReadCount}]
		if !ok {
			c.logger.Warnf("Extending returned unknown message: %d", m.ID)
			continue
		}
		info.msg.updateVT(m.VT)
		if info.msg.settled() {
			continue // settles right after the lease is released
		}
		info.extendAt = calculateExtendAt(m.VT)
		vts.push(info)
	}
	return time.Time{}
}

// Messages returns a receive-only channel that yields messages as they are read.
//
// The channel is buffered to the batch size (WithBatchSize) and blocks when
// full, providing natural backpressure.
//
//	for d := range consumer.Messages() {
//	    if err := process(d.Payload); err != nil {
//	        d.Nack(ctx, pgmq.WithNackDelay(10*time.Second))
//	        continue
//	    }
//	    d.Ack(ctx)
//	}
//
// The channel is closed when Consumer.Stop() is called or the Connection
// closes. Messages buffered but not yet received are released back to the
// queue; their read count stays incremented.
func (c *Consumer) Messages() <-chan *Delivery {
	return c.messages
}

// Stop gracefully stops the consumer and waits for all operations to complete.
//
// Shutdown sequence:
//
//  1. Stops reading new messages and closes the Messages() channel.
//  2. Releases messages buffered in the channel back to the queue.
//  3. Cancels StoppedCtx on all in-flight messages.
//  4. Waits for in-flight messages to be settled (Ack/Nack/Release).
//  5. Stops the auto-extension loop and the notify listener.
//  6. Unregisters the consumer from the Connection.
//
// Stop is safe to call multiple times.
func (c *Consumer) Stop() {
	c.stopOnce.Do(func() {
		c.cancel()
		c.wg.Wait()
		c.conn.removeConsumer(c.id)
		c.logger.Debugf("Consumer %s - stopped", c.id)
	})
}

// String implements fmt.Stringer.
func (c *Consumer) String() string {
	return fmt.Sprintf("consumer %s on %s", c.id, c.queue)
}

// vtHeap orders tracked deliveries by when they need extending.
type vtHeap struct {
	items     []*vtInfo
	itemIndex map[deliveryKey]int // maps key to index in items slice
}

func newVTHeap() *vtHeap {
	return &vtHeap{
		items:     make([]*vtInfo, 0),
		itemIndex: make(map[deliveryKey]int),
	}
}

// implement heap.Interface
func (h *vtHeap) Len() int           { return len(h.items) }
func (h *vtHeap) Less(i, j int) bool { return h.items[i].extendAt.Before(h.items[j].extendAt) }
func (h *vtHeap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.itemIndex[h.items[i].key] = i
	h.itemIndex[h.items[j].key] = j
}

func (h *vtHeap) Push(x any) {
	item := x.(*vtInfo)
	h.itemIndex[item.key] = len(h.items)
	h.items = append(h.items, item)
}

func (h *vtHeap) Pop() any {
	old := h.items
	n := len(old)
	item := old[n-1]
	h.items = old[0 : n-1]
	delete(h.itemIndex, item.key)
	return item
}

// push replaces any entry with the same key.
func (h *vtHeap) push(item *vtInfo) {
	h.remove(item.key)
	heap.Push(h, item)
}

func (h *vtHeap) pop() *vtInfo {
	return heap.Pop(h).(*vtInfo)
}

func (h *vtHeap) peek() *vtInfo {
	if len(h.items) == 0 {
		return nil
	}
	return h.items[0]
}

func (h *vtHeap) remove(key deliveryKey) *vtInfo {
	if idx, ok := h.itemIndex[key]; ok {
		return heap.Remove(h, idx).(*vtInfo)
	}
	return nil
}
