// Package memory provides an in-process implementation of dispatch.Transport.
// It has the same ordering and late-ack semantics as the Redis broker and is
// intended for tests and single-process development.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/mihaimyh/taskgate/pkg/dispatch"
)

type item struct {
	msg      dispatch.Message
	seq      uint64
	readyAt  time.Time
	deadline time.Time
	reserved bool
}

type queue struct {
	items map[string]*item
}

// Broker implements dispatch.Transport in memory.
type Broker struct {
	mu                sync.Mutex
	queues            map[string]*queue
	seq               uint64
	visibilityTimeout time.Duration
	now               func() time.Time
}

// Option configures a Broker.
type Option func(*Broker)

// WithClock sets the time source used for delays and deadlines.
func WithClock(now func() time.Time) Option {
	return func(b *Broker) { b.now = now }
}

// WithVisibilityTimeout sets how long a reservation lasts before it can be
// reclaimed.
func WithVisibilityTimeout(d time.Duration) Option {
	return func(b *Broker) { b.visibilityTimeout = d }
}

// New creates an empty broker.
func New(opts ...Option) *Broker {
	b := &Broker{
		queues:            make(map[string]*queue),
		visibilityTimeout: 65 * time.Minute,
		now:               time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Broker) queue(name string) *queue {
	q, ok := b.queues[name]
	if !ok {
		q = &queue{items: make(map[string]*item)}
		b.queues[name] = q
	}
	return q
}

// Publish implements dispatch.Broker.
func (b *Broker) Publish(_ context.Context, queueName string, msg dispatch.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	readyAt := msg.RunAt
	if readyAt.IsZero() {
		readyAt = b.now()
	}
	body := make([]byte, len(msg.Body))
	copy(body, msg.Body)
	msg.Body = body
	b.queue(queueName).items[msg.ID] = &item{msg: msg, seq: b.seq, readyAt: readyAt}
	return nil
}

// before orders ready items: higher priority first, then publish order.
func before(a, c *item) bool {
	if a.msg.Priority != c.msg.Priority {
		return a.msg.Priority > c.msg.Priority
	}
	return a.seq < c.seq
}

// Reserve implements dispatch.Consumer.
func (b *Broker) Reserve(ctx context.Context, queueName string) (*dispatch.Delivery, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	var next *item
	for _, it := range b.queue(queueName).items {
		if it.reserved || it.readyAt.After(now) {
			continue
		}
		if next == nil || before(it, next) {
			next = it
		}
	}
	if next == nil {
		return nil, dispatch.ErrQueueEmpty
	}

	next.reserved = true
	next.deadline = now.Add(b.visibilityTimeout)
	body := make([]byte, len(next.msg.Body))
	copy(body, next.msg.Body)
	msg := next.msg
	msg.Body = body
	return &dispatch.Delivery{Message: msg, Queue: queueName, Deadline: next.deadline}, nil
}

func (b *Broker) reserved(d *dispatch.Delivery) (*queue, *item, error) {
	q := b.queue(d.Queue)
	it, ok := q.items[d.ID]
	if !ok || !it.reserved {
		return nil, nil, dispatch.ErrNotReserved
	}
	return q, it, nil
}

// Ack implements dispatch.Consumer.
func (b *Broker) Ack(_ context.Context, d *dispatch.Delivery) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, _, err := b.reserved(d)
	if err != nil {
		return err
	}
	delete(q.items, d.ID)
	return nil
}

// Retry implements dispatch.Consumer.
func (b *Broker) Retry(_ context.Context, d *dispatch.Delivery, body []byte, runAt time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	_, it, err := b.reserved(d)
	if err != nil {
		return err
	}
	copied := make([]byte, len(body))
	copy(copied, body)
	b.seq++
	it.msg.Body = copied
	it.msg.RunAt = runAt
	it.readyAt = runAt
	it.seq = b.seq
	it.reserved = false
	it.deadline = time.Time{}
	return nil
}

// Reclaim implements dispatch.Consumer.
func (b *Broker) Reclaim(_ context.Context, queueName string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	n := 0
	for _, it := range b.queue(queueName).items {
		if it.reserved && !it.deadline.After(now) {
			it.reserved = false
			it.deadline = time.Time{}
			it.readyAt = now
			n++
		}
	}
	return n, nil
}

// Stats implements dispatch.Transport.
func (b *Broker) Stats(_ context.Context, queueName string) (dispatch.QueueStats, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	var s dispatch.QueueStats
	for _, it := range b.queue(queueName).items {
		switch {
		case it.reserved:
			s.InFlight++
		case it.readyAt.After(now):
			s.Delayed++
		default:
			s.Ready++
		}
	}
	return s, nil
}
