// Package redis provides a Redis implementation of dispatch.Transport.
//
// Each queue is four keys: a ready sorted set ordered by priority then
// publish time, a delayed sorted set scored by due time, an in-flight sorted
// set scored by reservation deadline, and a hash of message bodies and
// priorities. Moves between the sets are done in Lua so a message is never
// in two states at once.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/mihaimyh/taskgate/pkg/dispatch"
)

// priorityWeight keeps the priority term of a ready score above any
// millisecond timestamp so priority always dominates publish order.
const priorityWeight = 1e13

// Broker implements dispatch.Transport using Redis
type Broker struct {
	client  goredis.UniversalClient
	config  Config
	now     func() time.Time
	scripts map[string]*goredis.Script
}

// Config holds Redis broker configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "taskgate:broker:")
	KeyPrefix string

	// VisibilityTimeout is how long a reservation lasts before Reclaim may
	// redeliver it (default: 65 minutes, longer than the worker hard limit)
	VisibilityTimeout time.Duration

	// PromoteBatch bounds how many due delayed messages one Reserve moves to
	// the ready set (default: 100)
	PromoteBatch int
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix:         "taskgate:broker:",
		VisibilityTimeout: 65 * time.Minute,
		PromoteBatch:      100,
	}
}

// Option configures a Broker.
type Option func(*Broker)

// WithClock sets the time source used for scores and deadlines.
func WithClock(now func() time.Time) Option {
	return func(b *Broker) { b.now = now }
}

// New creates a new Redis broker
func New(client goredis.UniversalClient, config Config, opts ...Option) (*Broker, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	defaults := DefaultConfig()
	if config.KeyPrefix == "" {
		config.KeyPrefix = defaults.KeyPrefix
	}
	if config.VisibilityTimeout <= 0 {
		config.VisibilityTimeout = defaults.VisibilityTimeout
	}
	if config.PromoteBatch <= 0 {
		config.PromoteBatch = defaults.PromoteBatch
	}

	b := &Broker{
		client:  client,
		config:  config,
		now:     time.Now,
		scripts: make(map[string]*goredis.Script),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.loadScripts()
	return b, nil
}

func (b *Broker) loadScripts() {
	// KEYS: ready, delayed, inflight, messages, priorities
	// ARGV: now ms, deadline ms, promote batch, weight
	b.scripts["reserve"] = goredis.NewScript(`
		local now = tonumber(ARGV[1])
		local weight = tonumber(ARGV[4])

		local due = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', now, 'LIMIT', 0, tonumber(ARGV[3]))
		for _, id in ipairs(due) do
			redis.call('ZREM', KEYS[2], id)
			local p = tonumber(redis.call('HGET', KEYS[5], id) or '0')
			redis.call('ZADD', KEYS[1], -p * weight + now, id)
		end

		local popped = redis.call('ZPOPMIN', KEYS[1])
		if #popped == 0 then
			return false
		end
		local id = popped[1]
		redis.call('ZADD', KEYS[3], ARGV[2], id)
		local body = redis.call('HGET', KEYS[4], id) or ''
		local prio = redis.call('HGET', KEYS[5], id) or '0'
		return {id, body, prio}
	`)

	// KEYS: inflight, delayed, messages
	// ARGV: id, body, run at ms
	b.scripts["retry"] = goredis.NewScript(`
		if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
			return 0
		end
		redis.call('HSET', KEYS[3], ARGV[1], ARGV[2])
		redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
		return 1
	`)

	// KEYS: inflight, messages, priorities
	// ARGV: id
	b.scripts["ack"] = goredis.NewScript(`
		if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
			return 0
		end
		redis.call('HDEL', KEYS[2], ARGV[1])
		redis.call('HDEL', KEYS[3], ARGV[1])
		return 1
	`)

	// KEYS: inflight, ready, priorities
	// ARGV: now ms, weight
	b.scripts["reclaim"] = goredis.NewScript(`
		local now = tonumber(ARGV[1])
		local weight = tonumber(ARGV[2])
		local expired = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', now)
		for _, id in ipairs(expired) do
			redis.call('ZREM', KEYS[1], id)
			local p = tonumber(redis.call('HGET', KEYS[3], id) or '0')
			redis.call('ZADD', KEYS[2], -p * weight + now, id)
		end
		return #expired
	`)
}

// ── keys ──

// queueKey wraps the queue name in a hash tag so every key of a queue lands
// in the same cluster slot, which the scripts require.
func (b *Broker) queueKey(queue, part string) string {
	return b.config.KeyPrefix + "queue:{" + queue + "}:" + part
}

func (b *Broker) readyKey(queue string) string      { return b.queueKey(queue, "ready") }
func (b *Broker) delayedKey(queue string) string    { return b.queueKey(queue, "delayed") }
func (b *Broker) inflightKey(queue string) string   { return b.queueKey(queue, "inflight") }
func (b *Broker) messagesKey(queue string) string   { return b.queueKey(queue, "messages") }
func (b *Broker) prioritiesKey(queue string) string { return b.queueKey(queue, "priorities") }

// readyScore computes a sorted-set score from priority and publish time.
// Lower score = reserved first.
func readyScore(priority int, at time.Time) float64 {
	return float64(-priority)*priorityWeight + float64(at.UnixMilli())
}

// Publish implements dispatch.Broker.
func (b *Broker) Publish(ctx context.Context, queue string, msg dispatch.Message) error {
	if msg.ID == "" {
		return fmt.Errorf("broker/redis: message id is required")
	}
	now := b.now()

	pipe := b.client.TxPipeline()
	pipe.HSet(ctx, b.messagesKey(queue), msg.ID, msg.Body)
	pipe.HSet(ctx, b.prioritiesKey(queue), msg.ID, strconv.Itoa(msg.Priority))
	if !msg.RunAt.IsZero() && msg.RunAt.After(now) {
		pipe.ZAdd(ctx, b.delayedKey(queue), goredis.Z{Score: float64(msg.RunAt.UnixMilli()), Member: msg.ID})
	} else {
		pipe.ZAdd(ctx, b.readyKey(queue), goredis.Z{Score: readyScore(msg.Priority, now), Member: msg.ID})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("broker/redis: publish: %w", err)
	}
	return nil
}

// Reserve implements dispatch.Consumer.
func (b *Broker) Reserve(ctx context.Context, queue string) (*dispatch.Delivery, error) {
	now := b.now()
	deadline := now.Add(b.config.VisibilityTimeout)

	res, err := b.scripts["reserve"].Run(ctx, b.client,
		[]string{
			b.readyKey(queue), b.delayedKey(queue), b.inflightKey(queue),
			b.messagesKey(queue), b.prioritiesKey(queue),
		},
		now.UnixMilli(), deadline.UnixMilli(), b.config.PromoteBatch, int64(priorityWeight),
	).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, dispatch.ErrQueueEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("broker/redis: reserve: %w", err)
	}

	arr, ok := res.([]interface{})
	if !ok || len(arr) != 3 {
		return nil, fmt.Errorf("broker/redis: unexpected reserve result: %v", res)
	}
	id, _ := arr[0].(string)
	body, _ := arr[1].(string)
	prioStr, _ := arr[2].(string)
	prio, err := strconv.Atoi(prioStr)
	if err != nil {
		return nil, fmt.Errorf("broker/redis: parse priority of %s: %w", id, err)
	}

	return &dispatch.Delivery{
		Message: dispatch.Message{
			ID:       id,
			Body:     []byte(body),
			Priority: prio,
		},
		Queue:    queue,
		Deadline: time.UnixMilli(deadline.UnixMilli()),
	}, nil
}

// Ack implements dispatch.Consumer.
func (b *Broker) Ack(ctx context.Context, d *dispatch.Delivery) error {
	n, err := b.scripts["ack"].Run(ctx, b.client,
		[]string{b.inflightKey(d.Queue), b.messagesKey(d.Queue), b.prioritiesKey(d.Queue)},
		d.ID,
	).Int64()
	if err != nil {
		return fmt.Errorf("broker/redis: ack: %w", err)
	}
	if n == 0 {
		return dispatch.ErrNotReserved
	}
	return nil
}

// Retry implements dispatch.Consumer.
func (b *Broker) Retry(ctx context.Context, d *dispatch.Delivery, body []byte, runAt time.Time) error {
	n, err := b.scripts["retry"].Run(ctx, b.client,
		[]string{b.inflightKey(d.Queue), b.delayedKey(d.Queue), b.messagesKey(d.Queue)},
		d.ID, body, runAt.UnixMilli(),
	).Int64()
	if err != nil {
		return fmt.Errorf("broker/redis: retry: %w", err)
	}
	if n == 0 {
		return dispatch.ErrNotReserved
	}
	return nil
}

// Reclaim implements dispatch.Consumer.
func (b *Broker) Reclaim(ctx context.Context, queue string) (int, error) {
	n, err := b.scripts["reclaim"].Run(ctx, b.client,
		[]string{b.inflightKey(queue), b.readyKey(queue), b.prioritiesKey(queue)},
		b.now().UnixMilli(), int64(priorityWeight),
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("broker/redis: reclaim: %w", err)
	}
	return int(n), nil
}

// Stats implements dispatch.Transport.
func (b *Broker) Stats(ctx context.Context, queue string) (dispatch.QueueStats, error) {
	pipe := b.client.Pipeline()
	ready := pipe.ZCard(ctx, b.readyKey(queue))
	delayed := pipe.ZCard(ctx, b.delayedKey(queue))
	inflight := pipe.ZCard(ctx, b.inflightKey(queue))
	if _, err := pipe.Exec(ctx); err != nil {
		return dispatch.QueueStats{}, fmt.Errorf("broker/redis: stats: %w", err)
	}
	return dispatch.QueueStats{
		Ready:    ready.Val(),
		Delayed:  delayed.Val(),
		InFlight: inflight.Val(),
	}, nil
}

// Ping checks if Redis is reachable
func (b *Broker) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}
