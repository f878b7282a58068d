// Package redis provides a Redis implementation of the taskgate.Store interface.
// Every check-then-mutate operation runs as a single Lua script, so counters
// stay correct with any number of processes sharing the same Redis.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/taskgate/pkg/taskgate"
)

// Store implements taskgate.Store using Redis
type Store struct {
	client  redis.UniversalClient
	config  Config
	scripts map[string]*redis.Script
}

// Config holds Redis store configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "taskgate:")
	KeyPrefix string
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix: "taskgate:",
	}
}

// New creates a new Redis store
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	if config.KeyPrefix == "" {
		config.KeyPrefix = "taskgate:"
	}

	s := &Store{
		client:  client,
		config:  config,
		scripts: make(map[string]*redis.Script),
	}
	s.loadScripts()

	return s, nil
}

// loadScripts compiles the Lua scripts for atomic operations.
// All durations cross the script boundary in milliseconds.
func (s *Store) loadScripts() {
	s.scripts["incrementAndCheck"] = redis.NewScript(`
		local key = KEYS[1]
		local limit = tonumber(ARGV[1])
		local window = tonumber(ARGV[2])

		local current = redis.call('GET', key)
		if not current then
			if limit <= 0 then
				return {0, 0, window}
			end
			redis.call('SET', key, 1, 'PX', window)
			return {1, limit - 1, window}
		end

		current = tonumber(current)
		local ttl = redis.call('PTTL', key)
		if ttl < 0 then
			redis.call('PEXPIRE', key, window)
			ttl = window
		end

		if current >= limit then
			return {0, 0, ttl}
		end

		redis.call('INCR', key)
		return {1, limit - current - 1, ttl}
	`)

	s.scripts["decrement"] = redis.NewScript(`
		local current = tonumber(redis.call('GET', KEYS[1]) or '0')
		if current <= 1 then
			redis.call('DEL', KEYS[1])
			return 0
		end
		return redis.call('DECR', KEYS[1])
	`)

	s.scripts["decrementOnce"] = redis.NewScript(`
		local first = redis.call('SET', KEYS[2], 1, 'NX', 'PX', tonumber(ARGV[1]))
		local current = tonumber(redis.call('GET', KEYS[1]) or '0')
		if not first then
			return {0, current}
		end
		if current <= 1 then
			redis.call('DEL', KEYS[1])
			return {1, 0}
		end
		return {1, redis.call('DECR', KEYS[1])}
	`)
}

func (s *Store) key(k string) string {
	return s.config.KeyPrefix + k
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", taskgate.ErrStoreUnavailable, op, err)
}

func toMillis(d time.Duration) int64 {
	ms := d.Milliseconds()
	if ms < 1 {
		ms = 1
	}
	return ms
}

func parseInts(result interface{}, n int) ([]int64, error) {
	arr, ok := result.([]interface{})
	if !ok || len(arr) != n {
		return nil, fmt.Errorf("unexpected script result: %v", result)
	}
	out := make([]int64, n)
	for i, v := range arr {
		iv, ok := v.(int64)
		if !ok {
			return nil, fmt.Errorf("unexpected script result element %d: %v", i, v)
		}
		out[i] = iv
	}
	return out, nil
}

// IncrementAndCheck implements taskgate.Store
func (s *Store) IncrementAndCheck(ctx context.Context, key string, limit int64,
	window time.Duration) (taskgate.CounterResult, error) {
	result, err := s.scripts["incrementAndCheck"].Run(ctx, s.client,
		[]string{s.key(key)}, limit, toMillis(window)).Result()
	if err != nil {
		return taskgate.CounterResult{}, unavailable("increment and check", err)
	}

	vals, err := parseInts(result, 3)
	if err != nil {
		return taskgate.CounterResult{}, err
	}
	return taskgate.CounterResult{
		Allowed:   vals[0] == 1,
		Remaining: vals[1],
		Reset:     time.Duration(vals[2]) * time.Millisecond,
	}, nil
}

// Increment implements taskgate.Store
func (s *Store) Increment(ctx context.Context, key string) (int64, error) {
	v, err := s.client.Incr(ctx, s.key(key)).Result()
	if err != nil {
		return 0, unavailable("increment", err)
	}
	return v, nil
}

// Decrement implements taskgate.Store
func (s *Store) Decrement(ctx context.Context, key string) (int64, error) {
	v, err := s.scripts["decrement"].Run(ctx, s.client, []string{s.key(key)}).Int64()
	if err != nil {
		return 0, unavailable("decrement", err)
	}
	return v, nil
}

// DecrementOnce implements taskgate.Store
func (s *Store) DecrementOnce(ctx context.Context, key, guard string,
	guardTTL time.Duration) (bool, int64, error) {
	result, err := s.scripts["decrementOnce"].Run(ctx, s.client,
		[]string{s.key(key), s.key(guard)}, toMillis(guardTTL)).Result()
	if err != nil {
		return false, 0, unavailable("decrement once", err)
	}

	vals, err := parseInts(result, 2)
	if err != nil {
		return false, 0, err
	}
	return vals[0] == 1, vals[1], nil
}

// Get implements taskgate.Store
func (s *Store) Get(ctx context.Context, key string) (taskgate.Counter, error) {
	k := s.key(key)
	pipe := s.client.Pipeline()
	getCmd := pipe.Get(ctx, k)
	ttlCmd := pipe.PTTL(ctx, k)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return taskgate.Counter{}, unavailable("get", err)
	}

	v, err := getCmd.Int64()
	if errors.Is(err, redis.Nil) {
		return taskgate.Counter{}, nil
	}
	if err != nil {
		return taskgate.Counter{}, fmt.Errorf("failed to parse counter %s: %w", key, err)
	}

	ttl := ttlCmd.Val()
	if ttl < 0 {
		ttl = 0
	}
	return taskgate.Counter{Value: v, TTL: ttl}, nil
}

// Close closes the Redis client connection
func (s *Store) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
