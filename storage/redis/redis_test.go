package redis

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/taskgate/pkg/taskgate"
)

// setupTestRedis starts an in-process Redis and returns a store backed by it.
func setupTestRedis(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store, err := New(client, DefaultConfig())
	require.NoError(t, err)
	return store, mr
}

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		client  redis.UniversalClient
		config  Config
		prefix  string
		wantErr bool
	}{
		{
			name:    "nil client",
			client:  nil,
			config:  DefaultConfig(),
			wantErr: true,
		},
		{
			name:   "empty prefix defaults",
			client: redis.NewClient(&redis.Options{Addr: "localhost:0"}),
			config: Config{},
			prefix: "taskgate:",
		},
		{
			name:   "custom prefix",
			client: redis.NewClient(&redis.Options{Addr: "localhost:0"}),
			config: Config{KeyPrefix: "tg:"},
			prefix: "tg:",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := New(tt.client, tt.config)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.prefix, s.config.KeyPrefix)
		})
	}
}

func TestStore_IncrementAndCheck(t *testing.T) {
	store, mr := setupTestRedis(t)
	ctx := context.Background()

	for i := int64(1); i <= 5; i++ {
		res, err := store.IncrementAndCheck(ctx, "ratelimit:u1:/tasks", 5, time.Minute)
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		assert.Equal(t, 5-i, res.Remaining)
		assert.Greater(t, res.Reset, time.Duration(0))
		assert.LessOrEqual(t, res.Reset, time.Minute)
	}

	res, err := store.IncrementAndCheck(ctx, "ratelimit:u1:/tasks", 5, time.Minute)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, int64(0), res.Remaining)
	assert.LessOrEqual(t, res.Reset, time.Minute)

	got, err := mr.Get("taskgate:ratelimit:u1:/tasks")
	require.NoError(t, err)
	assert.Equal(t, "5", got)
}

func TestStore_WindowReset(t *testing.T) {
	store, mr := setupTestRedis(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := store.IncrementAndCheck(ctx, "k", 2, time.Minute)
		require.NoError(t, err)
	}
	res, err := store.IncrementAndCheck(ctx, "k", 2, time.Minute)
	require.NoError(t, err)
	assert.False(t, res.Allowed)

	mr.FastForward(time.Minute + time.Second)

	res, err = store.IncrementAndCheck(ctx, "k", 2, time.Minute)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, int64(1), res.Remaining)
}

func TestStore_IncrementAndCheck_RetryAfterNonIncreasing(t *testing.T) {
	store, mr := setupTestRedis(t)
	ctx := context.Background()

	_, err := store.IncrementAndCheck(ctx, "k", 1, time.Minute)
	require.NoError(t, err)

	prev := time.Minute
	for i := 0; i < 5; i++ {
		mr.FastForward(5 * time.Second)
		res, err := store.IncrementAndCheck(ctx, "k", 1, time.Minute)
		require.NoError(t, err)
		assert.False(t, res.Allowed)
		assert.LessOrEqual(t, res.Reset, prev)
		prev = res.Reset
	}
}

func TestStore_IncrementAndCheck_MissingTTLReapplied(t *testing.T) {
	store, mr := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, mr.Set("taskgate:k", "1"))

	res, err := store.IncrementAndCheck(ctx, "k", 5, time.Minute)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, int64(3), res.Remaining)
	assert.Equal(t, time.Minute, mr.TTL("taskgate:k"))
}

func TestStore_IncrementAndCheck_ZeroLimit(t *testing.T) {
	store, mr := setupTestRedis(t)
	ctx := context.Background()

	res, err := store.IncrementAndCheck(ctx, "k", 0, time.Hour)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.False(t, mr.Exists("taskgate:k"))
}

func TestStore_IncrementAndCheck_Concurrent(t *testing.T) {
	store, _ := setupTestRedis(t)
	ctx := context.Background()

	const (
		workers = 40
		limit   = 6
	)
	var allowed int64
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := store.IncrementAndCheck(ctx, "k", limit, time.Minute)
			if err == nil && res.Allowed {
				atomic.AddInt64(&allowed, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(limit), allowed)
}

func TestStore_IncrementDecrement(t *testing.T) {
	store, mr := setupTestRedis(t)
	ctx := context.Background()

	v, err := store.Increment(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)
	v, err = store.Increment(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)

	v, err = store.Decrement(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)
	v, err = store.Decrement(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, int64(0), v)
	assert.False(t, mr.Exists("taskgate:c"))

	v, err = store.Decrement(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, int64(0), v)
	assert.False(t, mr.Exists("taskgate:c"))
}

func TestStore_DecrementOnce(t *testing.T) {
	store, mr := setupTestRedis(t)
	ctx := context.Background()

	_, _ = store.Increment(ctx, "c")
	_, _ = store.Increment(ctx, "c")

	done, v, err := store.DecrementOnce(ctx, "c", "g:t1", time.Hour)
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, int64(1), v)
	assert.True(t, mr.Exists("taskgate:g:t1"))

	done, v, err = store.DecrementOnce(ctx, "c", "g:t1", time.Hour)
	require.NoError(t, err)
	assert.False(t, done)
	assert.Equal(t, int64(1), v)

	mr.FastForward(2 * time.Hour)
	done, v, err = store.DecrementOnce(ctx, "c", "g:t1", time.Hour)
	require.NoError(t, err)
	assert.True(t, done, "guard expires after its TTL")
	assert.Equal(t, int64(0), v)
}

func TestStore_Get(t *testing.T) {
	store, _ := setupTestRedis(t)
	ctx := context.Background()

	c, err := store.Get(ctx, "missing")
	require.NoError(t, err)
	assert.Equal(t, taskgate.Counter{}, c)

	_, err = store.IncrementAndCheck(ctx, "k", 10, time.Hour)
	require.NoError(t, err)
	c, err = store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, int64(1), c.Value)
	assert.Greater(t, c.TTL, 59*time.Minute)

	_, err = store.Increment(ctx, "nottl")
	require.NoError(t, err)
	c, err = store.Get(ctx, "nottl")
	require.NoError(t, err)
	assert.Equal(t, int64(1), c.Value)
	assert.Equal(t, time.Duration(0), c.TTL)
}

func TestStore_Unavailable(t *testing.T) {
	store, mr := setupTestRedis(t)
	mr.Close()

	_, err := store.IncrementAndCheck(context.Background(), "k", 1, time.Minute)
	assert.ErrorIs(t, err, taskgate.ErrStoreUnavailable)

	_, err = store.Increment(context.Background(), "k")
	assert.ErrorIs(t, err, taskgate.ErrStoreUnavailable)
}

func TestConcurrencyTracker_MixedAcquireRelease(t *testing.T) {
	store, mr := setupTestRedis(t)
	tracker := taskgate.NewConcurrencyTracker(store, nil, nil, time.Hour)
	ctx := context.Background()

	const (
		workers    = 8
		iterations = 50
		limit      = 2
	)
	var holders, maxHolders int64
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < iterations; i++ {
				d := tracker.TryAcquire(ctx, "u1", limit)
				assert.False(t, d.FailOpen)
				if !d.Allowed {
					continue
				}
				n := atomic.AddInt64(&holders, 1)
				for {
					m := atomic.LoadInt64(&maxHolders)
					if n <= m || atomic.CompareAndSwapInt64(&maxHolders, m, n) {
						break
					}
				}
				atomic.AddInt64(&holders, -1)

				if i%2 == 0 {
					taskID := fmt.Sprintf("task-%d-%d", w, i)
					assert.NoError(t, tracker.ReleaseTask(ctx, "u1", taskID))
					assert.NoError(t, tracker.ReleaseTask(ctx, "u1", taskID), "repeat is a no-op")
				} else {
					assert.NoError(t, tracker.Release(ctx, "u1"))
				}
			}
		}(w)
	}

	done := make(chan struct{})
	var sampled sync.WaitGroup
	sampled.Add(1)
	go func() {
		defer sampled.Done()
		for {
			select {
			case <-done:
				return
			default:
			}
			n, err := tracker.InFlight(ctx, "u1")
			assert.NoError(t, err)
			assert.GreaterOrEqual(t, n, int64(0))
			// A rejected acquirer holds its increment only until it rolls back.
			assert.LessOrEqual(t, n, int64(limit+workers))
		}
	}()

	wg.Wait()
	close(done)
	sampled.Wait()

	assert.LessOrEqual(t, maxHolders, int64(limit))
	n, err := tracker.InFlight(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
	assert.False(t, mr.Exists("taskgate:concurrency:u1:tasks"), "an idle counter is deleted")

	for i := 0; i < limit; i++ {
		assert.True(t, tracker.TryAcquire(ctx, "u1", limit).Allowed)
	}
	assert.False(t, tracker.TryAcquire(ctx, "u1", limit).Allowed)
}
