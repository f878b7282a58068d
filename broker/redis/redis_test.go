package redis

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/taskgate/pkg/dispatch"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func setupBroker(t *testing.T, config Config) (*Broker, *testClock) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	clock := &testClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	b, err := New(client, config, WithClock(clock.Now))
	require.NoError(t, err)
	return b, clock
}

func TestNew_NilClient(t *testing.T) {
	_, err := New(nil, DefaultConfig())
	assert.Error(t, err)
}

func TestBroker_PriorityThenFIFO(t *testing.T) {
	b, clock := setupBroker(t, DefaultConfig())
	ctx := context.Background()

	for _, m := range []dispatch.Message{
		{ID: "low", Body: []byte(`{"n":1}`), Priority: 1},
		{ID: "high-1", Body: []byte(`{"n":2}`), Priority: 10},
		{ID: "mid", Body: []byte(`{"n":3}`), Priority: 5},
		{ID: "high-2", Body: []byte(`{"n":4}`), Priority: 10},
	} {
		require.NoError(t, b.Publish(ctx, "docker", m))
		clock.Advance(time.Millisecond)
	}

	var got []string
	for i := 0; i < 4; i++ {
		d, err := b.Reserve(ctx, "docker")
		require.NoError(t, err)
		got = append(got, d.ID)
	}
	assert.Equal(t, []string{"high-1", "high-2", "mid", "low"}, got)

	_, err := b.Reserve(ctx, "docker")
	assert.ErrorIs(t, err, dispatch.ErrQueueEmpty)
}

func TestBroker_ReserveReturnsBody(t *testing.T) {
	b, _ := setupBroker(t, DefaultConfig())
	ctx := context.Background()

	require.NoError(t, b.Publish(ctx, "q", dispatch.Message{ID: "m1", Body: []byte(`{"task_id":"t1"}`), Priority: 7}))

	d, err := b.Reserve(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, "m1", d.ID)
	assert.Equal(t, `{"task_id":"t1"}`, string(d.Body))
	assert.Equal(t, 7, d.Priority)
	assert.Equal(t, "q", d.Queue)

	stats, err := b.Stats(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, dispatch.QueueStats{InFlight: 1}, stats)
}

func TestBroker_RetryDelaysRedelivery(t *testing.T) {
	b, clock := setupBroker(t, DefaultConfig())
	ctx := context.Background()

	require.NoError(t, b.Publish(ctx, "q", dispatch.Message{ID: "m1", Body: []byte("v1"), Priority: 5}))
	d, err := b.Reserve(ctx, "q")
	require.NoError(t, err)

	require.NoError(t, b.Retry(ctx, d, []byte("v2"), clock.Now().Add(10*time.Second)))
	assert.ErrorIs(t, b.Retry(ctx, d, []byte("v3"), clock.Now()), dispatch.ErrNotReserved)

	_, err = b.Reserve(ctx, "q")
	assert.ErrorIs(t, err, dispatch.ErrQueueEmpty)

	clock.Advance(10 * time.Second)
	d, err = b.Reserve(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, "v2", string(d.Body))
	assert.Equal(t, 5, d.Priority)
}

func TestBroker_Ack(t *testing.T) {
	b, _ := setupBroker(t, DefaultConfig())
	ctx := context.Background()

	require.NoError(t, b.Publish(ctx, "q", dispatch.Message{ID: "m1", Body: []byte("v")}))
	d, err := b.Reserve(ctx, "q")
	require.NoError(t, err)

	require.NoError(t, b.Ack(ctx, d))
	assert.ErrorIs(t, b.Ack(ctx, d), dispatch.ErrNotReserved)

	stats, err := b.Stats(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, dispatch.QueueStats{}, stats)
}

func TestBroker_Reclaim(t *testing.T) {
	b, clock := setupBroker(t, Config{VisibilityTimeout: time.Minute})
	ctx := context.Background()

	require.NoError(t, b.Publish(ctx, "q", dispatch.Message{ID: "m1", Body: []byte("v"), Priority: 3}))
	_, err := b.Reserve(ctx, "q")
	require.NoError(t, err)

	n, err := b.Reclaim(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	clock.Advance(time.Minute + time.Millisecond)
	n, err = b.Reclaim(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	d, err := b.Reserve(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, "m1", d.ID)
	assert.Equal(t, 3, d.Priority)
}

func TestBroker_DelayedPublish(t *testing.T) {
	b, clock := setupBroker(t, DefaultConfig())
	ctx := context.Background()

	require.NoError(t, b.Publish(ctx, "q", dispatch.Message{ID: "later", Body: []byte("v"), RunAt: clock.Now().Add(time.Minute)}))

	stats, err := b.Stats(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Delayed)

	_, err = b.Reserve(ctx, "q")
	assert.ErrorIs(t, err, dispatch.ErrQueueEmpty)

	clock.Advance(time.Minute)
	d, err := b.Reserve(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, "later", d.ID)
}

func TestReadyScore(t *testing.T) {
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Less(t, readyScore(10, at.Add(time.Hour)), readyScore(9, at))
	assert.Less(t, readyScore(5, at), readyScore(5, at.Add(time.Millisecond)))
}
