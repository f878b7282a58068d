package maintenance_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/taskgate/broker/memory"
	"github.com/mihaimyh/taskgate/pkg/dispatch"
	"github.com/mihaimyh/taskgate/pkg/maintenance"
	"github.com/mihaimyh/taskgate/pkg/worker"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestNewScheduler_Validation(t *testing.T) {
	noop := func(context.Context) error { return nil }

	_, err := maintenance.NewScheduler(maintenance.Config{Hooks: []maintenance.Hook{{Name: "a", Run: noop}}})
	assert.Error(t, err, "schedule required")

	_, err = maintenance.NewScheduler(maintenance.Config{Hooks: []maintenance.Hook{{Schedule: "@hourly", Run: noop}}})
	assert.Error(t, err, "name required")

	_, err = maintenance.NewScheduler(maintenance.Config{Hooks: []maintenance.Hook{
		{Name: "a", Schedule: "every hour", Run: noop},
	}})
	assert.Error(t, err, "unparseable schedule")

	_, err = maintenance.NewScheduler(maintenance.Config{Hooks: []maintenance.Hook{
		{Name: "a", Schedule: "@hourly", Run: noop},
		{Name: "a", Schedule: "@hourly", Run: noop},
	}})
	assert.Error(t, err, "duplicate")
}

func TestParseSchedule(t *testing.T) {
	from := time.Date(2026, 1, 1, 12, 30, 0, 0, time.UTC)

	tests := []struct {
		expr string
		want time.Time
	}{
		{"@every 1h", from.Add(time.Hour)},
		{"@every 2h", from.Add(2 * time.Hour)},
		{"@hourly", time.Date(2026, 1, 1, 13, 0, 0, 0, time.UTC)},
		{"0 3 * * *", time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC)},
		{"*/15 * * * *", time.Date(2026, 1, 1, 12, 45, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			sched, err := maintenance.ParseSchedule(tt.expr)
			require.NoError(t, err)
			assert.Equal(t, tt.want, sched.Next(from))
		})
	}

	_, err := maintenance.ParseSchedule("0 0 3 * * *")
	assert.Error(t, err, "seconds field is not accepted")
}

func TestScheduler_Next(t *testing.T) {
	s, err := maintenance.NewScheduler(maintenance.Config{Hooks: []maintenance.Hook{
		maintenance.ReclaimHook(&fakeReclaimer{}, nil, nil),
		maintenance.CleanupHook(&fakeCleaner{}, nil),
	}})
	require.NoError(t, err)

	from := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	next, err := s.Next(maintenance.JobReclaimStale, from)
	require.NoError(t, err)
	assert.Equal(t, from.Add(time.Hour), next)

	next, err = s.Next(maintenance.JobCleanup, from)
	require.NoError(t, err)
	assert.Equal(t, from.Add(2*time.Hour), next)

	_, err = s.Next("missing", from)
	assert.ErrorIs(t, err, maintenance.ErrUnknownHook)
}

func TestScheduler_RunsHooksOnSchedule(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	var hourly, nightly int64
	s, err := maintenance.NewScheduler(maintenance.Config{
		Hooks: []maintenance.Hook{
			{Name: "hourly", Schedule: "@every 1h", Run: func(context.Context) error {
				atomic.AddInt64(&hourly, 1)
				return nil
			}},
			{Name: "nightly", Schedule: "0 3 * * *", Run: func(context.Context) error {
				atomic.AddInt64(&nightly, 1)
				return errors.New("ignored")
			}},
		},
		TickInterval: time.Millisecond,
		Now:          clock.Now,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	// Nothing is due until the clock moves.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int64(0), atomic.LoadInt64(&hourly))

	require.Eventually(t, func() bool {
		if atomic.LoadInt64(&nightly) >= 1 {
			return true
		}
		clock.Advance(30 * time.Minute)
		return false
	}, 5*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, int64(1), atomic.LoadInt64(&nightly))
	assert.GreaterOrEqual(t, atomic.LoadInt64(&hourly), int64(2))
}

func TestScheduler_RunOnStart(t *testing.T) {
	var ran int64
	s, err := maintenance.NewScheduler(maintenance.Config{
		Hooks: []maintenance.Hook{{Name: "sweep", Schedule: "@every 24h", Run: func(context.Context) error {
			atomic.AddInt64(&ran, 1)
			return nil
		}}},
		RunOnStart: true,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return atomic.LoadInt64(&ran) == 1 }, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, int64(1), atomic.LoadInt64(&ran))
}

func TestScheduler_EnqueuesAndWorkerRunsJob(t *testing.T) {
	b := memory.New()
	d, err := dispatch.NewDispatcher(b, dispatch.Config{})
	require.NoError(t, err)

	var ran int64
	s, err := maintenance.NewScheduler(maintenance.Config{
		Hooks: []maintenance.Hook{{Name: "cleanup", Schedule: "@hourly", Run: func(context.Context) error {
			atomic.AddInt64(&ran, 1)
			return nil
		}}},
		Enqueuer: d,
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, s.Trigger(ctx, "cleanup"))
	assert.Equal(t, int64(0), atomic.LoadInt64(&ran), "enqueued, not run in place")

	delivery, err := b.Reserve(ctx, dispatch.QueueMaintenance)
	require.NoError(t, err)
	assert.Equal(t, dispatch.MaintenanceRoute.MaxPriority, delivery.Priority)

	mux := worker.NewMux()
	s.Register(mux)
	e, err := worker.NewExecutor(b, mux, nil, worker.DefaultConfig())
	require.NoError(t, err)
	require.NoError(t, e.Process(ctx, delivery))
	assert.Equal(t, int64(1), atomic.LoadInt64(&ran))

	assert.ErrorIs(t, s.Trigger(ctx, "missing"), maintenance.ErrUnknownHook)
}

type fakeReclaimer struct {
	counts map[string]int
	failOn string
	seen   []string
}

func (f *fakeReclaimer) Reclaim(_ context.Context, queue string) (int, error) {
	f.seen = append(f.seen, queue)
	if queue == f.failOn {
		return 0, errors.New("broker down")
	}
	return f.counts[queue], nil
}

func TestReclaimHook(t *testing.T) {
	d, err := dispatch.NewDispatcher(memory.New(), dispatch.Config{})
	require.NoError(t, err)

	r := &fakeReclaimer{counts: map[string]int{dispatch.QueueContainer: 2}, failOn: dispatch.QueueSequential}
	h := maintenance.ReclaimHook(r, d.Queues(), nil)

	assert.Equal(t, maintenance.JobReclaimStale, h.Name)
	assert.Equal(t, maintenance.ReclaimSchedule, h.Schedule)
	assert.Error(t, h.Run(context.Background()), "errors from one queue are reported")
	assert.Len(t, r.seen, len(d.Queues()), "every queue is visited")
}

type fakeCleaner struct{ n int64 }

func (f *fakeCleaner) Cleanup(context.Context) (int64, error) { return f.n, nil }

func TestCleanupHook(t *testing.T) {
	h := maintenance.CleanupHook(&fakeCleaner{n: 4}, nil)
	assert.Equal(t, maintenance.JobCleanup, h.Name)
	assert.Equal(t, maintenance.CleanupSchedule, h.Schedule)
	assert.NoError(t, h.Run(context.Background()))
}
