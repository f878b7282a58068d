package taskgate_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/taskgate/pkg/taskgate"
	"github.com/mihaimyh/taskgate/storage/memory"
)

func newTestGate(t *testing.T, store taskgate.Store, tiers taskgate.TierProvider, logger taskgate.Logger,
	metrics taskgate.Metrics) *taskgate.Gate {
	t.Helper()
	cfg := taskgate.DefaultConfig()
	cfg.Logger = logger
	cfg.Metrics = metrics
	g, err := taskgate.NewGate(store, tiers, cfg)
	require.NoError(t, err)
	return g
}

func TestNewGate_Validation(t *testing.T) {
	tiers := taskgate.NewStaticTierProvider(taskgate.DefaultTiers(), "")

	_, err := taskgate.NewGate(nil, tiers, taskgate.DefaultConfig())
	assert.Error(t, err)

	_, err = taskgate.NewGate(memory.New(), nil, taskgate.DefaultConfig())
	assert.Error(t, err)

	cfg := taskgate.DefaultConfig()
	cfg.FallbackTier = "platinum"
	_, err = taskgate.NewGate(memory.New(), tiers, cfg)
	assert.ErrorIs(t, err, taskgate.ErrTierNotFound)

	cfg = taskgate.DefaultConfig()
	cfg.Tiers = taskgate.Tiers{{Name: "bad", TasksPerDay: -1}}
	_, err = taskgate.NewGate(memory.New(), tiers, cfg)
	assert.ErrorIs(t, err, taskgate.ErrInvalidTier)
}

func TestGate_ConcurrencyScenario(t *testing.T) {
	tiers := taskgate.NewStaticTierProvider(taskgate.DefaultTiers(), taskgate.TierFree)
	g := newTestGate(t, memory.New(), tiers, nil, nil)
	ctx := context.Background()
	req := taskgate.TaskRequest{UserID: "u1", Endpoint: "/tasks", Kind: taskgate.KindContainer}

	first := g.Admit(ctx, req)
	require.True(t, first.Allowed)
	assert.True(t, first.Slot)
	assert.Equal(t, taskgate.DimensionConcurrency, first.Dimension)

	second := g.Admit(ctx, req)
	assert.False(t, second.Allowed)
	assert.Equal(t, taskgate.DimensionConcurrency, second.Dimension)
	assert.Equal(t, taskgate.TierFree, second.Tier)

	require.NoError(t, g.ReleaseTask(ctx, "u1", "task-1"))

	third := g.Admit(ctx, req)
	assert.True(t, third.Allowed)
}

func TestGate_ConcurrencyRejectRefundsQuota(t *testing.T) {
	tiers := taskgate.NewStaticTierProvider(taskgate.DefaultTiers(), taskgate.TierFree)
	g := newTestGate(t, memory.New(), tiers, nil, nil)
	ctx := context.Background()
	req := taskgate.TaskRequest{UserID: "u1", Endpoint: "/tasks", Kind: taskgate.KindContainer}

	require.True(t, g.Admit(ctx, req).Allowed)
	for i := 0; i < 3; i++ {
		require.False(t, g.Admit(ctx, req).Allowed)
	}

	usage, err := g.Usage(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), usage.Quotas[taskgate.QuotaTasksPerDay].Used)
	assert.Equal(t, int64(1), usage.Concurrent)
	assert.Equal(t, int64(1), usage.Concurrency)
	assert.Equal(t, taskgate.TierFree, usage.Tier)
}

func TestGate_CheckOrder(t *testing.T) {
	tiers := taskgate.Tiers{
		{Name: "tiny", TasksPerDay: 1, TasksPerHour: 1, HeavyweightTasksPerDay: 1, MaxConcurrentTasks: 10, APIRateLimit: 2},
	}
	cfg := taskgate.DefaultConfig()
	cfg.Tiers = tiers
	metrics := newCountingMetrics()
	cfg.Metrics = metrics
	g, err := taskgate.NewGate(memory.New(), taskgate.NewStaticTierProvider(tiers, ""), cfg)
	require.NoError(t, err)
	ctx := context.Background()
	req := taskgate.TaskRequest{UserID: "u1", Endpoint: "/tasks", Kind: taskgate.KindContainer}

	require.True(t, g.Admit(ctx, req).Allowed)

	d := g.Admit(ctx, req)
	assert.False(t, d.Allowed)
	assert.Equal(t, taskgate.DimensionQuota, d.Dimension)
	assert.True(t, d.UpgradeAvailable())

	d = g.Admit(ctx, req)
	assert.False(t, d.Allowed)
	assert.Equal(t, taskgate.DimensionRateLimit, d.Dimension)
	assert.False(t, d.UpgradeAvailable())

	// Rate limit rejections short-circuit: quota is not consulted again.
	assert.Equal(t, [2]int{2, 1}, metrics.decisions[taskgate.DimensionRateLimit])
	assert.Equal(t, [2]int{1, 1}, metrics.decisions[taskgate.DimensionQuota])
	assert.Equal(t, [2]int{1, 0}, metrics.decisions[taskgate.DimensionConcurrency])
}

func TestGate_FailOpen(t *testing.T) {
	logger := &captureLogger{}
	metrics := newCountingMetrics()
	tiers := taskgate.NewStaticTierProvider(taskgate.DefaultTiers(), "")
	g := newTestGate(t, downStore{}, tiers, logger, metrics)

	d := g.Admit(context.Background(), taskgate.TaskRequest{UserID: "u1", Endpoint: "/tasks", Kind: taskgate.KindContainer})

	assert.True(t, d.Allowed)
	assert.True(t, d.FailOpen)
	assert.False(t, d.Slot)
	assert.Equal(t, 1, logger.count("error"))
	assert.Equal(t, 1, metrics.failOpen[taskgate.DimensionRateLimit])
}

func TestGate_TierLookupFailureUsesLowestTier(t *testing.T) {
	tiers := taskgate.TierProviderFunc(func(context.Context, string) (taskgate.Tier, error) {
		return taskgate.Tier{}, errors.New("tier service down")
	})
	logger := &captureLogger{}
	g := newTestGate(t, memory.New(), tiers, logger, nil)

	d := g.Admit(context.Background(), taskgate.TaskRequest{UserID: "u1", Endpoint: "/tasks", Kind: taskgate.KindContainer})
	assert.True(t, d.Allowed)
	assert.Equal(t, taskgate.TierFree, d.Tier)
	assert.Equal(t, 1, logger.count("warn"))
}

func TestGate_TierReadPerRequest(t *testing.T) {
	tiers := taskgate.NewStaticTierProvider(taskgate.DefaultTiers(), taskgate.TierFree)
	g := newTestGate(t, memory.New(), tiers, nil, nil)
	ctx := context.Background()
	req := taskgate.TaskRequest{UserID: "u1", Endpoint: "/tasks", Kind: taskgate.KindContainer}

	require.True(t, g.Admit(ctx, req).Allowed)
	require.False(t, g.Admit(ctx, req).Allowed)

	require.NoError(t, tiers.Assign("u1", taskgate.TierPro))
	d := g.Admit(ctx, req)
	assert.True(t, d.Allowed)
	assert.Equal(t, taskgate.TierPro, d.Tier)
}

func TestGate_CheckRateLimit(t *testing.T) {
	tiers := taskgate.Tiers{{Name: "t", TasksPerDay: 1, MaxConcurrentTasks: 1, APIRateLimit: 1}}
	cfg := taskgate.DefaultConfig()
	cfg.Tiers = tiers
	cfg.RateLimitWindow = 30 * time.Second
	g, err := taskgate.NewGate(memory.New(), taskgate.NewStaticTierProvider(tiers, ""), cfg)
	require.NoError(t, err)
	ctx := context.Background()

	assert.True(t, g.CheckRateLimit(ctx, "u1", "/status").Allowed)
	d := g.CheckRateLimit(ctx, "u1", "/status")
	assert.False(t, d.Allowed)
	assert.LessOrEqual(t, d.RetryAfter(), int64(30))
}
