package taskgate_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/taskgate/pkg/taskgate"
	"github.com/mihaimyh/taskgate/storage/memory"
)

func TestWindowFor(t *testing.T) {
	tests := []struct {
		quotaType taskgate.QuotaType
		want      time.Duration
	}{
		{taskgate.QuotaTasksPerDay, 24 * time.Hour},
		{taskgate.QuotaHeavyweightTasksPerDay, 24 * time.Hour},
		{taskgate.QuotaTasksPerHour, time.Hour},
		{"uploads", time.Minute},
	}
	for _, tt := range tests {
		t.Run(string(tt.quotaType), func(t *testing.T) {
			assert.Equal(t, tt.want, taskgate.WindowFor(tt.quotaType))
		})
	}
}

func freeTier(t *testing.T) taskgate.Tier {
	t.Helper()
	tier, ok := taskgate.DefaultTiers().Get(taskgate.TierFree)
	require.True(t, ok)
	return tier
}

func TestQuotaManager_CheckQuota(t *testing.T) {
	q := taskgate.NewQuotaManager(memory.New(), nil, nil, "")
	ctx := context.Background()
	tier := freeTier(t)

	for i := int64(0); i < tier.TasksPerHour; i++ {
		d := q.CheckQuota(ctx, "u1", taskgate.QuotaTasksPerHour, tier, taskgate.KindContainer)
		require.True(t, d.Allowed)
		assert.Equal(t, tier.TasksPerHour-i-1, d.Remaining)
	}

	d := q.CheckQuota(ctx, "u1", taskgate.QuotaTasksPerHour, tier, taskgate.KindContainer)
	assert.False(t, d.Allowed)
	assert.Equal(t, taskgate.DimensionQuota, d.Dimension)
	assert.Equal(t, taskgate.TierFree, d.Tier)
	assert.Equal(t, "/pricing", d.UpgradeURL)
	assert.True(t, d.UpgradeAvailable())
	assert.LessOrEqual(t, d.ResetIn, time.Hour)
}

func TestQuotaManager_HeavyweightUsesOwnBudget(t *testing.T) {
	store := memory.New()
	q := taskgate.NewQuotaManager(store, nil, nil, "/upgrade")
	ctx := context.Background()
	tier := freeTier(t)

	for i := int64(0); i < tier.HeavyweightTasksPerDay; i++ {
		d := q.CheckQuota(ctx, "u1", taskgate.QuotaTasksPerDay, tier, taskgate.KindMultiAgent)
		require.True(t, d.Allowed)
		assert.Equal(t, tier.HeavyweightTasksPerDay, d.Limit)
	}
	d := q.CheckQuota(ctx, "u1", taskgate.QuotaTasksPerDay, tier, taskgate.KindMultiAgent)
	assert.False(t, d.Allowed)
	assert.Equal(t, "/upgrade", d.UpgradeURL)

	// The generic daily budget is untouched.
	d = q.CheckQuota(ctx, "u1", taskgate.QuotaTasksPerDay, tier, taskgate.KindContainer)
	assert.True(t, d.Allowed)
	assert.Equal(t, tier.TasksPerDay-1, d.Remaining)
}

func TestQuotaManager_UnknownQuotaTypeRejected(t *testing.T) {
	q := taskgate.NewQuotaManager(memory.New(), nil, nil, "")
	d := q.CheckQuota(context.Background(), "u1", "gpu_minutes", freeTier(t), taskgate.KindContainer)
	assert.False(t, d.Allowed)
	assert.Equal(t, int64(0), d.Limit)
}

func TestQuotaManager_RefundAndUsage(t *testing.T) {
	q := taskgate.NewQuotaManager(memory.New(), nil, nil, "")
	ctx := context.Background()
	tier := freeTier(t)

	q.CheckQuota(ctx, "u1", taskgate.QuotaTasksPerDay, tier, taskgate.KindContainer)
	q.CheckQuota(ctx, "u1", taskgate.QuotaTasksPerDay, tier, taskgate.KindContainer)
	require.NoError(t, q.Refund(ctx, "u1", taskgate.QuotaTasksPerDay, taskgate.KindContainer))

	usage, err := q.Usage(ctx, "u1", tier)
	require.NoError(t, err)
	require.Len(t, usage, len(taskgate.QuotaTypes()))

	daily := usage[taskgate.QuotaTasksPerDay]
	assert.Equal(t, int64(1), daily.Used)
	assert.Equal(t, tier.TasksPerDay-1, daily.Remaining)
	assert.Greater(t, daily.ResetIn, time.Duration(0))

	hourly := usage[taskgate.QuotaTasksPerHour]
	assert.Equal(t, int64(0), hourly.Used)
	assert.Equal(t, tier.TasksPerHour, hourly.Remaining)
	assert.Equal(t, time.Duration(0), hourly.ResetIn)
}

func TestQuotaManager_FailOpen(t *testing.T) {
	logger := &captureLogger{}
	q := taskgate.NewQuotaManager(downStore{}, logger, nil, "")

	d := q.CheckQuota(context.Background(), "u1", taskgate.QuotaTasksPerDay, freeTier(t), taskgate.KindContainer)
	assert.True(t, d.Allowed)
	assert.True(t, d.FailOpen)
	assert.Equal(t, 1, logger.count("error"))
}
