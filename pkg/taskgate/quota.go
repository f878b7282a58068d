package taskgate

import (
	"context"
	"strings"
	"time"
)

// DefaultUpgradeURL is the upgrade hint attached to tier-driven rejections.
const DefaultUpgradeURL = "/pricing"

// WindowFor infers the counting window from the quota type's name.
func WindowFor(quotaType QuotaType) time.Duration {
	name := string(quotaType)
	switch {
	case strings.Contains(name, "per_day"):
		return 24 * time.Hour
	case strings.Contains(name, "per_hour"):
		return time.Hour
	default:
		return time.Minute
	}
}

// EffectiveQuotaType returns the quota type charged for a task of kind.
// Heavyweight tasks always draw from their own daily budget.
func EffectiveQuotaType(quotaType QuotaType, kind ExecutorKind) QuotaType {
	if kind.Heavyweight() {
		return QuotaHeavyweightTasksPerDay
	}
	if quotaType == "" {
		return QuotaTasksPerDay
	}
	return quotaType
}

// QuotaManager enforces tier task-volume budgets.
type QuotaManager struct {
	store      Store
	logger     Logger
	metrics    Metrics
	upgradeURL string
}

// NewQuotaManager creates a quota manager. An empty upgradeURL selects
// DefaultUpgradeURL.
func NewQuotaManager(store Store, logger Logger, metrics Metrics, upgradeURL string) *QuotaManager {
	if logger == nil {
		logger = &NoopLogger{}
	}
	if metrics == nil {
		metrics = &NoopMetrics{}
	}
	if upgradeURL == "" {
		upgradeURL = DefaultUpgradeURL
	}
	return &QuotaManager{store: store, logger: logger, metrics: metrics, upgradeURL: upgradeURL}
}

// CheckQuota charges one unit of quotaType against tier. Quota types the
// tier does not define have a limit of zero and are always rejected.
func (q *QuotaManager) CheckQuota(ctx context.Context, userID string, quotaType QuotaType, tier Tier,
	kind ExecutorKind) Decision {
	start := time.Now()
	defer func() { q.metrics.RecordCheckDuration(DimensionQuota, time.Since(start)) }()

	quotaType = EffectiveQuotaType(quotaType, kind)
	limit, _ := tier.Limit(quotaType)
	window := WindowFor(quotaType)

	res, err := q.store.IncrementAndCheck(ctx, quotaKey(userID, quotaType), limit, window)
	if err != nil {
		q.logger.Error("quota check failed, allowing request",
			F("userID", userID),
			F("quotaType", string(quotaType)),
			F("tier", tier.Name),
			Err(err),
		)
		q.metrics.RecordFailOpen(DimensionQuota)
		return Decision{
			Allowed:   true,
			Dimension: DimensionQuota,
			Limit:     limit,
			Remaining: limit,
			ResetIn:   window,
			Tier:      tier.Name,
			FailOpen:  true,
		}
	}

	d := Decision{
		Allowed:   res.Allowed,
		Dimension: DimensionQuota,
		Limit:     limit,
		Remaining: res.Remaining,
		ResetIn:   res.Reset,
		Tier:      tier.Name,
	}
	if !res.Allowed {
		d.Remaining = 0
		d.UpgradeURL = q.upgradeURL
		d.Message = "quota exceeded for " + string(quotaType)
		q.logger.Warn("quota exceeded",
			F("userID", userID),
			F("quotaType", string(quotaType)),
			F("tier", tier.Name),
			F("limit", limit),
		)
	}
	return d
}

// Refund returns one unit of quotaType, flooring at zero. The counter keeps
// its TTL, so the refund never extends the window.
func (q *QuotaManager) Refund(ctx context.Context, userID string, quotaType QuotaType, kind ExecutorKind) error {
	quotaType = EffectiveQuotaType(quotaType, kind)
	if _, err := q.store.Decrement(ctx, quotaKey(userID, quotaType)); err != nil {
		q.logger.Error("quota refund failed",
			F("userID", userID),
			F("quotaType", string(quotaType)),
			Err(err),
		)
		return err
	}
	return nil
}

// Usage reports consumption of every quota type against tier without
// charging anything.
func (q *QuotaManager) Usage(ctx context.Context, userID string, tier Tier) (map[QuotaType]QuotaUsage, error) {
	out := make(map[QuotaType]QuotaUsage, len(QuotaTypes()))
	for _, qt := range QuotaTypes() {
		limit, _ := tier.Limit(qt)
		c, err := q.store.Get(ctx, quotaKey(userID, qt))
		if err != nil {
			return nil, err
		}
		remaining := limit - c.Value
		if remaining < 0 {
			remaining = 0
		}
		resetIn := c.TTL
		if c.Value == 0 {
			resetIn = 0
		}
		out[qt] = QuotaUsage{Used: c.Value, Limit: limit, Remaining: remaining, ResetIn: resetIn}
	}
	return out, nil
}
