package taskgate

import (
	"context"
	"time"
)

// DefaultReleaseGuardTTL bounds how long a per-task release marker is kept.
// It must outlive every possible redelivery of the task.
const DefaultReleaseGuardTTL = 48 * time.Hour

// ConcurrencyTracker caps the number of admitted-but-unfinished tasks per user.
type ConcurrencyTracker struct {
	store    Store
	logger   Logger
	metrics  Metrics
	guardTTL time.Duration
}

// NewConcurrencyTracker creates a tracker. A non-positive guardTTL selects
// DefaultReleaseGuardTTL.
func NewConcurrencyTracker(store Store, logger Logger, metrics Metrics, guardTTL time.Duration) *ConcurrencyTracker {
	if logger == nil {
		logger = &NoopLogger{}
	}
	if metrics == nil {
		metrics = &NoopMetrics{}
	}
	if guardTTL <= 0 {
		guardTTL = DefaultReleaseGuardTTL
	}
	return &ConcurrencyTracker{store: store, logger: logger, metrics: metrics, guardTTL: guardTTL}
}

// TryAcquire takes one slot for userID. The counter is incremented first and
// compared afterwards; an increment that overshoots limit is undone, so
// concurrent acquirers can never leave the count above limit.
func (c *ConcurrencyTracker) TryAcquire(ctx context.Context, userID string, limit int64) Decision {
	start := time.Now()
	defer func() { c.metrics.RecordCheckDuration(DimensionConcurrency, time.Since(start)) }()

	key := concurrencyKey(userID)
	current, err := c.store.Increment(ctx, key)
	if err != nil {
		c.logger.Error("concurrency check failed, allowing request",
			F("userID", userID),
			Err(err),
		)
		c.metrics.RecordFailOpen(DimensionConcurrency)
		return Decision{
			Allowed:   true,
			Dimension: DimensionConcurrency,
			Limit:     limit,
			Remaining: limit,
			FailOpen:  true,
		}
	}

	if current > limit {
		if _, err := c.store.Decrement(ctx, key); err != nil {
			c.logger.Error("failed to roll back concurrency slot",
				F("userID", userID),
				Err(err),
			)
		}
		c.logger.Warn("concurrency limit reached",
			F("userID", userID),
			F("limit", limit),
		)
		return Decision{
			Allowed:   false,
			Dimension: DimensionConcurrency,
			Limit:     limit,
			Remaining: 0,
			Message:   "concurrent task limit reached",
		}
	}

	return Decision{
		Allowed:   true,
		Dimension: DimensionConcurrency,
		Limit:     limit,
		Remaining: limit - current,
		Slot:      true,
	}
}

// Release frees one slot for userID. The count never drops below zero.
func (c *ConcurrencyTracker) Release(ctx context.Context, userID string) error {
	if _, err := c.store.Decrement(ctx, concurrencyKey(userID)); err != nil {
		c.logger.Error("concurrency release failed",
			F("userID", userID),
			Err(err),
		)
		return err
	}
	return nil
}

// ReleaseTask frees the slot held by taskID. Repeated calls for the same
// task are no-ops, so a redelivered task cannot release twice.
func (c *ConcurrencyTracker) ReleaseTask(ctx context.Context, userID, taskID string) error {
	released, remaining, err := c.store.DecrementOnce(ctx, concurrencyKey(userID),
		releaseGuardKey(userID, taskID), c.guardTTL)
	if err != nil {
		c.logger.Error("concurrency release failed",
			F("userID", userID),
			F("taskID", taskID),
			Err(err),
		)
		return err
	}
	if !released {
		c.logger.Debug("concurrency slot already released",
			F("userID", userID),
			F("taskID", taskID),
		)
		return nil
	}
	c.logger.Debug("concurrency slot released",
		F("userID", userID),
		F("taskID", taskID),
		F("inFlight", remaining),
	)
	return nil
}

// InFlight returns the number of slots userID currently holds.
func (c *ConcurrencyTracker) InFlight(ctx context.Context, userID string) (int64, error) {
	counter, err := c.store.Get(ctx, concurrencyKey(userID))
	if err != nil {
		return 0, err
	}
	return counter.Value, nil
}
