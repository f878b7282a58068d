package taskgate

import (
	"context"
	"time"
)

// DefaultRateLimitWindow is the window applied to Tier.APIRateLimit.
const DefaultRateLimitWindow = time.Minute

// RateLimiter enforces a fixed-window request rate per user and endpoint.
// It is independent of quota and applies to every operation a user can reach.
type RateLimiter struct {
	store   Store
	logger  Logger
	metrics Metrics
}

// NewRateLimiter creates a rate limiter backed by store.
func NewRateLimiter(store Store, logger Logger, metrics Metrics) *RateLimiter {
	if logger == nil {
		logger = &NoopLogger{}
	}
	if metrics == nil {
		metrics = &NoopMetrics{}
	}
	return &RateLimiter{store: store, logger: logger, metrics: metrics}
}

// Check counts one request from userID to endpoint against limit per window.
// If the store cannot be reached the request is allowed and the failure is
// logged at error level.
func (r *RateLimiter) Check(ctx context.Context, userID, endpoint string, limit int64,
	window time.Duration) Decision {
	start := time.Now()
	defer func() { r.metrics.RecordCheckDuration(DimensionRateLimit, time.Since(start)) }()

	if window <= 0 {
		window = DefaultRateLimitWindow
	}
	if limit < 0 {
		limit = 0
	}

	res, err := r.store.IncrementAndCheck(ctx, rateLimitKey(userID, endpoint), limit, window)
	if err != nil {
		r.logger.Error("rate limit check failed, allowing request",
			F("userID", userID),
			F("endpoint", endpoint),
			Err(err),
		)
		r.metrics.RecordFailOpen(DimensionRateLimit)
		return Decision{
			Allowed:   true,
			Dimension: DimensionRateLimit,
			Limit:     limit,
			Remaining: limit,
			ResetIn:   window,
			FailOpen:  true,
		}
	}

	d := Decision{
		Allowed:   res.Allowed,
		Dimension: DimensionRateLimit,
		Limit:     limit,
		Remaining: res.Remaining,
		ResetIn:   res.Reset,
	}
	if !res.Allowed {
		d.Remaining = 0
		d.Message = "rate limit exceeded"
		r.logger.Warn("rate limit exceeded",
			F("userID", userID),
			F("endpoint", endpoint),
			F("limit", limit),
			F("retryAfter", d.RetryAfter()),
		)
	}
	return d
}
