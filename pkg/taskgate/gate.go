package taskgate

import (
	"context"
	"fmt"
	"time"
)

// Config holds the admission gate configuration.
type Config struct {
	// Tiers is the tier table. Its lowest tier is the fallback when the
	// TierProvider fails. Defaults to DefaultTiers().
	Tiers Tiers

	// FallbackTier overrides the fallback tier by name.
	FallbackTier string

	// RateLimitWindow is the window for Tier.APIRateLimit (default: 1 minute).
	RateLimitWindow time.Duration

	// UpgradeURL is attached to quota rejections (default: /pricing).
	UpgradeURL string

	// ReleaseGuardTTL is how long per-task release markers are kept (default: 48h).
	ReleaseGuardTTL time.Duration

	// Logger is used for admission logging. Defaults to NoopLogger.
	Logger Logger

	// Metrics is used for admission metrics. Defaults to NoopMetrics.
	Metrics Metrics
}

// DefaultConfig returns the default gate configuration.
func DefaultConfig() Config {
	return Config{
		Tiers:           DefaultTiers(),
		RateLimitWindow: DefaultRateLimitWindow,
		UpgradeURL:      DefaultUpgradeURL,
		ReleaseGuardTTL: DefaultReleaseGuardTTL,
	}
}

// Validate checks the configuration and fills zero values with defaults.
func (c *Config) Validate() error {
	if len(c.Tiers) == 0 {
		c.Tiers = DefaultTiers()
	}
	if err := c.Tiers.Validate(); err != nil {
		return err
	}
	if c.FallbackTier != "" {
		if _, ok := c.Tiers.Get(c.FallbackTier); !ok {
			return fmt.Errorf("%w: fallback tier %q is not defined", ErrTierNotFound, c.FallbackTier)
		}
	}
	if c.RateLimitWindow < 0 {
		return fmt.Errorf("%w: rate limit window must not be negative", ErrInvalidLimit)
	}
	if c.RateLimitWindow == 0 {
		c.RateLimitWindow = DefaultRateLimitWindow
	}
	if c.UpgradeURL == "" {
		c.UpgradeURL = DefaultUpgradeURL
	}
	if c.ReleaseGuardTTL <= 0 {
		c.ReleaseGuardTTL = DefaultReleaseGuardTTL
	}
	if c.Logger == nil {
		c.Logger = &NoopLogger{}
	}
	if c.Metrics == nil {
		c.Metrics = &NoopMetrics{}
	}
	return nil
}

// check is one admission stage. undo, when set, returns what run took and
// is called if a later stage rejects.
type check struct {
	dimension Dimension
	run       func(ctx context.Context, req TaskRequest, tier Tier) Decision
	undo      func(ctx context.Context, req TaskRequest)
}

// Gate composes rate limiting, quota, and concurrency into one admission
// decision per task request.
type Gate struct {
	limiter     *RateLimiter
	quotas      *QuotaManager
	concurrency *ConcurrencyTracker
	tiers       TierProvider
	fallback    Tier
	window      time.Duration
	logger      Logger
	metrics     Metrics

	checks []check
}

// NewGate creates an admission gate over store. tiers is consulted on every
// Admit call.
func NewGate(store Store, tiers TierProvider, config Config) (*Gate, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store is required", ErrStoreUnavailable)
	}
	if tiers == nil {
		return nil, fmt.Errorf("%w: tier provider is required", ErrTierNotFound)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	fallback := config.Tiers.Lowest()
	if config.FallbackTier != "" {
		fallback, _ = config.Tiers.Get(config.FallbackTier)
	}

	g := &Gate{
		limiter:     NewRateLimiter(store, config.Logger, config.Metrics),
		quotas:      NewQuotaManager(store, config.Logger, config.Metrics, config.UpgradeURL),
		concurrency: NewConcurrencyTracker(store, config.Logger, config.Metrics, config.ReleaseGuardTTL),
		tiers:       tiers,
		fallback:    fallback,
		window:      config.RateLimitWindow,
		logger:      config.Logger,
		metrics:     config.Metrics,
	}

	g.checks = []check{
		{
			dimension: DimensionRateLimit,
			run: func(ctx context.Context, req TaskRequest, tier Tier) Decision {
				return g.limiter.Check(ctx, req.UserID, req.Endpoint, tier.APIRateLimit, g.window)
			},
		},
		{
			dimension: DimensionQuota,
			run: func(ctx context.Context, req TaskRequest, tier Tier) Decision {
				return g.quotas.CheckQuota(ctx, req.UserID, req.QuotaType, tier, req.Kind)
			},
			undo: func(ctx context.Context, req TaskRequest) {
				_ = g.quotas.Refund(ctx, req.UserID, req.QuotaType, req.Kind)
			},
		},
		{
			dimension: DimensionConcurrency,
			run: func(ctx context.Context, req TaskRequest, tier Tier) Decision {
				return g.concurrency.TryAcquire(ctx, req.UserID, tier.MaxConcurrentTasks)
			},
		},
	}
	return g, nil
}

// Admit runs the checks in order and stops at the first rejection. A
// rejected Decision carries the limiting check's metadata; an allowed one
// carries the last check's. If the store fails, the request is admitted at
// that check and the rest are skipped.
func (g *Gate) Admit(ctx context.Context, req TaskRequest) Decision {
	tier := g.tierFor(ctx, req.UserID)

	var (
		last  Decision
		taken []int
	)
	for i, c := range g.checks {
		d := c.run(ctx, req, tier)
		d.Tier = tier.Name
		g.metrics.RecordDecision(c.dimension, tier.Name, d.Allowed)
		if !d.Allowed {
			for j := len(taken) - 1; j >= 0; j-- {
				if undo := g.checks[taken[j]].undo; undo != nil {
					undo(ctx, req)
				}
			}
			g.logger.Info("task rejected",
				F("userID", req.UserID),
				F("endpoint", req.Endpoint),
				F("dimension", string(d.Dimension)),
				F("tier", tier.Name),
				F("retryAfter", d.RetryAfter()),
			)
			return d
		}
		// The remaining checks share the same store; one failure is enough.
		if d.FailOpen {
			return d
		}
		taken = append(taken, i)
		last = d
	}
	return last
}

// CheckRateLimit applies only the tier's API rate limit. It is meant for
// operations that do not start a task.
func (g *Gate) CheckRateLimit(ctx context.Context, userID, endpoint string) Decision {
	tier := g.tierFor(ctx, userID)
	d := g.limiter.Check(ctx, userID, endpoint, tier.APIRateLimit, g.window)
	d.Tier = tier.Name
	g.metrics.RecordDecision(DimensionRateLimit, tier.Name, d.Allowed)
	return d
}

// ReleaseTask frees the concurrency slot held by taskID. Safe to call more
// than once for the same task.
func (g *Gate) ReleaseTask(ctx context.Context, userID, taskID string) error {
	return g.concurrency.ReleaseTask(ctx, userID, taskID)
}

// Release frees one concurrency slot for userID without a task guard.
func (g *Gate) Release(ctx context.Context, userID string) error {
	return g.concurrency.Release(ctx, userID)
}

// Usage reports the user's quota and concurrency consumption.
func (g *Gate) Usage(ctx context.Context, userID string) (UsageStats, error) {
	tier := g.tierFor(ctx, userID)
	quotas, err := g.quotas.Usage(ctx, userID, tier)
	if err != nil {
		return UsageStats{}, fmt.Errorf("failed to read quota usage: %w", err)
	}
	inFlight, err := g.concurrency.InFlight(ctx, userID)
	if err != nil {
		return UsageStats{}, fmt.Errorf("failed to read concurrency: %w", err)
	}
	return UsageStats{
		Tier:        tier.Name,
		Quotas:      quotas,
		Concurrent:  inFlight,
		Concurrency: tier.MaxConcurrentTasks,
	}, nil
}

func (g *Gate) tierFor(ctx context.Context, userID string) Tier {
	tier, err := g.tiers.TierFor(ctx, userID)
	if err != nil {
		g.logger.Warn("tier lookup failed, using fallback tier",
			F("userID", userID),
			F("fallbackTier", g.fallback.Name),
			Err(err),
		)
		return g.fallback
	}
	return tier
}
