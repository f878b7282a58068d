package taskgate

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Tier holds the limits granted to a subscription level.
type Tier struct {
	Name string `json:"name" yaml:"name"`

	TasksPerDay            int64 `json:"tasks_per_day" yaml:"tasks_per_day"`
	TasksPerHour           int64 `json:"tasks_per_hour" yaml:"tasks_per_hour"`
	HeavyweightTasksPerDay int64 `json:"heavyweight_tasks_per_day" yaml:"heavyweight_tasks_per_day"`
	MaxConcurrentTasks     int64 `json:"max_concurrent_tasks" yaml:"max_concurrent_tasks"`

	// APIRateLimit is the number of requests per rate-limit window
	// (one minute unless configured otherwise).
	APIRateLimit int64 `json:"api_rate_limit" yaml:"api_rate_limit"`
}

// Limit returns the budget for quotaType. The second value is false for
// quota types the tier does not define.
func (t Tier) Limit(quotaType QuotaType) (int64, bool) {
	switch quotaType {
	case QuotaTasksPerDay:
		return t.TasksPerDay, true
	case QuotaTasksPerHour:
		return t.TasksPerHour, true
	case QuotaHeavyweightTasksPerDay:
		return t.HeavyweightTasksPerDay, true
	default:
		return 0, false
	}
}

// Validate checks that the tier is named and that no limit is negative.
func (t Tier) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidTier)
	}
	limits := map[string]int64{
		"tasks_per_day":             t.TasksPerDay,
		"tasks_per_hour":            t.TasksPerHour,
		"heavyweight_tasks_per_day": t.HeavyweightTasksPerDay,
		"max_concurrent_tasks":      t.MaxConcurrentTasks,
		"api_rate_limit":            t.APIRateLimit,
	}
	for name, v := range limits {
		if v < 0 {
			return fmt.Errorf("%w: %s: %s must not be negative", ErrInvalidTier, t.Name, name)
		}
	}
	return nil
}

// rank orders tiers from the most to the least restrictive.
func (t Tier) rank() int64 {
	return t.TasksPerDay + t.TasksPerHour + t.HeavyweightTasksPerDay + t.MaxConcurrentTasks + t.APIRateLimit
}

const (
	TierFree       = "free"
	TierPro        = "pro"
	TierEnterprise = "enterprise"
)

// DefaultTiers returns the built-in tier table.
func DefaultTiers() Tiers {
	return Tiers{
		{Name: TierFree, TasksPerDay: 10, TasksPerHour: 5, HeavyweightTasksPerDay: 2, MaxConcurrentTasks: 1, APIRateLimit: 60},
		{Name: TierPro, TasksPerDay: 100, TasksPerHour: 20, HeavyweightTasksPerDay: 20, MaxConcurrentTasks: 5, APIRateLimit: 300},
		{
			Name: TierEnterprise, TasksPerDay: 1000, TasksPerHour: 100, HeavyweightTasksPerDay: 200,
			MaxConcurrentTasks: 20, APIRateLimit: 1000,
		},
	}
}

// Tiers is a set of tier definitions.
type Tiers []Tier

// Get returns the tier called name.
func (ts Tiers) Get(name string) (Tier, bool) {
	for _, t := range ts {
		if t.Name == name {
			return t, true
		}
	}
	return Tier{}, false
}

// Lowest returns the most restrictive tier. It is the fallback when a
// user's tier cannot be determined.
func (ts Tiers) Lowest() Tier {
	if len(ts) == 0 {
		return Tier{}
	}
	sorted := make(Tiers, len(ts))
	copy(sorted, ts)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].rank() < sorted[j].rank() })
	return sorted[0]
}

// Validate checks every tier and rejects duplicate names.
func (ts Tiers) Validate() error {
	if len(ts) == 0 {
		return fmt.Errorf("%w: at least one tier is required", ErrInvalidTier)
	}
	seen := make(map[string]struct{}, len(ts))
	for _, t := range ts {
		if err := t.Validate(); err != nil {
			return err
		}
		if _, dup := seen[t.Name]; dup {
			return fmt.Errorf("%w: duplicate tier %q", ErrInvalidTier, t.Name)
		}
		seen[t.Name] = struct{}{}
	}
	return nil
}

// TierProvider resolves the current tier of a user. Implementations are
// queried on every admission decision and must not cache across requests
// unless staleness is acceptable to the caller.
type TierProvider interface {
	TierFor(ctx context.Context, userID string) (Tier, error)
}

// TierProviderFunc adapts a function to TierProvider.
type TierProviderFunc func(ctx context.Context, userID string) (Tier, error)

func (f TierProviderFunc) TierFor(ctx context.Context, userID string) (Tier, error) {
	return f(ctx, userID)
}

// StaticTierProvider maps user IDs to tier names in memory. Users without an
// assignment receive the default tier.
type StaticTierProvider struct {
	mu          sync.RWMutex
	tiers       Tiers
	assignments map[string]string
	defaultTier string
}

// NewStaticTierProvider creates a provider over tiers. An empty defaultTier
// selects the lowest tier.
func NewStaticTierProvider(tiers Tiers, defaultTier string) *StaticTierProvider {
	if defaultTier == "" {
		defaultTier = tiers.Lowest().Name
	}
	return &StaticTierProvider{
		tiers:       tiers,
		assignments: make(map[string]string),
		defaultTier: defaultTier,
	}
}

// Assign sets the tier of userID.
func (p *StaticTierProvider) Assign(userID, tierName string) error {
	if _, ok := p.tiers.Get(tierName); !ok {
		return fmt.Errorf("%w: %q", ErrTierNotFound, tierName)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.assignments[userID] = tierName
	return nil
}

func (p *StaticTierProvider) TierFor(_ context.Context, userID string) (Tier, error) {
	p.mu.RLock()
	name, ok := p.assignments[userID]
	p.mu.RUnlock()
	if !ok {
		name = p.defaultTier
	}
	t, found := p.tiers.Get(name)
	if !found {
		return Tier{}, fmt.Errorf("%w: %q", ErrTierNotFound, name)
	}
	return t, nil
}
