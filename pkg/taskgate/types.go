package taskgate

import (
	"fmt"
	"math"
	"time"
)

// ExecutorKind identifies the backend that performs a task.
// The set of kinds is closed; use ParseExecutorKind to convert external input.
type ExecutorKind uint8

const (
	// KindContainer runs the task in a single-agent container.
	KindContainer ExecutorKind = iota + 1
	// KindMultiAgent runs the task with a multi-agent swarm. It is the
	// heavyweight kind and draws from its own daily budget.
	KindMultiAgent
	// KindSequential runs a container variant that must not run in parallel
	// with itself.
	KindSequential
)

var executorKindNames = map[ExecutorKind]string{
	KindContainer:  "container",
	KindMultiAgent: "multi_agent",
	KindSequential: "sequential",
}

// ExecutorKinds lists every valid kind.
func ExecutorKinds() []ExecutorKind {
	return []ExecutorKind{KindContainer, KindMultiAgent, KindSequential}
}

// String returns the wire name of the kind.
func (k ExecutorKind) String() string {
	if name, ok := executorKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("ExecutorKind(%d)", uint8(k))
}

// Valid reports whether k is one of the enumerated kinds.
func (k ExecutorKind) Valid() bool {
	_, ok := executorKindNames[k]
	return ok
}

// Heavyweight reports whether tasks of this kind use the dedicated
// heavyweight quota.
func (k ExecutorKind) Heavyweight() bool {
	return k == KindMultiAgent
}

// MarshalText implements encoding.TextMarshaler.
func (k ExecutorKind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownExecutorKind, uint8(k))
	}
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *ExecutorKind) UnmarshalText(text []byte) error {
	parsed, err := ParseExecutorKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ParseExecutorKind converts a wire name into an ExecutorKind.
func ParseExecutorKind(s string) (ExecutorKind, error) {
	for kind, name := range executorKindNames {
		if name == s {
			return kind, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownExecutorKind, s)
}

// QuotaType names a task-volume budget on a Tier.
type QuotaType string

const (
	QuotaTasksPerDay            QuotaType = "tasks_per_day"
	QuotaTasksPerHour           QuotaType = "tasks_per_hour"
	QuotaHeavyweightTasksPerDay QuotaType = "heavyweight_tasks_per_day"
)

// QuotaTypes lists the quota types every tier defines.
func QuotaTypes() []QuotaType {
	return []QuotaType{QuotaTasksPerDay, QuotaTasksPerHour, QuotaHeavyweightTasksPerDay}
}

// Dimension names the check that produced a Decision.
type Dimension string

const (
	DimensionRateLimit   Dimension = "rate_limit"
	DimensionQuota       Dimension = "quota"
	DimensionConcurrency Dimension = "concurrency"
)

// Decision is the outcome of an admission check. A rejection is an expected
// result, not an error, and always carries enough metadata for the caller to
// tell the user when to come back.
type Decision struct {
	Allowed bool

	// Dimension is the limiting check on rejection, or the last check
	// evaluated when allowed.
	Dimension Dimension

	Limit     int64
	Remaining int64

	// ResetIn is the time until the limiting window resets.
	ResetIn time.Duration

	// Tier and UpgradeURL are set on tier-driven rejections.
	Tier       string
	UpgradeURL string

	// Message is a short human-readable explanation of a rejection.
	Message string

	// FailOpen is true when the decision was forced to allowed because the
	// counter store could not be reached.
	FailOpen bool

	// Slot is true when the decision took a concurrency slot. Only such a
	// task may later call ReleaseTask; a fail-open admission holds nothing.
	Slot bool
}

// RetryAfter returns ResetIn rounded up to whole seconds.
func (d Decision) RetryAfter() int64 {
	if d.ResetIn <= 0 {
		return 0
	}
	return int64(math.Ceil(d.ResetIn.Seconds()))
}

// UpgradeAvailable reports whether the rejection can be lifted by moving to
// a higher tier.
func (d Decision) UpgradeAvailable() bool {
	return !d.Allowed && d.UpgradeURL != ""
}

// TaskRequest is the input to a single admission decision.
type TaskRequest struct {
	UserID   string
	Endpoint string

	// QuotaType selects the volume budget to charge. Defaults to
	// QuotaTasksPerDay.
	QuotaType QuotaType

	Kind     ExecutorKind
	Priority int
}

// QuotaUsage is a read-only view of one counter.
type QuotaUsage struct {
	Used      int64
	Limit     int64
	Remaining int64
	ResetIn   time.Duration
}

// UsageStats summarizes a user's consumption against their tier.
type UsageStats struct {
	Tier        string
	Quotas      map[QuotaType]QuotaUsage
	Concurrent  int64
	Concurrency int64
}
