package taskgate

import (
	"context"
	"time"
)

// CounterResult is the outcome of an atomic increment-and-check.
type CounterResult struct {
	// Allowed is true when the counter was below the limit and has been incremented.
	Allowed bool

	// Remaining is the number of increments left in the current window.
	Remaining int64

	// Reset is the time until the key expires.
	Reset time.Duration
}

// Counter is a read-only snapshot of a counter key.
// A missing key reads as a zero Counter.
type Counter struct {
	Value int64
	TTL   time.Duration
}

// Store is the shared counter store all admission checks are built on.
// Implementations must make every method atomic with respect to concurrent
// callers in other processes; in-process locking alone is not sufficient.
type Store interface {
	// IncrementAndCheck atomically increments key if its value is below limit.
	// An absent key is created with value 1 and a TTL of window.
	// A key at or above limit is left unchanged and reported as not allowed.
	IncrementAndCheck(ctx context.Context, key string, limit int64, window time.Duration) (CounterResult, error)

	// Increment adds one to key without touching its TTL and returns the new value.
	Increment(ctx context.Context, key string) (int64, error)

	// Decrement subtracts one from key, flooring at zero. A key that reaches
	// zero is deleted. Returns the new value.
	Decrement(ctx context.Context, key string) (int64, error)

	// DecrementOnce decrements key only if guard has not been set before.
	// The guard is set with guardTTL in the same atomic step.
	// Returns whether the decrement happened and the resulting value.
	DecrementOnce(ctx context.Context, key, guard string, guardTTL time.Duration) (bool, int64, error)

	// Get returns the current value and remaining TTL of key.
	Get(ctx context.Context, key string) (Counter, error)
}

// Key builders. Every counter follows namespace:user:dimension[:endpoint].

func rateLimitKey(userID, endpoint string) string {
	return "ratelimit:" + userID + ":" + endpoint
}

func quotaKey(userID string, quotaType QuotaType) string {
	return "quota:" + userID + ":" + string(quotaType)
}

func concurrencyKey(userID string) string {
	return "concurrency:" + userID + ":tasks"
}

func releaseGuardKey(userID, taskID string) string {
	return "concurrency:" + userID + ":released:" + taskID
}
