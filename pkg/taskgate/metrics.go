package taskgate

import "time"

// Metrics defines the interface for tracking admission decisions and store health.
type Metrics interface {
	// RecordDecision records the outcome of one admission check.
	RecordDecision(dimension Dimension, tier string, allowed bool)

	// RecordCheckDuration records the latency of one admission check.
	RecordCheckDuration(dimension Dimension, duration time.Duration)

	// RecordFailOpen records a decision forced open by a store error.
	RecordFailOpen(dimension Dimension)

	// RecordStoreOperation records the duration and status of a counter store operation.
	RecordStoreOperation(operation string, duration time.Duration, err error)

	// RecordCircuitBreakerStateChange records a circuit breaker state change.
	RecordCircuitBreakerStateChange(state string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordDecision(dimension Dimension, tier string, allowed bool)            {}
func (n *NoopMetrics) RecordCheckDuration(dimension Dimension, duration time.Duration)          {}
func (n *NoopMetrics) RecordFailOpen(dimension Dimension)                                       {}
func (n *NoopMetrics) RecordStoreOperation(operation string, duration time.Duration, err error) {}
func (n *NoopMetrics) RecordCircuitBreakerStateChange(state string)                             {}
