package taskgate

import (
	"context"
	"time"
)

// BreakerStore wraps a Store with circuit breaker protection and operation
// metrics. While the circuit is open every call fails immediately with
// ErrCircuitOpen, so admission fails open without waiting on a dead store.
type BreakerStore struct {
	store   Store
	cb      CircuitBreaker
	metrics Metrics
}

// NewBreakerStore creates a new store wrapper with circuit breaker.
// A nil metrics falls back to NoopMetrics.
func NewBreakerStore(store Store, cb CircuitBreaker, metrics Metrics) *BreakerStore {
	if metrics == nil {
		metrics = &NoopMetrics{}
	}
	return &BreakerStore{
		store:   store,
		cb:      cb,
		metrics: metrics,
	}
}

// NewBreakerStoreFromConfig builds the DefaultCircuitBreaker described by
// config and wraps store with it. A disabled config returns store unchanged.
func NewBreakerStoreFromConfig(store Store, config *CircuitBreakerConfig, metrics Metrics, logger Logger) Store {
	if config == nil || !config.Enabled {
		return store
	}
	if metrics == nil {
		metrics = &NoopMetrics{}
	}
	if logger == nil {
		logger = &NoopLogger{}
	}
	cb := NewDefaultCircuitBreaker(config.FailureThreshold, config.ResetTimeout, func(state CircuitBreakerState) {
		metrics.RecordCircuitBreakerStateChange(string(state))
		logger.Warn("counter store circuit breaker state changed", F("state", string(state)))
	})
	return NewBreakerStore(store, cb, metrics)
}

func (s *BreakerStore) observe(operation string, start time.Time, err error) {
	s.metrics.RecordStoreOperation(operation, time.Since(start), err)
}

func (s *BreakerStore) IncrementAndCheck(ctx context.Context, key string, limit int64,
	window time.Duration) (CounterResult, error) {
	var res CounterResult
	start := time.Now()
	err := s.cb.Execute(ctx, func() error {
		var e error
		res, e = s.store.IncrementAndCheck(ctx, key, limit, window)
		return e
	})
	s.observe("increment_and_check", start, err)
	return res, err
}

func (s *BreakerStore) Increment(ctx context.Context, key string) (int64, error) {
	var v int64
	start := time.Now()
	err := s.cb.Execute(ctx, func() error {
		var e error
		v, e = s.store.Increment(ctx, key)
		return e
	})
	s.observe("increment", start, err)
	return v, err
}

func (s *BreakerStore) Decrement(ctx context.Context, key string) (int64, error) {
	var v int64
	start := time.Now()
	err := s.cb.Execute(ctx, func() error {
		var e error
		v, e = s.store.Decrement(ctx, key)
		return e
	})
	s.observe("decrement", start, err)
	return v, err
}

func (s *BreakerStore) DecrementOnce(ctx context.Context, key, guard string,
	guardTTL time.Duration) (bool, int64, error) {
	var (
		done bool
		v    int64
	)
	start := time.Now()
	err := s.cb.Execute(ctx, func() error {
		var e error
		done, v, e = s.store.DecrementOnce(ctx, key, guard, guardTTL)
		return e
	})
	s.observe("decrement_once", start, err)
	return done, v, err
}

func (s *BreakerStore) Get(ctx context.Context, key string) (Counter, error) {
	var c Counter
	start := time.Now()
	err := s.cb.Execute(ctx, func() error {
		var e error
		c, e = s.store.Get(ctx, key)
		return e
	})
	s.observe("get", start, err)
	return c, err
}
