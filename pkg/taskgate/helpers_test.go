package taskgate_test

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/mihaimyh/taskgate/pkg/taskgate"
)

type logEntry struct {
	level  string
	msg    string
	fields []taskgate.Field
}

// captureLogger records every log call.
type captureLogger struct {
	mu      sync.Mutex
	entries []logEntry
}

func (l *captureLogger) log(level, msg string, fields []taskgate.Field) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, logEntry{level: level, msg: msg, fields: fields})
}

func (l *captureLogger) Debug(msg string, fields ...taskgate.Field) { l.log("debug", msg, fields) }
func (l *captureLogger) Info(msg string, fields ...taskgate.Field)  { l.log("info", msg, fields) }
func (l *captureLogger) Warn(msg string, fields ...taskgate.Field)  { l.log("warn", msg, fields) }
func (l *captureLogger) Error(msg string, fields ...taskgate.Field) { l.log("error", msg, fields) }

func (l *captureLogger) count(level string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.entries {
		if e.level == level {
			n++
		}
	}
	return n
}

var errUnreachable = errors.New("dial tcp 127.0.0.1:6379: connect: connection refused")

// downStore fails every operation.
type downStore struct{}

func (downStore) IncrementAndCheck(context.Context, string, int64, time.Duration) (taskgate.CounterResult, error) {
	return taskgate.CounterResult{}, errUnreachable
}
func (downStore) Increment(context.Context, string) (int64, error) { return 0, errUnreachable }
func (downStore) Decrement(context.Context, string) (int64, error) { return 0, errUnreachable }
func (downStore) DecrementOnce(context.Context, string, string, time.Duration) (bool, int64, error) {
	return false, 0, errUnreachable
}
func (downStore) Get(context.Context, string) (taskgate.Counter, error) {
	return taskgate.Counter{}, errUnreachable
}

// countingMetrics records decisions and fail-opens.
type countingMetrics struct {
	taskgate.NoopMetrics
	mu        sync.Mutex
	decisions map[taskgate.Dimension][2]int
	failOpen  map[taskgate.Dimension]int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{
		decisions: make(map[taskgate.Dimension][2]int),
		failOpen:  make(map[taskgate.Dimension]int),
	}
}

func (m *countingMetrics) RecordDecision(dimension taskgate.Dimension, _ string, allowed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.decisions[dimension]
	if allowed {
		c[0]++
	} else {
		c[1]++
	}
	m.decisions[dimension] = c
}

func (m *countingMetrics) RecordFailOpen(dimension taskgate.Dimension) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failOpen[dimension]++
}
