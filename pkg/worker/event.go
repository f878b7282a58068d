package worker

import (
	"context"
	"time"

	"github.com/mihaimyh/taskgate/pkg/taskgate"
)

// EventType names a lifecycle transition.
type EventType string

const (
	EventStarted   EventType = "started"
	EventSucceeded EventType = "succeeded"
	EventFailed    EventType = "failed"
	EventRetrying  EventType = "retrying"
)

// Event is emitted on every lifecycle transition of a task.
type Event struct {
	Type    EventType
	TaskID  string
	UserID  string
	Kind    taskgate.ExecutorKind
	Job     string
	Queue   string
	Attempt int

	StartedAt time.Time
	At        time.Time

	// Error and FailureKind are set on failed and retrying events.
	Error       string
	FailureKind FailureKind

	// Delay is the backoff before the next attempt on retrying events.
	Delay time.Duration
}

// Duration is the time spent in the attempt the event closes.
func (e Event) Duration() time.Duration {
	if e.StartedAt.IsZero() {
		return 0
	}
	return e.At.Sub(e.StartedAt)
}

// EventSink receives lifecycle events. Implementations must not block.
type EventSink interface {
	OnTaskEvent(ctx context.Context, ev Event)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(ctx context.Context, ev Event)

func (f EventSinkFunc) OnTaskEvent(ctx context.Context, ev Event) { f(ctx, ev) }

// Sinks fans an event out to every sink in order.
type Sinks []EventSink

func (s Sinks) OnTaskEvent(ctx context.Context, ev Event) {
	for _, sink := range s {
		sink.OnTaskEvent(ctx, ev)
	}
}

// LogSink writes lifecycle events to a logger.
type LogSink struct {
	Logger taskgate.Logger
}

// NewLogSink creates a sink that logs every event.
func NewLogSink(logger taskgate.Logger) *LogSink {
	return &LogSink{Logger: logger}
}

func (s *LogSink) OnTaskEvent(_ context.Context, ev Event) {
	fields := []taskgate.Field{
		taskgate.F("taskID", ev.TaskID),
		taskgate.F("queue", ev.Queue),
		taskgate.F("attempt", ev.Attempt),
	}
	if ev.UserID != "" {
		fields = append(fields, taskgate.F("userID", ev.UserID))
	}
	if ev.Job != "" {
		fields = append(fields, taskgate.F("job", ev.Job))
	}

	switch ev.Type {
	case EventStarted:
		s.Logger.Info("task started", fields...)
	case EventSucceeded:
		s.Logger.Info("task succeeded", append(fields, taskgate.F("duration", ev.Duration()))...)
	case EventRetrying:
		s.Logger.Warn("task scheduled for retry", append(fields,
			taskgate.F("delay", ev.Delay),
			taskgate.F("failure", ev.FailureKind.String()),
			taskgate.F("error", ev.Error),
		)...)
	case EventFailed:
		s.Logger.Error("task failed", append(fields,
			taskgate.F("duration", ev.Duration()),
			taskgate.F("failure", ev.FailureKind.String()),
			taskgate.F("error", ev.Error),
		)...)
	}
}
