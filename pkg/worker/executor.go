package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mihaimyh/taskgate/pkg/backoff"
	"github.com/mihaimyh/taskgate/pkg/dispatch"
	"github.com/mihaimyh/taskgate/pkg/taskgate"
)

// Default limits.
const (
	DefaultMaxRetries = 3
	DefaultHardLimit  = time.Hour
	DefaultSoftLimit  = 50 * time.Minute
)

var (
	errTimeLimit = errors.New("time limit exceeded")
	errCancelled = errors.New("task cancelled")
)

// Config holds executor configuration.
type Config struct {
	// MaxRetries is how many times a transiently failing task is retried
	// before it is marked failed. Zero disables retries.
	MaxRetries int

	// HardLimit cancels an attempt that runs longer (default: 1 hour).
	HardLimit time.Duration

	// SoftLimit closes Task.SoftLimit (default: 50 minutes). It must be
	// shorter than HardLimit.
	SoftLimit time.Duration

	// Backoff computes the delay before retry n, starting at 1. Defaults to
	// backoff.DefaultStrategy().
	Backoff backoff.Strategy

	Logger taskgate.Logger

	// Sink receives lifecycle events. Defaults to a LogSink on Logger.
	Sink EventSink

	Now func() time.Time
}

// DefaultConfig returns a Config with the standard limits.
func DefaultConfig() Config {
	return Config{
		MaxRetries: DefaultMaxRetries,
		HardLimit:  DefaultHardLimit,
		SoftLimit:  DefaultSoftLimit,
		Backoff:    backoff.DefaultStrategy(),
	}
}

// Validate fills in defaults and checks the limits.
func (c *Config) Validate() error {
	if c.MaxRetries < 0 {
		return fmt.Errorf("worker: max retries must be non-negative, got %d", c.MaxRetries)
	}
	if c.HardLimit <= 0 {
		c.HardLimit = DefaultHardLimit
	}
	if c.SoftLimit <= 0 {
		c.SoftLimit = DefaultSoftLimit
	}
	if c.SoftLimit >= c.HardLimit {
		return fmt.Errorf("worker: soft limit %s must be below hard limit %s", c.SoftLimit, c.HardLimit)
	}
	if c.Backoff == nil {
		c.Backoff = backoff.DefaultStrategy()
	}
	if c.Logger == nil {
		c.Logger = &taskgate.NoopLogger{}
	}
	if c.Sink == nil {
		c.Sink = NewLogSink(c.Logger)
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return nil
}

// Executor runs deliveries through a Runner and settles them on the
// consumer. A delivery is acknowledged only once its task reaches a terminal
// state, so a worker that dies mid-task leaves the message to be reclaimed.
type Executor struct {
	consumer dispatch.Consumer
	runner   Runner
	releaser Releaser
	config   Config

	mu     sync.Mutex
	active map[string]context.CancelCauseFunc
}

// NewExecutor creates an executor. releaser may be nil when no task carries
// a concurrency slot, as on a maintenance-only worker.
func NewExecutor(consumer dispatch.Consumer, runner Runner, releaser Releaser, config Config) (*Executor, error) {
	if consumer == nil {
		return nil, fmt.Errorf("worker: consumer is required")
	}
	if runner == nil {
		return nil, fmt.Errorf("worker: runner is required")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Executor{
		consumer: consumer,
		runner:   runner,
		releaser: releaser,
		config:   config,
		active:   make(map[string]context.CancelCauseFunc),
	}, nil
}

// Process runs one delivery to its next state. It returns ctx.Err() without
// settling the delivery if ctx ends first; the broker redelivers it after the
// visibility timeout.
func (e *Executor) Process(ctx context.Context, d *dispatch.Delivery) error {
	env, err := dispatch.DecodeEnvelope(d.Body)
	if err != nil {
		e.config.Logger.Error("dropping undecodable message",
			taskgate.F("messageID", d.ID),
			taskgate.F("queue", d.Queue),
			taskgate.Err(err),
		)
		if ackErr := e.consumer.Ack(ctx, d); ackErr != nil {
			return fmt.Errorf("worker: ack poison message %s: %w", d.ID, ackErr)
		}
		return err
	}

	attempt := env.Retries + 1
	startedAt := e.config.Now()
	e.emit(ctx, EventStarted, env, d, attempt, startedAt, nil, 0)

	res, err := e.run(ctx, env, attempt)
	if err != nil {
		e.config.Logger.Warn("task interrupted, leaving for redelivery",
			taskgate.F("taskID", env.TaskID),
			taskgate.F("attempt", attempt),
			taskgate.Err(err),
		)
		return err
	}

	// Settlement must finish even when the worker is shutting down.
	settleCtx := context.WithoutCancel(ctx)

	if res.Failure == nil {
		return e.finish(settleCtx, EventSucceeded, env, d, attempt, startedAt, nil)
	}
	if res.Failure.Retryable() && env.Retries < e.config.MaxRetries {
		return e.scheduleRetry(settleCtx, env, d, attempt, startedAt, res.Failure)
	}
	return e.finish(settleCtx, EventFailed, env, d, attempt, startedAt, res.Failure)
}

// run executes one attempt under the hard and soft limits. The error is
// non-nil only when ctx itself ended.
func (e *Executor) run(ctx context.Context, env *dispatch.Envelope, attempt int) (Result, error) {
	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	hard := time.AfterFunc(e.config.HardLimit, func() { cancel(errTimeLimit) })
	defer hard.Stop()

	soft := make(chan struct{})
	softTimer := time.AfterFunc(e.config.SoftLimit, func() { close(soft) })
	defer softTimer.Stop()

	e.track(env.TaskID, cancel)
	defer e.untrack(env.TaskID)

	task := &Task{Envelope: env, Attempt: attempt, softLimit: soft}
	done := make(chan Result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- Failed(Permanent(fmt.Sprintf("runner panicked: %v", r), nil))
			}
		}()
		done <- e.runner.Run(runCtx, task)
	}()

	select {
	case res := <-done:
		if runCtx.Err() == nil {
			return res, nil
		}
		return interrupted(ctx, runCtx)
	case <-runCtx.Done():
		return interrupted(ctx, runCtx)
	}
}

func interrupted(parent, runCtx context.Context) (Result, error) {
	switch cause := context.Cause(runCtx); {
	case errors.Is(cause, errTimeLimit):
		return Failed(&Failure{Kind: FailureTimeLimit, Reason: errTimeLimit.Error()}), nil
	case errors.Is(cause, errCancelled):
		return Failed(&Failure{Kind: FailureCancelled, Reason: errCancelled.Error()}), nil
	default:
		return Result{}, parent.Err()
	}
}

func (e *Executor) scheduleRetry(ctx context.Context, env *dispatch.Envelope, d *dispatch.Delivery,
	attempt int, startedAt time.Time, failure *Failure) error {
	env.Retries++
	delay := e.config.Backoff.Delay(env.Retries)

	body, err := env.Encode()
	if err != nil {
		return err
	}
	if err := e.consumer.Retry(ctx, d, body, e.config.Now().Add(delay)); err != nil {
		e.config.Logger.Error("failed to schedule retry",
			taskgate.F("taskID", env.TaskID),
			taskgate.F("attempt", attempt),
			taskgate.Err(err),
		)
		return fmt.Errorf("worker: retry %s: %w", env.TaskID, err)
	}

	e.emit(ctx, EventRetrying, env, d, attempt, startedAt, failure, delay)
	return nil
}

func (e *Executor) finish(ctx context.Context, typ EventType, env *dispatch.Envelope, d *dispatch.Delivery,
	attempt int, startedAt time.Time, failure *Failure) error {
	ackErr := e.consumer.Ack(ctx, d)
	if ackErr != nil {
		e.config.Logger.Error("failed to ack task",
			taskgate.F("taskID", env.TaskID),
			taskgate.F("messageID", d.ID),
			taskgate.Err(ackErr),
		)
	}

	if env.Slot && e.releaser != nil {
		if err := e.releaser.ReleaseTask(ctx, env.UserID, env.TaskID); err != nil {
			e.config.Logger.Error("failed to release concurrency slot",
				taskgate.F("taskID", env.TaskID),
				taskgate.F("userID", env.UserID),
				taskgate.Err(err),
			)
		}
	}

	e.emit(ctx, typ, env, d, attempt, startedAt, failure, 0)
	if ackErr != nil {
		return fmt.Errorf("worker: ack %s: %w", env.TaskID, ackErr)
	}
	return nil
}

func (e *Executor) emit(ctx context.Context, typ EventType, env *dispatch.Envelope, d *dispatch.Delivery,
	attempt int, startedAt time.Time, failure *Failure, delay time.Duration) {
	ev := Event{
		Type:      typ,
		TaskID:    env.TaskID,
		UserID:    env.UserID,
		Kind:      env.Kind,
		Job:       env.Job,
		Queue:     d.Queue,
		Attempt:   attempt,
		StartedAt: startedAt,
		At:        e.config.Now(),
		Delay:     delay,
	}
	if failure != nil {
		ev.Error = failure.Error()
		ev.FailureKind = failure.Kind
	}
	e.config.Sink.OnTaskEvent(ctx, ev)
}

// Cancel stops a running task. The task is marked failed and is not retried.
// It reports whether the task was running on this executor.
func (e *Executor) Cancel(taskID string) bool {
	e.mu.Lock()
	cancel, ok := e.active[taskID]
	e.mu.Unlock()
	if ok {
		cancel(errCancelled)
	}
	return ok
}

// Running returns the number of attempts in progress.
func (e *Executor) Running() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

func (e *Executor) track(taskID string, cancel context.CancelCauseFunc) {
	e.mu.Lock()
	e.active[taskID] = cancel
	e.mu.Unlock()
}

func (e *Executor) untrack(taskID string) {
	e.mu.Lock()
	delete(e.active, taskID)
	e.mu.Unlock()
}
