// Package worker executes queued tasks with late acknowledgement, bounded
// retries, and hard and soft time limits. Every task that reaches a terminal
// state releases its concurrency slot exactly once.
package worker

import (
	"context"
	"fmt"

	"github.com/mihaimyh/taskgate/pkg/dispatch"
)

// State is a task lifecycle state.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateRetrying  State = "retrying"
)

// Terminal reports whether no further transitions follow s.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// FailureKind classifies why an attempt failed. Only transient failures are
// retried.
type FailureKind uint8

const (
	// FailureTransient is a timeout-class error that may succeed on retry.
	FailureTransient FailureKind = iota + 1
	// FailurePermanent is an error that will recur on retry.
	FailurePermanent
	// FailureTimeLimit means the attempt ran past the hard time limit.
	FailureTimeLimit
	// FailureUnavailable means the executor backend failed its health check.
	FailureUnavailable
	// FailureCancelled means the attempt was cancelled on request.
	FailureCancelled
)

var failureKindNames = map[FailureKind]string{
	FailureTransient:   "transient",
	FailurePermanent:   "permanent",
	FailureTimeLimit:   "time_limit",
	FailureUnavailable: "unavailable",
	FailureCancelled:   "cancelled",
}

func (k FailureKind) String() string {
	if name, ok := failureKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("FailureKind(%d)", uint8(k))
}

// Failure describes a failed attempt.
type Failure struct {
	Kind   FailureKind
	Reason string
	Err    error
}

func (f *Failure) Error() string {
	if f.Err != nil {
		return f.Reason + ": " + f.Err.Error()
	}
	return f.Reason
}

func (f *Failure) Unwrap() error { return f.Err }

// Retryable reports whether the task may be attempted again.
func (f *Failure) Retryable() bool {
	return f.Kind == FailureTransient
}

// Transient builds a retryable failure.
func Transient(reason string, err error) *Failure {
	return &Failure{Kind: FailureTransient, Reason: reason, Err: err}
}

// Permanent builds a non-retryable failure.
func Permanent(reason string, err error) *Failure {
	return &Failure{Kind: FailurePermanent, Reason: reason, Err: err}
}

// Unavailable builds the failure reported when the executor backend is down.
func Unavailable(reason string, err error) *Failure {
	return &Failure{Kind: FailureUnavailable, Reason: reason, Err: err}
}

// Result is the outcome of one attempt. A nil Failure is success.
type Result struct {
	Output  []byte
	Failure *Failure
}

// Succeeded builds a successful result.
func Succeeded(output []byte) Result {
	return Result{Output: output}
}

// Failed builds a failed result.
func Failed(f *Failure) Result {
	return Result{Failure: f}
}

// Task is one attempt at running a queued envelope.
type Task struct {
	*dispatch.Envelope

	// Attempt is 1 for the first run and increases with every retry.
	Attempt int

	softLimit <-chan struct{}
}

// SoftLimit is closed when the soft time limit passes. Runners may use it to
// wind down before the hard limit cancels their context.
func (t *Task) SoftLimit() <-chan struct{} {
	return t.softLimit
}

// Runner performs a task attempt. It must honor ctx cancellation.
type Runner interface {
	Run(ctx context.Context, task *Task) Result
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, task *Task) Result

func (f RunnerFunc) Run(ctx context.Context, task *Task) Result { return f(ctx, task) }

// Releaser frees the concurrency slot of a finished task. It must be safe to
// call more than once for the same task. *taskgate.Gate implements it.
type Releaser interface {
	ReleaseTask(ctx context.Context, userID, taskID string) error
}
