package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/mihaimyh/taskgate/pkg/taskgate"
	"github.com/mihaimyh/taskgate/pkg/worker"
)

// Execution is a completed executor run.
type Execution struct {
	Output     string
	Errors     string
	AgentsUsed int64
	Duration   time.Duration

	// Raw is the executor's response body.
	Raw []byte
}

// timeoutError marks request timeouts that exhausted their retries.
type timeoutError struct {
	attempts int
	err      error
}

func (e *timeoutError) Error() string {
	return fmt.Sprintf("bridge: request timed out after %d attempts: %v", e.attempts, e.err)
}

func (e *timeoutError) Unwrap() error { return e.err }

// Execute runs a task payload on the executor endpoint for kind. Request
// timeouts are retried up to MaxRetries with 2^attempt seconds between
// attempts; any other error aborts immediately.
func (c *Client) Execute(ctx context.Context, taskID string, kind taskgate.ExecutorKind,
	payload json.RawMessage) (*Execution, error) {
	body, err := c.buildRequest(taskID, kind, payload)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	status, resp, err := c.postWithRetry(ctx, c.endpoint(kind), body)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, &RemoteError{StatusCode: status, Body: string(resp)}
	}

	agents := gjson.GetBytes(resp, "agents_used")
	exec := &Execution{
		Output:     gjson.GetBytes(resp, "output").String(),
		Errors:     gjson.GetBytes(resp, "errors").String(),
		AgentsUsed: 1,
		Duration:   time.Since(start),
		Raw:        resp,
	}
	if agents.Exists() {
		exec.AgentsUsed = agents.Int()
	}
	return exec, nil
}

// buildRequest fills in the execution defaults the payload leaves unset.
func (c *Client) buildRequest(taskID string, kind taskgate.ExecutorKind, payload json.RawMessage) ([]byte, error) {
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	if !gjson.ValidBytes(payload) || !gjson.ParseBytes(payload).IsObject() {
		return nil, fmt.Errorf("bridge: payload must be a JSON object")
	}

	out := []byte(payload)
	var err error
	set := func(path string, value interface{}) {
		if err != nil || gjson.GetBytes(out, path).Exists() {
			return
		}
		out, err = sjson.SetBytes(out, path, value)
	}

	set("task_id", taskID)
	set("timeout", c.config.ExecuteTimeout.Milliseconds())
	if kind.Heavyweight() {
		set("max_agents", c.config.MaxAgents)
		set("topology", c.config.Topology)
	}
	if err != nil {
		return nil, fmt.Errorf("bridge: build request: %w", err)
	}
	return out, nil
}

func (c *Client) postWithRetry(ctx context.Context, path string, body []byte) (int, []byte, error) {
	var lastErr error
	for attempt := 0; attempt < c.config.MaxRetries; attempt++ {
		status, resp, err := c.do(ctx, http.MethodPost, path, body, c.config.ExecuteTimeout)
		if err == nil {
			return status, resp, nil
		}
		if ctx.Err() != nil {
			return 0, nil, ctx.Err()
		}
		if !isTimeout(err) {
			c.config.Logger.Error("executor request failed", taskgate.F("path", path), taskgate.Err(err))
			return 0, nil, fmt.Errorf("bridge: post %s: %w", path, err)
		}

		lastErr = err
		if attempt == c.config.MaxRetries-1 {
			break
		}
		wait := time.Duration(math.Pow(2, float64(attempt))) * time.Second
		c.config.Logger.Warn("executor request timed out, retrying",
			taskgate.F("path", path),
			taskgate.F("attempt", attempt+1),
			taskgate.F("maxRetries", c.config.MaxRetries),
			taskgate.F("wait", wait),
		)
		if err := c.config.Sleep(ctx, wait); err != nil {
			return 0, nil, err
		}
	}
	return 0, nil, &timeoutError{attempts: c.config.MaxRetries, err: lastErr}
}

// Run implements worker.Runner. The executor must pass its health check
// before anything else is sent to it.
func (c *Client) Run(ctx context.Context, task *worker.Task) worker.Result {
	if !c.Health(ctx) {
		return worker.Failed(worker.Unavailable("executor unavailable", ErrUnavailable))
	}
	if err := c.ensureReady(ctx); err != nil {
		return worker.Failed(worker.Unavailable("executor not ready", err))
	}

	exec, err := c.Execute(ctx, task.TaskID, task.Kind, task.Payload)
	if err != nil {
		return worker.Failed(classify(err))
	}

	c.config.Logger.Info("executor run completed",
		taskgate.F("taskID", task.TaskID),
		taskgate.F("kind", task.Kind.String()),
		taskgate.F("agentsUsed", exec.AgentsUsed),
		taskgate.F("duration", exec.Duration),
	)
	return worker.Succeeded(exec.Raw)
}

func classify(err error) *worker.Failure {
	var te *timeoutError
	if errors.As(err, &te) {
		return worker.Transient("executor timed out", err)
	}
	var re *RemoteError
	if errors.As(err, &re) {
		return worker.Permanent("executor returned an error", err)
	}
	return worker.Permanent("executor request failed", err)
}
