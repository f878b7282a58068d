// Package dispatch routes admitted tasks to priority queues on a broker.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mihaimyh/taskgate/pkg/taskgate"
)

// Ticket confirms a task was handed to the broker.
type Ticket struct {
	TaskID     string
	MessageID  string
	Queue      string
	Priority   int
	EnqueuedAt time.Time
}

// Config holds dispatcher configuration.
type Config struct {
	// Routes maps executor kinds to queues. Defaults to DefaultRoutes().
	Routes map[taskgate.ExecutorKind]Route

	Logger taskgate.Logger

	// Now is the clock used for enqueue timestamps. Defaults to time.Now.
	Now func() time.Time
}

// Dispatcher enqueues tasks. It keeps no state once a task is published.
type Dispatcher struct {
	broker Broker
	routes map[taskgate.ExecutorKind]Route
	logger taskgate.Logger
	now    func() time.Time
}

// NewDispatcher creates a dispatcher publishing to broker.
func NewDispatcher(broker Broker, config Config) (*Dispatcher, error) {
	if broker == nil {
		return nil, fmt.Errorf("dispatch: broker is required")
	}
	if config.Routes == nil {
		config.Routes = DefaultRoutes()
	}
	for kind, r := range config.Routes {
		if !kind.Valid() {
			return nil, fmt.Errorf("%w: %d", ErrUnknownExecutorKind, uint8(kind))
		}
		if r.Queue == "" {
			return nil, fmt.Errorf("dispatch: route for %s has no queue", kind)
		}
		if r.MaxPriority < MinPriority || r.MaxPriority > MaxPriority {
			return nil, fmt.Errorf("%w: route for %s caps at %d", ErrInvalidPriority, kind, r.MaxPriority)
		}
	}
	if config.Logger == nil {
		config.Logger = &taskgate.NoopLogger{}
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Dispatcher{
		broker: broker,
		routes: config.Routes,
		logger: config.Logger,
		now:    config.Now,
	}, nil
}

// Route returns the route for kind.
func (d *Dispatcher) Route(kind taskgate.ExecutorKind) (Route, error) {
	r, ok := d.routes[kind]
	if !ok {
		return Route{}, fmt.Errorf("%w: %s", ErrUnknownExecutorKind, kind)
	}
	return r, nil
}

// Queues lists every queue this dispatcher can publish to, including the
// maintenance queue.
func (d *Dispatcher) Queues() []QueueInfo {
	return queueInfos(d.routes)
}

// EnqueueOption adjusts a task envelope before it is published.
type EnqueueOption func(*Envelope)

// WithSlot marks the task as holding a concurrency slot taken by an earlier
// admission. The worker frees it once the task reaches a terminal state.
func WithSlot() EnqueueOption {
	return func(e *Envelope) { e.Slot = true }
}

// Enqueue validates and publishes a task. priority must be within
// MinPriority..MaxPriority and is lowered to the route's ceiling.
func (d *Dispatcher) Enqueue(ctx context.Context, taskID, userID string, kind taskgate.ExecutorKind,
	payload json.RawMessage, priority int, opts ...EnqueueOption) (*Ticket, error) {
	route, env, err := d.prepare(taskID, userID, kind, payload, priority)
	if err != nil {
		return nil, err
	}
	for _, opt := range opts {
		opt(env)
	}
	return d.publish(ctx, route, env)
}

func (d *Dispatcher) prepare(taskID, userID string, kind taskgate.ExecutorKind, payload json.RawMessage,
	priority int) (Route, *Envelope, error) {
	if taskID == "" || userID == "" {
		return Route{}, nil, ErrInvalidTask
	}
	route, err := d.Route(kind)
	if err != nil {
		return Route{}, nil, err
	}
	if priority < MinPriority || priority > MaxPriority {
		return Route{}, nil, fmt.Errorf("%w: %d", ErrInvalidPriority, priority)
	}
	if len(payload) == 0 || !json.Valid(payload) {
		return Route{}, nil, ErrInvalidPayload
	}
	return route, &Envelope{
		TaskID:   taskID,
		UserID:   userID,
		Kind:     kind,
		Payload:  payload,
		Priority: route.Clamp(priority),
	}, nil
}

// EnqueueMaintenance publishes a housekeeping job to the maintenance queue.
func (d *Dispatcher) EnqueueMaintenance(ctx context.Context, job string, payload json.RawMessage) (*Ticket, error) {
	if job == "" {
		return nil, ErrInvalidTask
	}
	if len(payload) > 0 && !json.Valid(payload) {
		return nil, ErrInvalidPayload
	}
	return d.publish(ctx, MaintenanceRoute, &Envelope{
		TaskID:   job + ":" + uuid.NewString(),
		Job:      job,
		Payload:  payload,
		Priority: MaintenanceRoute.MaxPriority,
	})
}

func (d *Dispatcher) publish(ctx context.Context, route Route, env *Envelope) (*Ticket, error) {
	now := d.now().UTC()
	env.Queue = route.Queue
	env.EnqueuedAt = now

	body, err := env.Encode()
	if err != nil {
		return nil, err
	}

	msg := Message{
		ID:       uuid.NewString(),
		Body:     body,
		Priority: env.Priority,
		RunAt:    now,
	}
	if err := d.broker.Publish(ctx, route.Queue, msg); err != nil {
		d.logger.Error("failed to publish task",
			taskgate.F("taskID", env.TaskID),
			taskgate.F("queue", route.Queue),
			taskgate.Err(err),
		)
		return nil, fmt.Errorf("dispatch: publish %s: %w", env.TaskID, err)
	}

	d.logger.Debug("task enqueued",
		taskgate.F("taskID", env.TaskID),
		taskgate.F("messageID", msg.ID),
		taskgate.F("queue", route.Queue),
		taskgate.F("priority", env.Priority),
	)
	return &Ticket{
		TaskID:     env.TaskID,
		MessageID:  msg.ID,
		Queue:      route.Queue,
		Priority:   env.Priority,
		EnqueuedAt: now,
	}, nil
}

// Admitter decides whether a task may start and frees its slot afterwards.
// *taskgate.Gate implements it.
type Admitter interface {
	Admit(ctx context.Context, req taskgate.TaskRequest) taskgate.Decision
	ReleaseTask(ctx context.Context, userID, taskID string) error
}

// Submit admits req and, if allowed, enqueues the task. The task is
// validated before admission so malformed requests consume nothing. A
// rejected request returns the Decision with a nil Ticket and no error. If
// publishing fails after admission the concurrency slot, if one was taken,
// is released again.
func (d *Dispatcher) Submit(ctx context.Context, gate Admitter, taskID string, req taskgate.TaskRequest,
	payload json.RawMessage) (taskgate.Decision, *Ticket, error) {
	route, env, err := d.prepare(taskID, req.UserID, req.Kind, payload, req.Priority)
	if err != nil {
		return taskgate.Decision{}, nil, err
	}

	decision := gate.Admit(ctx, req)
	if !decision.Allowed {
		return decision, nil, nil
	}

	env.Slot = decision.Slot
	ticket, err := d.publish(ctx, route, env)
	if err != nil {
		if decision.Slot {
			if relErr := gate.ReleaseTask(ctx, req.UserID, taskID); relErr != nil {
				d.logger.Error("failed to release slot after rejected submission",
					taskgate.F("taskID", taskID),
					taskgate.F("userID", req.UserID),
					taskgate.Err(relErr),
				)
			}
		}
		return decision, nil, err
	}
	return decision, ticket, nil
}
