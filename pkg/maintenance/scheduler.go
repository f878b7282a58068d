// Package maintenance runs periodic housekeeping jobs. Jobs either run in
// the scheduling process or are enqueued on the maintenance queue for any
// worker to pick up.
package maintenance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/mihaimyh/taskgate/pkg/dispatch"
	"github.com/mihaimyh/taskgate/pkg/taskgate"
	"github.com/mihaimyh/taskgate/pkg/worker"
)

// ErrUnknownHook is returned by Trigger for a name no hook is registered under.
var ErrUnknownHook = errors.New("maintenance: unknown hook")

// DefaultTickInterval is how often Run checks for due hooks.
const DefaultTickInterval = time.Second

// Hook is a named periodic job.
type Hook struct {
	Name string

	// Schedule is a five-field cron expression or a descriptor such as
	// "@hourly" or "@every 2h".
	Schedule string

	Run func(ctx context.Context) error
}

// cronParser accepts standard cron expressions and descriptors.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseSchedule parses a hook schedule.
func ParseSchedule(expr string) (cron.Schedule, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("maintenance: schedule %q: %w", expr, err)
	}
	return sched, nil
}

// Enqueuer publishes maintenance jobs. *dispatch.Dispatcher implements it.
type Enqueuer interface {
	EnqueueMaintenance(ctx context.Context, job string, payload json.RawMessage) (*dispatch.Ticket, error)
}

// Config holds scheduler configuration.
type Config struct {
	Hooks []Hook

	// Enqueuer, when set, makes the scheduler publish each due job to the
	// maintenance queue instead of running it in place.
	Enqueuer Enqueuer

	// RunOnStart fires every hook once when Run starts.
	RunOnStart bool

	// TickInterval is how often due hooks are checked (default: 1s).
	TickInterval time.Duration

	Logger taskgate.Logger

	// Now is the clock schedules are evaluated against. Defaults to time.Now.
	Now func() time.Time
}

type entry struct {
	Hook
	schedule cron.Schedule
}

// Scheduler fires hooks on their cron schedules.
type Scheduler struct {
	hooks    map[string]entry
	order    []string
	enqueuer Enqueuer
	onStart  bool
	tick     time.Duration
	logger   taskgate.Logger
	now      func() time.Time
}

// NewScheduler creates a scheduler. Every hook schedule is parsed up front.
func NewScheduler(config Config) (*Scheduler, error) {
	if config.Logger == nil {
		config.Logger = &taskgate.NoopLogger{}
	}
	if config.TickInterval <= 0 {
		config.TickInterval = DefaultTickInterval
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	s := &Scheduler{
		hooks:    make(map[string]entry, len(config.Hooks)),
		enqueuer: config.Enqueuer,
		onStart:  config.RunOnStart,
		tick:     config.TickInterval,
		logger:   config.Logger,
		now:      config.Now,
	}
	for _, h := range config.Hooks {
		if h.Name == "" || h.Run == nil {
			return nil, fmt.Errorf("maintenance: hook needs a name and a run function")
		}
		if h.Schedule == "" {
			return nil, fmt.Errorf("maintenance: hook %s needs a schedule", h.Name)
		}
		sched, err := ParseSchedule(h.Schedule)
		if err != nil {
			return nil, fmt.Errorf("maintenance: hook %s: %w", h.Name, err)
		}
		if _, dup := s.hooks[h.Name]; dup {
			return nil, fmt.Errorf("maintenance: duplicate hook %s", h.Name)
		}
		s.hooks[h.Name] = entry{Hook: h, schedule: sched}
		s.order = append(s.order, h.Name)
	}
	return s, nil
}

// Next returns when the named hook is next due after t.
func (s *Scheduler) Next(name string, t time.Time) (time.Time, error) {
	e, ok := s.hooks[name]
	if !ok {
		return time.Time{}, fmt.Errorf("%w: %s", ErrUnknownHook, name)
	}
	return e.schedule.Next(t), nil
}

// Run fires hooks until ctx ends.
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, name := range s.order {
		e := s.hooks[name]
		next := e.schedule.Next(s.now())
		g.Go(func() error {
			s.loop(ctx, e, next)
			return nil
		})
	}
	return g.Wait()
}

func (s *Scheduler) loop(ctx context.Context, e entry, next time.Time) {
	if s.onStart {
		s.fire(ctx, e.Hook)
	}
	t := time.NewTicker(s.tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			now := s.now()
			if now.Before(next) {
				continue
			}
			s.fire(ctx, e.Hook)
			next = e.schedule.Next(now)
		}
	}
}

// Trigger fires the named hook now.
func (s *Scheduler) Trigger(ctx context.Context, name string) error {
	e, ok := s.hooks[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownHook, name)
	}
	return s.fire(ctx, e.Hook)
}

func (s *Scheduler) fire(ctx context.Context, h Hook) error {
	if s.enqueuer != nil {
		ticket, err := s.enqueuer.EnqueueMaintenance(ctx, h.Name, nil)
		if err != nil {
			s.logger.Error("failed to enqueue maintenance job", taskgate.F("job", h.Name), taskgate.Err(err))
			return err
		}
		s.logger.Debug("maintenance job enqueued", taskgate.F("job", h.Name), taskgate.F("taskID", ticket.TaskID))
		return nil
	}
	return s.execute(ctx, h)
}

func (s *Scheduler) execute(ctx context.Context, h Hook) error {
	start := time.Now()
	s.logger.Info("maintenance job started", taskgate.F("job", h.Name))
	if err := h.Run(ctx); err != nil {
		s.logger.Error("maintenance job failed", taskgate.F("job", h.Name), taskgate.Err(err))
		return err
	}
	s.logger.Info("maintenance job completed",
		taskgate.F("job", h.Name),
		taskgate.F("duration", time.Since(start)),
	)
	return nil
}

// Register installs a runner for every hook on mux so workers consuming the
// maintenance queue execute enqueued jobs.
func (s *Scheduler) Register(mux *worker.Mux) {
	for _, name := range s.order {
		h := s.hooks[name].Hook
		mux.HandleJob(name, worker.RunnerFunc(func(ctx context.Context, _ *worker.Task) worker.Result {
			if err := s.execute(ctx, h); err != nil {
				return worker.Failed(worker.Permanent("maintenance job failed", err))
			}
			return worker.Succeeded(nil)
		}))
	}
}
