package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mihaimyh/taskgate/pkg/dispatch"
	"github.com/mihaimyh/taskgate/pkg/taskgate"
)

// QueueSpec is a queue and the number of consumers reading it.
type QueueSpec struct {
	Name        string `yaml:"name"`
	Concurrency int    `yaml:"concurrency"`
}

// QueuesFor builds queue specs for the queues a dispatcher publishes to.
// Sequential queues always get a single consumer.
func QueuesFor(infos []dispatch.QueueInfo, concurrency int) []QueueSpec {
	specs := make([]QueueSpec, 0, len(infos))
	for _, q := range infos {
		n := concurrency
		if q.Sequential {
			n = 1
		}
		specs = append(specs, QueueSpec{Name: q.Name, Concurrency: n})
	}
	return specs
}

// PoolConfig holds pool configuration.
type PoolConfig struct {
	Queues []QueueSpec

	// PollInterval is how long a consumer waits after finding its queue
	// empty (default: 1 second).
	PollInterval time.Duration

	// ReclaimInterval is how often expired reservations are returned to
	// their queues (default: 1 minute).
	ReclaimInterval time.Duration

	// ShutdownGrace is how long running tasks may continue after Run's
	// context ends before they are cancelled (default: 30 seconds).
	ShutdownGrace time.Duration

	Logger taskgate.Logger
}

// Pool runs consumers for a set of queues and hands each delivery to an
// Executor.
type Pool struct {
	consumer dispatch.Consumer
	executor *Executor
	config   PoolConfig
	logger   taskgate.Logger
}

// NewPool creates a pool.
func NewPool(consumer dispatch.Consumer, executor *Executor, config PoolConfig) (*Pool, error) {
	if consumer == nil {
		return nil, fmt.Errorf("worker: consumer is required")
	}
	if executor == nil {
		return nil, fmt.Errorf("worker: executor is required")
	}
	if len(config.Queues) == 0 {
		return nil, fmt.Errorf("worker: at least one queue is required")
	}
	for _, q := range config.Queues {
		if q.Name == "" || q.Concurrency <= 0 {
			return nil, fmt.Errorf("worker: invalid queue %+v", q)
		}
	}
	if config.PollInterval <= 0 {
		config.PollInterval = time.Second
	}
	if config.ReclaimInterval <= 0 {
		config.ReclaimInterval = time.Minute
	}
	if config.ShutdownGrace <= 0 {
		config.ShutdownGrace = 30 * time.Second
	}
	if config.Logger == nil {
		config.Logger = &taskgate.NoopLogger{}
	}
	return &Pool{
		consumer: consumer,
		executor: executor,
		config:   config,
		logger:   config.Logger,
	}, nil
}

// Run consumes until ctx ends, then waits for running tasks. Tasks still
// running after the shutdown grace period are cancelled and left for
// redelivery.
func (p *Pool) Run(ctx context.Context) error {
	workCtx, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()
	go p.cancelAfterGrace(ctx, workCtx, cancelWork)

	var g errgroup.Group
	for _, q := range p.config.Queues {
		for i := 0; i < q.Concurrency; i++ {
			queue := q.Name
			g.Go(func() error {
				p.consume(ctx, workCtx, queue)
				return nil
			})
		}
	}
	g.Go(func() error {
		p.reclaimLoop(ctx)
		return nil
	})

	p.logger.Info("worker pool started", taskgate.F("queues", len(p.config.Queues)))
	err := g.Wait()
	p.logger.Info("worker pool stopped")
	return err
}

func (p *Pool) cancelAfterGrace(ctx, workCtx context.Context, cancelWork context.CancelFunc) {
	select {
	case <-ctx.Done():
	case <-workCtx.Done():
		return
	}
	t := time.NewTimer(p.config.ShutdownGrace)
	defer t.Stop()
	select {
	case <-t.C:
		p.logger.Warn("shutdown grace period elapsed, cancelling running tasks",
			taskgate.F("running", p.executor.Running()),
		)
		cancelWork()
	case <-workCtx.Done():
	}
}

func (p *Pool) consume(ctx, workCtx context.Context, queue string) {
	for ctx.Err() == nil {
		d, err := p.consumer.Reserve(ctx, queue)
		if errors.Is(err, dispatch.ErrQueueEmpty) {
			sleep(ctx, p.config.PollInterval)
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Error("failed to reserve task", taskgate.F("queue", queue), taskgate.Err(err))
			sleep(ctx, p.config.PollInterval)
			continue
		}

		if err := p.executor.Process(workCtx, d); err != nil {
			p.logger.Debug("delivery not settled cleanly",
				taskgate.F("queue", queue),
				taskgate.F("messageID", d.ID),
				taskgate.Err(err),
			)
		}
	}
}

func (p *Pool) reclaimLoop(ctx context.Context) {
	t := time.NewTicker(p.config.ReclaimInterval)
	defer t.Stop()
	for {
		p.ReclaimExpired(ctx)
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// ReclaimExpired returns expired reservations on every pool queue to their
// ready sets and reports how many were moved.
func (p *Pool) ReclaimExpired(ctx context.Context) int {
	total := 0
	for _, q := range p.config.Queues {
		n, err := p.consumer.Reclaim(ctx, q.Name)
		if err != nil {
			if ctx.Err() == nil {
				p.logger.Error("failed to reclaim expired reservations", taskgate.F("queue", q.Name), taskgate.Err(err))
			}
			continue
		}
		if n > 0 {
			p.logger.Warn("reclaimed expired reservations", taskgate.F("queue", q.Name), taskgate.F("count", n))
		}
		total += n
	}
	return total
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
