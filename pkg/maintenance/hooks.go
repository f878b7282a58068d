package maintenance

import (
	"context"
	"errors"

	"github.com/mihaimyh/taskgate/pkg/dispatch"
	"github.com/mihaimyh/taskgate/pkg/taskgate"
)

// Hook names and default schedules.
const (
	JobReclaimStale = "reclaim_stale_tasks"
	JobCleanup      = "cleanup_expired_entitlements"

	ReclaimSchedule = "@every 1h"
	CleanupSchedule = "@every 2h"
)

// Reclaimer returns expired reservations to their queue.
// dispatch.Consumer implementations satisfy it.
type Reclaimer interface {
	Reclaim(ctx context.Context, queue string) (int, error)
}

// Cleaner deletes expired records and reports how many were removed.
// *postgres.TierProvider satisfies it.
type Cleaner interface {
	Cleanup(ctx context.Context) (int64, error)
}

// ReclaimHook redelivers tasks whose worker vanished without settling them.
func ReclaimHook(r Reclaimer, queues []dispatch.QueueInfo, logger taskgate.Logger) Hook {
	if logger == nil {
		logger = &taskgate.NoopLogger{}
	}
	return Hook{
		Name:     JobReclaimStale,
		Schedule: ReclaimSchedule,
		Run: func(ctx context.Context) error {
			var errs []error
			for _, q := range queues {
				n, err := r.Reclaim(ctx, q.Name)
				if err != nil {
					errs = append(errs, err)
					continue
				}
				if n > 0 {
					logger.Warn("reclaimed stale tasks", taskgate.F("queue", q.Name), taskgate.F("count", n))
				}
			}
			return errors.Join(errs...)
		},
	}
}

// CleanupHook periodically removes expired records from c.
func CleanupHook(c Cleaner, logger taskgate.Logger) Hook {
	if logger == nil {
		logger = &taskgate.NoopLogger{}
	}
	return Hook{
		Name:     JobCleanup,
		Schedule: CleanupSchedule,
		Run: func(ctx context.Context) error {
			n, err := c.Cleanup(ctx)
			if err != nil {
				return err
			}
			logger.Info("removed expired records", taskgate.F("count", n))
			return nil
		},
	}
}
