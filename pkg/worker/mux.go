package worker

import (
	"context"
	"fmt"

	"github.com/mihaimyh/taskgate/pkg/taskgate"
)

// Mux routes tasks to runners by executor kind, and maintenance envelopes
// by job name.
type Mux struct {
	kinds map[taskgate.ExecutorKind]Runner
	jobs  map[string]Runner
}

// NewMux creates an empty Mux.
func NewMux() *Mux {
	return &Mux{
		kinds: make(map[taskgate.ExecutorKind]Runner),
		jobs:  make(map[string]Runner),
	}
}

// Handle registers the runner for kind.
func (m *Mux) Handle(kind taskgate.ExecutorKind, r Runner) {
	m.kinds[kind] = r
}

// HandleJob registers the runner for a maintenance job.
func (m *Mux) HandleJob(job string, r Runner) {
	m.jobs[job] = r
}

// Run implements Runner. Tasks with no registered runner fail permanently.
func (m *Mux) Run(ctx context.Context, task *Task) Result {
	if task.Maintenance() {
		if r, ok := m.jobs[task.Job]; ok {
			return r.Run(ctx, task)
		}
		return Failed(Permanent(fmt.Sprintf("no runner for job %q", task.Job), nil))
	}
	if r, ok := m.kinds[task.Kind]; ok {
		return r.Run(ctx, task)
	}
	return Failed(Permanent(fmt.Sprintf("no runner for kind %s", task.Kind), nil))
}
