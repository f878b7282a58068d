package dispatch

import (
	"sort"

	"github.com/mihaimyh/taskgate/pkg/taskgate"
)

// Priority bounds. Higher runs first.
const (
	MinPriority     = 0
	MaxPriority     = 10
	DefaultPriority = 5
)

// Queue names.
const (
	QueueContainer   = "docker"
	QueueMultiAgent  = "multi_agent"
	QueueSequential  = "sequential"
	QueueMaintenance = "maintenance"
)

// Route binds an executor kind to a queue and caps the priority it may use.
type Route struct {
	Queue       string `yaml:"queue" json:"queue"`
	MaxPriority int    `yaml:"max_priority" json:"max_priority"`
}

// Clamp limits priority to the route ceiling.
func (r Route) Clamp(priority int) int {
	if priority > r.MaxPriority {
		return r.MaxPriority
	}
	return priority
}

// MaintenanceRoute carries periodic housekeeping jobs at the lowest priority.
var MaintenanceRoute = Route{Queue: QueueMaintenance, MaxPriority: 1}

// DefaultRoutes returns the static routing table.
func DefaultRoutes() map[taskgate.ExecutorKind]Route {
	return map[taskgate.ExecutorKind]Route{
		taskgate.KindContainer:  {Queue: QueueContainer, MaxPriority: 10},
		taskgate.KindMultiAgent: {Queue: QueueMultiAgent, MaxPriority: 10},
		taskgate.KindSequential: {Queue: QueueSequential, MaxPriority: 10},
	}
}

// QueueInfo describes one queue served by a Dispatcher.
type QueueInfo struct {
	Name        string
	MaxPriority int

	// Sequential queues must be consumed by a single worker at a time.
	Sequential bool
}

func queueInfos(routes map[taskgate.ExecutorKind]Route) []QueueInfo {
	seen := make(map[string]QueueInfo)
	for kind, r := range routes {
		info := seen[r.Queue]
		info.Name = r.Queue
		if r.MaxPriority > info.MaxPriority {
			info.MaxPriority = r.MaxPriority
		}
		if kind == taskgate.KindSequential {
			info.Sequential = true
		}
		seen[r.Queue] = info
	}
	seen[MaintenanceRoute.Queue] = QueueInfo{
		Name:        MaintenanceRoute.Queue,
		MaxPriority: MaintenanceRoute.MaxPriority,
		Sequential:  true,
	}

	out := make([]QueueInfo, 0, len(seen))
	for _, info := range seen {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
