package dispatch

import (
	"errors"

	"github.com/mihaimyh/taskgate/pkg/taskgate"
)

var (
	// ErrInvalidPriority is returned for priorities outside MinPriority..MaxPriority.
	ErrInvalidPriority = errors.New("dispatch: priority out of range")

	// ErrInvalidPayload is returned when the task payload is not valid JSON.
	ErrInvalidPayload = errors.New("dispatch: payload is not valid JSON")

	// ErrInvalidTask is returned when a task is missing its id or owner.
	ErrInvalidTask = errors.New("dispatch: task id and user id are required")

	// ErrUnknownExecutorKind is returned for kinds without a route.
	ErrUnknownExecutorKind = taskgate.ErrUnknownExecutorKind

	// ErrQueueEmpty is returned by Consumer.Reserve when nothing is ready.
	ErrQueueEmpty = errors.New("dispatch: queue empty")

	// ErrNotReserved is returned when acking or retrying a delivery the
	// broker no longer holds as in flight.
	ErrNotReserved = errors.New("dispatch: delivery not reserved")
)
