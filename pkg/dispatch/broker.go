package dispatch

import (
	"context"
	"time"
)

// Message is one broker entry.
type Message struct {
	ID       string
	Body     []byte
	Priority int

	// RunAt delays delivery until the given time. Zero means now.
	RunAt time.Time
}

// Delivery is a reserved message. It stays invisible to other consumers
// until it is acked, retried, or its Deadline passes and it is reclaimed.
type Delivery struct {
	Message
	Queue    string
	Deadline time.Time
}

// Broker accepts messages for a queue.
type Broker interface {
	Publish(ctx context.Context, queue string, msg Message) error
}

// Consumer takes messages off a queue with late acknowledgement.
type Consumer interface {
	// Reserve takes the highest-priority ready message, oldest first within
	// a priority. Returns ErrQueueEmpty when nothing is ready.
	Reserve(ctx context.Context, queue string) (*Delivery, error)

	// Ack removes a reserved message for good.
	Ack(ctx context.Context, d *Delivery) error

	// Retry atomically acks d and republishes body to become ready at runAt.
	Retry(ctx context.Context, d *Delivery, body []byte, runAt time.Time) error

	// Reclaim makes reservations whose deadline has passed ready again and
	// returns how many were moved.
	Reclaim(ctx context.Context, queue string) (int, error)
}

// QueueStats counts messages by state.
type QueueStats struct {
	Ready    int64
	Delayed  int64
	InFlight int64
}

// Transport is a broker that can also be consumed from and inspected.
type Transport interface {
	Broker
	Consumer
	Stats(ctx context.Context, queue string) (QueueStats, error)
}
