package dispatch

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/mihaimyh/taskgate/pkg/taskgate"
)

// Envelope is the queued form of a task. It is the only state that survives
// submission; the broker owns it until a worker reaches a terminal state.
type Envelope struct {
	TaskID     string                `json:"task_id"`
	UserID     string                `json:"user_id,omitempty"`
	Kind       taskgate.ExecutorKind `json:"kind,omitempty"`
	Job        string                `json:"job,omitempty"`
	Payload    json.RawMessage       `json:"payload,omitempty"`
	Priority   int                   `json:"priority"`
	Queue      string                `json:"queue"`
	EnqueuedAt time.Time             `json:"enqueued_at"`
	Retries    int                   `json:"retries"`

	// Slot marks a task that holds a concurrency slot the worker must free.
	Slot bool `json:"slot,omitempty"`
}

// Maintenance reports whether the envelope carries a housekeeping job rather
// than a user task.
func (e *Envelope) Maintenance() bool {
	return e.Job != ""
}

// Encode serializes the envelope.
func (e *Envelope) Encode() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("dispatch: encode envelope %s: %w", e.TaskID, err)
	}
	return b, nil
}

// DecodeEnvelope parses a message body produced by Encode.
func DecodeEnvelope(body []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(body, &e); err != nil {
		return nil, fmt.Errorf("dispatch: decode envelope: %w", err)
	}
	if e.TaskID == "" {
		return nil, fmt.Errorf("dispatch: decode envelope: %w", ErrInvalidTask)
	}
	return &e, nil
}
