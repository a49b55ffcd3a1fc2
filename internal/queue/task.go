package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/timmy/claimflow/internal/domain"
)

// Task is the wire form of one queued unit of work.
// ID is the job identity used for every later status lookup.
type Task struct {
	ID         string          `json:"id"`
	Kind       domain.JobKind  `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	Attempts   int             `json:"attempts"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	LastError  string          `json:"last_error,omitempty"`
}

// NewTask assigns a fresh job ID and encodes the payload.
func NewTask(kind domain.JobKind, payload interface{}) (*Task, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", kind, err)
	}
	return &Task{
		ID:      uuid.NewString(),
		Kind:    kind,
		Payload: raw,
	}, nil
}

// Decode unmarshals the payload into v.
func (t *Task) Decode(v interface{}) error {
	if len(t.Payload) == 0 {
		return domain.NewInputError("task "+t.ID+" has no payload", nil)
	}
	if err := json.Unmarshal(t.Payload, v); err != nil {
		return domain.NewInputError("malformed "+string(t.Kind)+" payload", err)
	}
	return nil
}

// Delivery is a dequeued task plus the handle needed to ack or fail it.
type Delivery struct {
	Task *Task
	raw  string
}
