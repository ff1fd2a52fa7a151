// Package notification defines the unit of work that flows through the
// delivery pipeline and the rules that govern its lifecycle.
package notification

import (
	"encoding/json"
	"fmt"
	"time"
)

// Priority orders records in the queue.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Rank maps a priority to its numeric queue rank. Lower ranks are more
// urgent. Anything unrecognized is treated as low.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 2
	default:
		return 3
	}
}

// Normalize returns p, or PriorityLow when p is empty or unknown.
func (p Priority) Normalize() Priority {
	switch p {
	case PriorityHigh, PriorityMedium, PriorityLow:
		return p
	default:
		return PriorityLow
	}
}

// Status tracks the lifecycle of a record.
//
// Allowed transitions:
//
//	pending -> delivered
//	pending -> failed
//
// Terminal states never change again.
type Status string

const (
	StatusPending   Status = "pending"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
)

// Terminal reports whether s is an end state.
func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusFailed
}

// CanTransition reports whether a record may move from one status to
// another. Re-writing the same status is allowed so that retried writes
// stay idempotent.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	return from == StatusPending && to.Terminal()
}

// Record is a single notification. Payload is owned by the caller and is
// never inspected by the pipeline.
type Record struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Priority  Priority        `json:"priority"`
	Timestamp time.Time       `json:"timestamp"`
	Recipient string          `json:"recipient"`
	Status    Status          `json:"status"`
}

// Validate checks the fields a caller must supply.
func (r *Record) Validate() error {
	switch {
	case r.Type == "":
		return fmt.Errorf("%w: type is required", ErrInvalidRecord)
	case len(r.Payload) == 0:
		return fmt.Errorf("%w: payload is required", ErrInvalidRecord)
	case !json.Valid(r.Payload):
		return fmt.Errorf("%w: payload must be valid JSON", ErrInvalidRecord)
	case r.Recipient == "":
		return fmt.Errorf("%w: recipient is required", ErrInvalidRecord)
	}
	return nil
}

// Marshal encodes the record snapshot stored for status queries.
func (r *Record) Marshal() ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshal record %s: %w", r.ID, err)
	}
	return data, nil
}

// Unmarshal decodes a stored snapshot.
func Unmarshal(data []byte) (*Record, error) {
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("invalid record snapshot: %w", err)
	}
	return &r, nil
}
