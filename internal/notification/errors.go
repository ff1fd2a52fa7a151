package notification

import (
	"errors"
	"fmt"
)

// Sentinel errors shared by the pipeline, its stores and the HTTP layer.
var (
	ErrNotConnected      = errors.New("backing store is not connected")
	ErrNotFound          = errors.New("notification not found")
	ErrQueueUnavailable  = errors.New("queue unavailable: job could not be persisted")
	ErrInvalidRecord     = errors.New("invalid notification")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrUnroutable        = errors.New("no sender accepts notification type")
)

// DeliveryError is returned when the external send operation itself failed,
// as opposed to a fail-fast rejection by the circuit breaker.
type DeliveryError struct {
	ID  string
	Err error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery of %s failed: %v", e.ID, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}
