package domain

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a report id is unknown
var ErrNotFound = errors.New("not found")

// ValidationError rejects input before any I/O happens.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
}

// ServiceError reports a failed call to the reasoning service, after any retries.
type ServiceError struct {
	Op         string
	Attempts   int
	StatusCode int // 0 when no HTTP response was received
	Err        error
}

func (e *ServiceError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("reasoning %s: status %d after %d attempt(s): %v", e.Op, e.StatusCode, e.Attempts, e.Err)
	}
	return fmt.Sprintf("reasoning %s: after %d attempt(s): %v", e.Op, e.Attempts, e.Err)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

// NotFound wraps ErrNotFound with the missing report id
func NotFound(id string) error {
	return fmt.Errorf("report %s: %w", id, ErrNotFound)
}
