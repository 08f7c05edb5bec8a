package core

import (
	"errors"
	"fmt"
	"time"
)

// Validation sentinels.
var (
	ErrInvalidJobName     = errors.New("schedq: invalid job name (must be alphanumeric, start with letter)")
	ErrJobNameTooLong     = errors.New("schedq: job name too long")
	ErrInvalidHandlerName = errors.New("schedq: invalid handler name")
	ErrInvalidEventName   = errors.New("schedq: invalid event name")
	ErrPayloadTooLarge    = errors.New("schedq: payload exceeds size limit")
)

// ValidationError rejects bad input (unparseable cron, past execute_at,
// invalid date range) at creation time; nothing is persisted.
type ValidationError struct {
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for %q: %v", e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Validation wraps err as a ValidationError on the given field.
func Validation(field string, err error) error {
	return &ValidationError{Field: field, Err: err}
}

// NotFoundError reports an unknown job or execution id.
type NotFoundError struct {
	Kind string // "job", "execution", "event_handler"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

// NotFound constructs a NotFoundError.
func NotFound(kind, id string) error {
	return &NotFoundError{Kind: kind, ID: id}
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// StateConflictError reports an illegal lifecycle transition, such as
// pausing a non-active job or rescheduling a one-time job.
type StateConflictError struct {
	JobID  string
	From   JobStatus
	Action string
}

func (e *StateConflictError) Error() string {
	return fmt.Sprintf("job %q: cannot %s from status %q", e.JobID, e.Action, e.From)
}

// StateConflict constructs a StateConflictError.
func StateConflict(jobID string, from JobStatus, action string) error {
	return &StateConflictError{JobID: jobID, From: from, Action: action}
}

// HandlerResolutionError reports an unknown handler. This is a
// configuration error, never retried; the execution terminates failed.
type HandlerResolutionError struct {
	Name string
	Type HandlerType
}

func (e *HandlerResolutionError) Error() string {
	return fmt.Sprintf("no %s handler registered for %q", e.Type, e.Name)
}

// ExecutionTimeoutError classifies a deadline overrun, distinct from an
// application-thrown failure but subject to the same retry policy.
type ExecutionTimeoutError struct {
	ExecutionID string
	Timeout     time.Duration
}

func (e *ExecutionTimeoutError) Error() string {
	return fmt.Sprintf("execution %q exceeded deadline of %v", e.ExecutionID, e.Timeout)
}

// ExecutionFailure wraps an error returned by a handler; retryable up to
// the job's max retries.
type ExecutionFailure struct {
	ExecutionID string
	Err         error
}

func (e *ExecutionFailure) Error() string {
	return fmt.Sprintf("execution %q failed: %v", e.ExecutionID, e.Err)
}

func (e *ExecutionFailure) Unwrap() error { return e.Err }

// TransportError reports an unreachable message bus. The dispatch tick logs
// it and retries on its next interval; health reporting degrades.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// NoRetryError wraps an error that must not be retried regardless of the
// remaining retry budget.
type NoRetryError struct {
	Err error
}

func (e *NoRetryError) Error() string {
	return fmt.Sprintf("no retry: %v", e.Err)
}

func (e *NoRetryError) Unwrap() error { return e.Err }

// NoRetry wraps an error to indicate it should not be retried.
func NoRetry(err error) error {
	return &NoRetryError{Err: err}
}
