// Package errs holds the error taxonomy shared by the order saga packages.
// Callers wrap these sentinels with fmt.Errorf("...: %w", ...) and classify with errors.Is.
package errs

import (
	"context"
	"errors"
)

var (
	// ErrValidation marks bad input to a business operation. Not retried.
	ErrValidation = errors.New("validation failed")
	// ErrInvalidTransition marks an illegal aggregate state change. Not retried.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrStorageConflict marks a concurrent write collision. The whole use case is re-executed.
	ErrStorageConflict = errors.New("storage conflict")
	// ErrStorage marks a transient storage fault.
	ErrStorage = errors.New("storage failure")
	// ErrDeliveryFailure marks a transient bus/network fault while publishing.
	ErrDeliveryFailure = errors.New("delivery failure")
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrSagaTerminal is returned when a saga would reach a second, different terminal outcome.
	ErrSagaTerminal = errors.New("saga already terminated")
	// ErrSagaHalted is returned for changes to a halted saga. Only manual intervention resumes it.
	ErrSagaHalted = errors.New("saga halted")
	// ErrCompensationFailed halts a saga; it requires manual intervention.
	ErrCompensationFailed = errors.New("compensation failed")
	// ErrUnknownEvent is returned for inbound event types nobody handles.
	ErrUnknownEvent = errors.New("unknown event type")
)

// IsRetryable reports whether err is worth retrying by redelivery or re-execution.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, ErrStorageConflict),
		errors.Is(err, ErrStorage),
		errors.Is(err, ErrDeliveryFailure),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return true
	}
	return false
}

// IsTerminal reports whether err must not be retried.
func IsTerminal(err error) bool {
	return err != nil && !IsRetryable(err)
}
