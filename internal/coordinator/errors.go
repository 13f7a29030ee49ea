package coordinator

import (
	"errors"

	"github.com/mschirtzinger/tasksync/internal/resilience"
)

// Errors returned by the coordinator.
//
// These errors can be checked using errors.Is():
//
//	if errors.Is(err, coordinator.ErrAborted) {
//	    // the coordinator refused the pass; restart it after fixing the file
//	}
var (
	// ErrFileTooLarge is returned when the task file exceeds MaxFileSizeMB.
	// It aborts the coordinator.
	ErrFileTooLarge = errors.New("task file exceeds maximum size")

	// ErrAborted is returned by every pass after a fatal error.
	ErrAborted = errors.New("coordinator aborted")

	// ErrConflictNotFound is returned by ResolveConflict for an unknown id.
	ErrConflictNotFound = errors.New("conflict not found")

	// ErrDirectionDisabled is returned when a pass is requested for a
	// direction the configuration does not include.
	ErrDirectionDisabled = errors.New("sync direction disabled")

	// ErrTaskLimit is returned when writing the file would erase entries
	// that were dropped by MaxTasks and never reached the store.
	ErrTaskLimit = errors.New("task file holds entries beyond the task limit")
)

// IsFatal returns true if the error stops the coordinator for good.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrFileTooLarge) || errors.Is(err, ErrAborted)
}

// IsRetryable returns true if running the same pass again later may succeed.
// Fallback reads and transient I/O failures are retryable; fatal errors and
// disabled directions are not.
func IsRetryable(err error) bool {
	if err == nil || IsFatal(err) {
		return false
	}
	if errors.Is(err, ErrDirectionDisabled) || errors.Is(err, ErrConflictNotFound) || errors.Is(err, ErrTaskLimit) {
		return false
	}
	var fb *resilience.FallbackError
	if errors.As(err, &fb) {
		return true
	}
	return resilience.IsRetryable(err)
}
