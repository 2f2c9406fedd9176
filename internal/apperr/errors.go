// Package apperr defines the typed error taxonomy shared by the context
// store, job tracker, and orchestrator. Handlers map these to HTTP
// statuses via errors.As; services never compare error strings.
package apperr

import (
	"fmt"
	"strings"
	"time"
)

// ValidationError reports schema violations for a context payload.
// All violations are collected, not just the first.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + strings.Join(e.Errors, "; ")
}

// NotFoundError reports an unknown or expired resource. Expired records
// are indistinguishable from absent ones to the caller; the flag exists
// for logging.
type NotFoundError struct {
	Resource string
	ID       string
	Expired  bool
}

func (e *NotFoundError) Error() string {
	if e.Expired {
		return fmt.Sprintf("%s %s expired", e.Resource, e.ID)
	}
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}

// StorageError wraps an underlying key-value or blob store failure.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// StageError reports a failed pipeline stage invocation, transport or
// business level. The orchestrator records it per step instead of
// propagating it.
type StageError struct {
	Stage      string
	StatusCode int
	Message    string
}

func (e *StageError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("stage %s failed (status %d): %s", e.Stage, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("stage %s failed: %s", e.Stage, e.Message)
}

// TimeoutError reports that a caller-imposed wait on a stage call
// exceeded its budget. The stage itself may still be running.
type TimeoutError struct {
	Stage  string
	Budget time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("stage %s timed out after %s", e.Stage, e.Budget)
}

// Kind returns a short machine-readable label for err, used when
// recording structured job failures.
func Kind(err error) string {
	switch err.(type) {
	case *ValidationError:
		return "validation"
	case *NotFoundError:
		return "not_found"
	case *StorageError:
		return "storage"
	case *StageError:
		return "stage"
	case *TimeoutError:
		return "timeout"
	}
	return "internal"
}
