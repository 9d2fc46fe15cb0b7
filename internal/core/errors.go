package core

import (
	"errors"
	"fmt"
)

var (
	// ErrTaskNotFound is returned by a Store when no task has the given id.
	ErrTaskNotFound = errors.New("task not found")

	// ErrWaitTimeout is wrapped by an Environment when a pod does not reach
	// a terminal phase within the wait bound.
	ErrWaitTimeout = errors.New("environment did not reach a terminal phase in time")
)

// ErrorKind classifies why a run failed.
type ErrorKind string

const (
	KindTaskNotFound       ErrorKind = "task_not_found"
	KindUnsafeCommand      ErrorKind = "unsafe_command"
	KindEnvironmentCreate  ErrorKind = "environment_create"
	KindEnvironmentTimeout ErrorKind = "environment_timeout"
	KindEnvironmentRuntime ErrorKind = "environment_runtime"
	KindPersistence        ErrorKind = "persistence"
)

// RunError is the structured error returned by Orchestrator.Run.
type RunError struct {
	Kind   ErrorKind
	TaskID string
	Err    error
}

func (e *RunError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("run task %s: %s: %v", e.TaskID, e.Kind, e.Err)
	}
	return fmt.Sprintf("run task %s: %s", e.TaskID, e.Kind)
}

func (e *RunError) Unwrap() error { return e.Err }

// KindOf extracts the ErrorKind from err, if err carries one.
func KindOf(err error) (ErrorKind, bool) {
	var runErr *RunError
	if errors.As(err, &runErr) {
		return runErr.Kind, true
	}
	return "", false
}

func newRunError(kind ErrorKind, taskID string, err error) *RunError {
	return &RunError{Kind: kind, TaskID: taskID, Err: err}
}
