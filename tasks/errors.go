package tasks

import (
	"errors"
	"fmt"

	"github.com/mcpkit/compose-go/mcp"
)

var (
	// ErrTaskNotFound indicates the task id is unknown within the caller's
	// session (never created, expired, or belonging to someone else).
	ErrTaskNotFound = errors.New("task not found")

	// ErrResultPending indicates the task is still working and its result
	// cannot be retrieved yet.
	ErrResultPending = errors.New("task result not ready")

	// ErrNotCancelable indicates the task already reached a terminal state.
	ErrNotCancelable = errors.New("task is not cancelable")

	// ErrQueueClosed is returned by queue operations after Close.
	ErrQueueClosed = errors.New("task queue closed")

	// ErrInvalidCursor reports a list cursor that was not produced by this
	// dispatcher.
	ErrInvalidCursor = errors.New("invalid cursor")
)

// ModeError reports a request whose task metadata contradicts the resolved
// component's declared execution mode. The engine maps it to the protocol's
// method-not-found error code.
type ModeError struct {
	Key  string
	Mode Mode
}

func (e *ModeError) Error() string {
	if e.Mode == ModeRequired {
		return fmt.Sprintf("%s requires task-augmented execution", e.Key)
	}
	return fmt.Sprintf("%s does not support task-augmented execution", e.Key)
}

// BackendError wraps a failure of the record store or the queue. The
// dispatcher surfaces these as-is and never retries; retry policy, if any,
// belongs to the backend client.
type BackendError struct {
	Op  string
	Err error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("task backend %s: %v", e.Op, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

// ExecutionError reports that a task reached a terminal state other than
// completed, observed when retrieving its result.
type ExecutionError struct {
	TaskID  string
	Status  mcp.TaskStatus
	Message string
}

func (e *ExecutionError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("task %s %s: %s", e.TaskID, e.Status, e.Message)
	}
	return fmt.Sprintf("task %s %s", e.TaskID, e.Status)
}
