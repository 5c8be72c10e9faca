package mcp

// Background task wire types (SEP-1686).

// TaskStatus is the lifecycle state of a background task.
type TaskStatus string

const (
	TaskStatusWorking   TaskStatus = "working"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// IsTerminal reports whether the status is a final state.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// RelatedTaskMetaKey is the _meta key correlating a notification with a task.
const RelatedTaskMetaKey = "modelcontextprotocol.io/related-task"

// TaskRequestMeta augments a request with background execution parameters.
type TaskRequestMeta struct {
	// TTL is the requested result retention in milliseconds. The server's
	// own policy takes precedence.
	TTL int64 `json:"ttl,omitzero"`
}

// Task describes a background task and its polling contract.
type Task struct {
	TaskID        string     `json:"taskId"`
	Status        TaskStatus `json:"status"`
	StatusMessage string     `json:"statusMessage,omitzero"`
	CreatedAt     string     `json:"createdAt,omitzero"`
	// TTL is the result retention in milliseconds from creation.
	TTL int64 `json:"ttl,omitzero"`
	// PollInterval suggests how often to poll tasks/get, in milliseconds.
	PollInterval int64 `json:"pollInterval,omitzero"`
}

// CreateTaskResult is returned in place of a direct result when a request
// was accepted for background execution.
type CreateTaskResult struct {
	Task Task `json:"task"`
	BaseMetadata
}

// GetTaskRequest polls the status of a background task.
type GetTaskRequest struct {
	TaskID string `json:"taskId"`
}

// GetTaskResult returns the current task state.
type GetTaskResult struct {
	Task
	BaseMetadata
}

// GetTaskResultRequest retrieves the stored result of a completed task.
type GetTaskResultRequest struct {
	TaskID string `json:"taskId"`
}

// ListTasksRequest requests the caller's tasks.
type ListTasksRequest struct {
	PaginatedRequest
}

// ListTasksResult returns a page of the caller's tasks.
type ListTasksResult struct {
	Tasks []Task `json:"tasks"`
	PaginatedResult
	BaseMetadata
}

// CancelTaskRequest requests cancellation of a working task.
type CancelTaskRequest struct {
	TaskID string `json:"taskId"`
}

// TaskCreatedNotification announces a request accepted for background
// execution.
type TaskCreatedNotification struct {
	Task Task `json:"task"`
}

// TaskStatusNotification reports a task status transition.
type TaskStatusNotification struct {
	TaskID        string     `json:"taskId"`
	Status        TaskStatus `json:"status"`
	StatusMessage string     `json:"statusMessage,omitzero"`
}
