package tasks

import (
	"context"
	"encoding/json"
)

// Job is the unit of work transported from submission to execution. It
// carries everything a Runner on any process needs to re-invoke the
// component: the fnKey under which an invoker is registered plus the
// canonical argument encoding.
type Job struct {
	TaskID    string          `json:"task_id"`
	SessionID string          `json:"session_id"`
	UserID    string          `json:"user_id,omitempty"`
	Kind      string          `json:"kind"`
	FnKey     string          `json:"fn_key"`
	Args      json.RawMessage `json:"args,omitempty"`
}

// JobHandlerFunction processes one delivered job. Returning an error marks
// the delivery failed; queues do not redeliver — failures are recorded on
// the task record by the Runner, not replayed.
type JobHandlerFunction func(ctx context.Context, job Job) error

// Queue transports accepted jobs to workers.
//
// Semantics all implementations provide:
//   - Enqueue returns once the job is durably accepted by the backend.
//   - Subscribe attaches a single consumer and returns promptly; delivery
//     happens on a queue-owned goroutine until ctx is canceled or the queue
//     is closed.
//   - Delivery is at-least-once up to handler invocation; the core never
//     retries a handler failure.
type Queue interface {
	Enqueue(ctx context.Context, job Job) error
	Subscribe(ctx context.Context, handler JobHandlerFunction) error
	Close(ctx context.Context) error
}
