package tasks

import (
	"time"

	"github.com/mcpkit/compose-go/mcp"
)

// Handle is the caller-facing description of a submitted or polled task.
type Handle struct {
	TaskID        string
	Status        mcp.TaskStatus
	StatusMessage string
	CreatedAt     time.Time
	TTL           time.Duration
	PollInterval  time.Duration
}

// Wire converts the handle to its protocol representation.
func (h *Handle) Wire() mcp.Task {
	return mcp.Task{
		TaskID:        h.TaskID,
		Status:        h.Status,
		StatusMessage: h.StatusMessage,
		CreatedAt:     h.CreatedAt.UTC().Format(time.RFC3339),
		TTL:           h.TTL.Milliseconds(),
		PollInterval:  h.PollInterval.Milliseconds(),
	}
}

func handleFromRecord(rec *Record) *Handle {
	return &Handle{
		TaskID:        rec.TaskID,
		Status:        rec.Status,
		StatusMessage: rec.StatusMessage,
		CreatedAt:     rec.CreatedAt,
		TTL:           rec.TTL,
		PollInterval:  rec.PollInterval,
	}
}
