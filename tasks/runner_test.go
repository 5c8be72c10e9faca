package tasks_test

import (
	"context"
	"encoding/json"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mcpkit/compose-go/mcp"
	"github.com/mcpkit/compose-go/tasks"
	"github.com/mcpkit/compose-go/tasks/memqueue"
)

func waitForStatus(t *testing.T, d *tasks.Dispatcher, userID, sessionID, taskID string, want mcp.TaskStatus) *tasks.Handle {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		h, err := d.Get(context.Background(), userID, sessionID, taskID)
		if err != nil {
			t.Fatalf("get failed: %v", err)
		}
		if h.Status == want {
			return h
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("task %s never reached %s", taskID, want)
	return nil
}

func startRunner(t *testing.T, r *tasks.Runner) {
	t.Helper()
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("runner start failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = r.Close(ctx)
	})
}

func TestRunnerExecutesRegisteredInvoker(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	queue := memqueue.New(4)
	capture := &eventCapture{}

	d := tasks.NewDispatcher(store, queue, tasks.DispatcherConfig{Sink: capture.sink})
	r := tasks.NewRunner(store, queue, tasks.RunnerConfig{Workers: 2, Sink: capture.sink})
	r.Register("tool:echo", func(ctx context.Context, job tasks.Job) (json.RawMessage, error) {
		var args struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(job.Args, &args); err != nil {
			return nil, err
		}
		return json.Marshal(map[string]any{
			"content": []map[string]any{{"type": "text", "text": args.Text}},
		})
	})
	startRunner(t, r)

	handle, err := d.Submit(ctx, tasks.Submission{
		SessionID: "s1",
		UserID:    "u1",
		Kind:      "tool",
		FnKey:     "tool:echo",
		Args:      []byte(`{"text":"hello"}`),
	})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	waitForStatus(t, d, "u1", "s1", handle.TaskID, mcp.TaskStatusCompleted)

	raw, err := d.Result(ctx, "u1", "s1", handle.TaskID)
	if err != nil {
		t.Fatalf("result failed: %v", err)
	}
	var res mcp.CallToolResult
	if err := json.Unmarshal(raw, &res); err != nil {
		t.Fatalf("stored result is not a tool result: %v", err)
	}
	if len(res.Content) != 1 || res.Content[0].Text != "hello" {
		t.Fatalf("unexpected stored result: %s", raw)
	}

	var sawCompleted bool
	for _, evt := range capture.snapshot() {
		if evt.Type == tasks.EventStatus && evt.Task.Status == mcp.TaskStatusCompleted {
			sawCompleted = true
		}
	}
	if !sawCompleted {
		t.Fatalf("expected a completed status event")
	}
}

func TestRunnerRecordsInvokerFailure(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	queue := memqueue.New(4)
	d := tasks.NewDispatcher(store, queue, tasks.DispatcherConfig{})
	r := tasks.NewRunner(store, queue, tasks.RunnerConfig{})
	r.Register("tool:boom", func(context.Context, tasks.Job) (json.RawMessage, error) {
		return nil, context.DeadlineExceeded
	})
	startRunner(t, r)

	handle, err := d.Submit(ctx, tasks.Submission{SessionID: "s1", UserID: "u1", Kind: "tool", FnKey: "tool:boom"})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	h := waitForStatus(t, d, "u1", "s1", handle.TaskID, mcp.TaskStatusFailed)
	if !strings.Contains(h.StatusMessage, "deadline") {
		t.Fatalf("expected failure message to carry the cause, got %q", h.StatusMessage)
	}
}

func TestRunnerFailsJobWithoutInvoker(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	queue := memqueue.New(4)
	d := tasks.NewDispatcher(store, queue, tasks.DispatcherConfig{})
	r := tasks.NewRunner(store, queue, tasks.RunnerConfig{})
	startRunner(t, r)

	handle, err := d.Submit(ctx, tasks.Submission{SessionID: "s1", UserID: "u1", Kind: "tool", FnKey: "tool:ghost"})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	h := waitForStatus(t, d, "u1", "s1", handle.TaskID, mcp.TaskStatusFailed)
	if !strings.Contains(h.StatusMessage, "no invoker registered") {
		t.Fatalf("expected missing-invoker failure, got %q", h.StatusMessage)
	}
}

func TestRunnerFallsBackToResolver(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	queue := memqueue.New(4)
	d := tasks.NewDispatcher(store, queue, tasks.DispatcherConfig{})
	r := tasks.NewRunner(store, queue, tasks.RunnerConfig{
		Resolver: func(ctx context.Context, fnKey string) (tasks.Invoker, bool) {
			if fnKey != "tool:dynamic" {
				return nil, false
			}
			return func(context.Context, tasks.Job) (json.RawMessage, error) {
				return json.RawMessage(`{"content":[]}`), nil
			}, true
		},
	})
	startRunner(t, r)

	handle, err := d.Submit(ctx, tasks.Submission{SessionID: "s1", UserID: "u1", Kind: "tool", FnKey: "tool:dynamic"})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	waitForStatus(t, d, "u1", "s1", handle.TaskID, mcp.TaskStatusCompleted)
}

func TestRunnerSkipsTaskCancelledWhileQueued(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	queue := memqueue.New(4)
	d := tasks.NewDispatcher(store, queue, tasks.DispatcherConfig{})

	var invoked atomic.Bool
	r := tasks.NewRunner(store, queue, tasks.RunnerConfig{})
	r.Register("tool:late", func(context.Context, tasks.Job) (json.RawMessage, error) {
		invoked.Store(true)
		return json.RawMessage(`{}`), nil
	})

	handle, err := d.Submit(ctx, tasks.Submission{SessionID: "s1", UserID: "u1", Kind: "tool", FnKey: "tool:late"})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if _, err := d.Cancel(ctx, "u1", "s1", handle.TaskID); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}

	// Start consuming only after the cancel landed.
	startRunner(t, r)
	time.Sleep(150 * time.Millisecond)

	if invoked.Load() {
		t.Fatalf("invoker ran for a cancelled task")
	}
	h, err := d.Get(ctx, "u1", "s1", handle.TaskID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if h.Status != mcp.TaskStatusCancelled {
		t.Fatalf("cancelled status must survive, got %s", h.Status)
	}
}
