package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mcpkit/compose-go/mcp"
)

// EventType discriminates dispatcher events.
type EventType string

const (
	// EventCreated fires after a submission is persisted, before it is
	// enqueued.
	EventCreated EventType = "created"
	// EventStatus fires on every status transition after creation.
	EventStatus EventType = "status"
)

// Event describes a task lifecycle change for the protocol layer to fan out
// to the owning session.
type Event struct {
	Type      EventType
	SessionID string
	UserID    string
	Task      mcp.Task
}

// EventSink receives dispatcher and runner events. Sinks must not block;
// delivery failures are the sink's problem and never fail the transition
// that produced the event.
type EventSink func(ctx context.Context, evt Event)

// DispatcherConfig carries the optional dependencies of a Dispatcher. The
// zero value is usable.
type DispatcherConfig struct {
	Logger *slog.Logger
	Sink   EventSink
	// PollInterval is stamped on records whose submission does not carry
	// one. Zero means DefaultPollInterval.
	PollInterval time.Duration
}

// Dispatcher accepts task submissions and serves the poll surface (get,
// result, list, cancel). Execution is the Runner's job; the two communicate
// only through the store and the queue.
type Dispatcher struct {
	store *Store
	queue Queue
	log   *slog.Logger
	poll  time.Duration

	sinkMu sync.RWMutex
	sinks  []EventSink
}

// NewDispatcher builds a Dispatcher over a record store and a queue.
func NewDispatcher(store *Store, queue Queue, cfg DispatcherConfig) *Dispatcher {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	d := &Dispatcher{
		store: store,
		queue: queue,
		log:   log,
		poll:  poll,
	}
	if cfg.Sink != nil {
		d.sinks = append(d.sinks, cfg.Sink)
	}
	return d
}

// AddSink attaches another event sink. Every sink sees every event; a later
// sink is not shielded from an earlier one's behavior.
func (d *Dispatcher) AddSink(sink EventSink) {
	if sink == nil {
		return
	}
	d.sinkMu.Lock()
	d.sinks = append(d.sinks, sink)
	d.sinkMu.Unlock()
}

// Submission is one accepted request routed to background execution.
type Submission struct {
	SessionID string
	UserID    string
	Kind      string
	FnKey     string
	// Args is the canonical JSON encoding of the request arguments.
	Args json.RawMessage
	// TTL is the result retention; zero means DefaultResultTTL.
	TTL time.Duration
	// PollInterval overrides the dispatcher default when positive.
	PollInterval time.Duration
}

// Submit accepts a routed request: it allocates the task id, persists the
// record in working status, emits the created event, then enqueues the job.
// The order is deliberate — once a client sees the created notification the
// task is pollable, and an enqueue failure leaves a terminal failed record
// rather than a dangling working one.
func (d *Dispatcher) Submit(ctx context.Context, sub Submission) (*Handle, error) {
	if sub.FnKey == "" {
		return nil, errors.New("submission missing fn key")
	}
	if sub.SessionID == "" {
		return nil, errors.New("submission missing session id")
	}

	ttl := sub.TTL
	if ttl <= 0 {
		ttl = DefaultResultTTL
	}
	poll := sub.PollInterval
	if poll <= 0 {
		poll = d.poll
	}

	now := time.Now().UTC()
	rec := &Record{
		TaskID:       uuid.NewString(),
		SessionID:    sub.SessionID,
		UserID:       sub.UserID,
		Kind:         sub.Kind,
		FnKey:        sub.FnKey,
		Status:       mcp.TaskStatusWorking,
		Args:         sub.Args,
		CreatedAt:    now,
		UpdatedAt:    now,
		TTL:          ttl,
		PollInterval: poll,
	}

	log := d.log.With(slog.String("task_id", rec.TaskID), slog.String("fn_key", rec.FnKey))

	if err := d.store.Put(ctx, rec); err != nil {
		log.ErrorContext(ctx, "tasks.submit.persist_fail", slog.String("err", err.Error()))
		return nil, &BackendError{Op: "persist", Err: err}
	}
	d.emit(ctx, Event{Type: EventCreated, SessionID: rec.SessionID, UserID: rec.UserID, Task: rec.Wire()})

	if err := d.queue.Enqueue(ctx, Job{
		TaskID:    rec.TaskID,
		SessionID: rec.SessionID,
		UserID:    rec.UserID,
		Kind:      rec.Kind,
		FnKey:     rec.FnKey,
		Args:      rec.Args,
	}); err != nil {
		log.ErrorContext(ctx, "tasks.submit.enqueue_fail", slog.String("err", err.Error()))
		rec.Status = mcp.TaskStatusFailed
		rec.StatusMessage = "submission could not be queued"
		rec.UpdatedAt = time.Now().UTC()
		if perr := d.store.Put(ctx, rec); perr == nil {
			d.emit(ctx, Event{Type: EventStatus, SessionID: rec.SessionID, UserID: rec.UserID, Task: rec.Wire()})
		}
		return nil, &BackendError{Op: "enqueue", Err: err}
	}

	log.InfoContext(ctx, "tasks.submit.ok", slog.String("kind", rec.Kind))
	return handleFromRecord(rec), nil
}

// Get returns the current state of a task owned by the session.
func (d *Dispatcher) Get(ctx context.Context, userID, sessionID, taskID string) (*Handle, error) {
	rec, err := d.load(ctx, userID, sessionID, taskID)
	if err != nil {
		return nil, err
	}
	return handleFromRecord(rec), nil
}

// Result returns the stored canonical result of a completed task. While the
// task is working it fails with ErrResultPending; terminal non-completed
// states fail with *ExecutionError.
func (d *Dispatcher) Result(ctx context.Context, userID, sessionID, taskID string) (json.RawMessage, error) {
	rec, err := d.load(ctx, userID, sessionID, taskID)
	if err != nil {
		return nil, err
	}
	switch rec.Status {
	case mcp.TaskStatusCompleted:
		return rec.Result, nil
	case mcp.TaskStatusWorking:
		return nil, ErrResultPending
	default:
		return nil, &ExecutionError{TaskID: rec.TaskID, Status: rec.Status, Message: rec.StatusMessage}
	}
}

// Cancel marks a working task cancelled and emits the status event. Tasks
// already in a terminal state fail with ErrNotCancelable. Cancellation is a
// record-level flag: a runner checks it before starting and refuses to
// overwrite the terminal state after finishing.
func (d *Dispatcher) Cancel(ctx context.Context, userID, sessionID, taskID string) (*Handle, error) {
	rec, err := d.load(ctx, userID, sessionID, taskID)
	if err != nil {
		return nil, err
	}
	if rec.Status.IsTerminal() {
		return nil, ErrNotCancelable
	}
	rec.Status = mcp.TaskStatusCancelled
	rec.StatusMessage = "cancelled by request"
	rec.UpdatedAt = time.Now().UTC()
	if err := d.store.Put(ctx, rec); err != nil {
		return nil, &BackendError{Op: "persist", Err: err}
	}
	d.emit(ctx, Event{Type: EventStatus, SessionID: rec.SessionID, UserID: rec.UserID, Task: rec.Wire()})
	d.log.InfoContext(ctx, "tasks.cancel.ok", slog.String("task_id", rec.TaskID))
	return handleFromRecord(rec), nil
}

// List returns one page of the session's tasks in creation order. The
// cursor is an opaque offset token from a previous page; nil starts from the
// beginning.
func (d *Dispatcher) List(ctx context.Context, userID, sessionID string, cursor *string, limit int) ([]*Handle, *string, error) {
	if limit <= 0 {
		limit = 50
	}
	start := 0
	if cursor != nil {
		n, err := strconv.Atoi(*cursor)
		if err != nil || n < 0 {
			return nil, nil, ErrInvalidCursor
		}
		start = n
	}

	recs, err := d.store.List(ctx, userID, sessionID)
	if err != nil {
		return nil, nil, &BackendError{Op: "list", Err: err}
	}
	if start >= len(recs) {
		return []*Handle{}, nil, nil
	}
	end := start + limit
	if end > len(recs) {
		end = len(recs)
	}
	page := make([]*Handle, 0, end-start)
	for _, rec := range recs[start:end] {
		page = append(page, handleFromRecord(rec))
	}
	var next *string
	if end < len(recs) {
		token := strconv.Itoa(end)
		next = &token
	}
	return page, next, nil
}

func (d *Dispatcher) load(ctx context.Context, userID, sessionID, taskID string) (*Record, error) {
	rec, err := d.store.Get(ctx, userID, sessionID, taskID)
	if err != nil {
		if errors.Is(err, ErrTaskNotFound) {
			return nil, err
		}
		return nil, &BackendError{Op: "load", Err: err}
	}
	return rec, nil
}

func (d *Dispatcher) emit(ctx context.Context, evt Event) {
	d.sinkMu.RLock()
	sinks := d.sinks
	d.sinkMu.RUnlock()
	for _, sink := range sinks {
		sink(ctx, evt)
	}
}
