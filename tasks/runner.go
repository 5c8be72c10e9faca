package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mcpkit/compose-go/mcp"
)

// Invoker executes the function behind one fnKey and returns the canonical
// JSON encoding of the result. The encoding must match what the synchronous
// path would have produced for the same raw return value.
type Invoker func(ctx context.Context, job Job) (json.RawMessage, error)

// InvokerResolver resolves invokers for fnKeys that were not explicitly
// registered, typically by re-resolving the component through a server's
// provider tree. It lets a process execute jobs submitted by another
// instance against a shared queue.
type InvokerResolver func(ctx context.Context, fnKey string) (Invoker, bool)

// ResolverChain tries resolvers in order and returns the first hit. Servers
// mounted into one another keep separate keyspaces, so a runner serving a
// shared queue chains each server's resolver.
func ResolverChain(resolvers ...InvokerResolver) InvokerResolver {
	return func(ctx context.Context, fnKey string) (Invoker, bool) {
		for _, resolve := range resolvers {
			if resolve == nil {
				continue
			}
			if inv, ok := resolve(ctx, fnKey); ok {
				return inv, true
			}
		}
		return nil, false
	}
}

// RunnerConfig carries the optional dependencies of a Runner. The zero
// value is usable.
type RunnerConfig struct {
	// Workers bounds concurrent job executions. Zero means 4.
	Workers  int
	Logger   *slog.Logger
	Resolver InvokerResolver
	Sink     EventSink
}

// Runner consumes the queue and executes jobs through registered invokers,
// writing terminal status and the canonical result back onto the record.
type Runner struct {
	store    *Store
	queue    Queue
	log      *slog.Logger
	workers  int
	resolver InvokerResolver

	mu       sync.Mutex
	sinks    []EventSink
	invokers map[string]Invoker
	cancel   context.CancelFunc
	jobs     chan Job
	wg       sync.WaitGroup
}

// NewRunner builds a Runner over the same store and queue as the dispatcher
// it serves.
func NewRunner(store *Store, queue Queue, cfg RunnerConfig) *Runner {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 4
	}
	r := &Runner{
		store:    store,
		queue:    queue,
		log:      log,
		workers:  workers,
		resolver: cfg.Resolver,
		invokers: make(map[string]Invoker),
	}
	if cfg.Sink != nil {
		r.sinks = append(r.sinks, cfg.Sink)
	}
	return r
}

// AddSink attaches another event sink for terminal status transitions.
func (r *Runner) AddSink(sink EventSink) {
	if sink == nil {
		return
	}
	r.mu.Lock()
	r.sinks = append(r.sinks, sink)
	r.mu.Unlock()
}

// Register installs the invoker for a fnKey. Re-registering replaces the
// previous invoker.
func (r *Runner) Register(fnKey string, inv Invoker) {
	if fnKey == "" || inv == nil {
		return
	}
	r.mu.Lock()
	r.invokers[fnKey] = inv
	r.mu.Unlock()
}

// Start attaches to the queue and spins up the worker pool. It returns once
// the subscription is active; execution continues on runner-owned goroutines
// until Close.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.cancel != nil {
		r.mu.Unlock()
		return errors.New("runner already started")
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r.cancel = cancel
	r.jobs = make(chan Job)
	r.mu.Unlock()

	for i := 0; i < r.workers; i++ {
		r.wg.Add(1)
		go r.worker(runCtx)
	}

	err := r.queue.Subscribe(runCtx, func(ctx context.Context, job Job) error {
		select {
		case r.jobs <- job:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	if err != nil {
		cancel()
		return err
	}
	return nil
}

// Close stops accepting jobs and waits for in-flight executions, bounded by
// ctx.
func (r *Runner) Close(ctx context.Context) error {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runner) worker(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-r.jobs:
			r.execute(ctx, job)
		}
	}
}

func (r *Runner) execute(ctx context.Context, job Job) {
	start := time.Now()
	log := r.log.With(slog.String("task_id", job.TaskID), slog.String("fn_key", job.FnKey))

	rec, err := r.store.Get(ctx, job.UserID, job.SessionID, job.TaskID)
	if err != nil {
		// Record expired or was never persisted; nothing to report against.
		log.WarnContext(ctx, "tasks.run.orphan", slog.String("err", err.Error()))
		return
	}
	if rec.Status.IsTerminal() {
		// Cancelled while queued.
		log.InfoContext(ctx, "tasks.run.skip_terminal", slog.String("status", string(rec.Status)))
		return
	}

	inv := r.invokerFor(ctx, job.FnKey)
	if inv == nil {
		r.finish(ctx, rec, nil, fmt.Errorf("no invoker registered for %s", job.FnKey))
		log.ErrorContext(ctx, "tasks.run.no_invoker")
		return
	}

	result, invErr := inv(ctx, job)
	r.finish(ctx, rec, result, invErr)

	if invErr != nil {
		log.WarnContext(ctx, "tasks.run.fail",
			slog.Int64("dur_ms", time.Since(start).Milliseconds()),
			slog.String("err", invErr.Error()),
		)
		return
	}
	log.InfoContext(ctx, "tasks.run.ok", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
}

// finish writes the terminal state, refusing to clobber a record that went
// terminal while the job executed (a racing cancel wins).
func (r *Runner) finish(ctx context.Context, rec *Record, result json.RawMessage, invErr error) {
	current, err := r.store.Get(ctx, rec.UserID, rec.SessionID, rec.TaskID)
	if err == nil && current.Status.IsTerminal() {
		return
	}
	if invErr != nil {
		rec.Status = mcp.TaskStatusFailed
		rec.StatusMessage = invErr.Error()
	} else {
		rec.Status = mcp.TaskStatusCompleted
		rec.Result = result
	}
	rec.UpdatedAt = time.Now().UTC()
	if err := r.store.Put(ctx, rec); err != nil {
		r.log.ErrorContext(ctx, "tasks.run.persist_fail",
			slog.String("task_id", rec.TaskID),
			slog.String("err", err.Error()),
		)
		return
	}
	r.mu.Lock()
	sinks := r.sinks
	r.mu.Unlock()
	for _, sink := range sinks {
		sink(ctx, Event{Type: EventStatus, SessionID: rec.SessionID, UserID: rec.UserID, Task: rec.Wire()})
	}
}

func (r *Runner) invokerFor(ctx context.Context, fnKey string) Invoker {
	r.mu.Lock()
	inv := r.invokers[fnKey]
	r.mu.Unlock()
	if inv != nil {
		return inv
	}
	if r.resolver != nil {
		if resolved, ok := r.resolver(ctx, fnKey); ok {
			return resolved
		}
	}
	return nil
}
