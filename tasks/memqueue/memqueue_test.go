package memqueue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mcpkit/compose-go/tasks"
)

func TestDeliversJobsInOrder(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	q := New(8)
	defer q.Close(context.Background())

	var mu sync.Mutex
	var got []string
	done := make(chan struct{})

	err := q.Subscribe(ctx, func(_ context.Context, job tasks.Job) error {
		mu.Lock()
		got = append(got, job.TaskID)
		if len(got) == 3 {
			close(done)
		}
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	for _, id := range []string{"a", "b", "c"} {
		if err := q.Enqueue(ctx, tasks.Job{TaskID: id}); err != nil {
			t.Fatalf("enqueue %s failed: %v", id, err)
		}
	}

	select {
	case <-done:
	case <-ctx.Done():
		t.Fatalf("timed out waiting for deliveries")
	}

	mu.Lock()
	defer mu.Unlock()
	if got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("expected in-order delivery, got %v", got)
	}
}

func TestSecondSubscriberRejected(t *testing.T) {
	ctx := context.Background()
	q := New(1)
	defer q.Close(ctx)

	handler := func(context.Context, tasks.Job) error { return nil }
	if err := q.Subscribe(ctx, handler); err != nil {
		t.Fatalf("first subscribe failed: %v", err)
	}
	if err := q.Subscribe(ctx, handler); err == nil {
		t.Fatalf("expected second subscribe to fail")
	}
}

func TestEnqueueAfterClose(t *testing.T) {
	ctx := context.Background()
	q := New(1)
	if err := q.Close(ctx); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if err := q.Enqueue(ctx, tasks.Job{TaskID: "x"}); !errors.Is(err, tasks.ErrQueueClosed) {
		t.Fatalf("expected ErrQueueClosed, got %v", err)
	}
}

func TestEnqueueHonorsContextWhenFull(t *testing.T) {
	q := New(1)
	defer q.Close(context.Background())

	if err := q.Enqueue(context.Background(), tasks.Job{TaskID: "fill"}); err != nil {
		t.Fatalf("fill enqueue failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := q.Enqueue(ctx, tasks.Job{TaskID: "overflow"}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error on full buffer, got %v", err)
	}
}
