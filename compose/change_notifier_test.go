package compose_test

import (
	"context"
	"testing"
	"time"

	"github.com/mcpkit/compose-go/compose"
)

// expectTick waits for one change signal.
func expectTick(t *testing.T, ch <-chan struct{}, msg string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(3 * time.Second):
		t.Fatalf("no change signal: %s", msg)
	}
}

// expectNoTick asserts that no change signal arrives within a short grace
// period.
func expectNoTick(t *testing.T, ch <-chan struct{}, msg string) {
	t.Helper()
	select {
	case <-ch:
		t.Fatalf("unexpected change signal: %s", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestChangeNotifierCoalescesSignals(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	var n compose.ChangeNotifier
	ch := n.Subscriber()

	for i := 0; i < 3; i++ {
		if err := n.Notify(ctx); err != nil {
			t.Fatalf("notify: %v", err)
		}
	}
	expectTick(t, ch, "first signal after burst")
	expectNoTick(t, ch, "burst should collapse into one pending signal")

	if err := n.Notify(ctx); err != nil {
		t.Fatalf("notify: %v", err)
	}
	expectTick(t, ch, "signal after drain")
}

func TestChangeNotifierNeverBlocksOnSlowSubscriber(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	var n compose.ChangeNotifier
	_ = n.Subscriber() // never drained

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			_ = n.Notify(ctx)
		}
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("notify blocked on an undrained subscriber")
	}
}

func TestChangeNotifierClose(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	var n compose.ChangeNotifier
	ch := n.Subscriber()
	n.Close()

	if _, ok := <-ch; ok {
		t.Fatal("expected the subscriber channel to be closed")
	}

	// Late subscribers get an already-closed channel instead of a leak.
	late := n.Subscriber()
	if _, ok := <-late; ok {
		t.Fatal("expected a closed channel for subscribers after Close")
	}

	if err := n.Notify(ctx); err != nil {
		t.Fatalf("notify after close should be a no-op, got %v", err)
	}
	n.Close()
}
