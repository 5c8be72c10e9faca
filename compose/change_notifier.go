package compose

import (
	"context"
	"sync"
)

// ChangeNotifier is a small in-process pub-sub used by providers to signal
// that one of their catalogues changed, so listChanged notifications can be
// fanned out to connected clients. Signals are edge-triggered and carry no
// payload; a subscriber that wants the new state re-lists.
type ChangeNotifier struct {
	mu     sync.RWMutex
	subs   []chan struct{}
	closed bool
}

// Notify signals every subscriber that the catalogue changed. Sends are
// non-blocking: a subscriber that has not drained its previous signal keeps
// the single pending one, which is enough to trigger a re-list.
func (cn *ChangeNotifier) Notify(ctx context.Context) error {
	cn.mu.RLock()
	defer cn.mu.RUnlock()

	if cn.closed {
		return nil
	}
	for _, ch := range cn.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	return nil
}

// Subscriber registers a new listener and returns its channel. The channel
// is buffered with capacity 1 and is closed when the notifier closes.
func (cn *ChangeNotifier) Subscriber() <-chan struct{} {
	cn.mu.Lock()
	defer cn.mu.Unlock()

	if cn.closed {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	ch := make(chan struct{}, 1)
	cn.subs = append(cn.subs, ch)
	return ch
}

// Close closes all subscriber channels. Further Notify calls are no-ops and
// further Subscriber calls return an already-closed channel.
func (cn *ChangeNotifier) Close() {
	cn.mu.Lock()
	if cn.closed {
		cn.mu.Unlock()
		return
	}
	cn.closed = true
	subs := cn.subs
	cn.subs = nil
	cn.mu.Unlock()

	for _, ch := range subs {
		close(ch)
	}
}

// ChangeSubscriber is the read side of a ChangeNotifier.
type ChangeSubscriber interface {
	Subscriber() <-chan struct{}
}
