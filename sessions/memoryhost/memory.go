package memoryhost

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mcpkit/compose-go/sessions"
)

// Host is an in-memory implementation of sessions.SessionHost.
type Host struct {
	mu       sync.RWMutex
	sessions map[string]*sessionData
	counter  atomic.Int64

	metaMu sync.RWMutex
	metas  map[string]*sessions.SessionMetadata

	topicMu sync.RWMutex
	topics  map[string]*topicData
}

type sessionData struct {
	mu          sync.RWMutex
	messages    []message
	subscribers map[*subscription]struct{}
}

type message struct {
	id   string
	data []byte
}

type subscription struct {
	ctx      context.Context
	handler  sessions.MessageHandlerFunction
	startIdx int
	stopCh   chan struct{}
	errCh    chan error
	sd       *sessionData
}

func New() *Host {
	return &Host{
		sessions: make(map[string]*sessionData),
		metas:    make(map[string]*sessions.SessionMetadata),
		topics:   make(map[string]*topicData),
	}
}

// --- Messaging ---

func (h *Host) PublishSession(ctx context.Context, sessionID string, data []byte) (string, error) {
	evID := strconv.FormatInt(h.counter.Add(1), 10)
	msg := message{id: evID, data: append([]byte(nil), data...)}

	sd := h.ensureSession(sessionID)

	sd.mu.Lock()
	sd.messages = append(sd.messages, msg)
	idx := len(sd.messages) - 1
	// snapshot subscribers to notify
	subs := make([]*subscription, 0, len(sd.subscribers))
	for sub := range sd.subscribers {
		if idx >= sub.startIdx {
			subs = append(subs, sub)
		}
	}
	sd.mu.Unlock()

	for _, sub := range subs {
		s := sub
		select {
		case <-s.ctx.Done():
			continue
		case <-s.stopCh:
			continue
		default:
		}
		go func() {
			if err := s.handler(s.ctx, msg.id, msg.data); err != nil {
				select {
				case s.errCh <- err:
				default:
				}
			}
		}()
	}

	return evID, nil
}

func (h *Host) SubscribeSession(ctx context.Context, sessionID string, lastEventID string, handler sessions.MessageHandlerFunction) error {
	sd := h.ensureSession(sessionID)

	var startIdx int
	sd.mu.RLock()
	if lastEventID == "" {
		startIdx = len(sd.messages)
	} else {
		found := false
		for i := range sd.messages {
			if sd.messages[i].id == lastEventID {
				startIdx = i + 1
				found = true
				break
			}
		}
		if !found {
			sd.mu.RUnlock()
			return fmt.Errorf("last event id %s not found", lastEventID)
		}
	}
	sd.mu.RUnlock()

	sub := &subscription{ctx: ctx, handler: handler, startIdx: startIdx, stopCh: make(chan struct{}), errCh: make(chan error, 1), sd: sd}

	// register
	sd.mu.Lock()
	sd.subscribers[sub] = struct{}{}
	// gather replay
	var replay []message
	if startIdx < len(sd.messages) {
		replay = make([]message, len(sd.messages)-startIdx)
		copy(replay, sd.messages[startIdx:])
	}
	sd.mu.Unlock()

	// replay
	for _, m := range replay {
		select {
		case <-ctx.Done():
			sub.stop()
			return ctx.Err()
		case <-sub.stopCh:
			return nil
		case err := <-sub.errCh:
			sub.stop()
			return err
		default:
		}
		if err := handler(ctx, m.id, m.data); err != nil {
			sub.stop()
			return err
		}
	}

	// wait for next event or stop/cancel/handler error
	for {
		select {
		case <-ctx.Done():
			sub.stop()
			return ctx.Err()
		case <-sub.stopCh:
			return nil
		case err := <-sub.errCh:
			sub.stop()
			return err
		default:
			// Idle wait to avoid busy spin
			time.Sleep(10 * time.Millisecond)
		}
	}
}

func (h *Host) ensureSession(sessionID string) *sessionData {
	h.mu.Lock()
	defer h.mu.Unlock()
	sd, ok := h.sessions[sessionID]
	if !ok {
		sd = &sessionData{messages: make([]message, 0), subscribers: make(map[*subscription]struct{})}
		h.sessions[sessionID] = sd
	}
	return sd
}

func (s *subscription) stop() {
	s.sd.mu.Lock()
	delete(s.sd.subscribers, s)
	s.sd.mu.Unlock()
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
}

// --- Events ---

type topicData struct {
	mu   sync.Mutex
	subs map[*eventSub]struct{}
}

// eventSub queues payloads per subscriber so that slow handlers never block
// PublishEvent and every subscriber sees events in publish order.
type eventSub struct {
	mu      sync.Mutex
	pending [][]byte
	wake    chan struct{}
	stopped bool
}

func (s *eventSub) push(payload []byte) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.pending = append(s.pending, append([]byte(nil), payload...))
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *eventSub) drain() [][]byte {
	s.mu.Lock()
	batch := s.pending
	s.pending = nil
	s.mu.Unlock()
	return batch
}

func (h *Host) PublishEvent(ctx context.Context, topic string, payload []byte) error {
	h.topicMu.RLock()
	td := h.topics[topic]
	h.topicMu.RUnlock()
	if td == nil {
		return nil // no subscribers yet; future subscribers only see later events
	}

	td.mu.Lock()
	subs := make([]*eventSub, 0, len(td.subs))
	for sub := range td.subs {
		subs = append(subs, sub)
	}
	td.mu.Unlock()

	for _, sub := range subs {
		sub.push(payload)
	}
	return nil
}

func (h *Host) SubscribeEvents(ctx context.Context, topic string, handler sessions.EventHandlerFunction) error {
	h.topicMu.Lock()
	td, ok := h.topics[topic]
	if !ok {
		td = &topicData{subs: make(map[*eventSub]struct{})}
		h.topics[topic] = td
	}
	h.topicMu.Unlock()

	sub := &eventSub{wake: make(chan struct{}, 1)}
	td.mu.Lock()
	td.subs[sub] = struct{}{}
	td.mu.Unlock()

	detach := func() {
		sub.mu.Lock()
		sub.stopped = true
		sub.mu.Unlock()
		td.mu.Lock()
		delete(td.subs, sub)
		td.mu.Unlock()
	}

	go func() {
		defer detach()
		for {
			select {
			case <-ctx.Done():
				return
			case <-sub.wake:
			}
			for _, payload := range sub.drain() {
				if ctx.Err() != nil {
					return
				}
				if err := handler(ctx, payload); err != nil {
					return
				}
			}
		}
	}()

	return nil
}

// --- Metadata ---

func (h *Host) CreateSession(ctx context.Context, meta *sessions.SessionMetadata) error {
	if meta == nil || meta.SessionID == "" {
		return fmt.Errorf("session metadata requires a session id")
	}
	h.metaMu.Lock()
	defer h.metaMu.Unlock()
	if cur, ok := h.metas[meta.SessionID]; ok && !cur.Expired(time.Now()) {
		return sessions.ErrSessionExists
	}
	cp := *meta
	h.metas[meta.SessionID] = &cp
	return nil
}

func (h *Host) GetSession(ctx context.Context, sessionID string) (*sessions.SessionMetadata, error) {
	h.metaMu.RLock()
	meta, ok := h.metas[sessionID]
	h.metaMu.RUnlock()
	if !ok {
		return nil, sessions.ErrSessionNotFound
	}
	if meta.Expired(time.Now()) {
		h.metaMu.Lock()
		delete(h.metas, sessionID)
		h.metaMu.Unlock()
		return nil, sessions.ErrSessionNotFound
	}
	cp := *meta
	return &cp, nil
}

func (h *Host) MutateSession(ctx context.Context, sessionID string, mutate func(meta *sessions.SessionMetadata) error) error {
	h.metaMu.Lock()
	defer h.metaMu.Unlock()
	meta, ok := h.metas[sessionID]
	if !ok || meta.Expired(time.Now()) {
		return sessions.ErrSessionNotFound
	}
	cp := *meta
	if err := mutate(&cp); err != nil {
		return err
	}
	h.metas[sessionID] = &cp
	return nil
}

func (h *Host) TouchSession(ctx context.Context, sessionID string) error {
	h.metaMu.Lock()
	defer h.metaMu.Unlock()
	meta, ok := h.metas[sessionID]
	if !ok || meta.Expired(time.Now()) {
		return sessions.ErrSessionNotFound
	}
	meta.LastAccess = time.Now().UTC()
	return nil
}

func (h *Host) DeleteSession(ctx context.Context, sessionID string) error {
	h.metaMu.Lock()
	delete(h.metas, sessionID)
	h.metaMu.Unlock()

	h.mu.Lock()
	sd, ok := h.sessions[sessionID]
	if ok {
		delete(h.sessions, sessionID)
	}
	h.mu.Unlock()
	if !ok {
		return nil
	}
	// Collect subscribers under lock, then stop them without holding the lock
	sd.mu.Lock()
	subs := make([]*subscription, 0, len(sd.subscribers))
	for sub := range sd.subscribers {
		subs = append(subs, sub)
	}
	sd.mu.Unlock()
	for _, sub := range subs {
		sub.stop()
	}
	return nil
}

// Ensure interface compliance
var _ sessions.SessionHost = (*Host)(nil)
