package sessions

import (
	"context"
	"errors"
)

var (
	// ErrSessionNotFound indicates the session does not exist, has expired, or
	// has been revoked. Callers must treat all three identically.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionExists indicates a CreateSession collision on session ID.
	ErrSessionExists = errors.New("session already exists")
)

// MessageHandlerFunction processes a single message from a session's ordered
// client-facing stream. Returning an error terminates the subscription.
type MessageHandlerFunction func(ctx context.Context, msgID string, msg []byte) error

// EventHandlerFunction processes a single broadcast event payload. Returning
// an error terminates that subscriber only; other subscribers are unaffected.
type EventHandlerFunction func(ctx context.Context, payload []byte) error

// SessionHost is the durability and coordination contract shared by all
// transports. It combines three concerns:
//
//   - Messaging: an ordered, per-session message log with resume-from-event-ID
//     semantics. This is the client-visible stream (SSE body, stdio writes).
//   - Events: broadcast topics used for server-internal coordination between
//     instances (cancellation, subscription teardown, task lifecycle).
//     Subscribers observe only events published after they attach.
//   - Metadata: the authoritative persisted session record with sliding-TTL
//     lifetime semantics.
//
// SubscribeSession blocks until the context ends or the handler returns an
// error. SubscribeEvents returns once the subscription is attached; delivery
// continues on a host-owned goroutine until the context ends or the handler
// errors. Implementations MUST guarantee that events published after
// SubscribeEvents returns are observed by the handler.
type SessionHost interface {
	// Messaging — ordered per session ID with resume via lastEventID.
	PublishSession(ctx context.Context, sessionID string, data []byte) (eventID string, err error)
	SubscribeSession(ctx context.Context, sessionID string, lastEventID string, handler MessageHandlerFunction) error

	// Events — at-least-once broadcast topics shared across instances.
	PublishEvent(ctx context.Context, topic string, payload []byte) error
	SubscribeEvents(ctx context.Context, topic string, handler EventHandlerFunction) error

	// Metadata — session records with sliding TTL and absolute lifetime caps.
	CreateSession(ctx context.Context, meta *SessionMetadata) error
	GetSession(ctx context.Context, sessionID string) (*SessionMetadata, error)
	MutateSession(ctx context.Context, sessionID string, mutate func(meta *SessionMetadata) error) error
	TouchSession(ctx context.Context, sessionID string) error
	DeleteSession(ctx context.Context, sessionID string) error
}
