package logctx

import (
	"context"
	"log/slog"

	"github.com/mcpkit/compose-go/sessions"
)

type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if rd, ok := ctx.Value(requestDataKey{}).(*RequestData); ok {
		r.AddAttrs(slog.Group("req",
			slog.String("id", rd.RequestID),
			slog.String("method", rd.Method),
			slog.String("user_agent", rd.UserAgent),
			slog.String("remote_addr", rd.RemoteAddr),
			slog.String("path", rd.Path),
		))
	}

	if sd, ok := ctx.Value(sessionDataKey{}).(*SessionData); ok {
		r.AddAttrs(slog.Group("sess",
			slog.String("id", sd.SessionID),
			slog.String("user_id", sd.UserID),
			slog.String("protocol_version", sd.ProtocolVersion),
			slog.String("state", string(sd.State)),
		))
	}

	if msg, ok := ctx.Value(rpcMsg{}).(*RPCMessage); ok {
		r.AddAttrs(slog.Group("rpc",
			slog.String("method", msg.Method),
			slog.String("id", msg.ID),
			slog.String("type", msg.Type),
		))
	}

	if cd, ok := ctx.Value(componentDataKey{}).(*ComponentData); ok {
		r.AddAttrs(slog.Group("component",
			slog.String("kind", cd.Kind),
			slog.String("id", cd.ID),
		))
	}

	if td, ok := ctx.Value(taskDataKey{}).(*TaskData); ok {
		r.AddAttrs(slog.Group("task",
			slog.String("id", td.TaskID),
			slog.String("fn_key", td.FnKey),
		))
	}

	return h.Handler.Handle(ctx, r)
}

type rpcMsg struct{}

type RPCMessage struct {
	Method string
	ID     string
	Type   string
}

func WithRPCMessage(ctx context.Context, msg *RPCMessage) context.Context {
	return context.WithValue(ctx, rpcMsg{}, msg)
}

type requestDataKey struct{}

type RequestData struct {
	RequestID  string
	Method     string
	UserAgent  string
	RemoteAddr string
	Path       string
}

func WithRequestData(ctx context.Context, data *RequestData) context.Context {
	return context.WithValue(ctx, requestDataKey{}, data)
}

type sessionDataKey struct{}

type SessionData struct {
	SessionID       string
	UserID          string
	ProtocolVersion string
	State           sessions.SessionState
}

func WithSessionData(ctx context.Context, data *SessionData) context.Context {
	return context.WithValue(ctx, sessionDataKey{}, data)
}

type componentDataKey struct{}

// ComponentData identifies the catalogue component a log record concerns.
type ComponentData struct {
	Kind string
	ID   string
}

func WithComponentData(ctx context.Context, data *ComponentData) context.Context {
	return context.WithValue(ctx, componentDataKey{}, data)
}

type taskDataKey struct{}

// TaskData identifies the background task a log record concerns.
type TaskData struct {
	TaskID string
	FnKey  string
}

func WithTaskData(ctx context.Context, data *TaskData) context.Context {
	return context.WithValue(ctx, taskDataKey{}, data)
}
