package compose

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mcpkit/compose-go/sessions"
	"github.com/mcpkit/compose-go/tasks"
)

// Request describes one catalogue or invocation operation flowing through
// the middleware chain.
type Request struct {
	// Method is the protocol method being served, e.g. "tools/call".
	Method string
	Kind   Kind
	// ID is the target component id; empty for listings.
	ID string
	// Session is the caller's session; nil for background replays.
	Session sessions.Session
	// Args is the method-specific payload: the received request for
	// invocations, the page cursor for listings.
	Args any
	// Meta carries task metadata for task-augmented invocations; nil for
	// synchronous requests.
	Meta *tasks.Meta
}

// Handler is the continuation a middleware wraps. The core server logic is
// the innermost handler.
type Handler func(ctx context.Context, req *Request) (any, error)

// Middleware wraps a handler with logic that runs before the continuation,
// after it, or both. A middleware that declines to call next short-circuits
// the operation; its error propagates outward unmodified.
type Middleware func(next Handler) Handler

// chain composes middleware around core, first-registered outermost.
func chain(mw []Middleware, core Handler) Handler {
	h := core
	for i := len(mw) - 1; i >= 0; i-- {
		h = mw[i](h)
	}
	return h
}

// RequestLogging returns a middleware that logs one line per operation with
// the method, target and duration.
func RequestLogging(log *slog.Logger) Middleware {
	if log == nil {
		log = slog.Default()
	}
	return func(next Handler) Handler {
		return func(ctx context.Context, req *Request) (any, error) {
			start := time.Now()
			res, err := next(ctx, req)

			l := log.With(
				slog.String("method", req.Method),
				slog.String("kind", string(req.Kind)),
				slog.Int64("dur_ms", time.Since(start).Milliseconds()),
			)
			if req.ID != "" {
				l = l.With(slog.String("component", req.ID))
			}
			if err != nil {
				l.WarnContext(ctx, "compose.request.fail", slog.String("err", err.Error()))
				return res, err
			}
			l.InfoContext(ctx, "compose.request.ok")
			return res, nil
		}
	}
}

// Recovery returns a middleware that converts a panicking handler into an
// error so one misbehaving component cannot take down the transport.
func Recovery(log *slog.Logger) Middleware {
	if log == nil {
		log = slog.Default()
	}
	return func(next Handler) Handler {
		return func(ctx context.Context, req *Request) (res any, err error) {
			defer func() {
				if r := recover(); r != nil {
					log.ErrorContext(ctx, "compose.request.panic",
						slog.String("method", req.Method),
						slog.String("component", req.ID),
						slog.Any("panic", r),
					)
					res = nil
					err = fmt.Errorf("%s: internal error", req.Method)
				}
			}()
			return next(ctx, req)
		}
	}
}
