// Package proxy adapts a remote MCP server into a compose.Provider. The
// remote catalogue is served through the official modelcontextprotocol go-sdk
// client: listings drain the remote's paged list endpoints, lookups scan the
// listings, and invocations forward to the remote, whose own middleware and
// visibility rules apply.
//
// Background execution does not federate. A task-augmented request against a
// proxied component fails with a tasks.ModeError before anything is sent to
// the remote.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/mcpkit/compose-go/compose"
	"github.com/mcpkit/compose-go/mcp"
	"github.com/mcpkit/compose-go/sessions"
	"github.com/mcpkit/compose-go/tasks"
)

// Option configures a proxy connection.
type Option func(*options)

type options struct {
	info      sdk.Implementation
	logger    *slog.Logger
	tags      []string
	keepAlive time.Duration
}

// WithClientInfo sets the implementation identity announced to the remote
// during the initialize handshake.
func WithClientInfo(name, version string) Option {
	return func(o *options) { o.info = sdk.Implementation{Name: name, Version: version} }
}

// WithLogger sets the logger used for per-component conversion failures.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithTags attaches filterable tags to every component the proxy serves, so
// a composing server's visibility filter can address the remote catalogue as
// a group.
func WithTags(tags ...string) Option {
	return func(o *options) { o.tags = append(o.tags, tags...) }
}

// WithKeepAlive enables protocol-level pings on the client session at the
// given interval.
func WithKeepAlive(interval time.Duration) Option {
	return func(o *options) { o.keepAlive = interval }
}

// Remote is a Provider backed by a live client session to another MCP
// server. It implements Lifecycle (Close tears the session down) and
// ChangeWatcher (remote list-changed notifications re-emit locally).
type Remote struct {
	client  *sdk.Client
	session *sdk.ClientSession
	logger  *slog.Logger
	tags    []string

	toolChanges     compose.ChangeNotifier
	promptChanges   compose.ChangeNotifier
	resourceChanges compose.ChangeNotifier
}

var (
	_ compose.Provider      = (*Remote)(nil)
	_ compose.Lifecycle     = (*Remote)(nil)
	_ compose.ChangeWatcher = (*Remote)(nil)
)

// Connect dials a remote MCP server over the given transport and returns a
// provider serving its catalogue. The handshake runs eagerly so a returned
// Remote is immediately listable.
func Connect(ctx context.Context, transport sdk.Transport, opts ...Option) (*Remote, error) {
	if transport == nil {
		return nil, errors.New("proxy requires a transport")
	}
	cfg := options{
		info:   sdk.Implementation{Name: "compose-proxy", Version: "0.0.1"},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	r := &Remote{logger: cfg.logger, tags: cfg.tags}
	clientOpts := &sdk.ClientOptions{
		KeepAlive: cfg.keepAlive,
		ToolListChangedHandler: func(ctx context.Context, _ *sdk.ToolListChangedRequest) {
			_ = r.toolChanges.Notify(ctx)
		},
		PromptListChangedHandler: func(ctx context.Context, _ *sdk.PromptListChangedRequest) {
			_ = r.promptChanges.Notify(ctx)
		},
		ResourceListChangedHandler: func(ctx context.Context, _ *sdk.ResourceListChangedRequest) {
			_ = r.resourceChanges.Notify(ctx)
		},
	}
	client := sdk.NewClient(&cfg.info, clientOpts)
	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("proxy connect: %w", err)
	}
	r.client, r.session = client, session
	return r, nil
}

// SessionID returns the transport-negotiated session identifier, when the
// transport carries one.
func (r *Remote) SessionID() string { return r.session.ID() }

// List implements Provider by draining the remote's paged listings.
func (r *Remote) List(ctx context.Context, kind compose.Kind) ([]compose.Component, error) {
	switch kind {
	case compose.KindTool:
		return r.listTools(ctx)
	case compose.KindPrompt:
		return r.listPrompts(ctx)
	case compose.KindResource:
		return r.listResources(ctx)
	case compose.KindTemplate:
		return r.listTemplates(ctx)
	}
	return nil, nil
}

// Get implements Provider. The remote protocol has no direct lookup, so the
// id is matched against a fresh listing; templates also match concrete URIs
// that expand them.
func (r *Remote) Get(ctx context.Context, kind compose.Kind, id string) (compose.Component, bool, error) {
	comps, err := r.List(ctx, kind)
	if err != nil {
		return nil, false, err
	}
	for _, c := range comps {
		if c.ComponentID() == id {
			return c, true, nil
		}
		if t, ok := c.(*compose.ResourceTemplate); ok && t.Matches(id) {
			return c, true, nil
		}
	}
	return nil, false, nil
}

// Start implements Lifecycle. The session already exists; Start verifies it
// is still alive so a composing server fails fast on a dead remote.
func (r *Remote) Start(ctx context.Context) error {
	if err := r.session.Ping(ctx, nil); err != nil {
		return fmt.Errorf("proxy ping: %w", err)
	}
	return nil
}

// Close implements Lifecycle: it tears the client session down and closes
// the re-emitted change notifiers so downstream subscribers unblock.
func (r *Remote) Close(ctx context.Context) error {
	done := make(chan struct{})
	var closeErr error
	go func() {
		closeErr = r.session.Close()
		close(done)
	}()
	defer func() {
		r.toolChanges.Close()
		r.promptChanges.Close()
		r.resourceChanges.Close()
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return closeErr
	}
}

// ChangeNotifier implements ChangeWatcher. Templates never signal: the
// protocol has no templates list-changed notification.
func (r *Remote) ChangeNotifier(kind compose.Kind) *compose.ChangeNotifier {
	switch kind {
	case compose.KindTool:
		return &r.toolChanges
	case compose.KindPrompt:
		return &r.promptChanges
	case compose.KindResource:
		return &r.resourceChanges
	}
	return nil
}

func (r *Remote) listTools(ctx context.Context) ([]compose.Component, error) {
	var out []compose.Component
	cursor := ""
	for {
		res, err := r.session.ListTools(ctx, &sdk.ListToolsParams{Cursor: cursor})
		if err != nil {
			return nil, fmt.Errorf("proxy list tools: %w", err)
		}
		for _, t := range res.Tools {
			c, err := r.toolComponent(t)
			if err != nil {
				r.logger.Debug("proxy.convert.skip",
					slog.String("kind", "tool"),
					slog.String("id", t.Name),
					slog.String("err", err.Error()))
				continue
			}
			out = append(out, c)
		}
		if res.NextCursor == "" {
			return out, nil
		}
		cursor = res.NextCursor
	}
}

func (r *Remote) listPrompts(ctx context.Context) ([]compose.Component, error) {
	var out []compose.Component
	cursor := ""
	for {
		res, err := r.session.ListPrompts(ctx, &sdk.ListPromptsParams{Cursor: cursor})
		if err != nil {
			return nil, fmt.Errorf("proxy list prompts: %w", err)
		}
		for _, p := range res.Prompts {
			c, err := r.promptComponent(p)
			if err != nil {
				r.logger.Debug("proxy.convert.skip",
					slog.String("kind", "prompt"),
					slog.String("id", p.Name),
					slog.String("err", err.Error()))
				continue
			}
			out = append(out, c)
		}
		if res.NextCursor == "" {
			return out, nil
		}
		cursor = res.NextCursor
	}
}

func (r *Remote) listResources(ctx context.Context) ([]compose.Component, error) {
	var out []compose.Component
	cursor := ""
	for {
		res, err := r.session.ListResources(ctx, &sdk.ListResourcesParams{Cursor: cursor})
		if err != nil {
			return nil, fmt.Errorf("proxy list resources: %w", err)
		}
		for _, rs := range res.Resources {
			c, err := r.resourceComponent(rs)
			if err != nil {
				r.logger.Debug("proxy.convert.skip",
					slog.String("kind", "resource"),
					slog.String("id", rs.URI),
					slog.String("err", err.Error()))
				continue
			}
			out = append(out, c)
		}
		if res.NextCursor == "" {
			return out, nil
		}
		cursor = res.NextCursor
	}
}

func (r *Remote) listTemplates(ctx context.Context) ([]compose.Component, error) {
	var out []compose.Component
	cursor := ""
	for {
		res, err := r.session.ListResourceTemplates(ctx, &sdk.ListResourceTemplatesParams{Cursor: cursor})
		if err != nil {
			return nil, fmt.Errorf("proxy list templates: %w", err)
		}
		for _, t := range res.ResourceTemplates {
			c, err := r.templateComponent(t)
			if err != nil {
				r.logger.Debug("proxy.convert.skip",
					slog.String("kind", "template"),
					slog.String("id", t.URITemplate),
					slog.String("err", err.Error()))
				continue
			}
			out = append(out, c)
		}
		if res.NextCursor == "" {
			return out, nil
		}
		cursor = res.NextCursor
	}
}

func (r *Remote) toolComponent(t *sdk.Tool) (*compose.Tool, error) {
	desc, err := convert[mcp.Tool](t)
	if err != nil {
		return nil, err
	}
	return &compose.Tool{
		Descriptor: desc,
		Tags:       r.tags,
		Forward: func(ctx context.Context, _ sessions.Session, req *mcp.CallToolRequestReceived, meta *tasks.Meta) (*mcp.CallToolResult, *tasks.Handle, error) {
			if meta != nil {
				return nil, nil, &tasks.ModeError{Key: compose.Key(compose.KindTool, req.Name), Mode: tasks.ModeForbidden}
			}
			res, err := r.session.CallTool(ctx, &sdk.CallToolParams{Name: req.Name, Arguments: req.Arguments})
			if err != nil {
				return nil, nil, fmt.Errorf("proxy call %q: %w", req.Name, err)
			}
			out, err := convert[mcp.CallToolResult](res)
			if err != nil {
				return nil, nil, fmt.Errorf("proxy call %q: convert result: %w", req.Name, err)
			}
			return &out, nil, nil
		},
	}, nil
}

func (r *Remote) promptComponent(p *sdk.Prompt) (*compose.Prompt, error) {
	desc, err := convert[mcp.Prompt](p)
	if err != nil {
		return nil, err
	}
	return &compose.Prompt{
		Descriptor: desc,
		Tags:       r.tags,
		Forward: func(ctx context.Context, _ sessions.Session, req *mcp.GetPromptRequestReceived, meta *tasks.Meta) (*mcp.GetPromptResult, *tasks.Handle, error) {
			if meta != nil {
				return nil, nil, &tasks.ModeError{Key: compose.Key(compose.KindPrompt, req.Name), Mode: tasks.ModeForbidden}
			}
			res, err := r.session.GetPrompt(ctx, &sdk.GetPromptParams{Name: req.Name, Arguments: promptArguments(req.Arguments)})
			if err != nil {
				return nil, nil, fmt.Errorf("proxy prompt %q: %w", req.Name, err)
			}
			out, err := convertPromptResult(res)
			if err != nil {
				return nil, nil, fmt.Errorf("proxy prompt %q: convert result: %w", req.Name, err)
			}
			return out, nil, nil
		},
	}, nil
}

func (r *Remote) resourceComponent(res *sdk.Resource) (*compose.Resource, error) {
	desc, err := convert[mcp.Resource](res)
	if err != nil {
		return nil, err
	}
	return &compose.Resource{
		Descriptor: desc,
		Tags:       r.tags,
		Forward:    r.readForwarder(compose.KindResource),
	}, nil
}

func (r *Remote) templateComponent(t *sdk.ResourceTemplate) (*compose.ResourceTemplate, error) {
	desc, err := convert[mcp.ResourceTemplate](t)
	if err != nil {
		return nil, err
	}
	return &compose.ResourceTemplate{
		Descriptor: desc,
		Tags:       r.tags,
		Forward:    r.readForwarder(compose.KindTemplate),
	}, nil
}

func (r *Remote) readForwarder(kind compose.Kind) compose.ResourceForwarder {
	return func(ctx context.Context, _ sessions.Session, uri string, meta *tasks.Meta) (*mcp.ReadResourceResult, *tasks.Handle, error) {
		if meta != nil {
			return nil, nil, &tasks.ModeError{Key: compose.Key(kind, uri), Mode: tasks.ModeForbidden}
		}
		res, err := r.session.ReadResource(ctx, &sdk.ReadResourceParams{URI: uri})
		if err != nil {
			return nil, nil, fmt.Errorf("proxy read %q: %w", uri, err)
		}
		out, err := convert[mcp.ReadResourceResult](res)
		if err != nil {
			return nil, nil, fmt.Errorf("proxy read %q: convert result: %w", uri, err)
		}
		return &out, nil, nil
	}
}

// convert maps between the SDK's wire structs and this module's through
// their shared canonical JSON form.
func convert[T any](v any) (T, error) {
	var out T
	raw, err := json.Marshal(v)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, err
	}
	return out, nil
}

// convertPromptResult maps a remote prompt rendering. The SDK models each
// message's content as a single block; this module's wire structs carry a
// block list.
func convertPromptResult(res *sdk.GetPromptResult) (*mcp.GetPromptResult, error) {
	out := &mcp.GetPromptResult{Description: res.Description}
	for _, m := range res.Messages {
		if m == nil {
			continue
		}
		block, err := convert[mcp.ContentBlock](m.Content)
		if err != nil {
			return nil, err
		}
		out.Messages = append(out.Messages, mcp.PromptMessage{
			Role:    mcp.Role(m.Role),
			Content: []mcp.ContentBlock{block},
		})
	}
	return out, nil
}

// promptArguments flattens raw JSON prompt arguments into the string map the
// protocol defines. JSON strings are unquoted; anything else keeps its raw
// encoding.
func promptArguments(args map[string]json.RawMessage) map[string]string {
	if len(args) == 0 {
		return nil
	}
	out := make(map[string]string, len(args))
	for k, raw := range args {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			out[k] = s
			continue
		}
		out[k] = string(raw)
	}
	return out
}
