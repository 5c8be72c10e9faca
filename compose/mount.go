package compose

import (
	"context"
	"errors"

	"github.com/mcpkit/compose-go/mcp"
	"github.com/mcpkit/compose-go/sessions"
	"github.com/mcpkit/compose-go/tasks"
)

// MountOption configures how an inner server is composed.
type MountOption func(*mountConfig)

type mountConfig struct {
	ns      string
	renames [][2]string
}

// MountNamespace prefixes everything the inner server exposes, the same way
// Namespace does for a plain provider.
func MountNamespace(ns string) MountOption {
	return func(c *mountConfig) { c.ns = ns }
}

// MountRenameTool renames one of the inner server's tools on the way out,
// taking precedence over the mount namespace.
func MountRenameTool(from, to string) MountOption {
	return func(c *mountConfig) { c.renames = append(c.renames, [2]string{from, to}) }
}

// Mount adapts a whole server into a provider. Listings and lookups go
// through the inner server's public catalogue entry points, so its own
// middleware chain and visibility filter always run; invocations forward the
// caller's session and task metadata, so the inner server performs its own
// mode enforcement and task submission under its own keyspace.
//
// When inner submits background work, the resulting fnKey belongs to inner's
// catalogue. A shared task runner therefore needs inner's TaskInvoker in its
// resolver chain alongside the outer server's.
func Mount(inner *Server, opts ...MountOption) (Provider, error) {
	if inner == nil {
		return nil, errors.New("mount requires a server")
	}
	var cfg mountConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	var p Provider = &mountProvider{inner: inner}
	if cfg.ns == "" && len(cfg.renames) == 0 {
		return p, nil
	}
	topts := make([]TransformOption, 0, 1+len(cfg.renames))
	if cfg.ns != "" {
		topts = append(topts, Namespace(cfg.ns))
	}
	for _, rn := range cfg.renames {
		topts = append(topts, RenameTool(rn[0], rn[1]))
	}
	return WithTransforms(p, topts...)
}

// mountProvider delegates to an embedded server.
type mountProvider struct {
	inner *Server
}

var _ Provider = (*mountProvider)(nil)
var _ Lifecycle = (*mountProvider)(nil)
var _ ChangeWatcher = (*mountProvider)(nil)

func (m *mountProvider) List(ctx context.Context, kind Kind) ([]Component, error) {
	switch kind {
	case KindTool:
		return m.listTools(ctx)
	case KindPrompt:
		return m.listPrompts(ctx)
	case KindResource:
		return m.listResources(ctx)
	case KindTemplate:
		return m.listTemplates(ctx)
	}
	return nil, nil
}

func (m *mountProvider) Get(ctx context.Context, kind Kind, id string) (Component, bool, error) {
	c, ok, err := m.inner.ResolveComponent(ctx, kind, id)
	if err != nil || !ok {
		return nil, false, err
	}
	return m.wrapComponent(c), true, nil
}

// Start implements Lifecycle by starting the embedded server's providers.
func (m *mountProvider) Start(ctx context.Context) error {
	return m.inner.Start(ctx)
}

// Close implements Lifecycle by closing the embedded server.
func (m *mountProvider) Close(ctx context.Context) error {
	return m.inner.Close(ctx)
}

// ChangeNotifier surfaces the embedded server's aggregated change signals.
func (m *mountProvider) ChangeNotifier(kind Kind) *ChangeNotifier {
	return m.inner.ChangeNotifier(kind)
}

// listTools drains the inner server's public tool listing — running its
// middleware chain and filter — then re-resolves each entry to recover the
// full component. Entries that vanish mid-walk are skipped.
func (m *mountProvider) listTools(ctx context.Context) ([]Component, error) {
	var out []Component
	var cursor *string
	for {
		page, err := m.inner.ListTools(ctx, nil, cursor)
		if err != nil {
			return nil, err
		}
		for _, desc := range page.Items {
			c, ok, err := m.inner.ResolveComponent(ctx, KindTool, desc.Name)
			if err != nil || !ok {
				continue
			}
			out = append(out, m.wrapComponent(c))
		}
		if page.NextCursor == nil {
			return out, nil
		}
		cursor = page.NextCursor
	}
}

func (m *mountProvider) listPrompts(ctx context.Context) ([]Component, error) {
	var out []Component
	var cursor *string
	for {
		page, err := m.inner.ListPrompts(ctx, nil, cursor)
		if err != nil {
			return nil, err
		}
		for _, desc := range page.Items {
			c, ok, err := m.inner.ResolveComponent(ctx, KindPrompt, desc.Name)
			if err != nil || !ok {
				continue
			}
			out = append(out, m.wrapComponent(c))
		}
		if page.NextCursor == nil {
			return out, nil
		}
		cursor = page.NextCursor
	}
}

func (m *mountProvider) listResources(ctx context.Context) ([]Component, error) {
	var out []Component
	var cursor *string
	for {
		page, err := m.inner.ListResources(ctx, nil, cursor)
		if err != nil {
			return nil, err
		}
		for _, desc := range page.Items {
			c, ok, err := m.inner.ResolveComponent(ctx, KindResource, desc.URI)
			if err != nil || !ok {
				continue
			}
			out = append(out, m.wrapComponent(c))
		}
		if page.NextCursor == nil {
			return out, nil
		}
		cursor = page.NextCursor
	}
}

func (m *mountProvider) listTemplates(ctx context.Context) ([]Component, error) {
	var out []Component
	var cursor *string
	for {
		page, err := m.inner.ListResourceTemplates(ctx, nil, cursor)
		if err != nil {
			return nil, err
		}
		for _, desc := range page.Items {
			c, ok, err := m.inner.ResolveComponent(ctx, KindTemplate, desc.URITemplate)
			if err != nil || !ok {
				continue
			}
			out = append(out, m.wrapComponent(c))
		}
		if page.NextCursor == nil {
			return out, nil
		}
		cursor = page.NextCursor
	}
}

// wrapComponent rebuilds a component so its invocation forwards into the
// inner server's public entry points. The inner server stays authoritative
// for mode checks, task submission and fnKey enrichment.
func (m *mountProvider) wrapComponent(c Component) Component {
	inner := m.inner
	switch cc := c.(type) {
	case *Tool:
		return &Tool{
			Descriptor: cc.Descriptor,
			Tags:       cc.Tags,
			Tasks:      cc.Tasks,
			Forward: func(ctx context.Context, session sessions.Session, req *mcp.CallToolRequestReceived, meta *tasks.Meta) (*mcp.CallToolResult, *tasks.Handle, error) {
				return inner.CallTool(ctx, session, req, meta)
			},
		}
	case *Prompt:
		return &Prompt{
			Descriptor: cc.Descriptor,
			Tags:       cc.Tags,
			Tasks:      cc.Tasks,
			Forward: func(ctx context.Context, session sessions.Session, req *mcp.GetPromptRequestReceived, meta *tasks.Meta) (*mcp.GetPromptResult, *tasks.Handle, error) {
				return inner.GetPrompt(ctx, session, req, meta)
			},
		}
	case *Resource:
		return &Resource{
			Descriptor: cc.Descriptor,
			Tags:       cc.Tags,
			Tasks:      cc.Tasks,
			Forward: func(ctx context.Context, session sessions.Session, uri string, meta *tasks.Meta) (*mcp.ReadResourceResult, *tasks.Handle, error) {
				return inner.ReadResource(ctx, session, uri, meta)
			},
		}
	case *ResourceTemplate:
		return &ResourceTemplate{
			Descriptor: cc.Descriptor,
			Tags:       cc.Tags,
			Tasks:      cc.Tasks,
			Forward: func(ctx context.Context, session sessions.Session, uri string, meta *tasks.Meta) (*mcp.ReadResourceResult, *tasks.Handle, error) {
				return inner.ReadResource(ctx, session, uri, meta)
			},
		}
	}
	return c
}
