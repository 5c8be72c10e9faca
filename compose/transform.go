package compose

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mcpkit/compose-go/mcp"
	"github.com/mcpkit/compose-go/sessions"
	"github.com/mcpkit/compose-go/tasks"
)

// AddResourcePrefix inserts prefix as the first path segment of a resource
// URI: "scheme://path" becomes "scheme://prefix/path". A remainder that is
// itself an absolute path keeps its leading slash, so "scheme:///abs"
// becomes "scheme://prefix//abs" and the original is recoverable. An empty
// prefix returns the URI unchanged.
func AddResourcePrefix(uri, prefix string) (string, error) {
	scheme, rest, err := splitResourceURI(uri)
	if err != nil {
		return "", err
	}
	if prefix == "" {
		return uri, nil
	}
	return scheme + "://" + prefix + "/" + rest, nil
}

// RemoveResourcePrefix undoes AddResourcePrefix. A URI that does not carry
// the prefix is returned unchanged.
func RemoveResourcePrefix(uri, prefix string) (string, error) {
	scheme, rest, err := splitResourceURI(uri)
	if err != nil {
		return "", err
	}
	if prefix == "" {
		return uri, nil
	}
	if !strings.HasPrefix(rest, prefix+"/") {
		return uri, nil
	}
	return scheme + "://" + rest[len(prefix)+1:], nil
}

// HasResourcePrefix reports whether the URI's first path segment is prefix.
func HasResourcePrefix(uri, prefix string) (bool, error) {
	_, rest, err := splitResourceURI(uri)
	if err != nil {
		return false, err
	}
	if prefix == "" {
		return false, nil
	}
	return strings.HasPrefix(rest, prefix+"/"), nil
}

func splitResourceURI(uri string) (scheme, rest string, err error) {
	i := strings.Index(uri, "://")
	if i < 0 {
		return "", "", &URIFormatError{URI: uri}
	}
	return uri[:i], uri[i+3:], nil
}

// TransformOption configures one rewriting rule of a transforming provider.
type TransformOption func(*transformer) error

// Namespace prefixes tool and prompt names with "ns_" and inserts ns as the
// first path segment of resource and template URIs. Wrapping an already
// transformed provider stacks: the innermost namespace is applied first, so
// namespaces compose outermost-last ("B_A_t").
func Namespace(ns string) TransformOption {
	return func(t *transformer) error {
		if ns == "" {
			return errors.New("namespace must not be empty")
		}
		if t.ns != "" {
			return fmt.Errorf("namespace already set to %q; wrap again to stack", t.ns)
		}
		t.ns = ns
		return nil
	}
}

// RenameTool maps one inner tool name to a new public name. The rename takes
// precedence over the namespace rule for that tool, and the inner name stops
// resolving under any other spelling.
func RenameTool(from, to string) TransformOption {
	return func(t *transformer) error {
		if from == "" || to == "" {
			return errors.New("rename requires a source and a target name")
		}
		if prev, ok := t.renames[from]; ok && prev != to {
			return fmt.Errorf("tool %q already renamed to %q", from, prev)
		}
		t.renames[from] = to
		return nil
	}
}

// WithTransforms wraps a provider so that every identity is rewritten on the
// way out and every lookup is rewritten back on the way in. Lifecycle and
// change signals pass through to the wrapped provider. Construction fails on
// conflicting rules, e.g. two renames targeting the same public name.
func WithTransforms(p Provider, opts ...TransformOption) (Provider, error) {
	if p == nil {
		return nil, errors.New("transform requires a provider")
	}
	t := &transformer{inner: p, renames: make(map[string]string)}
	for _, opt := range opts {
		if err := opt(t); err != nil {
			return nil, err
		}
	}
	t.reverse = make(map[string]string, len(t.renames))
	for from, to := range t.renames {
		if prev, ok := t.reverse[to]; ok {
			return nil, fmt.Errorf("duplicate rename target %q (from %q and %q)", to, prev, from)
		}
		t.reverse[to] = from
	}
	return t, nil
}

// WithNamespace is shorthand for WithTransforms(p, Namespace(ns)).
func WithNamespace(p Provider, ns string) (Provider, error) {
	return WithTransforms(p, Namespace(ns))
}

// transformer rewrites component identities around an inner provider.
// Wrapped components are fresh values; the inner provider's components are
// never mutated.
type transformer struct {
	inner   Provider
	ns      string
	renames map[string]string // inner tool name -> public name
	reverse map[string]string // public name -> inner tool name
}

var _ Provider = (*transformer)(nil)

func (t *transformer) List(ctx context.Context, kind Kind) ([]Component, error) {
	comps, err := t.inner.List(ctx, kind)
	if err != nil {
		return nil, err
	}
	out := make([]Component, 0, len(comps))
	for _, c := range comps {
		wrapped, err := t.wrap(c)
		if err != nil {
			return nil, err
		}
		out = append(out, wrapped)
	}
	return out, nil
}

func (t *transformer) Get(ctx context.Context, kind Kind, id string) (Component, bool, error) {
	innerID, ok := t.innerID(kind, id)
	if !ok {
		// A name this transform could not have produced never resolves,
		// even if the inner provider happens to serve it raw.
		return nil, false, nil
	}
	c, found, err := t.inner.Get(ctx, kind, innerID)
	if err != nil {
		var disabled *DisabledError
		if errors.As(err, &disabled) {
			// Re-scope the inner identity so callers see the name they used.
			return nil, false, &DisabledError{Kind: kind, ID: id}
		}
		return nil, false, err
	}
	if !found {
		return nil, false, nil
	}
	wrapped, err := t.wrap(c)
	if err != nil {
		return nil, false, err
	}
	return wrapped, true, nil
}

// Start implements Lifecycle by passing through to the inner provider.
func (t *transformer) Start(ctx context.Context) error {
	if lc, ok := t.inner.(Lifecycle); ok {
		return lc.Start(ctx)
	}
	return nil
}

// Close implements Lifecycle by passing through to the inner provider.
func (t *transformer) Close(ctx context.Context) error {
	if lc, ok := t.inner.(Lifecycle); ok {
		return lc.Close(ctx)
	}
	return nil
}

// ChangeNotifier implements ChangeWatcher by passing through to the inner
// provider; a rename or namespace never changes when a catalogue changes.
func (t *transformer) ChangeNotifier(kind Kind) *ChangeNotifier {
	if w, ok := t.inner.(ChangeWatcher); ok {
		return w.ChangeNotifier(kind)
	}
	return nil
}

// publicToolName maps an inner tool name to its public spelling.
func (t *transformer) publicToolName(name string) string {
	if to, ok := t.renames[name]; ok {
		return to
	}
	if t.ns != "" {
		return t.ns + "_" + name
	}
	return name
}

// innerToolName maps a public tool name back to the inner spelling. ok is
// false for names this transform cannot produce: unprefixed names when a
// namespace is set, and raw spellings of renamed tools.
func (t *transformer) innerToolName(public string) (string, bool) {
	if from, ok := t.reverse[public]; ok {
		return from, true
	}
	if t.ns != "" {
		inner, ok := strings.CutPrefix(public, t.ns+"_")
		if !ok {
			return "", false
		}
		if _, renamed := t.renames[inner]; renamed {
			return "", false
		}
		return inner, true
	}
	if _, renamed := t.renames[public]; renamed {
		return "", false
	}
	return public, true
}

// innerID maps a public id of any kind back to the inner id.
func (t *transformer) innerID(kind Kind, id string) (string, bool) {
	switch kind {
	case KindTool:
		return t.innerToolName(id)
	case KindPrompt:
		if t.ns == "" {
			return id, true
		}
		return strings.CutPrefix(id, t.ns+"_")
	case KindResource, KindTemplate:
		if t.ns == "" {
			return id, true
		}
		has, err := HasResourcePrefix(id, t.ns)
		if err != nil || !has {
			return "", false
		}
		inner, err := RemoveResourcePrefix(id, t.ns)
		if err != nil {
			return "", false
		}
		return inner, true
	}
	return "", false
}

func (t *transformer) wrap(c Component) (Component, error) {
	switch cc := c.(type) {
	case *Tool:
		return t.wrapTool(cc), nil
	case *Prompt:
		return t.wrapPrompt(cc), nil
	case *Resource:
		return t.wrapResource(cc)
	case *ResourceTemplate:
		return t.wrapTemplate(cc)
	}
	// Unknown component implementations pass through untransformed.
	return c, nil
}

func (t *transformer) wrapTool(in *Tool) *Tool {
	public := t.publicToolName(in.Descriptor.Name)
	if public == in.Descriptor.Name {
		return in
	}
	inner := in.Descriptor.Name
	out := &Tool{Descriptor: in.Descriptor, Tags: in.Tags, Tasks: in.Tasks}
	out.Descriptor.Name = public
	if fwd := in.Forward; fwd != nil {
		out.Forward = func(ctx context.Context, session sessions.Session, req *mcp.CallToolRequestReceived, meta *tasks.Meta) (*mcp.CallToolResult, *tasks.Handle, error) {
			r := *req
			r.Name = inner
			return fwd(ctx, session, &r, meta)
		}
		return out
	}
	h := in.Handler
	out.Handler = func(ctx context.Context, session sessions.Session, req *mcp.CallToolRequestReceived) (*mcp.CallToolResult, error) {
		r := *req
		r.Name = inner
		return h(ctx, session, &r)
	}
	return out
}

func (t *transformer) wrapPrompt(in *Prompt) *Prompt {
	if t.ns == "" {
		return in
	}
	inner := in.Descriptor.Name
	out := &Prompt{Descriptor: in.Descriptor, Tags: in.Tags, Tasks: in.Tasks}
	out.Descriptor.Name = t.ns + "_" + inner
	if fwd := in.Forward; fwd != nil {
		out.Forward = func(ctx context.Context, session sessions.Session, req *mcp.GetPromptRequestReceived, meta *tasks.Meta) (*mcp.GetPromptResult, *tasks.Handle, error) {
			r := *req
			r.Name = inner
			return fwd(ctx, session, &r, meta)
		}
		return out
	}
	h := in.Handler
	out.Handler = func(ctx context.Context, session sessions.Session, req *mcp.GetPromptRequestReceived) (*mcp.GetPromptResult, error) {
		r := *req
		r.Name = inner
		return h(ctx, session, &r)
	}
	return out
}

func (t *transformer) wrapResource(in *Resource) (*Resource, error) {
	if t.ns == "" {
		return in, nil
	}
	public, err := AddResourcePrefix(in.Descriptor.URI, t.ns)
	if err != nil {
		return nil, err
	}
	out := &Resource{Descriptor: in.Descriptor, Tags: in.Tags, Tasks: in.Tasks}
	out.Descriptor.URI = public
	ns := t.ns
	if fwd := in.Forward; fwd != nil {
		out.Forward = func(ctx context.Context, session sessions.Session, uri string, meta *tasks.Meta) (*mcp.ReadResourceResult, *tasks.Handle, error) {
			innerURI, err := RemoveResourcePrefix(uri, ns)
			if err != nil {
				return nil, nil, err
			}
			return fwd(ctx, session, innerURI, meta)
		}
		return out, nil
	}
	h := in.Handler
	out.Handler = func(ctx context.Context, session sessions.Session, uri string) (*mcp.ReadResourceResult, error) {
		innerURI, err := RemoveResourcePrefix(uri, ns)
		if err != nil {
			return nil, err
		}
		return h(ctx, session, innerURI)
	}
	return out, nil
}

func (t *transformer) wrapTemplate(in *ResourceTemplate) (*ResourceTemplate, error) {
	if t.ns == "" {
		return in, nil
	}
	public, err := AddResourcePrefix(in.Descriptor.URITemplate, t.ns)
	if err != nil {
		return nil, err
	}
	out := &ResourceTemplate{Descriptor: in.Descriptor, Tags: in.Tags, Tasks: in.Tasks}
	out.Descriptor.URITemplate = public
	ns := t.ns
	if fwd := in.Forward; fwd != nil {
		out.Forward = func(ctx context.Context, session sessions.Session, uri string, meta *tasks.Meta) (*mcp.ReadResourceResult, *tasks.Handle, error) {
			innerURI, err := RemoveResourcePrefix(uri, ns)
			if err != nil {
				return nil, nil, err
			}
			return fwd(ctx, session, innerURI, meta)
		}
		return out, nil
	}
	h := in.Handler
	out.Handler = func(ctx context.Context, session sessions.Session, uri string) (*mcp.ReadResourceResult, error) {
		innerURI, err := RemoveResourcePrefix(uri, ns)
		if err != nil {
			return nil, err
		}
		return h(ctx, session, innerURI)
	}
	return out, nil
}
