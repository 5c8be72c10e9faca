package compose

import (
	"context"
	"strings"

	"github.com/mcpkit/compose-go/mcp"
	"github.com/mcpkit/compose-go/sessions"
	"github.com/mcpkit/compose-go/tasks"
)

// Kind identifies the catalogue surface a component belongs to.
type Kind string

const (
	KindTool     Kind = "tool"
	KindPrompt   Kind = "prompt"
	KindResource Kind = "resource"
	KindTemplate Kind = "template"
)

// allKinds is the stable iteration order used for fan-out and change
// reporting.
var allKinds = []Kind{KindTool, KindPrompt, KindResource, KindTemplate}

// Key builds the kind-prefixed identity used by filters, task fnKeys and
// cross-provider resolution, e.g. "tool:add" or "resource:data://cfg".
func Key(kind Kind, id string) string {
	return string(kind) + ":" + id
}

// SplitKey parses a kind-prefixed key back into its parts. ok is false when
// the prefix is not a known kind.
func SplitKey(key string) (Kind, string, bool) {
	i := strings.IndexByte(key, ':')
	if i < 0 {
		return "", "", false
	}
	kind := Kind(key[:i])
	switch kind {
	case KindTool, KindPrompt, KindResource, KindTemplate:
		return kind, key[i+1:], true
	}
	return "", "", false
}

// Component is the common surface of everything a provider can serve.
// Components are immutable values: transforming providers wrap them with
// rewritten identities and never touch the original. Whether a component is
// visible is not part of its state — each layer's filter decides that at
// observation time.
type Component interface {
	ComponentKind() Kind
	// ComponentID is the unprefixed identity: the name for tools and
	// prompts, the URI for resources, the URI template for templates.
	ComponentID() string
	// ComponentKey is Key(ComponentKind(), ComponentID()).
	ComponentKey() string
	ComponentTags() []string
	// TaskConfig declares the component's relationship to task-augmented
	// execution.
	TaskConfig() tasks.Config
}

// ToolHandler executes a tool call. The session may be nil when the call
// replays from the background task queue.
type ToolHandler func(ctx context.Context, session sessions.Session, req *mcp.CallToolRequestReceived) (*mcp.CallToolResult, error)

// PromptHandler renders a prompt.
type PromptHandler func(ctx context.Context, session sessions.Session, req *mcp.GetPromptRequestReceived) (*mcp.GetPromptResult, error)

// ResourceHandler reads a resource. For templates, uri is the concrete URI
// the client asked for, not the template.
type ResourceHandler func(ctx context.Context, session sessions.Session, uri string) (*mcp.ReadResourceResult, error)

// ToolForwarder delegates an entire tool invocation, including task
// metadata, to another server that performs its own mode enforcement and
// routing. Exactly one of the result and the handle is non-nil on success.
type ToolForwarder func(ctx context.Context, session sessions.Session, req *mcp.CallToolRequestReceived, meta *tasks.Meta) (*mcp.CallToolResult, *tasks.Handle, error)

// PromptForwarder is the prompt counterpart of ToolForwarder.
type PromptForwarder func(ctx context.Context, session sessions.Session, req *mcp.GetPromptRequestReceived, meta *tasks.Meta) (*mcp.GetPromptResult, *tasks.Handle, error)

// ResourceForwarder is the resource counterpart of ToolForwarder.
type ResourceForwarder func(ctx context.Context, session sessions.Session, uri string, meta *tasks.Meta) (*mcp.ReadResourceResult, *tasks.Handle, error)

// Tool pairs a tool descriptor with the code that executes it.
type Tool struct {
	Descriptor mcp.Tool
	Tags       []string
	Tasks      tasks.Config
	Handler    ToolHandler
	// Forward, when set, routes the call to another server; Handler is
	// ignored and the serving server performs no mode check or task
	// submission of its own.
	Forward ToolForwarder
}

func (t *Tool) ComponentKind() Kind       { return KindTool }
func (t *Tool) ComponentID() string       { return t.Descriptor.Name }
func (t *Tool) ComponentKey() string      { return Key(KindTool, t.Descriptor.Name) }
func (t *Tool) ComponentTags() []string   { return t.Tags }
func (t *Tool) TaskConfig() tasks.Config  { return t.Tasks }

// WireDescriptor returns the descriptor as listed to clients, with the
// execution declaration stamped from the task config.
func (t *Tool) WireDescriptor() mcp.Tool {
	d := t.Descriptor
	if t.Tasks.Mode != tasks.ModeForbidden {
		d.Execution = &mcp.ToolExecution{TaskSupport: t.Tasks.Mode.String()}
	}
	return d
}

// Prompt pairs a prompt descriptor with the code that renders it.
type Prompt struct {
	Descriptor mcp.Prompt
	Tags       []string
	Tasks      tasks.Config
	Handler    PromptHandler
	Forward    PromptForwarder
}

func (p *Prompt) ComponentKind() Kind      { return KindPrompt }
func (p *Prompt) ComponentID() string      { return p.Descriptor.Name }
func (p *Prompt) ComponentKey() string     { return Key(KindPrompt, p.Descriptor.Name) }
func (p *Prompt) ComponentTags() []string  { return p.Tags }
func (p *Prompt) TaskConfig() tasks.Config { return p.Tasks }

// Resource pairs a concrete resource descriptor with the code that reads it.
type Resource struct {
	Descriptor mcp.Resource
	Tags       []string
	Tasks      tasks.Config
	Handler    ResourceHandler
	Forward    ResourceForwarder
}

func (r *Resource) ComponentKind() Kind      { return KindResource }
func (r *Resource) ComponentID() string      { return r.Descriptor.URI }
func (r *Resource) ComponentKey() string     { return Key(KindResource, r.Descriptor.URI) }
func (r *Resource) ComponentTags() []string  { return r.Tags }
func (r *Resource) TaskConfig() tasks.Config { return r.Tasks }

// ResourceTemplate pairs a URI template with the code that reads its
// expansions.
type ResourceTemplate struct {
	Descriptor mcp.ResourceTemplate
	Tags       []string
	Tasks      tasks.Config
	Handler    ResourceHandler
	Forward    ResourceForwarder
}

func (t *ResourceTemplate) ComponentKind() Kind      { return KindTemplate }
func (t *ResourceTemplate) ComponentID() string      { return t.Descriptor.URITemplate }
func (t *ResourceTemplate) ComponentKey() string     { return Key(KindTemplate, t.Descriptor.URITemplate) }
func (t *ResourceTemplate) ComponentTags() []string  { return t.Tags }
func (t *ResourceTemplate) TaskConfig() tasks.Config { return t.Tasks }

// Matches reports whether uri is an expansion of the template. Template
// variables follow RFC 6570 level 1: each {var} matches one or more
// characters within a single path segment.
func (t *ResourceTemplate) Matches(uri string) bool {
	return matchURITemplate(t.Descriptor.URITemplate, uri)
}

// matchURITemplate matches uri against an RFC 6570 level-1 template.
// Variables never span '/' and must consume at least one character. The
// matcher backtracks so literals that also appear inside a variable's value
// do not cause false negatives.
func matchURITemplate(template, uri string) bool {
	for {
		open := strings.IndexByte(template, '{')
		if open < 0 {
			return template == uri
		}
		if len(uri) < open || uri[:open] != template[:open] {
			return false
		}
		closing := strings.IndexByte(template[open:], '}')
		if closing < 0 {
			// Malformed template: treat as a non-matching literal.
			return false
		}
		rest := template[open+closing+1:]
		uri = uri[open:]
		for n := 1; n <= len(uri); n++ {
			if uri[n-1] == '/' {
				break
			}
			if matchURITemplate(rest, uri[n:]) {
				return true
			}
		}
		return false
	}
}

// PromptOption configures a prompt built with NewPrompt.
type PromptOption func(*Prompt)

// WithPromptDescription sets the prompt description.
func WithPromptDescription(desc string) PromptOption {
	return func(p *Prompt) { p.Descriptor.Description = desc }
}

// WithPromptTitle sets the human-readable title.
func WithPromptTitle(title string) PromptOption {
	return func(p *Prompt) { p.Descriptor.Title = title }
}

// WithPromptArguments declares the prompt's arguments.
func WithPromptArguments(args ...mcp.PromptArgument) PromptOption {
	return func(p *Prompt) { p.Descriptor.Arguments = append(p.Descriptor.Arguments, args...) }
}

// WithPromptTags attaches filterable tags to the prompt.
func WithPromptTags(tags ...string) PromptOption {
	return func(p *Prompt) { p.Tags = append(p.Tags, tags...) }
}

// WithPromptTaskConfig declares the prompt's execution mode.
func WithPromptTaskConfig(cfg tasks.Config) PromptOption {
	return func(p *Prompt) { p.Tasks = cfg }
}

// NewPrompt builds a prompt component.
func NewPrompt(name string, handler PromptHandler, opts ...PromptOption) *Prompt {
	p := &Prompt{
		Descriptor: mcp.Prompt{Name: name},
		Handler:    handler,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ResourceOption configures a resource built with NewResource.
type ResourceOption func(*Resource)

// WithResourceDescription sets the resource description.
func WithResourceDescription(desc string) ResourceOption {
	return func(r *Resource) { r.Descriptor.Description = desc }
}

// WithResourceMimeType sets the resource MIME type.
func WithResourceMimeType(mimeType string) ResourceOption {
	return func(r *Resource) { r.Descriptor.MimeType = mimeType }
}

// WithResourceTags attaches filterable tags to the resource.
func WithResourceTags(tags ...string) ResourceOption {
	return func(r *Resource) { r.Tags = append(r.Tags, tags...) }
}

// WithResourceTaskConfig declares the resource's execution mode.
func WithResourceTaskConfig(cfg tasks.Config) ResourceOption {
	return func(r *Resource) { r.Tasks = cfg }
}

// NewResource builds a concrete resource component.
func NewResource(uri, name string, handler ResourceHandler, opts ...ResourceOption) *Resource {
	r := &Resource{
		Descriptor: mcp.Resource{URI: uri, Name: name},
		Handler:    handler,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// TemplateOption configures a template built with NewResourceTemplate.
type TemplateOption func(*ResourceTemplate)

// WithTemplateDescription sets the template description.
func WithTemplateDescription(desc string) TemplateOption {
	return func(t *ResourceTemplate) { t.Descriptor.Description = desc }
}

// WithTemplateMimeType sets the MIME type of the template's expansions.
func WithTemplateMimeType(mimeType string) TemplateOption {
	return func(t *ResourceTemplate) { t.Descriptor.MimeType = mimeType }
}

// WithTemplateTags attaches filterable tags to the template.
func WithTemplateTags(tags ...string) TemplateOption {
	return func(t *ResourceTemplate) { t.Tags = append(t.Tags, tags...) }
}

// WithTemplateTaskConfig declares the template's execution mode.
func WithTemplateTaskConfig(cfg tasks.Config) TemplateOption {
	return func(t *ResourceTemplate) { t.Tasks = cfg }
}

// NewResourceTemplate builds a resource template component. The handler
// receives the concrete URI requested by the client.
func NewResourceTemplate(uriTemplate, name string, handler ResourceHandler, opts ...TemplateOption) *ResourceTemplate {
	t := &ResourceTemplate{
		Descriptor: mcp.ResourceTemplate{URITemplate: uriTemplate, Name: name},
		Handler:    handler,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}
