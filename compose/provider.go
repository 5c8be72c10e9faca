package compose

import (
	"context"
	"fmt"

	"github.com/mcpkit/compose-go/tasks"
)

// Provider is an ordered catalogue of components plus direct lookup. It is
// the unit of composition: a server aggregates providers, a transform wraps
// one, and Mount adapts a whole server into one.
//
// List returns the provider's visible components of one kind in its own
// stable order, after applying any filtering the provider itself owns.
//
// Get resolves a single id. The triple distinguishes three outcomes: the
// component (found), (nil, false, nil) when the id is simply not served here
// so the caller keeps scanning sibling providers, and (nil, false, err) when
// resolution failed — including *DisabledError when the id exists here but a
// filter hides it, which callers must surface distinctly from not-found.
// For KindTemplate, Get accepts either the template's own URI template or a
// concrete URI that expands one of its templates.
type Provider interface {
	List(ctx context.Context, kind Kind) ([]Component, error)
	Get(ctx context.Context, kind Kind, id string) (Component, bool, error)
}

// Lifecycle is implemented by providers that need startup and teardown. The
// server starts every lifecycle provider during its own Start and closes
// them during Close, in registration order.
type Lifecycle interface {
	Start(ctx context.Context) error
	Close(ctx context.Context) error
}

// ChangeWatcher is implemented by providers that can report catalogue
// changes. ChangeNotifier returns the notifier for one kind; nil means the
// provider never signals changes for that kind.
type ChangeWatcher interface {
	ChangeNotifier(kind Kind) *ChangeNotifier
}

// UpdateWatcher is implemented by providers that can signal content changes
// for individual resources they serve. SubscriberForURI returns a channel
// that ticks when the named resource's content changes; it never signals for
// URIs the provider does not serve.
type UpdateWatcher interface {
	SubscriberForURI(uri string) <-chan struct{}
}

// Tools lists a provider's visible tools.
func Tools(ctx context.Context, p Provider) ([]*Tool, error) {
	comps, err := p.List(ctx, KindTool)
	if err != nil {
		return nil, err
	}
	out := make([]*Tool, 0, len(comps))
	for _, c := range comps {
		if t, ok := c.(*Tool); ok {
			out = append(out, t)
		}
	}
	return out, nil
}

// Prompts lists a provider's visible prompts.
func Prompts(ctx context.Context, p Provider) ([]*Prompt, error) {
	comps, err := p.List(ctx, KindPrompt)
	if err != nil {
		return nil, err
	}
	out := make([]*Prompt, 0, len(comps))
	for _, c := range comps {
		if pr, ok := c.(*Prompt); ok {
			out = append(out, pr)
		}
	}
	return out, nil
}

// Resources lists a provider's visible concrete resources.
func Resources(ctx context.Context, p Provider) ([]*Resource, error) {
	comps, err := p.List(ctx, KindResource)
	if err != nil {
		return nil, err
	}
	out := make([]*Resource, 0, len(comps))
	for _, c := range comps {
		if r, ok := c.(*Resource); ok {
			out = append(out, r)
		}
	}
	return out, nil
}

// ResourceTemplates lists a provider's visible resource templates.
func ResourceTemplates(ctx context.Context, p Provider) ([]*ResourceTemplate, error) {
	comps, err := p.List(ctx, KindTemplate)
	if err != nil {
		return nil, err
	}
	out := make([]*ResourceTemplate, 0, len(comps))
	for _, c := range comps {
		if t, ok := c.(*ResourceTemplate); ok {
			out = append(out, t)
		}
	}
	return out, nil
}

// GetComponent resolves a kind-prefixed key through a provider.
func GetComponent(ctx context.Context, p Provider, key string) (Component, bool, error) {
	kind, id, ok := SplitKey(key)
	if !ok {
		return nil, false, fmt.Errorf("malformed component key %q", key)
	}
	return p.Get(ctx, kind, id)
}

// TaskComponents lists the visible components that accept task-augmented
// execution.
func TaskComponents(ctx context.Context, p Provider) ([]Component, error) {
	var out []Component
	for _, kind := range allKinds {
		comps, err := p.List(ctx, kind)
		if err != nil {
			return nil, err
		}
		for _, c := range comps {
			if c.TaskConfig().Mode != tasks.ModeForbidden {
				out = append(out, c)
			}
		}
	}
	return out, nil
}
