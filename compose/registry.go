package compose

import (
	"context"
	"sync"
)

// Registry is the leaf provider backing a server's directly registered
// components. Each kind keeps registration order; registering an id that
// already exists replaces the component in place without moving it. The
// registry owns its own visibility Filter, applied by List and Get, and a
// per-kind ChangeNotifier that fires on registration, removal and filter
// changes.
type Registry struct {
	mu        sync.RWMutex
	kinds     map[Kind]*componentSet
	filter    *Filter
	notifiers map[Kind]*ChangeNotifier
}

type componentSet struct {
	order []string
	byID  map[string]Component
}

var _ Provider = (*Registry)(nil)
var _ ChangeWatcher = (*Registry)(nil)

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	r := &Registry{
		kinds:     make(map[Kind]*componentSet, len(allKinds)),
		notifiers: make(map[Kind]*ChangeNotifier, len(allKinds)),
		filter:    NewFilter(),
	}
	for _, kind := range allKinds {
		r.kinds[kind] = &componentSet{byID: make(map[string]Component)}
		r.notifiers[kind] = &ChangeNotifier{}
	}
	r.filter.OnChange(func(kinds []Kind) {
		for _, kind := range kinds {
			_ = r.notifiers[kind].Notify(context.Background())
		}
	})
	return r
}

// Visibility returns the registry's own filter. Hiding a component here
// hides it from every server this registry is composed into.
func (r *Registry) Visibility() *Filter {
	return r.filter
}

// AddTool registers or replaces a tool.
func (r *Registry) AddTool(t *Tool) {
	r.add(t)
}

// AddPrompt registers or replaces a prompt.
func (r *Registry) AddPrompt(p *Prompt) {
	r.add(p)
}

// AddResource registers or replaces a concrete resource.
func (r *Registry) AddResource(res *Resource) {
	r.add(res)
}

// AddResourceTemplate registers or replaces a resource template.
func (r *Registry) AddResourceTemplate(t *ResourceTemplate) {
	r.add(t)
}

func (r *Registry) add(c Component) {
	kind := c.ComponentKind()
	id := c.ComponentID()

	r.mu.Lock()
	set := r.kinds[kind]
	if _, exists := set.byID[id]; !exists {
		set.order = append(set.order, id)
	}
	set.byID[id] = c
	notifier := r.notifiers[kind]
	r.mu.Unlock()

	// Replacement counts as a change too: the descriptor may differ.
	_ = notifier.Notify(context.Background())
}

// Remove unregisters a component. It reports whether the id was present.
func (r *Registry) Remove(kind Kind, id string) bool {
	r.mu.Lock()
	set, ok := r.kinds[kind]
	if !ok {
		r.mu.Unlock()
		return false
	}
	if _, exists := set.byID[id]; !exists {
		r.mu.Unlock()
		return false
	}
	delete(set.byID, id)
	for i, existing := range set.order {
		if existing == id {
			set.order = append(set.order[:i], set.order[i+1:]...)
			break
		}
	}
	notifier := r.notifiers[kind]
	r.mu.Unlock()

	_ = notifier.Notify(context.Background())
	return true
}

// List returns the registered components of one kind in registration order,
// with the registry's filter applied.
func (r *Registry) List(ctx context.Context, kind Kind) ([]Component, error) {
	r.mu.RLock()
	set, ok := r.kinds[kind]
	if !ok {
		r.mu.RUnlock()
		return nil, nil
	}
	all := make([]Component, 0, len(set.order))
	for _, id := range set.order {
		all = append(all, set.byID[id])
	}
	r.mu.RUnlock()

	visible := make([]Component, 0, len(all))
	for _, c := range all {
		if r.filter.IsEnabled(c.ComponentKey(), c.ComponentTags()) {
			visible = append(visible, c)
		}
	}
	return visible, nil
}

// Get resolves an id of one kind. For KindTemplate, an id that is not a
// registered template is matched as a concrete URI against the templates in
// registration order. A hit that the registry's filter hides resolves to a
// *DisabledError rather than not-found.
func (r *Registry) Get(ctx context.Context, kind Kind, id string) (Component, bool, error) {
	r.mu.RLock()
	set, ok := r.kinds[kind]
	if !ok {
		r.mu.RUnlock()
		return nil, false, nil
	}
	c, found := set.byID[id]
	if !found && kind == KindTemplate {
		for _, tid := range set.order {
			if tpl, ok := set.byID[tid].(*ResourceTemplate); ok && tpl.Matches(id) {
				c, found = tpl, true
				break
			}
		}
	}
	r.mu.RUnlock()

	if !found {
		return nil, false, nil
	}
	if !r.filter.IsEnabled(c.ComponentKey(), c.ComponentTags()) {
		return nil, false, &DisabledError{Kind: kind, ID: c.ComponentID()}
	}
	return c, true, nil
}

// ChangeNotifier returns the notifier for one kind.
func (r *Registry) ChangeNotifier(kind Kind) *ChangeNotifier {
	return r.notifiers[kind]
}
