package compose

import "sync"

// Filter is a visibility policy over component keys and tags. A component is
// visible when no blocklist entry covers it and, if an exclusive allowlist
// is active, at least one allowlist entry covers it. The blocklist wins over
// the allowlist regardless of the order the rules were installed in.
//
// Visibility is derived at observation time; nothing is ever stored on the
// component. Every layer that owns a Filter (a registry, a server) applies
// its own, so a component must pass each filter between its defining
// provider and the serving server to be seen.
type Filter struct {
	mu           sync.RWMutex
	disabledKeys map[string]struct{}
	disabledTags map[string]struct{}
	enabledKeys  map[string]struct{}
	enabledTags  map[string]struct{}
	// exclusive is sticky: once an exclusive allowlist is installed,
	// components outside it stay hidden until Reset.
	exclusive bool
	onChange  func(kinds []Kind)
}

// NewFilter creates a filter in its default state: everything visible.
func NewFilter() *Filter {
	return &Filter{
		disabledKeys: make(map[string]struct{}),
		disabledTags: make(map[string]struct{}),
		enabledKeys:  make(map[string]struct{}),
		enabledTags:  make(map[string]struct{}),
	}
}

// OnChange registers the hook invoked after a mutation with the kinds whose
// visible population may have changed. Mutations that produce no net change
// do not invoke the hook. The hook runs outside the filter's lock, so it may
// call back into IsEnabled.
func (f *Filter) OnChange(fn func(kinds []Kind)) {
	f.mu.Lock()
	f.onChange = fn
	f.mu.Unlock()
}

// DisableOption selects what a Disable call hides.
type DisableOption func(*filterChange)

// DisableKeys adds kind-prefixed keys to the blocklist.
func DisableKeys(keys ...string) DisableOption {
	return func(c *filterChange) { c.keys = append(c.keys, keys...) }
}

// DisableTags adds tags to the blocklist. A component carrying any disabled
// tag is hidden.
func DisableTags(tags ...string) DisableOption {
	return func(c *filterChange) { c.tags = append(c.tags, tags...) }
}

// EnableOption selects what an Enable call reveals.
type EnableOption func(*filterChange)

// EnableKeys names kind-prefixed keys. Without Exclusive they are removed
// from the blocklist; with Exclusive they form the new allowlist.
func EnableKeys(keys ...string) EnableOption {
	return func(c *filterChange) { c.keys = append(c.keys, keys...) }
}

// EnableTags names tags, with the same dual role as EnableKeys.
func EnableTags(tags ...string) EnableOption {
	return func(c *filterChange) { c.tags = append(c.tags, tags...) }
}

// Exclusive makes the Enable call install an allowlist: everything the call
// does not name becomes hidden by default until Reset.
func Exclusive() EnableOption {
	return func(c *filterChange) { c.exclusive = true }
}

type filterChange struct {
	keys      []string
	tags      []string
	exclusive bool
}

// Disable hides the named keys and tags. The whole update applies atomically
// and emits at most one change report covering every affected kind; entries
// already on the blocklist contribute nothing.
func (f *Filter) Disable(opts ...DisableOption) {
	var ch filterChange
	for _, opt := range opts {
		opt(&ch)
	}

	affected := make(kindSet)
	f.mu.Lock()
	for _, key := range ch.keys {
		if _, ok := f.disabledKeys[key]; !ok {
			f.disabledKeys[key] = struct{}{}
			affected.addKey(key)
		}
	}
	for _, tag := range ch.tags {
		if _, ok := f.disabledTags[tag]; !ok {
			f.disabledTags[tag] = struct{}{}
			// A tag can cover components of any kind.
			affected.addAll()
		}
	}
	fn := f.onChange
	f.mu.Unlock()

	notifyChange(fn, affected)
}

// Enable reveals the named keys and tags. Without Exclusive it only lifts
// matching blocklist entries; with Exclusive it replaces any previous
// allowlist and flips the filter's default to hidden. Blocklist entries are
// untouched by an exclusive enable and keep winning.
func (f *Filter) Enable(opts ...EnableOption) {
	var ch filterChange
	for _, opt := range opts {
		opt(&ch)
	}

	affected := make(kindSet)
	f.mu.Lock()
	if ch.exclusive {
		keys := toSet(ch.keys)
		tags := toSet(ch.tags)
		if !f.exclusive || !sameSet(f.enabledKeys, keys) || !sameSet(f.enabledTags, tags) {
			affected.addAll()
		}
		f.exclusive = true
		f.enabledKeys = keys
		f.enabledTags = tags
	} else {
		for _, key := range ch.keys {
			if _, ok := f.disabledKeys[key]; ok {
				delete(f.disabledKeys, key)
				affected.addKey(key)
			}
		}
		for _, tag := range ch.tags {
			if _, ok := f.disabledTags[tag]; ok {
				delete(f.disabledTags, tag)
				affected.addAll()
			}
		}
	}
	fn := f.onChange
	f.mu.Unlock()

	notifyChange(fn, affected)
}

// Reset clears the blocklist and any exclusive allowlist, restoring the
// default where everything is visible.
func (f *Filter) Reset() {
	affected := make(kindSet)
	f.mu.Lock()
	dirty := f.exclusive ||
		len(f.disabledKeys) > 0 || len(f.disabledTags) > 0 ||
		len(f.enabledKeys) > 0 || len(f.enabledTags) > 0
	f.disabledKeys = make(map[string]struct{})
	f.disabledTags = make(map[string]struct{})
	f.enabledKeys = make(map[string]struct{})
	f.enabledTags = make(map[string]struct{})
	f.exclusive = false
	if dirty {
		affected.addAll()
	}
	fn := f.onChange
	f.mu.Unlock()

	notifyChange(fn, affected)
}

// IsEnabled reports whether a component with the given kind-prefixed key and
// tags is visible under this filter. The check reads a consistent snapshot:
// it never observes a partially applied multi-key update.
func (f *Filter) IsEnabled(key string, tags []string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if _, ok := f.disabledKeys[key]; ok {
		return false
	}
	for _, tag := range tags {
		if _, ok := f.disabledTags[tag]; ok {
			return false
		}
	}
	if f.exclusive {
		if _, ok := f.enabledKeys[key]; ok {
			return true
		}
		for _, tag := range tags {
			if _, ok := f.enabledTags[tag]; ok {
				return true
			}
		}
		return false
	}
	return true
}

// kindSet accumulates the kinds a mutation affected. Keys map to their own
// kind via the key prefix; tags and malformed keys conservatively cover all
// kinds.
type kindSet map[Kind]struct{}

func (s kindSet) addKey(key string) {
	if kind, _, ok := SplitKey(key); ok {
		s[kind] = struct{}{}
		return
	}
	s.addAll()
}

func (s kindSet) addAll() {
	for _, k := range allKinds {
		s[k] = struct{}{}
	}
}

func (s kindSet) kinds() []Kind {
	if len(s) == 0 {
		return nil
	}
	out := make([]Kind, 0, len(s))
	for _, k := range allKinds {
		if _, ok := s[k]; ok {
			out = append(out, k)
		}
	}
	return out
}

func notifyChange(fn func([]Kind), affected kindSet) {
	if fn == nil || len(affected) == 0 {
		return
	}
	fn(affected.kinds())
}

func toSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, it := range items {
		set[it] = struct{}{}
	}
	return set
}

func sameSet(a, b map[string]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}
