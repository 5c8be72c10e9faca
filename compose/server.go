package compose

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mcpkit/compose-go/mcp"
	"github.com/mcpkit/compose-go/sessions"
	"github.com/mcpkit/compose-go/tasks"
)

// ServerOption configures a Server at construction time.
type ServerOption func(*Server)

// WithServerInfo sets the implementation info advertised during initialize.
func WithServerInfo(name, version string) ServerOption {
	return func(s *Server) { s.info = mcp.ImplementationInfo{Name: name, Version: version} }
}

// WithInstructions sets the instructions string advertised during initialize.
func WithInstructions(instructions string) ServerOption {
	return func(s *Server) { s.instructions = instructions }
}

// WithLogger sets the logger used for listing degradation and lifecycle
// events. Defaults to slog.Default().
func WithLogger(log *slog.Logger) ServerOption {
	return func(s *Server) {
		if log != nil {
			s.log = log
		}
	}
}

// WithProviders registers providers after the built-in registry, in order.
func WithProviders(providers ...Provider) ServerOption {
	return func(s *Server) {
		for _, p := range providers {
			if p != nil {
				s.providers = append(s.providers, p)
			}
		}
	}
}

// WithMiddleware registers middleware, first-registered outermost.
func WithMiddleware(mw ...Middleware) ServerOption {
	return func(s *Server) { s.middleware = append(s.middleware, mw...) }
}

// WithTaskDispatcher wires the background execution backend. Without one,
// every task-augmented request is rejected as unsupported.
func WithTaskDispatcher(d *tasks.Dispatcher) ServerOption {
	return func(s *Server) { s.dispatcher = d }
}

// WithPageSize bounds catalogue pages. Defaults to DefaultPageSize.
func WithPageSize(n int) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.pageSize = n
		}
	}
}

// Server aggregates an ordered tree of providers behind catalogue and
// invocation entry points. Every entry point runs the middleware chain,
// applies the server's visibility filter on top of each provider's own, and
// routes task-augmented invocations to the configured dispatcher.
//
// The zero registry is always the first provider: components registered
// directly on the server resolve before any added provider.
type Server struct {
	log          *slog.Logger
	info         mcp.ImplementationInfo
	instructions string
	pageSize     int
	dispatcher   *tasks.Dispatcher

	mu         sync.RWMutex
	registry   *Registry
	providers  []Provider
	middleware []Middleware
	started    bool
	closed     bool

	filter    *Filter
	subs      *SubscriptionRegistry
	notifiers map[Kind]*ChangeNotifier
	updated   map[string]*ChangeNotifier

	stopc chan struct{}
	wg    sync.WaitGroup
}

// NewServer creates a server with an empty registry.
func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		log:       slog.Default(),
		info:      mcp.ImplementationInfo{Name: "compose", Version: "0.0.0"},
		pageSize:  DefaultPageSize,
		registry:  NewRegistry(),
		filter:    NewFilter(),
		subs:      NewSubscriptionRegistry(),
		notifiers: make(map[Kind]*ChangeNotifier, len(allKinds)),
		stopc:     make(chan struct{}),
	}
	for _, kind := range allKinds {
		s.notifiers[kind] = &ChangeNotifier{}
	}
	for _, opt := range opts {
		opt(s)
	}
	s.filter.OnChange(func(kinds []Kind) {
		for _, kind := range kinds {
			_ = s.notifiers[kind].Notify(context.Background())
		}
	})
	s.watchProvider(s.registry)
	for _, p := range s.providers {
		s.watchProvider(p)
	}
	return s
}

// Info returns the implementation info advertised during initialize.
func (s *Server) Info() mcp.ImplementationInfo { return s.info }

// Instructions returns the instructions string and whether one was set.
func (s *Server) Instructions() (string, bool) { return s.instructions, s.instructions != "" }

// PageSize returns the configured catalogue page size.
func (s *Server) PageSize() int { return s.pageSize }

// Registry returns the server's built-in leaf provider.
func (s *Server) Registry() *Registry { return s.registry }

// Visibility returns the server-level filter. It applies on top of every
// provider's own filter, including the registry's.
func (s *Server) Visibility() *Filter { return s.filter }

// Subscriptions returns the server's resource subscription registry.
func (s *Server) Subscriptions() *SubscriptionRegistry { return s.subs }

// TaskDispatcher returns the configured background dispatcher, or nil.
func (s *Server) TaskDispatcher() *tasks.Dispatcher { return s.dispatcher }

// ChangeNotifier returns the server-level notifier for one kind. It
// aggregates provider change signals and filter mutations, so a Server can
// itself be watched — or mounted — like any provider.
func (s *Server) ChangeNotifier(kind Kind) *ChangeNotifier {
	return s.notifiers[kind]
}

// UpdateSubscriber returns a channel that ticks when any provider signals a
// content change for uri. Providers implementing UpdateWatcher contribute
// their per-URI signals; all others contribute nothing. The merge covers the
// providers registered when the first subscriber for a URI attaches.
func (s *Server) UpdateSubscriber(uri string) <-chan struct{} {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		n := &ChangeNotifier{}
		n.Close()
		return n.Subscriber()
	}
	if s.updated == nil {
		s.updated = make(map[string]*ChangeNotifier)
	}
	if n, ok := s.updated[uri]; ok {
		s.mu.Unlock()
		return n.Subscriber()
	}
	n := &ChangeNotifier{}
	s.updated[uri] = n
	providers := make([]Provider, 0, 1+len(s.providers))
	providers = append(providers, s.registry)
	providers = append(providers, s.providers...)
	s.mu.Unlock()

	for _, p := range providers {
		w, ok := p.(UpdateWatcher)
		if !ok {
			continue
		}
		ch := w.SubscriberForURI(uri)
		s.wg.Add(1)
		go func(ch <-chan struct{}) {
			defer s.wg.Done()
			for {
				select {
				case <-s.stopc:
					return
				case _, ok := <-ch:
					if !ok {
						return
					}
					_ = n.Notify(context.Background())
				}
			}
		}(ch)
	}
	return n.Subscriber()
}

// AddTool registers a tool on the built-in registry.
func (s *Server) AddTool(t *Tool) { s.registry.AddTool(t) }

// AddPrompt registers a prompt on the built-in registry.
func (s *Server) AddPrompt(p *Prompt) { s.registry.AddPrompt(p) }

// AddResource registers a resource on the built-in registry.
func (s *Server) AddResource(r *Resource) { s.registry.AddResource(r) }

// AddResourceTemplate registers a resource template on the built-in registry.
func (s *Server) AddResourceTemplate(t *ResourceTemplate) { s.registry.AddResourceTemplate(t) }

// Use appends middleware to the chain. Requests already in flight keep the
// chain they started with.
func (s *Server) Use(mw ...Middleware) {
	s.mu.Lock()
	s.middleware = append(s.middleware, mw...)
	s.mu.Unlock()
}

// AddProvider registers a provider after the existing ones. If the server is
// already started and the provider has a lifecycle, it is started before it
// becomes visible; a start failure leaves the tree unchanged.
func (s *Server) AddProvider(ctx context.Context, p Provider) error {
	if p == nil {
		return errors.New("nil provider")
	}
	s.mu.RLock()
	started, closed := s.started, s.closed
	s.mu.RUnlock()
	if closed {
		return errors.New("server closed")
	}
	if started {
		if lc, ok := p.(Lifecycle); ok {
			if err := lc.Start(ctx); err != nil {
				return fmt.Errorf("start provider: %w", err)
			}
		}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		if lc, ok := p.(Lifecycle); ok && started {
			_ = lc.Close(context.WithoutCancel(ctx))
		}
		return errors.New("server closed")
	}
	s.providers = append(s.providers, p)
	s.mu.Unlock()

	s.watchProvider(p)
	s.notifyAllKinds()
	return nil
}

// Mount composes another server into this one as a provider. Options apply
// namespace prefixes or tool renames to everything the inner server exposes.
func (s *Server) Mount(ctx context.Context, inner *Server, opts ...MountOption) error {
	p, err := Mount(inner, opts...)
	if err != nil {
		return err
	}
	return s.AddProvider(ctx, p)
}

// Start runs the lifecycle of every provider that has one, in registration
// order. A failure closes the providers already started and returns the
// error.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("server closed")
	}
	if s.started {
		s.mu.Unlock()
		return errors.New("server already started")
	}
	s.started = true
	providers := append([]Provider(nil), s.providers...)
	s.mu.Unlock()

	var startedLCs []Lifecycle
	for _, p := range providers {
		lc, ok := p.(Lifecycle)
		if !ok {
			continue
		}
		if err := lc.Start(ctx); err != nil {
			cleanupCtx := context.WithoutCancel(ctx)
			for i := len(startedLCs) - 1; i >= 0; i-- {
				_ = startedLCs[i].Close(cleanupCtx)
			}
			s.mu.Lock()
			s.started = false
			s.mu.Unlock()
			return fmt.Errorf("start provider: %w", err)
		}
		startedLCs = append(startedLCs, lc)
	}
	return nil
}

// Close stops change fan-out and closes every lifecycle provider. It is
// idempotent.
func (s *Server) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	providers := append([]Provider(nil), s.providers...)
	updated := s.updated
	s.mu.Unlock()

	close(s.stopc)
	var errs []error
	for _, p := range providers {
		if lc, ok := p.(Lifecycle); ok {
			if err := lc.Close(ctx); err != nil {
				errs = append(errs, err)
			}
		}
	}
	s.wg.Wait()
	for _, n := range s.notifiers {
		n.Close()
	}
	for _, n := range updated {
		n.Close()
	}
	return errors.Join(errs...)
}

// watchProvider forwards a provider's change signals into the server-level
// notifiers until the server closes.
func (s *Server) watchProvider(p Provider) {
	w, ok := p.(ChangeWatcher)
	if !ok {
		return
	}
	for _, kind := range allKinds {
		cn := w.ChangeNotifier(kind)
		if cn == nil {
			continue
		}
		ch := cn.Subscriber()
		s.wg.Add(1)
		go func(kind Kind, ch <-chan struct{}) {
			defer s.wg.Done()
			for {
				select {
				case <-s.stopc:
					return
				case _, ok := <-ch:
					if !ok {
						return
					}
					_ = s.notifiers[kind].Notify(context.Background())
				}
			}
		}(kind, ch)
	}
}

func (s *Server) notifyAllKinds() {
	for _, kind := range allKinds {
		_ = s.notifiers[kind].Notify(context.Background())
	}
}

// snapshotProviders returns the resolution order: registry first, then added
// providers in registration order.
func (s *Server) snapshotProviders() []Provider {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Provider, 0, 1+len(s.providers))
	out = append(out, s.registry)
	return append(out, s.providers...)
}

// run executes one operation through the middleware chain.
func (s *Server) run(ctx context.Context, req *Request, core Handler) (any, error) {
	s.mu.RLock()
	mw := append([]Middleware(nil), s.middleware...)
	s.mu.RUnlock()
	if len(mw) == 0 {
		return core(ctx, req)
	}
	return chain(mw, core)(ctx, req)
}

// aggregate lists one kind across every provider, deduplicating by id with
// the first occurrence winning and applying the server filter. A provider
// that fails to list is logged and skipped so one bad provider cannot blank
// the whole catalogue.
func (s *Server) aggregate(ctx context.Context, kind Kind) ([]Component, error) {
	seen := make(map[string]struct{})
	var out []Component
	for _, p := range s.snapshotProviders() {
		comps, err := p.List(ctx, kind)
		if err != nil {
			s.log.WarnContext(ctx, "compose.list.provider_fail",
				slog.String("kind", string(kind)),
				slog.String("err", err.Error()),
			)
			continue
		}
		for _, c := range comps {
			id := c.ComponentID()
			if _, dup := seen[id]; dup {
				continue
			}
			if !s.filter.IsEnabled(c.ComponentKey(), c.ComponentTags()) {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, c)
		}
	}
	return out, nil
}

// resolve finds one component by id across the provider tree. A disabled hit
// is remembered while later providers are scanned; it is only reported if
// none of them serve the id. The server's own filter applies on top of each
// provider's answer.
func (s *Server) resolve(ctx context.Context, kind Kind, id string) (Component, error) {
	var disabled *DisabledError
	for _, p := range s.snapshotProviders() {
		c, ok, err := p.Get(ctx, kind, id)
		if err != nil {
			var de *DisabledError
			if errors.As(err, &de) {
				if disabled == nil {
					disabled = de
				}
				continue
			}
			return nil, err
		}
		if !ok {
			continue
		}
		if !s.filter.IsEnabled(c.ComponentKey(), c.ComponentTags()) {
			if disabled == nil {
				disabled = &DisabledError{Kind: kind, ID: id}
			}
			continue
		}
		return c, nil
	}
	if disabled != nil {
		return nil, disabled
	}
	return nil, &NotFoundError{Kind: kind, ID: id}
}

// ResolveComponent resolves an id through the full provider tree and server
// filter. It returns (nil, false, nil) when nothing serves the id, and a
// *DisabledError when the id exists but is hidden.
func (s *Server) ResolveComponent(ctx context.Context, kind Kind, id string) (Component, bool, error) {
	c, err := s.resolve(ctx, kind, id)
	if err != nil {
		var nf *NotFoundError
		if errors.As(err, &nf) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return c, true, nil
}

// ListTools lists the visible tools across the provider tree, one page at a
// time.
func (s *Server) ListTools(ctx context.Context, session sessions.Session, cursor *string) (Page[mcp.Tool], error) {
	return listPage(ctx, s, session, "tools/list", KindTool, cursor, func(c Component) (mcp.Tool, bool) {
		t, ok := c.(*Tool)
		if !ok {
			return mcp.Tool{}, false
		}
		return t.WireDescriptor(), true
	})
}

// ListPrompts lists the visible prompts across the provider tree.
func (s *Server) ListPrompts(ctx context.Context, session sessions.Session, cursor *string) (Page[mcp.Prompt], error) {
	return listPage(ctx, s, session, "prompts/list", KindPrompt, cursor, func(c Component) (mcp.Prompt, bool) {
		p, ok := c.(*Prompt)
		if !ok {
			return mcp.Prompt{}, false
		}
		return p.Descriptor, true
	})
}

// ListResources lists the visible concrete resources across the provider
// tree.
func (s *Server) ListResources(ctx context.Context, session sessions.Session, cursor *string) (Page[mcp.Resource], error) {
	return listPage(ctx, s, session, "resources/list", KindResource, cursor, func(c Component) (mcp.Resource, bool) {
		r, ok := c.(*Resource)
		if !ok {
			return mcp.Resource{}, false
		}
		return r.Descriptor, true
	})
}

// ListResourceTemplates lists the visible resource templates across the
// provider tree.
func (s *Server) ListResourceTemplates(ctx context.Context, session sessions.Session, cursor *string) (Page[mcp.ResourceTemplate], error) {
	return listPage(ctx, s, session, "resources/templates/list", KindTemplate, cursor, func(c Component) (mcp.ResourceTemplate, bool) {
		t, ok := c.(*ResourceTemplate)
		if !ok {
			return mcp.ResourceTemplate{}, false
		}
		return t.Descriptor, true
	})
}

func listPage[T any](ctx context.Context, s *Server, session sessions.Session, method string, kind Kind, cursor *string, pick func(Component) (T, bool)) (Page[T], error) {
	req := &Request{Method: method, Kind: kind, Session: session, Args: cursor}
	res, err := s.run(ctx, req, func(ctx context.Context, req *Request) (any, error) {
		cur, _ := req.Args.(*string)
		comps, err := s.aggregate(ctx, kind)
		if err != nil {
			return nil, err
		}
		items := make([]T, 0, len(comps))
		for _, c := range comps {
			if item, ok := pick(c); ok {
				items = append(items, item)
			}
		}
		page, err := pageSlice(items, s.pageSize, cur)
		if err != nil {
			return nil, err
		}
		return page, nil
	})
	if err != nil {
		return NewPage[T](nil), err
	}
	page, ok := res.(Page[T])
	if !ok {
		return NewPage[T](nil), fmt.Errorf("%s: middleware replaced result with %T", method, res)
	}
	return page, nil
}

// CallTool resolves and invokes a tool. With nil meta the call runs
// synchronously and the result is returned directly; with task metadata the
// call is submitted to the background dispatcher and a handle is returned.
// Exactly one of the result and the handle is non-nil on success.
func (s *Server) CallTool(ctx context.Context, session sessions.Session, req *mcp.CallToolRequestReceived, meta *tasks.Meta) (*mcp.CallToolResult, *tasks.Handle, error) {
	if req == nil || req.Name == "" {
		return nil, nil, errors.New("tools/call: missing tool name")
	}
	op := &Request{Method: "tools/call", Kind: KindTool, ID: req.Name, Session: session, Args: req, Meta: meta}
	res, err := s.run(ctx, op, s.callTool)
	if err != nil {
		return nil, nil, err
	}
	switch v := res.(type) {
	case *tasks.Handle:
		return nil, v, nil
	case *mcp.CallToolResult:
		return v, nil, nil
	}
	return nil, nil, fmt.Errorf("tools/call: middleware replaced result with %T", res)
}

func (s *Server) callTool(ctx context.Context, op *Request) (any, error) {
	call, ok := op.Args.(*mcp.CallToolRequestReceived)
	if !ok {
		return nil, fmt.Errorf("tools/call: unexpected arguments %T", op.Args)
	}
	comp, err := s.resolve(ctx, KindTool, call.Name)
	if err != nil {
		return nil, err
	}
	tool, ok := comp.(*Tool)
	if !ok {
		return nil, &NotFoundError{Kind: KindTool, ID: call.Name}
	}
	if tool.Forward != nil {
		res, handle, err := tool.Forward(ctx, op.Session, call, op.Meta)
		if err != nil {
			return nil, err
		}
		if handle != nil {
			return handle, nil
		}
		return canonicalToolResult(res), nil
	}
	if err := tasks.CheckMode(tool.ComponentKey(), tool.Tasks.Mode, op.Meta != nil); err != nil {
		return nil, err
	}
	if op.Meta != nil {
		args := *call
		args.Task = nil
		handle, err := s.submit(ctx, op, tool, &args)
		if err != nil {
			return nil, err
		}
		return handle, nil
	}
	if tool.Handler == nil {
		return nil, fmt.Errorf("tool %s has no handler", call.Name)
	}
	res, err := tool.Handler(ctx, op.Session, call)
	if err != nil {
		return nil, err
	}
	return canonicalToolResult(res), nil
}

// GetPrompt resolves and renders a prompt, with the same sync/background
// routing as CallTool.
func (s *Server) GetPrompt(ctx context.Context, session sessions.Session, req *mcp.GetPromptRequestReceived, meta *tasks.Meta) (*mcp.GetPromptResult, *tasks.Handle, error) {
	if req == nil || req.Name == "" {
		return nil, nil, errors.New("prompts/get: missing prompt name")
	}
	op := &Request{Method: "prompts/get", Kind: KindPrompt, ID: req.Name, Session: session, Args: req, Meta: meta}
	res, err := s.run(ctx, op, s.getPrompt)
	if err != nil {
		return nil, nil, err
	}
	switch v := res.(type) {
	case *tasks.Handle:
		return nil, v, nil
	case *mcp.GetPromptResult:
		return v, nil, nil
	}
	return nil, nil, fmt.Errorf("prompts/get: middleware replaced result with %T", res)
}

func (s *Server) getPrompt(ctx context.Context, op *Request) (any, error) {
	get, ok := op.Args.(*mcp.GetPromptRequestReceived)
	if !ok {
		return nil, fmt.Errorf("prompts/get: unexpected arguments %T", op.Args)
	}
	comp, err := s.resolve(ctx, KindPrompt, get.Name)
	if err != nil {
		return nil, err
	}
	prompt, ok := comp.(*Prompt)
	if !ok {
		return nil, &NotFoundError{Kind: KindPrompt, ID: get.Name}
	}
	if prompt.Forward != nil {
		res, handle, err := prompt.Forward(ctx, op.Session, get, op.Meta)
		if err != nil {
			return nil, err
		}
		if handle != nil {
			return handle, nil
		}
		return canonicalPromptResult(res), nil
	}
	if err := tasks.CheckMode(prompt.ComponentKey(), prompt.Tasks.Mode, op.Meta != nil); err != nil {
		return nil, err
	}
	if op.Meta != nil {
		args := *get
		args.Task = nil
		handle, err := s.submit(ctx, op, prompt, &args)
		if err != nil {
			return nil, err
		}
		return handle, nil
	}
	if prompt.Handler == nil {
		return nil, fmt.Errorf("prompt %s has no handler", get.Name)
	}
	res, err := prompt.Handler(ctx, op.Session, get)
	if err != nil {
		return nil, err
	}
	return canonicalPromptResult(res), nil
}

// ReadResource resolves a URI against concrete resources first, then against
// resource templates, and reads it with the same sync/background routing as
// CallTool. A concrete resource that exists but is disabled reports Disabled
// without falling through to templates.
func (s *Server) ReadResource(ctx context.Context, session sessions.Session, uri string, meta *tasks.Meta) (*mcp.ReadResourceResult, *tasks.Handle, error) {
	if uri == "" {
		return nil, nil, errors.New("resources/read: missing uri")
	}
	op := &Request{Method: "resources/read", Kind: KindResource, ID: uri, Session: session, Args: uri, Meta: meta}
	res, err := s.run(ctx, op, s.readResource)
	if err != nil {
		return nil, nil, err
	}
	switch v := res.(type) {
	case *tasks.Handle:
		return nil, v, nil
	case *mcp.ReadResourceResult:
		return v, nil, nil
	}
	return nil, nil, fmt.Errorf("resources/read: middleware replaced result with %T", res)
}

func (s *Server) readResource(ctx context.Context, op *Request) (any, error) {
	uri, ok := op.Args.(string)
	if !ok {
		return nil, fmt.Errorf("resources/read: unexpected arguments %T", op.Args)
	}
	comp, err := s.resolve(ctx, KindResource, uri)
	if err != nil {
		var nf *NotFoundError
		if !errors.As(err, &nf) {
			return nil, err
		}
		tcomp, terr := s.resolve(ctx, KindTemplate, uri)
		if terr != nil {
			var tnf *NotFoundError
			if errors.As(terr, &tnf) {
				// Keep the resource-scoped not-found: the client asked for a
				// URI, not a template.
				return nil, err
			}
			return nil, terr
		}
		comp = tcomp
	}

	var (
		handler ResourceHandler
		forward ResourceForwarder
	)
	switch c := comp.(type) {
	case *Resource:
		handler, forward = c.Handler, c.Forward
	case *ResourceTemplate:
		handler, forward = c.Handler, c.Forward
	default:
		return nil, &NotFoundError{Kind: KindResource, ID: uri}
	}

	if forward != nil {
		res, handle, err := forward(ctx, op.Session, uri, op.Meta)
		if err != nil {
			return nil, err
		}
		if handle != nil {
			return handle, nil
		}
		return canonicalResourceResult(res), nil
	}
	if err := tasks.CheckMode(comp.ComponentKey(), comp.TaskConfig().Mode, op.Meta != nil); err != nil {
		return nil, err
	}
	if op.Meta != nil {
		handle, err := s.submit(ctx, op, comp, resourceTaskArgs{URI: uri})
		if err != nil {
			return nil, err
		}
		return handle, nil
	}
	if handler == nil {
		return nil, fmt.Errorf("resource %s has no handler", uri)
	}
	res, err := handler(ctx, op.Session, uri)
	if err != nil {
		return nil, err
	}
	return canonicalResourceResult(res), nil
}

// resourceTaskArgs is the stored argument shape for background resource
// reads.
type resourceTaskArgs struct {
	URI string `json:"uri"`
}

// submit enriches the request's task metadata with the resolved component's
// key — first writer wins, so a key supplied by a nested server survives —
// and hands the invocation to the dispatcher.
func (s *Server) submit(ctx context.Context, op *Request, comp Component, args any) (*tasks.Handle, error) {
	if s.dispatcher == nil {
		return nil, &tasks.ModeError{Key: comp.ComponentKey(), Mode: tasks.ModeForbidden}
	}
	if op.Session == nil {
		return nil, errors.New("task-augmented execution requires a session")
	}
	op.Meta.EnsureFnKey(comp.ComponentKey())
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encode task arguments: %w", err)
	}
	return s.dispatcher.Submit(ctx, tasks.Submission{
		SessionID:    op.Session.SessionID(),
		UserID:       op.Session.UserID(),
		Kind:         string(comp.ComponentKind()),
		FnKey:        op.Meta.FnKey(),
		Args:         raw,
		TTL:          op.Meta.TTL(),
		PollInterval: comp.TaskConfig().PollInterval,
	})
}

// TaskInvoker resolves a queued job's fnKey back to an executable invoker.
// Wire it as the task runner's resolver so any instance sharing the queue
// can execute jobs submitted through this server's keyspace. Keys outside
// this server's catalogue are declined so a resolver chain can try the next
// server; keys that exist but are currently hidden are claimed, and the job
// fails with the disabled condition instead of resolving elsewhere.
func (s *Server) TaskInvoker(ctx context.Context, fnKey string) (tasks.Invoker, bool) {
	kind, id, ok := SplitKey(fnKey)
	if !ok {
		return nil, false
	}
	if _, found, err := s.ResolveComponent(ctx, kind, id); !found && err == nil {
		return nil, false
	}
	switch kind {
	case KindTool:
		return s.invokeToolJob, true
	case KindPrompt:
		return s.invokePromptJob, true
	case KindResource, KindTemplate:
		return s.invokeResourceJob, true
	}
	return nil, false
}

func (s *Server) invokeToolJob(ctx context.Context, job tasks.Job) (json.RawMessage, error) {
	_, id, ok := SplitKey(job.FnKey)
	if !ok {
		return nil, fmt.Errorf("malformed fn key %q", job.FnKey)
	}
	var call mcp.CallToolRequestReceived
	if len(job.Args) > 0 {
		if err := json.Unmarshal(job.Args, &call); err != nil {
			return nil, fmt.Errorf("decode task arguments: %w", err)
		}
	}
	call.Name = id
	call.Task = nil

	comp, err := s.resolve(ctx, KindTool, id)
	if err != nil {
		return nil, err
	}
	tool, ok := comp.(*Tool)
	if !ok {
		return nil, &NotFoundError{Kind: KindTool, ID: id}
	}
	sess := newTaskSession(job)
	if tool.Forward != nil {
		res, _, err := tool.Forward(ctx, sess, &call, nil)
		if err != nil {
			return nil, err
		}
		return encodeTaskResult(KindTool, res)
	}
	if tool.Handler == nil {
		return nil, fmt.Errorf("tool %s has no handler", id)
	}
	res, err := tool.Handler(ctx, sess, &call)
	if err != nil {
		return nil, err
	}
	return encodeTaskResult(KindTool, res)
}

func (s *Server) invokePromptJob(ctx context.Context, job tasks.Job) (json.RawMessage, error) {
	_, id, ok := SplitKey(job.FnKey)
	if !ok {
		return nil, fmt.Errorf("malformed fn key %q", job.FnKey)
	}
	var get mcp.GetPromptRequestReceived
	if len(job.Args) > 0 {
		if err := json.Unmarshal(job.Args, &get); err != nil {
			return nil, fmt.Errorf("decode task arguments: %w", err)
		}
	}
	get.Name = id
	get.Task = nil

	comp, err := s.resolve(ctx, KindPrompt, id)
	if err != nil {
		return nil, err
	}
	prompt, ok := comp.(*Prompt)
	if !ok {
		return nil, &NotFoundError{Kind: KindPrompt, ID: id}
	}
	sess := newTaskSession(job)
	if prompt.Forward != nil {
		res, _, err := prompt.Forward(ctx, sess, &get, nil)
		if err != nil {
			return nil, err
		}
		return encodeTaskResult(KindPrompt, res)
	}
	if prompt.Handler == nil {
		return nil, fmt.Errorf("prompt %s has no handler", id)
	}
	res, err := prompt.Handler(ctx, sess, &get)
	if err != nil {
		return nil, err
	}
	return encodeTaskResult(KindPrompt, res)
}

func (s *Server) invokeResourceJob(ctx context.Context, job tasks.Job) (json.RawMessage, error) {
	kind, id, ok := SplitKey(job.FnKey)
	if !ok {
		return nil, fmt.Errorf("malformed fn key %q", job.FnKey)
	}
	var args resourceTaskArgs
	if len(job.Args) > 0 {
		if err := json.Unmarshal(job.Args, &args); err != nil {
			return nil, fmt.Errorf("decode task arguments: %w", err)
		}
	}
	// For templates the fnKey names the template; the concrete URI rides in
	// the stored arguments.
	uri := args.URI
	if uri == "" {
		uri = id
	}

	comp, err := s.resolve(ctx, kind, id)
	if err != nil {
		return nil, err
	}
	var (
		handler ResourceHandler
		forward ResourceForwarder
	)
	switch c := comp.(type) {
	case *Resource:
		handler, forward = c.Handler, c.Forward
	case *ResourceTemplate:
		handler, forward = c.Handler, c.Forward
	default:
		return nil, &NotFoundError{Kind: kind, ID: id}
	}
	sess := newTaskSession(job)
	if forward != nil {
		res, _, err := forward(ctx, sess, uri, nil)
		if err != nil {
			return nil, err
		}
		return encodeTaskResult(KindResource, res)
	}
	if handler == nil {
		return nil, fmt.Errorf("resource %s has no handler", uri)
	}
	res, err := handler(ctx, sess, uri)
	if err != nil {
		return nil, err
	}
	return encodeTaskResult(KindResource, res)
}

// taskSession is the session identity a background replay runs under. Only
// identity survives the queue hop; transport-bound capabilities do not.
type taskSession struct {
	sessionID string
	userID    string
}

func newTaskSession(job tasks.Job) *taskSession {
	return &taskSession{sessionID: job.SessionID, userID: job.UserID}
}

func (s *taskSession) SessionID() string       { return s.sessionID }
func (s *taskSession) UserID() string          { return s.userID }
func (s *taskSession) ProtocolVersion() string { return mcp.LatestProtocolVersion }
