package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mcpkit/compose-go/compose"
	"github.com/mcpkit/compose-go/internal/jsonrpc"
	"github.com/mcpkit/compose-go/internal/logctx"
	"github.com/mcpkit/compose-go/mcp"
	"github.com/mcpkit/compose-go/sessions"
	"github.com/mcpkit/compose-go/tasks"
)

const (
	defaultSessionTTL         = 1 * time.Hour
	defaultSessionMaxLifetime = 24 * time.Hour
	defaultHandshakeTTL       = 30 * time.Second
)

const (
	sessionFanoutTopic = "session:events"
)

// internal fanout-only method name for session deletion notifications.
const internalSessionDeletedMethod = "internal/session/deleted"

var (
	ErrInvalidUserID = errors.New("invalid user id")
)

// fanoutMessage is the envelope for cross-instance session events. Msg is a
// complete JSON-RPC message owned by the named session.
type fanoutMessage struct {
	SessionID string          `json:"sid"`
	UserID    string          `json:"uid"`
	Msg       json.RawMessage `json:"msg"`
}

// listChangedBroadcasts maps catalogue change signals to the notification
// each one produces. Template changes surface as resource list changes; the
// protocol has no separate template notification.
var listChangedBroadcasts = []struct {
	kind   compose.Kind
	method mcp.Method
}{
	{compose.KindTool, mcp.ToolsListChangedNotificationMethod},
	{compose.KindPrompt, mcp.PromptsListChangedNotificationMethod},
	{compose.KindResource, mcp.ResourcesListChangedNotificationMethod},
	{compose.KindTemplate, mcp.ResourcesListChangedNotificationMethod},
}

// Engine is the protocol core of an MCP server. It binds a compose.Server
// component tree to a sessions.SessionHost, handling the initialize
// handshake, request dispatch, notification fanout across instances, and the
// background signals (list-changed, resource-updated, task lifecycle) that
// ride on per-session streams. It is transport-agnostic; stdio and streaming
// HTTP frontends drive it the same way.
type Engine struct {
	host sessions.SessionHost
	srv  *compose.Server
	log  *slog.Logger
	id   string // process-unique engine ID for coordination

	// session config
	sessionTTL         time.Duration
	sessionMaxLifetime time.Duration
	handshakeTTL       time.Duration

	// optional in-process task runner, started in Run
	runner *tasks.Runner

	// in-flight request tracking
	callMu      sync.Mutex
	callCancels map[string]context.CancelCauseFunc // reqID -> cancel func

	// sessions served by this instance; broadcast notifications go to these.
	trackMu sync.Mutex
	tracked map[string]struct{}

	// per-URI resource update bridges
	bridgeMu sync.Mutex
	bridges  map[string]bool // uri -> bridge goroutine live

	done chan struct{} // closed when Run exits
}

func NewEngine(host sessions.SessionHost, srv *compose.Server, opts ...EngineOption) *Engine {
	e := &Engine{
		host:               host,
		srv:                srv,
		log:                slog.Default(),
		id:                 uuid.NewString(),
		sessionTTL:         defaultSessionTTL,
		sessionMaxLifetime: defaultSessionMaxLifetime,
		handshakeTTL:       defaultHandshakeTTL,
		callCancels:        make(map[string]context.CancelCauseFunc),
		tracked:            make(map[string]struct{}),
		bridges:            make(map[string]bool),
		done:               make(chan struct{}),
	}

	// Apply options (order matters; later options override earlier ones).
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}

	// Task lifecycle events flow to the owning session's stream no matter
	// which side produced them: the dispatcher emits created/cancelled, the
	// runner emits terminal transitions.
	if d := srv.TaskDispatcher(); d != nil {
		d.AddSink(e.taskEvent)
	}
	if e.runner != nil {
		e.runner.AddSink(e.taskEvent)
	}

	return e
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithSessionTTL overrides the sliding TTL applied to open sessions.
func WithSessionTTL(d time.Duration) EngineOption { return func(e *Engine) { e.sessionTTL = d } }

// WithSessionMaxLifetime sets an absolute maximum lifetime horizon (0 = disabled).
func WithSessionMaxLifetime(d time.Duration) EngineOption {
	return func(e *Engine) { e.sessionMaxLifetime = d }
}

// WithHandshakeTTL sets the TTL for a pending session awaiting the client's
// notifications/initialized message. Default is 30s.
func WithHandshakeTTL(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.handshakeTTL = d
		}
	}
}

// WithLogger sets a custom logger for the Engine.
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithTaskRunner attaches an in-process worker pool for background tasks.
// The engine starts it in Run, stops it on shutdown, and forwards its status
// events to task owners.
func WithTaskRunner(r *tasks.Runner) EngineOption {
	return func(e *Engine) { e.runner = r }
}

// Run attaches the engine to the host's fanout topic, wires catalogue change
// broadcasting, and blocks until ctx ends. It must be running for
// cross-instance cancellation, list-changed notifications, and background
// task execution to work; request handling itself does not depend on it.
func (e *Engine) Run(ctx context.Context) error {
	defer close(e.done)

	// Subscribe to the cross-instance fanout topic and keep the subscription
	// alive for the lifetime of ctx. The host's SubscribeEvents typically
	// returns immediately after spawning its own processing goroutine, so we
	// must not exit here or the derived context would be canceled, tearing
	// down the subscription prematurely.
	if err := e.host.SubscribeEvents(ctx, sessionFanoutTopic, e.handleSessionEvent); err != nil {
		return err
	}

	for _, b := range listChangedBroadcasts {
		n := e.srv.ChangeNotifier(b.kind)
		if n == nil {
			continue
		}
		go e.broadcastOnTick(ctx, n.Subscriber(), b.method)
	}

	if e.runner != nil {
		if err := e.runner.Start(ctx); err != nil {
			return err
		}
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := e.runner.Close(stopCtx); err != nil {
				e.log.Error("engine.runner.close.fail", slog.String("err", err.Error()))
			}
		}()
	}

	<-ctx.Done()
	return ctx.Err()
}

// InitializeSession handles the MCP initialize handshake: it creates a
// pending session record scoped to userID and returns the InitializeResult
// alongside a handle for subsequent requests. The session stays pending (and
// expires on the handshake TTL) until the client sends
// notifications/initialized.
func (e *Engine) InitializeSession(ctx context.Context, userID string, req *mcp.InitializeRequest) (*SessionHandle, *mcp.InitializeResult, error) {
	if req == nil {
		return nil, nil, fmt.Errorf("initialize request required")
	}

	negotiatedVersion := req.ProtocolVersion
	if negotiatedVersion == "" {
		negotiatedVersion = mcp.LatestProtocolVersion
	}

	client := sessions.ClientInfo{
		Name:    req.ClientInfo.Name,
		Version: req.ClientInfo.Version,
	}

	sess, err := e.createSession(ctx, userID, negotiatedVersion, client)
	if err != nil {
		return nil, nil, err
	}
	cleanup := true
	defer func() {
		if cleanup {
			_ = e.host.DeleteSession(ctx, sess.SessionID())
		}
	}()

	initRes := &mcp.InitializeResult{
		ProtocolVersion: negotiatedVersion,
		Capabilities:    e.capabilities(),
		ServerInfo:      e.srv.Info(),
	}
	if instr, ok := e.srv.Instructions(); ok {
		initRes.Instructions = instr
	}

	e.trackSession(sess.SessionID())

	cleanup = false
	return sess, initRes, nil
}

// capabilities reports the static capability set for this server. The
// composed catalogue always serves all three listings and fans out
// list-changed signals; tasks appear only when a dispatcher is configured.
func (e *Engine) capabilities() mcp.ServerCapabilities {
	caps := mcp.ServerCapabilities{
		Tools: &struct {
			ListChanged bool `json:"listChanged"`
		}{ListChanged: true},
		Prompts: &struct {
			ListChanged bool `json:"listChanged"`
		}{ListChanged: true},
		Resources: &struct {
			ListChanged bool `json:"listChanged"`
			Subscribe   bool `json:"subscribe"`
		}{ListChanged: true, Subscribe: true},
	}
	if d := e.srv.TaskDispatcher(); d != nil {
		caps.Tasks = &mcp.TasksCapability{
			Requests: &mcp.TasksRequestsCapability{
				ToolsCall:     &struct{}{},
				ResourcesRead: &struct{}{},
				PromptsGet:    &struct{}{},
			},
			List:   &struct{}{},
			Cancel: &struct{}{},
		}
	}
	return caps
}

func (e *Engine) createSession(ctx context.Context, userID, protocolVersion string, client sessions.ClientInfo) (*SessionHandle, error) {
	if userID == "" { // user scoping required for auth boundary
		return nil, ErrInvalidUserID
	}
	start := time.Now()
	sid := uuid.NewString()
	now := time.Now().UTC()
	metaRec := &sessions.SessionMetadata{
		MetaVersion:     1,
		SessionID:       sid,
		UserID:          userID,
		ProtocolVersion: protocolVersion,
		Client:          client,
		State:           sessions.SessionStatePending,
		CreatedAt:       now,
		UpdatedAt:       now,
		LastAccess:      now,
		TTL:             e.handshakeTTL,
		MaxLifetime:     e.sessionMaxLifetime,
		Revoked:         false,
	}
	if err := e.host.CreateSession(ctx, metaRec); err != nil {
		ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sid, UserID: userID})
		e.log.ErrorContext(ctx, "engine.create_session.fail", slog.String("err", err.Error()))
		return nil, fmt.Errorf("create session: %w", err)
	}

	sess := NewSessionHandle(metaRec)

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID:       sess.SessionID(),
		UserID:          sess.UserID(),
		ProtocolVersion: sess.ProtocolVersion(),
		State:           sess.State(),
	})
	e.log.InfoContext(ctx, "engine.create_session.ok", slog.Duration("dur", time.Since(start)))

	return sess, nil
}

// HandleRequest dispatches a client request against the session and returns
// the JSON-RPC response to deliver. Protocol-level failures come back as
// error responses with a nil error; a non-nil error means the transport
// should abandon the exchange entirely.
func (e *Engine) HandleRequest(ctx context.Context, sess *SessionHandle, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	// A pending session has not finished the initialize handshake. Only ping
	// is honored until notifications/initialized arrives.
	if sess.State() == sessions.SessionStatePending && req.Method != string(mcp.PingMethod) {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidRequest, "session not initialized", nil), nil
	}

	switch req.Method {
	case string(mcp.ToolsListMethod):
		return e.handleToolsList(ctx, sess, req)
	case string(mcp.ToolsCallMethod):
		return e.handleToolCall(ctx, sess, req)
	case string(mcp.PromptsListMethod):
		return e.handlePromptsList(ctx, sess, req)
	case string(mcp.PromptsGetMethod):
		return e.handlePromptsGet(ctx, sess, req)
	case string(mcp.ResourcesListMethod):
		return e.handleResourcesList(ctx, sess, req)
	case string(mcp.ResourcesReadMethod):
		return e.handleResourcesRead(ctx, sess, req)
	case string(mcp.ResourcesTemplatesListMethod):
		return e.handleResourcesTemplatesList(ctx, sess, req)
	case string(mcp.ResourcesSubscribeMethod):
		return e.handleResourcesSubscribe(ctx, sess, req)
	case string(mcp.ResourcesUnsubscribeMethod):
		return e.handleResourcesUnsubscribe(ctx, sess, req)
	case string(mcp.TasksGetMethod):
		return e.handleTasksGet(ctx, sess, req)
	case string(mcp.TasksResultMethod):
		return e.handleTasksResult(ctx, sess, req)
	case string(mcp.TasksListMethod):
		return e.handleTasksList(ctx, sess, req)
	case string(mcp.TasksCancelMethod):
		return e.handleTasksCancel(ctx, sess, req)
	case string(mcp.PingMethod):
		return jsonrpc.NewResultResponse(req.ID, &mcp.EmptyResult{})
	}

	return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, "method not supported", nil), nil
}

func (e *Engine) handleToolsList(ctx context.Context, sess *SessionHandle, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	start := time.Now()
	log := e.log.With(slog.String("method", req.Method))

	var params mcp.ListToolsRequest
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", err.Error()), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil), nil
		}
	}

	var cursor *string
	if params.Cursor != "" {
		s := params.Cursor
		cursor = &s
	}

	page, err := e.srv.ListTools(ctx, sess, cursor)
	if err != nil {
		return e.errorResponse(ctx, log, start, req, err), nil
	}

	result := &mcp.ListToolsResult{Tools: page.Items}
	if page.NextCursor != nil {
		result.NextCursor = *page.NextCursor
	}

	log.InfoContext(ctx, "engine.handle_request.ok", slog.Int64("dur_ms", time.Since(start).Milliseconds()), slog.Int("tool_count", len(page.Items)))
	return jsonrpc.NewResultResponse(req.ID, result)
}

func (e *Engine) handlePromptsList(ctx context.Context, sess *SessionHandle, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	start := time.Now()
	log := e.log.With(slog.String("method", req.Method))

	var params mcp.ListPromptsRequest
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", err.Error()), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil), nil
		}
	}

	var cursor *string
	if params.Cursor != "" {
		s := params.Cursor
		cursor = &s
	}

	page, err := e.srv.ListPrompts(ctx, sess, cursor)
	if err != nil {
		return e.errorResponse(ctx, log, start, req, err), nil
	}

	result := &mcp.ListPromptsResult{Prompts: page.Items}
	if page.NextCursor != nil {
		result.NextCursor = *page.NextCursor
	}

	log.InfoContext(ctx, "engine.handle_request.ok", slog.Int64("dur_ms", time.Since(start).Milliseconds()), slog.Int("prompt_count", len(page.Items)))
	return jsonrpc.NewResultResponse(req.ID, result)
}

func (e *Engine) handleResourcesList(ctx context.Context, sess *SessionHandle, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	start := time.Now()
	log := e.log.With(slog.String("method", req.Method))

	var params mcp.ListResourcesRequest
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", err.Error()), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil), nil
		}
	}

	var cursor *string
	if params.Cursor != "" {
		s := params.Cursor
		cursor = &s
	}

	page, err := e.srv.ListResources(ctx, sess, cursor)
	if err != nil {
		return e.errorResponse(ctx, log, start, req, err), nil
	}

	result := &mcp.ListResourcesResult{Resources: page.Items}
	if page.NextCursor != nil {
		result.NextCursor = *page.NextCursor
	}

	log.InfoContext(ctx, "engine.handle_request.ok", slog.Int64("dur_ms", time.Since(start).Milliseconds()), slog.Int("resource_count", len(page.Items)))
	return jsonrpc.NewResultResponse(req.ID, result)
}

func (e *Engine) handleResourcesTemplatesList(ctx context.Context, sess *SessionHandle, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	start := time.Now()
	log := e.log.With(slog.String("method", req.Method))

	var params mcp.ListResourceTemplatesRequest
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", err.Error()), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil), nil
		}
	}

	var cursor *string
	if params.Cursor != "" {
		s := params.Cursor
		cursor = &s
	}

	page, err := e.srv.ListResourceTemplates(ctx, sess, cursor)
	if err != nil {
		return e.errorResponse(ctx, log, start, req, err), nil
	}

	result := &mcp.ListResourceTemplatesResult{ResourceTemplates: page.Items}
	if page.NextCursor != nil {
		result.NextCursor = *page.NextCursor
	}

	log.InfoContext(ctx, "engine.handle_request.ok", slog.Int64("dur_ms", time.Since(start).Milliseconds()), slog.Int("template_count", len(page.Items)))
	return jsonrpc.NewResultResponse(req.ID, result)
}

func (e *Engine) handleToolCall(ctx context.Context, sess *SessionHandle, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	start := time.Now()
	log := e.log.With(slog.String("method", req.Method))

	var params mcp.CallToolRequestReceived
	if err := json.Unmarshal(req.Params, &params); err != nil {
		log.InfoContext(ctx, "engine.handle_request.invalid", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil), nil
	}
	if params.Name == "" {
		log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", "missing tool name"), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil), nil
	}

	ctx = logctx.WithComponentData(ctx, &logctx.ComponentData{Kind: string(compose.KindTool), ID: params.Name})

	callCtx, release, errRes := e.trackCall(ctx, log, req)
	if errRes != nil {
		return errRes, nil
	}
	defer release()

	res, handle, err := e.srv.CallTool(callCtx, sess, &params, taskMeta(params.Task))
	if err != nil {
		return e.errorResponse(ctx, log, start, req, err), nil
	}
	if handle != nil {
		log.InfoContext(ctx, "engine.handle_request.accepted", slog.Int64("dur_ms", time.Since(start).Milliseconds()), slog.String("task_id", handle.TaskID))
		return jsonrpc.NewResultResponse(req.ID, &mcp.CreateTaskResult{Task: handle.Wire()})
	}

	log.InfoContext(ctx, "engine.handle_request.ok", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
	return jsonrpc.NewResultResponse(req.ID, res)
}

func (e *Engine) handlePromptsGet(ctx context.Context, sess *SessionHandle, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	start := time.Now()
	log := e.log.With(slog.String("method", req.Method))

	var params mcp.GetPromptRequestReceived
	if err := json.Unmarshal(req.Params, &params); err != nil {
		log.InfoContext(ctx, "engine.handle_request.invalid", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil), nil
	}
	if params.Name == "" {
		log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", "missing prompt name"), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil), nil
	}

	ctx = logctx.WithComponentData(ctx, &logctx.ComponentData{Kind: string(compose.KindPrompt), ID: params.Name})

	callCtx, release, errRes := e.trackCall(ctx, log, req)
	if errRes != nil {
		return errRes, nil
	}
	defer release()

	res, handle, err := e.srv.GetPrompt(callCtx, sess, &params, taskMeta(params.Task))
	if err != nil {
		return e.errorResponse(ctx, log, start, req, err), nil
	}
	if handle != nil {
		log.InfoContext(ctx, "engine.handle_request.accepted", slog.Int64("dur_ms", time.Since(start).Milliseconds()), slog.String("task_id", handle.TaskID))
		return jsonrpc.NewResultResponse(req.ID, &mcp.CreateTaskResult{Task: handle.Wire()})
	}

	log.InfoContext(ctx, "engine.handle_request.ok", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
	return jsonrpc.NewResultResponse(req.ID, res)
}

func (e *Engine) handleResourcesRead(ctx context.Context, sess *SessionHandle, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	start := time.Now()
	log := e.log.With(slog.String("method", req.Method))

	var params mcp.ReadResourceRequest
	if err := json.Unmarshal(req.Params, &params); err != nil {
		log.InfoContext(ctx, "engine.handle_request.invalid", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil), nil
	}
	if params.URI == "" {
		log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", "missing resource uri"), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil), nil
	}

	ctx = logctx.WithComponentData(ctx, &logctx.ComponentData{Kind: string(compose.KindResource), ID: params.URI})

	callCtx, release, errRes := e.trackCall(ctx, log, req)
	if errRes != nil {
		return errRes, nil
	}
	defer release()

	res, handle, err := e.srv.ReadResource(callCtx, sess, params.URI, taskMeta(params.Task))
	if err != nil {
		return e.errorResponse(ctx, log, start, req, err), nil
	}
	if handle != nil {
		log.InfoContext(ctx, "engine.handle_request.accepted", slog.Int64("dur_ms", time.Since(start).Milliseconds()), slog.String("task_id", handle.TaskID))
		return jsonrpc.NewResultResponse(req.ID, &mcp.CreateTaskResult{Task: handle.Wire()})
	}

	log.InfoContext(ctx, "engine.handle_request.ok", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
	return jsonrpc.NewResultResponse(req.ID, res)
}

// taskMeta converts the wire task request block into dispatch metadata. A
// nil block means the caller wants a synchronous response.
func taskMeta(req *mcp.TaskRequestMeta) *tasks.Meta {
	if req == nil {
		return nil
	}
	return tasks.NewMeta(time.Duration(req.TTL) * time.Millisecond)
}

// trackCall derives a cancellable context for an in-flight request and
// registers it so a notifications/cancelled arriving on this instance or a
// peer can abort it. The returned release must run once the request settles.
func (e *Engine) trackCall(ctx context.Context, log *slog.Logger, req *jsonrpc.Request) (context.Context, func(), *jsonrpc.Response) {
	reqID := req.ID.String()
	if reqID == "" {
		log.ErrorContext(ctx, "engine.handle_request.fail", slog.String("err", "missing request ID"))
		return nil, nil, jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidRequest, "missing request ID", nil)
	}

	callCtx, cancel := context.WithCancelCause(ctx)

	e.callMu.Lock()
	if _, exists := e.callCancels[reqID]; exists {
		e.callMu.Unlock()
		cancel(context.Canceled)
		// Request IDs are unique per session; a duplicate is a client bug.
		log.ErrorContext(ctx, "engine.handle_request.fail", slog.String("err", "duplicate request ID"))
		return nil, nil, jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidRequest, "duplicate request ID", nil)
	}
	e.callCancels[reqID] = cancel
	e.callMu.Unlock()

	release := func() {
		e.callMu.Lock()
		delete(e.callCancels, reqID)
		e.callMu.Unlock()
		cancel(context.Canceled)
	}
	return callCtx, release, nil
}

func (e *Engine) handleResourcesSubscribe(ctx context.Context, sess *SessionHandle, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	start := time.Now()
	log := e.log.With(slog.String("method", req.Method))

	var params mcp.SubscribeRequest
	if err := json.Unmarshal(req.Params, &params); err != nil || params.URI == "" {
		log.InfoContext(ctx, "engine.handle_request.invalid", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil), nil
	}

	ctx = logctx.WithComponentData(ctx, &logctx.ComponentData{Kind: string(compose.KindResource), ID: params.URI})

	// Accepting a subscription for a hidden or unknown resource would leak
	// its existence through later updated notifications, so resolve first.
	if err := e.checkResourceVisible(ctx, params.URI); err != nil {
		return e.errorResponse(ctx, log, start, req, err), nil
	}

	e.srv.Subscriptions().Subscribe(params.URI, sess.SessionID())
	e.ensureUpdateBridge(params.URI)

	log.InfoContext(ctx, "engine.handle_request.ok", slog.Int64("dur_ms", time.Since(start).Milliseconds()), slog.String("uri", params.URI))
	return jsonrpc.NewResultResponse(req.ID, &mcp.EmptyResult{})
}

func (e *Engine) handleResourcesUnsubscribe(ctx context.Context, sess *SessionHandle, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	start := time.Now()
	log := e.log.With(slog.String("method", req.Method))

	var params mcp.UnsubscribeRequest
	if err := json.Unmarshal(req.Params, &params); err != nil || params.URI == "" {
		log.InfoContext(ctx, "engine.handle_request.invalid", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil), nil
	}

	// Drop locally first for same-instance determinism, then tell peers.
	// Redelivery to this instance is idempotent.
	e.srv.Subscriptions().Unsubscribe(params.URI, sess.SessionID())

	note := &jsonrpc.Request{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: string(mcp.ResourcesUnsubscribeMethod), Params: req.Params}
	if bytes, err := json.Marshal(note); err == nil {
		if err := e.fanout(context.WithoutCancel(ctx), sess, bytes); err != nil {
			log.ErrorContext(ctx, "engine.publish_event.err", slog.String("err", err.Error()))
		}
	}

	log.InfoContext(ctx, "engine.handle_request.ok", slog.Int64("dur_ms", time.Since(start).Milliseconds()), slog.String("uri", params.URI))
	return jsonrpc.NewResultResponse(req.ID, &mcp.EmptyResult{})
}

// checkResourceVisible resolves uri against concrete resources first and
// template expansion second, mirroring the read path. It returns nil when a
// visible component serves the uri.
func (e *Engine) checkResourceVisible(ctx context.Context, uri string) error {
	_, ok, err := e.srv.ResolveComponent(ctx, compose.KindResource, uri)
	if err != nil || ok {
		return err
	}
	_, ok, err = e.srv.ResolveComponent(ctx, compose.KindTemplate, uri)
	if err != nil || ok {
		return err
	}
	return &compose.NotFoundError{Kind: compose.KindResource, ID: uri}
}

// ensureUpdateBridge starts, once per URI, a goroutine that turns provider
// update ticks into notifications/resources/updated for the URI's current
// subscribers. Ticks with no subscribers are dropped, not buffered.
func (e *Engine) ensureUpdateBridge(uri string) {
	e.bridgeMu.Lock()
	if e.bridges[uri] {
		e.bridgeMu.Unlock()
		return
	}
	e.bridges[uri] = true
	e.bridgeMu.Unlock()

	ch := e.srv.UpdateSubscriber(uri)
	go func() {
		for {
			select {
			case <-e.done:
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				if subs := e.srv.Subscriptions().Subscribers(uri); len(subs) > 0 {
					e.publishResourceUpdated(uri, subs)
				}
			}
		}
	}()
}

func (e *Engine) publishResourceUpdated(uri string, sids []string) {
	raw, err := json.Marshal(&mcp.ResourceUpdatedNotification{URI: uri})
	if err != nil {
		return
	}
	note := &jsonrpc.Request{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: string(mcp.ResourcesUpdatedNotificationMethod), Params: raw}
	bytes, err := json.Marshal(note)
	if err != nil {
		return
	}
	ctx := context.Background()
	for _, sid := range sids {
		if _, err := e.host.PublishSession(ctx, sid, bytes); err != nil {
			e.log.Error("engine.resource_updated.publish.fail", slog.String("uri", uri), slog.String("err", err.Error()))
		}
	}
}

func (e *Engine) handleTasksGet(ctx context.Context, sess *SessionHandle, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	start := time.Now()
	log := e.log.With(slog.String("method", req.Method))

	d := e.srv.TaskDispatcher()
	if d == nil {
		log.InfoContext(ctx, "engine.handle_request.unsupported", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, "tasks not supported", nil), nil
	}

	var params mcp.GetTaskRequest
	if err := json.Unmarshal(req.Params, &params); err != nil || params.TaskID == "" {
		log.InfoContext(ctx, "engine.handle_request.invalid", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil), nil
	}

	ctx = logctx.WithTaskData(ctx, &logctx.TaskData{TaskID: params.TaskID})

	h, err := d.Get(ctx, sess.UserID(), sess.SessionID(), params.TaskID)
	if err != nil {
		return e.errorResponse(ctx, log, start, req, err), nil
	}

	log.InfoContext(ctx, "engine.handle_request.ok", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
	return jsonrpc.NewResultResponse(req.ID, &mcp.GetTaskResult{Task: h.Wire()})
}

func (e *Engine) handleTasksResult(ctx context.Context, sess *SessionHandle, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	start := time.Now()
	log := e.log.With(slog.String("method", req.Method))

	d := e.srv.TaskDispatcher()
	if d == nil {
		log.InfoContext(ctx, "engine.handle_request.unsupported", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, "tasks not supported", nil), nil
	}

	var params mcp.GetTaskResultRequest
	if err := json.Unmarshal(req.Params, &params); err != nil || params.TaskID == "" {
		log.InfoContext(ctx, "engine.handle_request.invalid", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil), nil
	}

	ctx = logctx.WithTaskData(ctx, &logctx.TaskData{TaskID: params.TaskID})

	// The stored payload is already the operation's result object; it goes
	// onto the wire verbatim.
	raw, err := d.Result(ctx, sess.UserID(), sess.SessionID(), params.TaskID)
	if err != nil {
		return e.errorResponse(ctx, log, start, req, err), nil
	}

	log.InfoContext(ctx, "engine.handle_request.ok", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
	return jsonrpc.NewResultResponse(req.ID, raw)
}

func (e *Engine) handleTasksList(ctx context.Context, sess *SessionHandle, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	start := time.Now()
	log := e.log.With(slog.String("method", req.Method))

	d := e.srv.TaskDispatcher()
	if d == nil {
		log.InfoContext(ctx, "engine.handle_request.unsupported", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, "tasks not supported", nil), nil
	}

	var params mcp.ListTasksRequest
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			log.InfoContext(ctx, "engine.handle_request.invalid", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil), nil
		}
	}

	var cursor *string
	if params.Cursor != "" {
		s := params.Cursor
		cursor = &s
	}

	handles, next, err := d.List(ctx, sess.UserID(), sess.SessionID(), cursor, e.srv.PageSize())
	if err != nil {
		return e.errorResponse(ctx, log, start, req, err), nil
	}

	result := &mcp.ListTasksResult{Tasks: make([]mcp.Task, 0, len(handles))}
	for _, h := range handles {
		result.Tasks = append(result.Tasks, h.Wire())
	}
	if next != nil {
		result.NextCursor = *next
	}

	log.InfoContext(ctx, "engine.handle_request.ok", slog.Int64("dur_ms", time.Since(start).Milliseconds()), slog.Int("task_count", len(handles)))
	return jsonrpc.NewResultResponse(req.ID, result)
}

func (e *Engine) handleTasksCancel(ctx context.Context, sess *SessionHandle, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	start := time.Now()
	log := e.log.With(slog.String("method", req.Method))

	d := e.srv.TaskDispatcher()
	if d == nil {
		log.InfoContext(ctx, "engine.handle_request.unsupported", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, "tasks not supported", nil), nil
	}

	var params mcp.CancelTaskRequest
	if err := json.Unmarshal(req.Params, &params); err != nil || params.TaskID == "" {
		log.InfoContext(ctx, "engine.handle_request.invalid", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil), nil
	}

	ctx = logctx.WithTaskData(ctx, &logctx.TaskData{TaskID: params.TaskID})

	h, err := d.Cancel(ctx, sess.UserID(), sess.SessionID(), params.TaskID)
	if err != nil {
		return e.errorResponse(ctx, log, start, req, err), nil
	}

	log.InfoContext(ctx, "engine.handle_request.ok", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
	return jsonrpc.NewResultResponse(req.ID, &mcp.GetTaskResult{Task: h.Wire()})
}

// errorResponse maps a dispatch error onto the wire error vocabulary.
// Resolution failures and task lifecycle errors each carry a distinct code
// so clients can react without parsing messages.
func (e *Engine) errorResponse(ctx context.Context, log *slog.Logger, start time.Time, req *jsonrpc.Request, err error) *jsonrpc.Response {
	var (
		modeErr *tasks.ModeError
		nfErr   *compose.NotFoundError
		disErr  *compose.DisabledError
		beErr   *tasks.BackendError
		exErr   *tasks.ExecutionError
	)
	switch {
	case errors.As(err, &modeErr):
		log.InfoContext(ctx, "engine.handle_request.unsupported", slog.String("err", modeErr.Error()), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, modeErr.Error(), nil)
	case errors.As(err, &nfErr):
		log.InfoContext(ctx, "engine.handle_request.not_found", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeNotFound, nfErr.Error(), map[string]string{"kind": string(nfErr.Kind), "id": nfErr.ID})
	case errors.As(err, &disErr):
		log.InfoContext(ctx, "engine.handle_request.disabled", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeDisabled, disErr.Error(), map[string]string{"kind": string(disErr.Kind), "id": disErr.ID})
	case errors.Is(err, tasks.ErrTaskNotFound):
		log.InfoContext(ctx, "engine.handle_request.not_found", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeNotFound, err.Error(), nil)
	case errors.Is(err, tasks.ErrResultPending):
		log.InfoContext(ctx, "engine.handle_request.pending", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidRequest, err.Error(), nil)
	case errors.Is(err, tasks.ErrNotCancelable):
		log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", err.Error()), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidRequest, err.Error(), nil)
	case errors.Is(err, tasks.ErrInvalidCursor) || errors.Is(err, compose.ErrInvalidCursor):
		log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", err.Error()), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid cursor", nil)
	case errors.Is(err, compose.ErrAborted):
		log.InfoContext(ctx, "engine.handle_request.aborted", slog.String("err", err.Error()), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidRequest, err.Error(), nil)
	case errors.As(err, &beErr):
		log.ErrorContext(ctx, "engine.handle_request.fail", slog.String("err", beErr.Error()), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeBackendUnavailable, "task backend unavailable", nil)
	case errors.As(err, &exErr):
		log.InfoContext(ctx, "engine.handle_request.fail", slog.String("err", exErr.Error()), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, exErr.Error(), map[string]string{"taskId": exErr.TaskID, "status": string(exErr.Status)})
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		log.InfoContext(ctx, "engine.handle_request.cancelled", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "cancelled", nil)
	}

	log.ErrorContext(ctx, "engine.handle_request.fail", slog.String("err", err.Error()), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
	return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil)
}

// HandleNotification processes a client notification.
// notifications/initialized opens the session in place; everything else is
// fanned out so whichever instance owns the in-flight work can react.
func (e *Engine) HandleNotification(ctx context.Context, sess *SessionHandle, note *jsonrpc.Request) error {
	if note.Method == string(mcp.InitializedNotificationMethod) {
		// Open the session immediately on this instance to avoid local
		// races; peers observe the mutation when they next load it.
		now := time.Now().UTC()
		if err := e.host.MutateSession(ctx, sess.SessionID(), func(m *sessions.SessionMetadata) error {
			if m == nil || m.Revoked || m.UserID != sess.UserID() {
				return nil
			}
			// Idempotent: if already open, nothing to do.
			if m.State == sessions.SessionStateOpen {
				return nil
			}
			m.State = sessions.SessionStateOpen
			if m.OpenedAt.IsZero() {
				m.OpenedAt = now
			}
			m.TTL = e.sessionTTL
			m.UpdatedAt = now
			m.LastAccess = now
			return nil
		}); err != nil {
			e.log.ErrorContext(ctx, "engine.handle_notification.open.fail", slog.String("err", err.Error()))
		}

		e.log.InfoContext(ctx, "engine.session.initialized")
		return nil
	}

	if note.Method == string(mcp.CancelledNotificationMethod) {
		// Cancel locally before fanning out; same-instance requests should
		// not wait a bus round-trip. The fanout copy is idempotent here.
		var params mcp.CancelledNotification
		if err := json.Unmarshal(note.Params, &params); err == nil && params.RequestID != "" {
			e.cancelInFlightRequest(params.RequestID, params.Reason)
		}
	}

	noteBytes, err := json.Marshal(note)
	if err != nil {
		e.log.ErrorContext(ctx, "engine.handle_notification.err", slog.String("err", err.Error()))
		return fmt.Errorf("marshal notification: %w", err)
	}
	if err := e.fanout(ctx, sess, noteBytes); err != nil {
		e.log.ErrorContext(ctx, "engine.publish_event.err", slog.String("err", err.Error()))
		return fmt.Errorf("publish notification: %w", err)
	}

	e.log.InfoContext(ctx, "engine.handle_notification.ok")
	return nil
}

// fanout wraps msg in a session envelope and publishes it on the
// cross-instance topic.
func (e *Engine) fanout(ctx context.Context, sess *SessionHandle, msg []byte) error {
	env, err := json.Marshal(fanoutMessage{SessionID: sess.SessionID(), UserID: sess.UserID(), Msg: msg})
	if err != nil {
		return fmt.Errorf("marshal fanout message: %w", err)
	}
	return e.host.PublishEvent(ctx, sessionFanoutTopic, env)
}

func (e *Engine) cancelInFlightRequest(reqID string, reason string) bool {
	if reqID == "" {
		return false
	}

	e.callMu.Lock()
	cancel, exists := e.callCancels[reqID]
	e.callMu.Unlock()

	if !exists || cancel == nil {
		return false
	}
	if reason == "" {
		reason = "cancelled"
	}
	cancel(errors.New(reason))
	return true
}

// taskEvent forwards dispatcher and runner lifecycle events onto the owning
// session's stream as task notifications.
func (e *Engine) taskEvent(ctx context.Context, evt tasks.Event) {
	var (
		method mcp.Method
		params any
	)
	switch evt.Type {
	case tasks.EventCreated:
		method = mcp.TasksCreatedNotificationMethod
		params = &mcp.TaskCreatedNotification{Task: evt.Task}
	case tasks.EventStatus:
		method = mcp.TasksStatusNotificationMethod
		params = &mcp.TaskStatusNotification{TaskID: evt.Task.TaskID, Status: evt.Task.Status, StatusMessage: evt.Task.StatusMessage}
	default:
		return
	}

	raw, err := json.Marshal(params)
	if err != nil {
		e.log.ErrorContext(ctx, "engine.task_event.encode.fail", slog.String("err", err.Error()))
		return
	}
	note := &jsonrpc.Request{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: string(method), Params: raw}
	bytes, err := json.Marshal(note)
	if err != nil {
		e.log.ErrorContext(ctx, "engine.task_event.encode.fail", slog.String("err", err.Error()))
		return
	}

	// The event often fires inside a request that is about to return; the
	// publish must not die with it.
	if _, err := e.host.PublishSession(context.WithoutCancel(ctx), evt.SessionID, bytes); err != nil {
		e.log.ErrorContext(ctx, "engine.task_event.publish.fail", slog.String("err", err.Error()), slog.String("task_id", evt.Task.TaskID))
	}
}

// broadcastOnTick forwards catalogue change ticks to every locally tracked
// session as a no-param JSON-RPC notification.
func (e *Engine) broadcastOnTick(ctx context.Context, ch <-chan struct{}, method mcp.Method) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-ch:
			if !ok {
				return
			}
			e.broadcastNotification(ctx, method)
		}
	}
}

func (e *Engine) broadcastNotification(ctx context.Context, method mcp.Method) {
	note := &jsonrpc.Request{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: string(method)}
	bytes, err := json.Marshal(note)
	if err != nil {
		e.log.ErrorContext(ctx, "engine.broadcast.encode.fail", slog.String("err", err.Error()))
		return
	}
	for _, sid := range e.trackedSessions() {
		if _, err := e.host.PublishSession(ctx, sid, bytes); err != nil {
			if errors.Is(err, sessions.ErrSessionNotFound) {
				e.untrackSession(sid)
				continue
			}
			e.log.ErrorContext(ctx, "engine.broadcast.publish.fail", slog.String("err", err.Error()))
		}
	}
}

func (e *Engine) trackSession(sid string) {
	e.trackMu.Lock()
	e.tracked[sid] = struct{}{}
	e.trackMu.Unlock()
}

func (e *Engine) untrackSession(sid string) {
	e.trackMu.Lock()
	delete(e.tracked, sid)
	e.trackMu.Unlock()
}

func (e *Engine) trackedSessions() []string {
	e.trackMu.Lock()
	defer e.trackMu.Unlock()
	out := make([]string, 0, len(e.tracked))
	for sid := range e.tracked {
		out = append(out, sid)
	}
	return out
}

// handleSessionEvent processes one message from the inter-instance fanout
// topic. Malformed or irrelevant messages are dropped; the stream must keep
// moving.
func (e *Engine) handleSessionEvent(ctx context.Context, msg []byte) error {
	var fanout fanoutMessage
	if err := json.Unmarshal(msg, &fanout); err != nil {
		e.log.ErrorContext(ctx, "engine.handle_session_event.err", slog.String("err", err.Error()))
		return nil // ignore malformed messages
	}

	var jsonMsg jsonrpc.AnyMessage
	if err := json.Unmarshal(fanout.Msg, &jsonMsg); err != nil {
		e.log.ErrorContext(ctx, "engine.handle_session_event.unmarshal_err", slog.String("err", err.Error()))
		return nil
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: fanout.SessionID, UserID: fanout.UserID})
	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{
		Method: jsonMsg.Method,
		ID:     jsonMsg.ID.String(),
		Type:   jsonMsg.Type(),
	})

	e.log.InfoContext(ctx, "engine.handle_session_event.recv")

	req := jsonMsg.AsRequest()
	if req == nil {
		return nil
	}

	switch req.Method {
	case internalSessionDeletedMethod:
		// Teardown local per-session state.
		e.srv.Subscriptions().CleanupSession(fanout.SessionID)
		e.untrackSession(fanout.SessionID)
		return nil
	case string(mcp.CancelledNotificationMethod):
		var params mcp.CancelledNotification
		if err := json.Unmarshal(req.Params, &params); err != nil {
			e.log.ErrorContext(ctx, "engine.handle_session_event.err", slog.String("err", err.Error()))
			return nil
		}
		if params.RequestID != "" {
			had := e.cancelInFlightRequest(params.RequestID, params.Reason)
			e.log.InfoContext(ctx, "engine.handle_session_event.cancel", slog.String("request_id", params.RequestID), slog.Bool("had_cancel", had))
		}
		return nil
	case string(mcp.ResourcesUnsubscribeMethod):
		var params mcp.UnsubscribeRequest
		if err := json.Unmarshal(req.Params, &params); err != nil {
			e.log.ErrorContext(ctx, "engine.handle_session_event.err", slog.String("err", err.Error()))
			return nil
		}
		e.srv.Subscriptions().Unsubscribe(params.URI, fanout.SessionID)
		return nil
	}

	// Unknown fanout message; ignore.
	return nil
}

// LoadSession retrieves and validates session metadata, returning a handle.
// It verifies the session belongs to the given user and is not revoked, and
// performs a best-effort sliding TTL touch.
func (e *Engine) LoadSession(ctx context.Context, sessID, userID string) (*SessionHandle, error) {
	start := time.Now()
	metaRec, err := e.host.GetSession(ctx, sessID)
	if err != nil {
		e.log.InfoContext(ctx, "engine.load_session.fail", slog.String("err", err.Error()))
		return nil, err
	}
	if metaRec.Revoked || metaRec.UserID == "" || metaRec.UserID != userID {
		e.log.InfoContext(ctx, "engine.load_session.denied")
		return nil, sessions.ErrSessionNotFound
	}
	// Best-effort sliding TTL touch.
	_ = e.host.TouchSession(ctx, sessID)

	e.trackSession(sessID)

	e.log.InfoContext(ctx, "engine.load_session.ok", slog.Duration("dur", time.Since(start)))
	return NewSessionHandle(metaRec), nil
}

// StreamSession attaches handler to the session's client-facing stream
// starting after lastEventID. It blocks until ctx ends or the handler
// returns an error.
func (e *Engine) StreamSession(ctx context.Context, sess *SessionHandle, lastEventID string, handler sessions.MessageHandlerFunction) error {
	return e.host.SubscribeSession(ctx, sess.SessionID(), lastEventID, handler)
}

// DeleteSession tears down a session: local subscription and tracking state
// is dropped, peers are told to do the same, and the host record is removed.
func (e *Engine) DeleteSession(ctx context.Context, sess *SessionHandle) error {
	sid := sess.SessionID()
	e.srv.Subscriptions().CleanupSession(sid)
	e.untrackSession(sid)

	note := &jsonrpc.Request{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: internalSessionDeletedMethod}
	bytes, _ := json.Marshal(note)
	if err := e.fanout(context.WithoutCancel(ctx), sess, bytes); err != nil {
		e.log.ErrorContext(ctx, "engine.delete_session.fanout.err", slog.String("err", err.Error()))
	}

	if err := e.host.DeleteSession(ctx, sid); err != nil {
		e.log.ErrorContext(ctx, "engine.delete_session.err", slog.String("err", err.Error()))
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// PublishToSession validates ownership and appends a JSON-RPC message to the
// per-session client-facing stream, returning the assigned event ID.
func (e *Engine) PublishToSession(ctx context.Context, sessID, userID string, msg jsonrpc.Message) (string, error) {
	meta, err := e.host.GetSession(ctx, sessID)
	if err != nil || meta == nil || meta.Revoked || meta.UserID != userID {
		return "", sessions.ErrSessionNotFound
	}
	evtID, err := e.host.PublishSession(ctx, sessID, msg)
	if err != nil {
		return "", fmt.Errorf("publish session: %w", err)
	}
	return evtID, nil
}
