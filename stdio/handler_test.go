package stdio

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mcpkit/compose-go/compose"
	"github.com/mcpkit/compose-go/internal/jsonrpc"
	"github.com/mcpkit/compose-go/mcp"
	"github.com/mcpkit/compose-go/sessions"
	"github.com/mcpkit/compose-go/storage/memory"
	"github.com/mcpkit/compose-go/tasks"
	"github.com/mcpkit/compose-go/tasks/memqueue"
)

// testHarness wires a Handler to in-memory pipes and collects stdout frames.
type testHarness struct {
	t         *testing.T
	ctx       context.Context
	cancel    context.CancelFunc
	stdinW    io.WriteCloser
	serveDone chan error
	outMu     sync.Mutex
	lines     []string
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newHarness(t *testing.T, srv *compose.Server, opts ...Option) *testHarness {
	t.Helper()

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	base := []Option{
		WithIO(inR, outW),
		WithLogger(discardLogger()),
		WithUserProvider(StaticUserProvider("stdio-test-user")),
	}
	h := NewHandler(srv, append(base, opts...)...)

	ctx, cancel := context.WithCancel(context.Background())
	th := &testHarness{t: t, ctx: ctx, cancel: cancel, stdinW: inW, serveDone: make(chan error, 1)}

	go func() {
		th.serveDone <- h.Serve(ctx)
	}()

	go func() {
		sc := bufio.NewScanner(outR)
		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			th.t.Logf("OUT: %s", line)
			th.outMu.Lock()
			th.lines = append(th.lines, line)
			th.outMu.Unlock()
		}
	}()

	t.Cleanup(func() {
		cancel()
		_ = inW.Close()
		_ = outW.Close()
		select {
		case <-th.serveDone:
		case <-time.After(2 * time.Second):
			t.Error("Serve did not stop")
		}
	})
	return th
}

// send writes one JSON-RPC message followed by a newline to stdin.
func (th *testHarness) send(req *jsonrpc.Request) error {
	b, err := json.Marshal(req)
	if err != nil {
		return err
	}
	_, err = th.stdinW.Write(append(b, '\n'))
	return err
}

// sendRaw writes an arbitrary line to stdin.
func (th *testHarness) sendRaw(line string) error {
	_, err := th.stdinW.Write([]byte(line + "\n"))
	return err
}

func (th *testHarness) nextLine(timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		th.outMu.Lock()
		if len(th.lines) > 0 {
			s := th.lines[0]
			th.lines = th.lines[1:]
			th.outMu.Unlock()
			return s, nil
		}
		th.outMu.Unlock()
		time.Sleep(2 * time.Millisecond)
	}
	return "", fmt.Errorf("timeout waiting for output line")
}

// expectResponse fails if the next frame is not a response.
func (th *testHarness) expectResponse(timeout time.Duration) (*jsonrpc.Response, error) {
	line, err := th.nextLine(timeout)
	if err != nil {
		return nil, err
	}
	var any jsonrpc.AnyMessage
	if err := json.Unmarshal([]byte(line), &any); err != nil {
		return nil, err
	}
	if any.Type() != "response" {
		return nil, fmt.Errorf("expected response, got %s (%s)", any.Type(), line)
	}
	return any.AsResponse(), nil
}

// awaitResponse discards notifications until a response frame arrives. Useful
// where server-initiated notifications interleave with the reply.
func (th *testHarness) awaitResponse(timeout time.Duration) (*jsonrpc.Response, error) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		line, err := th.nextLine(time.Until(deadline))
		if err != nil {
			return nil, err
		}
		var any jsonrpc.AnyMessage
		if err := json.Unmarshal([]byte(line), &any); err != nil {
			return nil, err
		}
		if any.Type() == "response" {
			return any.AsResponse(), nil
		}
	}
	return nil, fmt.Errorf("timeout waiting for response")
}

// drainUntilMethod consumes frames until one carries the given method.
// Response frames are pushed back so later expectations still see them.
func (th *testHarness) drainUntilMethod(method mcp.Method, timeout time.Duration) (*jsonrpc.Request, bool) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		line, err := th.nextLine(10 * time.Millisecond)
		if err != nil {
			continue
		}
		var any jsonrpc.AnyMessage
		if json.Unmarshal([]byte(line), &any) != nil {
			continue
		}
		if any.Type() == "response" {
			th.outMu.Lock()
			th.lines = append([]string{line}, th.lines...)
			th.outMu.Unlock()
			continue
		}
		if req := any.AsRequest(); req != nil && req.Method == string(method) {
			return req, true
		}
	}
	return nil, false
}

// initialize drives the handshake through to an open session.
func (th *testHarness) initialize(t *testing.T, id string) *mcp.InitializeResult {
	t.Helper()

	initReq := newRequest(t, id, mcp.InitializeMethod, mcp.InitializeRequest{
		ProtocolVersion: mcp.LatestProtocolVersion,
		ClientInfo:      mcp.ImplementationInfo{Name: "stdio-test-client", Version: "0.0.1"},
	})
	if err := th.send(initReq); err != nil {
		t.Fatalf("send initialize: %v", err)
	}
	res, err := th.expectResponse(2 * time.Second)
	if err != nil {
		t.Fatalf("expect initialize response: %v", err)
	}
	if res.Error != nil {
		t.Fatalf("initialize failed: %+v", res.Error)
	}
	var initRes mcp.InitializeResult
	if err := json.Unmarshal(res.Result, &initRes); err != nil {
		t.Fatalf("decode initialize result: %v", err)
	}

	note := &jsonrpc.Request{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: string(mcp.InitializedNotificationMethod)}
	if err := th.send(note); err != nil {
		t.Fatalf("send initialized: %v", err)
	}
	return &initRes
}

func newRequest(t *testing.T, id any, method mcp.Method, params any) *jsonrpc.Request {
	t.Helper()
	req := &jsonrpc.Request{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: string(method), ID: jsonrpc.NewRequestID(id)}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			t.Fatalf("encode params: %v", err)
		}
		req.Params = raw
	}
	return req
}

// --- fixtures ---

func textTool(name, reply string) *compose.Tool {
	return &compose.Tool{
		Descriptor: mcp.Tool{Name: name},
		Handler: func(context.Context, sessions.Session, *mcp.CallToolRequestReceived) (*mcp.CallToolResult, error) {
			return compose.TextResult(reply), nil
		},
	}
}

type addArgs struct {
	A int `json:"a"`
	B int `json:"b"`
}

func sumTool(name string, mode tasks.Mode) *compose.Tool {
	return compose.NewTool(name, func(_ context.Context, _ sessions.Session, w compose.ToolResponseWriter, r *compose.ToolRequest[addArgs]) error {
		return w.AppendText(strconv.Itoa(r.Args().A + r.Args().B))
	}, compose.WithToolTaskConfig(tasks.Config{Mode: mode}))
}

func echoResource(_ context.Context, _ sessions.Session, uri string) (*mcp.ReadResourceResult, error) {
	return &mcp.ReadResourceResult{
		Contents: []mcp.ResourceContents{{URI: uri, MimeType: "text/plain", Text: "contents of " + uri}},
	}, nil
}

// updatingCatalogue is a provider whose resources can signal content changes.
type updatingCatalogue struct {
	*compose.Registry
	mu        sync.Mutex
	notifiers map[string]*compose.ChangeNotifier
}

func newUpdatingCatalogue() *updatingCatalogue {
	return &updatingCatalogue{Registry: compose.NewRegistry(), notifiers: make(map[string]*compose.ChangeNotifier)}
}

func (p *updatingCatalogue) notifierFor(uri string) *compose.ChangeNotifier {
	p.mu.Lock()
	defer p.mu.Unlock()
	n, ok := p.notifiers[uri]
	if !ok {
		n = &compose.ChangeNotifier{}
		p.notifiers[uri] = n
	}
	return n
}

func (p *updatingCatalogue) SubscriberForURI(uri string) <-chan struct{} {
	return p.notifierFor(uri).Subscriber()
}

// --- tests ---

func TestInitialize_HappyPath(t *testing.T) {
	srv := compose.NewServer(
		compose.WithServerInfo("stdio-server", "1.0.0"),
		compose.WithInstructions("have fun"),
		compose.WithLogger(discardLogger()),
	)
	srv.AddTool(textTool("hello", "hi"))
	th := newHarness(t, srv)

	initRes := th.initialize(t, "init-1")
	if initRes.ProtocolVersion != mcp.LatestProtocolVersion {
		t.Fatalf("protocol version mismatch: %s", initRes.ProtocolVersion)
	}
	if initRes.ServerInfo.Name != "stdio-server" {
		t.Fatalf("unexpected server info: %+v", initRes.ServerInfo)
	}
	if initRes.Instructions != "have fun" {
		t.Fatalf("unexpected instructions: %q", initRes.Instructions)
	}
	if initRes.Capabilities.Tools == nil {
		t.Fatal("tools capability not advertised")
	}

	// A second initialize on the same connection is a protocol violation.
	if err := th.send(newRequest(t, "init-2", mcp.InitializeMethod, mcp.InitializeRequest{
		ProtocolVersion: mcp.LatestProtocolVersion,
		ClientInfo:      mcp.ImplementationInfo{Name: "stdio-test-client", Version: "0.0.1"},
	})); err != nil {
		t.Fatal(err)
	}
	res, err := th.expectResponse(2 * time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if res.Error == nil || res.Error.Code != jsonrpc.ErrorCodeInvalidRequest {
		t.Fatalf("expected invalid request for redundant initialize, got %+v", res)
	}
}

func TestRequests_RequireInitialize(t *testing.T) {
	srv := compose.NewServer(compose.WithLogger(discardLogger()))
	th := newHarness(t, srv)

	if err := th.send(newRequest(t, "1", mcp.ToolsListMethod, nil)); err != nil {
		t.Fatal(err)
	}
	res, err := th.expectResponse(2 * time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if res.Error == nil || res.Error.Code != jsonrpc.ErrorCodeInvalidRequest {
		t.Fatalf("expected invalid request before initialize, got %+v", res)
	}
	if res.Error.Message != "server not initialized" {
		t.Fatalf("unexpected message: %q", res.Error.Message)
	}
}

func TestHandshake_PendingSessionAnswersPing(t *testing.T) {
	srv := compose.NewServer(compose.WithLogger(discardLogger()))
	srv.AddTool(textTool("t", "x"))
	th := newHarness(t, srv)

	// Initialize but do not send notifications/initialized yet.
	if err := th.send(newRequest(t, "init-1", mcp.InitializeMethod, mcp.InitializeRequest{
		ProtocolVersion: mcp.LatestProtocolVersion,
		ClientInfo:      mcp.ImplementationInfo{Name: "stdio-test-client", Version: "0.0.1"},
	})); err != nil {
		t.Fatal(err)
	}
	if res, err := th.expectResponse(2 * time.Second); err != nil || res.Error != nil {
		t.Fatalf("initialize: res=%+v err=%v", res, err)
	}

	// Ping is the one request a pending session answers.
	if err := th.send(newRequest(t, "1", mcp.PingMethod, nil)); err != nil {
		t.Fatal(err)
	}
	res, err := th.expectResponse(2 * time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if res.Error != nil {
		t.Fatalf("ping on pending session failed: %+v", res.Error)
	}

	// Catalogue requests stay gated until initialized.
	if err := th.send(newRequest(t, "2", mcp.ToolsListMethod, nil)); err != nil {
		t.Fatal(err)
	}
	res, err = th.expectResponse(2 * time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if res.Error == nil || res.Error.Code != jsonrpc.ErrorCodeInvalidRequest {
		t.Fatalf("expected gating error before initialized, got %+v", res)
	}
}

func TestMalformedFrame_ParseError(t *testing.T) {
	srv := compose.NewServer(compose.WithLogger(discardLogger()))
	th := newHarness(t, srv)

	if err := th.sendRaw(`{"jsonrpc":"2.0",`); err != nil {
		t.Fatal(err)
	}
	res, err := th.expectResponse(2 * time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if res.Error == nil || res.Error.Code != jsonrpc.ErrorCodeParseError {
		t.Fatalf("expected parse error, got %+v", res)
	}
	if !res.ID.IsNil() {
		t.Fatalf("parse error response must not carry an ID: %+v", res.ID)
	}

	// The connection survives a bad frame.
	if err := th.sendRaw(""); err != nil {
		t.Fatal(err)
	}
	th.initialize(t, "init-1")
}

func TestTools_ListAndCall(t *testing.T) {
	srv := compose.NewServer(compose.WithLogger(discardLogger()))
	srv.AddTool(sumTool("add", tasks.ModeForbidden))
	th := newHarness(t, srv)

	th.initialize(t, "init-1")

	if err := th.send(newRequest(t, "1", mcp.ToolsListMethod, nil)); err != nil {
		t.Fatal(err)
	}
	res, err := th.expectResponse(2 * time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if res.Error != nil {
		t.Fatalf("list error: %+v", res.Error)
	}
	var list mcp.ListToolsResult
	if err := json.Unmarshal(res.Result, &list); err != nil {
		t.Fatal(err)
	}
	if len(list.Tools) != 1 || list.Tools[0].Name != "add" {
		t.Fatalf("unexpected tools: %+v", list.Tools)
	}

	if err := th.send(newRequest(t, "2", mcp.ToolsCallMethod, mcp.CallToolRequestReceived{
		Name:      "add",
		Arguments: json.RawMessage(`{"a":2,"b":3}`),
	})); err != nil {
		t.Fatal(err)
	}
	res, err = th.expectResponse(2 * time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if res.Error != nil {
		t.Fatalf("call error: %+v", res.Error)
	}
	var call mcp.CallToolResult
	if err := json.Unmarshal(res.Result, &call); err != nil {
		t.Fatal(err)
	}
	if len(call.Content) != 1 || call.Content[0].Text != "5" {
		t.Fatalf("unexpected call result: %+v", call)
	}

	// Unknown tools map to the component-not-found error.
	if err := th.send(newRequest(t, "3", mcp.ToolsCallMethod, mcp.CallToolRequestReceived{Name: "ghost"})); err != nil {
		t.Fatal(err)
	}
	res, err = th.expectResponse(2 * time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if res.Error == nil || res.Error.Code != jsonrpc.ErrorCodeNotFound {
		t.Fatalf("expected not found, got %+v", res)
	}
}

func TestCancellation_AbortsInFlightCall(t *testing.T) {
	block := compose.NewTool("block", func(ctx context.Context, _ sessions.Session, w compose.ToolResponseWriter, _ *compose.ToolRequest[struct{}]) error {
		// Progress doubles as a started signal so the test knows the engine
		// registered the cancellation handler for this request ID.
		_ = w.SendProgress(0, 1)
		<-ctx.Done()
		return ctx.Err()
	})
	srv := compose.NewServer(compose.WithLogger(discardLogger()))
	srv.AddTool(block)
	th := newHarness(t, srv)

	th.initialize(t, "init-1")

	if err := th.send(newRequest(t, "42", mcp.ToolsCallMethod, mcp.CallToolRequestReceived{Name: "block"})); err != nil {
		t.Fatal(err)
	}
	if _, ok := th.drainUntilMethod(mcp.ProgressNotificationMethod, 2*time.Second); !ok {
		t.Fatal("expected progress notification before cancelling")
	}

	params, err := json.Marshal(mcp.CancelledNotification{RequestID: "42", Reason: "test"})
	if err != nil {
		t.Fatal(err)
	}
	cancelNote := &jsonrpc.Request{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: string(mcp.CancelledNotificationMethod), Params: params}
	if err := th.send(cancelNote); err != nil {
		t.Fatal(err)
	}

	res, err := th.awaitResponse(3 * time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if res.Error == nil || res.Error.Code != jsonrpc.ErrorCodeInternalError {
		t.Fatalf("expected cancellation error response, got %+v", res)
	}
	if res.Error.Message != "cancelled" {
		t.Fatalf("unexpected error message: %q", res.Error.Message)
	}
}

func TestProgress_CorrelatedToRequest(t *testing.T) {
	ticker := compose.NewTool("ticker", func(_ context.Context, _ sessions.Session, w compose.ToolResponseWriter, _ *compose.ToolRequest[struct{}]) error {
		if err := w.SendProgress(1, 2); err != nil {
			return err
		}
		return w.AppendText("done")
	})
	srv := compose.NewServer(compose.WithLogger(discardLogger()))
	srv.AddTool(ticker)
	th := newHarness(t, srv)

	th.initialize(t, "init-1")

	if err := th.send(newRequest(t, "tick-7", mcp.ToolsCallMethod, mcp.CallToolRequestReceived{Name: "ticker"})); err != nil {
		t.Fatal(err)
	}
	note, ok := th.drainUntilMethod(mcp.ProgressNotificationMethod, 2*time.Second)
	if !ok {
		t.Fatal("expected progress notification")
	}
	var prog mcp.ProgressNotificationParams
	if err := json.Unmarshal(note.Params, &prog); err != nil {
		t.Fatal(err)
	}
	if prog.ProgressToken != "tick-7" {
		t.Fatalf("progress token not correlated: %+v", prog)
	}
	if prog.Progress != 1 || prog.Total != 2 {
		t.Fatalf("unexpected progress values: %+v", prog)
	}
	if res, err := th.awaitResponse(2 * time.Second); err != nil || res.Error != nil {
		t.Fatalf("tool call: res=%+v err=%v", res, err)
	}
}

func TestResources_ListReadSubscribeUpdate(t *testing.T) {
	const uri = "mem://a"
	p := newUpdatingCatalogue()
	p.AddResource(compose.NewResource(uri, "a", echoResource))
	srv := compose.NewServer(compose.WithLogger(discardLogger()), compose.WithProviders(p))
	th := newHarness(t, srv)

	th.initialize(t, "init-1")

	if err := th.send(newRequest(t, "1", mcp.ResourcesListMethod, nil)); err != nil {
		t.Fatal(err)
	}
	res, err := th.expectResponse(2 * time.Second)
	if err != nil {
		t.Fatal(err)
	}
	var list mcp.ListResourcesResult
	if err := json.Unmarshal(res.Result, &list); err != nil {
		t.Fatal(err)
	}
	if len(list.Resources) != 1 || list.Resources[0].URI != uri {
		t.Fatalf("unexpected resources: %+v", list.Resources)
	}

	if err := th.send(newRequest(t, "2", mcp.ResourcesReadMethod, mcp.ReadResourceRequest{URI: uri})); err != nil {
		t.Fatal(err)
	}
	res, err = th.expectResponse(2 * time.Second)
	if err != nil {
		t.Fatal(err)
	}
	var read mcp.ReadResourceResult
	if err := json.Unmarshal(res.Result, &read); err != nil {
		t.Fatal(err)
	}
	if len(read.Contents) != 1 || read.Contents[0].Text != "contents of "+uri {
		t.Fatalf("unexpected contents: %+v", read.Contents)
	}

	if err := th.send(newRequest(t, "3", mcp.ResourcesSubscribeMethod, mcp.SubscribeRequest{URI: uri})); err != nil {
		t.Fatal(err)
	}
	if res, err = th.expectResponse(2 * time.Second); err != nil || res.Error != nil {
		t.Fatalf("subscribe: res=%+v err=%v", res, err)
	}

	if err := p.notifierFor(uri).Notify(th.ctx); err != nil {
		t.Fatal(err)
	}
	note, ok := th.drainUntilMethod(mcp.ResourcesUpdatedNotificationMethod, 3*time.Second)
	if !ok {
		t.Fatal("expected resources/updated after change")
	}
	var upd mcp.ResourceUpdatedNotification
	if err := json.Unmarshal(note.Params, &upd); err != nil {
		t.Fatal(err)
	}
	if upd.URI != uri {
		t.Fatalf("updated for wrong uri: %+v", upd)
	}

	if err := th.send(newRequest(t, "4", mcp.ResourcesUnsubscribeMethod, mcp.UnsubscribeRequest{URI: uri})); err != nil {
		t.Fatal(err)
	}
	if res, err = th.expectResponse(2 * time.Second); err != nil || res.Error != nil {
		t.Fatalf("unsubscribe: res=%+v err=%v", res, err)
	}
	if err := p.notifierFor(uri).Notify(th.ctx); err != nil {
		t.Fatal(err)
	}
	if _, ok := th.drainUntilMethod(mcp.ResourcesUpdatedNotificationMethod, 150*time.Millisecond); ok {
		t.Fatal("unexpected update after unsubscribe")
	}
}

func TestListChanged_Broadcast(t *testing.T) {
	srv := compose.NewServer(compose.WithLogger(discardLogger()))
	th := newHarness(t, srv)

	th.initialize(t, "init-1")

	// The broadcast loop attaches asynchronously; keep nudging the registry
	// until a tick lands.
	deadline := time.Now().Add(5 * time.Second)
	for i := 0; ; i++ {
		srv.AddTool(textTool(fmt.Sprintf("probe-%d", i), "x"))
		if _, ok := th.drainUntilMethod(mcp.ToolsListChangedNotificationMethod, 150*time.Millisecond); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("tools list_changed never reached stdout")
		}
	}

	srv.AddPrompt(compose.NewPrompt("p", func(_ context.Context, _ sessions.Session, _ *mcp.GetPromptRequestReceived) (*mcp.GetPromptResult, error) {
		return &mcp.GetPromptResult{}, nil
	}))
	if note, ok := th.drainUntilMethod(mcp.PromptsListChangedNotificationMethod, 3*time.Second); !ok {
		t.Fatal("expected prompts list_changed")
	} else if note.ID != nil && !note.ID.IsNil() {
		t.Fatalf("notification must not carry an ID: %+v", note.ID)
	}

	srv.AddResource(compose.NewResource("mem://nine", "nine", echoResource))
	if _, ok := th.drainUntilMethod(mcp.ResourcesListChangedNotificationMethod, 3*time.Second); !ok {
		t.Fatal("expected resources list_changed")
	}
}

func TestBackgroundTask_OverStdio(t *testing.T) {
	kv, err := memory.New(0)
	if err != nil {
		t.Fatalf("creating storage: %v", err)
	}
	t.Cleanup(func() { _ = kv.Close() })
	store := tasks.NewStore(kv)
	queue := memqueue.New(16)
	dispatcher := tasks.NewDispatcher(store, queue, tasks.DispatcherConfig{Logger: discardLogger()})

	srv := compose.NewServer(
		compose.WithLogger(discardLogger()),
		compose.WithTaskDispatcher(dispatcher),
	)
	srv.AddTool(sumTool("add", tasks.ModeOptional))

	runner := tasks.NewRunner(store, queue, tasks.RunnerConfig{
		Workers:  2,
		Logger:   discardLogger(),
		Resolver: srv.TaskInvoker,
	})

	th := newHarness(t, srv, WithTaskRunner(runner))
	th.initialize(t, "init-1")

	// Task-augmented call answers with a handle, not a result.
	if err := th.send(newRequest(t, "1", mcp.ToolsCallMethod, mcp.CallToolRequestReceived{
		Name:      "add",
		Arguments: json.RawMessage(`{"a":19,"b":23}`),
		Task:      &mcp.TaskRequestMeta{TTL: 60_000},
	})); err != nil {
		t.Fatal(err)
	}
	res, err := th.awaitResponse(3 * time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if res.Error != nil {
		t.Fatalf("create error: %+v", res.Error)
	}
	var created mcp.CreateTaskResult
	if err := json.Unmarshal(res.Result, &created); err != nil {
		t.Fatal(err)
	}
	if created.Task.TaskID == "" || created.Task.Status != mcp.TaskStatusWorking {
		t.Fatalf("unexpected create result: %+v", created.Task)
	}
	taskID := created.Task.TaskID

	// Status notifications stream to the client; wait for the terminal one.
	deadline := time.Now().Add(5 * time.Second)
	for {
		note, ok := th.drainUntilMethod(mcp.TasksStatusNotificationMethod, time.Until(deadline))
		if !ok {
			t.Fatal("task never reported terminal status")
		}
		var status mcp.TaskStatusNotification
		if err := json.Unmarshal(note.Params, &status); err != nil {
			t.Fatal(err)
		}
		if status.TaskID != taskID {
			continue
		}
		if status.Status == mcp.TaskStatusCompleted {
			break
		}
		if status.Status == mcp.TaskStatusFailed {
			t.Fatalf("task failed: %+v", status)
		}
	}

	if err := th.send(newRequest(t, "2", mcp.TasksGetMethod, mcp.GetTaskRequest{TaskID: taskID})); err != nil {
		t.Fatal(err)
	}
	res, err = th.awaitResponse(3 * time.Second)
	if err != nil {
		t.Fatal(err)
	}
	var got mcp.GetTaskResult
	if err := json.Unmarshal(res.Result, &got); err != nil {
		t.Fatal(err)
	}
	if got.Status != mcp.TaskStatusCompleted {
		t.Fatalf("unexpected task status: %+v", got)
	}

	if err := th.send(newRequest(t, "3", mcp.TasksResultMethod, mcp.GetTaskResultRequest{TaskID: taskID})); err != nil {
		t.Fatal(err)
	}
	res, err = th.awaitResponse(3 * time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if res.Error != nil {
		t.Fatalf("result error: %+v", res.Error)
	}
	var call mcp.CallToolResult
	if err := json.Unmarshal(res.Result, &call); err != nil {
		t.Fatal(err)
	}
	if len(call.Content) != 1 || call.Content[0].Text != "42" {
		t.Fatalf("unexpected stored result: %+v", call)
	}
}

func TestServe_EndsOnEOF(t *testing.T) {
	srv := compose.NewServer(compose.WithLogger(discardLogger()))
	th := newHarness(t, srv)

	th.initialize(t, "init-1")

	if err := th.stdinW.Close(); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-th.serveDone:
		if err != nil {
			t.Fatalf("expected clean shutdown on EOF, got %v", err)
		}
		th.serveDone <- nil
	case <-time.After(3 * time.Second):
		t.Fatal("Serve did not end on EOF")
	}
}

func TestServe_OncePerHandler(t *testing.T) {
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	t.Cleanup(func() {
		_ = inW.Close()
		_ = outW.Close()
		_ = inR.Close()
		_ = outR.Close()
	})

	srv := compose.NewServer(compose.WithLogger(discardLogger()))
	h := NewHandler(srv,
		WithIO(inR, outW),
		WithLogger(discardLogger()),
		WithUserProvider(StaticUserProvider("stdio-test-user")),
	)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := h.Serve(ctx); err == nil {
		t.Fatal("expected canceled context error")
	}
	if err := h.Serve(context.Background()); err == nil {
		t.Fatal("expected second Serve to be rejected")
	}
}

func TestServe_RejectsEmptyUser(t *testing.T) {
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	t.Cleanup(func() {
		_ = inW.Close()
		_ = outW.Close()
		_ = inR.Close()
		_ = outR.Close()
	})

	srv := compose.NewServer(compose.WithLogger(discardLogger()))
	h := NewHandler(srv,
		WithIO(inR, outW),
		WithLogger(discardLogger()),
		WithUserProvider(StaticUserProvider("")),
	)
	if err := h.Serve(context.Background()); err == nil {
		t.Fatal("expected empty user to be rejected")
	}
}
