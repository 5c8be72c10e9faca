package stdio

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/mcpkit/compose-go/compose"
	"github.com/mcpkit/compose-go/internal/engine"
	"github.com/mcpkit/compose-go/internal/jsonrpc"
	"github.com/mcpkit/compose-go/internal/logctx"
	"github.com/mcpkit/compose-go/mcp"
	"github.com/mcpkit/compose-go/sessions"
	"github.com/mcpkit/compose-go/sessions/memoryhost"
	"github.com/mcpkit/compose-go/tasks"
)

// maxFrameBytes bounds a single newline-delimited JSON-RPC frame. Large tool
// results fit comfortably; anything bigger is a protocol violation.
const maxFrameBytes = 8 << 20

var errNotInitialized = errors.New("server not initialized")

// Handler is a single-connection stdio transport that reads JSON-RPC messages
// from an io.Reader and writes responses to an io.Writer. By default, it uses
// os.Stdin and os.Stdout. It authenticates the peer using a UserProvider,
// which defaults to the current OS user ID.
//
// The handler is transport-only; it delegates all MCP semantics to the
// provided compose.Server. Sessions are ephemeral: each Serve call hosts
// exactly one session in process-local memory.
type Handler struct {
	srv          *compose.Server
	r            io.Reader
	w            io.Writer
	l            *slog.Logger
	userProvider UserProvider
	runner       *tasks.Runner

	writeMu sync.Mutex

	mu     sync.Mutex
	served bool
}

// NewHandler constructs a stdio Handler with defaults and applies options.
func NewHandler(srv *compose.Server, opts ...Option) *Handler {
	h := &Handler{
		srv:          srv,
		r:            os.Stdin,
		w:            os.Stdout,
		l:            slog.Default(),
		userProvider: OSUserProvider{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	h.l = slog.New(logctx.Handler{Handler: h.l.Handler()})
	return h
}

// Serve runs the stdio event loop until EOF on the reader or the context is
// canceled. It is safe to call at most once per Handler. Serve owns:
//   - JSON-RPC message framing (newline-delimited)
//   - the initialize/initialized lifecycle against an ephemeral in-memory
//     session
//   - routing requests and notifications into the dispatch engine
//   - pumping server-to-client notifications onto the writer
//
// Requests execute concurrently so a long-running call does not block the
// read loop; notifications/cancelled therefore aborts in-flight work.
func (h *Handler) Serve(ctx context.Context) error {
	h.mu.Lock()
	if h.served {
		h.mu.Unlock()
		return errors.New("stdio: Serve may be called at most once per Handler")
	}
	h.served = true
	h.mu.Unlock()

	userID, err := h.userProvider.CurrentUserID()
	if err != nil {
		return fmt.Errorf("stdio: resolve user: %w", err)
	}
	if userID == "" {
		return errors.New("stdio: user provider returned an empty user id")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	engOpts := []engine.EngineOption{engine.WithLogger(h.l)}
	if h.runner != nil {
		engOpts = append(engOpts, engine.WithTaskRunner(h.runner))
	}
	eng := engine.NewEngine(memoryhost.New(), h.srv, engOpts...)

	runDone := make(chan error, 1)
	go func() { runDone <- eng.Run(ctx) }()

	conn := &stdioConn{h: h, eng: eng, userID: userID}

	// The reader goroutine may stay blocked in Read after cancellation; that
	// is inherent to pipes and harmless, the process is going away.
	frames := make(chan []byte)
	scanErr := make(chan error, 1)
	go func() {
		defer close(frames)
		sc := bufio.NewScanner(h.r)
		sc.Buffer(make([]byte, 0, 64*1024), maxFrameBytes)
		for sc.Scan() {
			line := bytes.TrimSpace(sc.Bytes())
			if len(line) == 0 {
				continue
			}
			frame := append([]byte(nil), line...)
			select {
			case frames <- frame:
			case <-ctx.Done():
				return
			}
		}
		scanErr <- sc.Err()
	}()

	var loopErr error
loop:
	for {
		select {
		case <-ctx.Done():
			loopErr = ctx.Err()
			break loop
		case frame, ok := <-frames:
			if !ok {
				select {
				case err := <-scanErr:
					loopErr = err
				default:
				}
				break loop
			}
			conn.dispatch(ctx, frame)
		}
	}

	cancel()
	conn.wg.Wait()
	<-runDone

	h.l.InfoContext(ctx, "stdio.serve.end")
	return loopErr
}

// writeFrame writes one already-encoded JSON-RPC message followed by a
// newline. All writers funnel through here so frames never interleave.
func (h *Handler) writeFrame(b []byte) error {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	if _, err := h.w.Write(b); err != nil {
		return err
	}
	_, err := h.w.Write([]byte{'\n'})
	return err
}

func (h *Handler) writeJSONRPC(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return h.writeFrame(b)
}

// stdioConn is the per-Serve connection state: the lazily-created session and
// the in-flight request group.
type stdioConn struct {
	h      *Handler
	eng    *engine.Engine
	userID string

	wg sync.WaitGroup

	sessMu sync.Mutex
	sessID string
}

// dispatch routes one framed message. Initialize and notifications run inline
// so their effects are ordered against subsequent frames; other requests run
// concurrently.
func (c *stdioConn) dispatch(ctx context.Context, frame []byte) {
	h := c.h

	var msg jsonrpc.AnyMessage
	if err := json.Unmarshal(frame, &msg); err != nil {
		h.l.WarnContext(ctx, "stdio.message.invalid", slog.String("err", err.Error()))
		if wErr := h.writeJSONRPC(jsonrpc.NewErrorResponse(nil, jsonrpc.ErrorCodeParseError, "parse error", nil)); wErr != nil {
			h.l.ErrorContext(ctx, "stdio.write.fail", slog.String("err", wErr.Error()))
		}
		return
	}

	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{
		Method: msg.Method,
		ID:     msg.ID.String(),
		Type:   msg.Type(),
	})

	switch msg.Type() {
	case "request":
		req := msg.AsRequest()
		if req.Method == string(mcp.InitializeMethod) {
			c.handleInitialize(ctx, req)
			return
		}
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.handleRequest(ctx, req)
		}()
	case "notification":
		c.handleNotification(ctx, msg.AsRequest())
	case "response":
		// This transport never issues server-to-client requests, so inbound
		// responses have nothing to correlate with.
		h.l.WarnContext(ctx, "stdio.response.unexpected")
	default:
		h.l.WarnContext(ctx, "stdio.message.unrecognized")
	}
}

func (c *stdioConn) handleInitialize(ctx context.Context, req *jsonrpc.Request) {
	h := c.h

	c.sessMu.Lock()
	already := c.sessID != ""
	c.sessMu.Unlock()
	if already {
		h.l.WarnContext(ctx, "stdio.initialize.redundant")
		c.write(ctx, jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidRequest, "session already initialized", nil))
		return
	}

	var initReq mcp.InitializeRequest
	if err := json.Unmarshal(req.Params, &initReq); err != nil {
		h.l.WarnContext(ctx, "stdio.initialize.params.fail", slog.String("err", err.Error()))
		c.write(ctx, jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid initialize params", nil))
		return
	}

	sess, initRes, err := c.eng.InitializeSession(ctx, c.userID, &initReq)
	if err != nil {
		h.l.ErrorContext(ctx, "stdio.initialize.fail", slog.String("err", err.Error()))
		c.write(ctx, jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "failed to initialize session", nil))
		return
	}

	c.sessMu.Lock()
	c.sessID = sess.SessionID()
	c.sessMu.Unlock()

	// Pump server-originated messages (task events, resource updates,
	// list-changed broadcasts) onto stdout for the life of the connection.
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		err := c.eng.StreamSession(ctx, sess, "", func(_ context.Context, _ string, msg []byte) error {
			return h.writeFrame(msg)
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			h.l.ErrorContext(ctx, "stdio.stream.fail", slog.String("err", err.Error()))
		}
	}()

	res, err := jsonrpc.NewResultResponse(req.ID, initRes)
	if err != nil {
		h.l.ErrorContext(ctx, "stdio.initialize.encode.fail", slog.String("err", err.Error()))
		c.write(ctx, jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "failed to encode initialize response", nil))
		return
	}
	c.write(ctx, res)
	h.l.InfoContext(ctx, "stdio.initialize.ok")
}

func (c *stdioConn) handleRequest(ctx context.Context, req *jsonrpc.Request) {
	h := c.h

	sess, err := c.loadSession(ctx)
	if err != nil {
		c.write(ctx, c.sessionError(ctx, req, err))
		return
	}

	ctx = compose.WithProgressReporter(ctx, stdioProgressReporter{h: h, requestID: req.ID.String()})

	res, err := c.eng.HandleRequest(ctx, sess, req)
	if err != nil {
		h.l.ErrorContext(ctx, "stdio.rpc.fail", slog.String("err", err.Error()))
		res = jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal server error", nil)
	}
	c.write(ctx, res)
}

func (c *stdioConn) handleNotification(ctx context.Context, note *jsonrpc.Request) {
	h := c.h

	sess, err := c.loadSession(ctx)
	if err != nil {
		// Notifications carry no reply channel; drop and log.
		h.l.WarnContext(ctx, "stdio.notification.drop", slog.String("err", err.Error()))
		return
	}
	if err := c.eng.HandleNotification(ctx, sess, note); err != nil {
		h.l.ErrorContext(ctx, "stdio.notification.fail", slog.String("err", err.Error()))
	}
}

// loadSession reloads the session fresh for each message so state transitions
// (pending to open, expiry) observed by the engine apply immediately.
func (c *stdioConn) loadSession(ctx context.Context) (*engine.SessionHandle, error) {
	c.sessMu.Lock()
	id := c.sessID
	c.sessMu.Unlock()
	if id == "" {
		return nil, errNotInitialized
	}
	return c.eng.LoadSession(ctx, id, c.userID)
}

func (c *stdioConn) sessionError(ctx context.Context, req *jsonrpc.Request, err error) *jsonrpc.Response {
	switch {
	case errors.Is(err, errNotInitialized):
		c.h.l.InfoContext(ctx, "stdio.session.uninitialized")
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidRequest, "server not initialized", nil)
	case errors.Is(err, sessions.ErrSessionNotFound):
		c.h.l.InfoContext(ctx, "stdio.session.miss")
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidRequest, "session expired", nil)
	default:
		c.h.l.ErrorContext(ctx, "stdio.session.load.fail", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "failed to load session", nil)
	}
}

func (c *stdioConn) write(ctx context.Context, res *jsonrpc.Response) {
	if res == nil {
		return
	}
	if err := c.h.writeJSONRPC(res); err != nil {
		c.h.l.ErrorContext(ctx, "stdio.write.fail", slog.String("err", err.Error()))
	}
}

// stdioProgressReporter emits notifications/progress frames correlated to the
// in-flight request.
type stdioProgressReporter struct {
	h         *Handler
	requestID string
}

func (p stdioProgressReporter) Report(ctx context.Context, progress, total float64) error {
	params := mcp.ProgressNotificationParams{ProgressToken: p.requestID, Progress: progress}
	if total > 0 {
		params.Total = total
	}
	b, err := json.Marshal(params)
	if err != nil {
		return err
	}
	n := &jsonrpc.Request{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: string(mcp.ProgressNotificationMethod), Params: b}
	return p.h.writeJSONRPC(n)
}
