// Package stdio implements a single-connection MCP transport over
// stdin/stdout. It suits embedding servers as subprocesses, local development,
// and environments where spawning a child process and piping JSON is simpler
// than running an HTTP server.
//
// Characteristics
//
//	Connection model : 1 process <-> 1 client
//	Auth             : OS user (lightweight implicit principal)
//	Sessions         : Ephemeral; process-local memory only
//	Transport        : Newline-delimited JSON-RPC
//
// Options allow supplying alternate io.Reader / io.Writer, a custom logger,
// and a task runner for background tool execution.
//
// Example:
//
//	srv := compose.NewServer(
//	    compose.WithServerInfo("my-stdio-server", "0.1.0"),
//	)
//	srv.AddTool(myTool)
//	h := stdio.NewHandler(srv)
//	if err := h.Serve(context.Background()); err != nil { log.Fatal(err) }
//
// For multi-session, horizontally scalable deployments prefer the streaming
// HTTP transport, which integrates with session hosts, authentication and
// subscription fan-out.
package stdio
