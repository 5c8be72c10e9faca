// Package streaminghttp implements the MCP streaming HTTP transport. It mounts
// as a standard net/http handler and provides ordered JSON-RPC delivery over
// long-lived streaming responses (Server-Sent Events style) plus normal
// request/response for RPC calls initiated by the client.
//
// Responsibilities
//   - Session creation & validation (via sessions.SessionHost)
//   - Authentication (pluggable auth.Authenticator; OIDC or manual config)
//   - Catalogue dispatch (routes requests into the compose.Server)
//   - Ordered outbound event fan-out (progress, listChanged, resource updates,
//     task status)
//   - Subscription bridging (resources/updated per session + URI)
//
// Construction
//
//	h, err := streaminghttp.New(
//	    ctx,
//	    "https://api.example/mcp", // public endpoint base
//	    host,                       // sessions.SessionHost implementation
//	    server,                     // *compose.Server catalogue
//	    authenticator,              // auth.Authenticator
//	    // Security metadata inferred from authenticator (implements auth.SecurityDescriptor)
//	)
//
// Exactly one auth mode must be supplied: discovery or manual OIDC metadata.
//
// # Session Context Lifetimes
//
// Request handling is scoped to the HTTP request context; the session itself
// lives in the SessionHost, decoupled from any one connection. Long-lived
// event delivery happens on the GET stream, which a client may drop and
// resume with Last-Event-ID. Session teardown happens on explicit DELETE or
// host-side expiry.
//
// # Scaling
//
// Horizontal scale relies on a shared SessionHost. Each node handles any mix
// of requests; ordering for a given session is preserved by the host's stream
// semantics, not sticky routing.
//
// Protected Resource Metadata (PRM)
//
// When OIDC discovery or manual metadata is configured, the handler exposes a
// .well-known/oauth-protected-resource endpoint advertising issuer, jwks_uri
// and supported authorization parameters, enabling clients to bootstrap without
// out-of-band configuration.
//
// # Error Handling
//
// Transport-level errors map to HTTP status codes; MCP-level errors are
// serialized as JSON-RPC error responses. Authentication failures surface a
// WWW-Authenticate challenge per the authorization spec.
//
// Example (mount in net/http):
//
//	mux := http.NewServeMux()
//	mux.Handle("/mcp/", h) // route prefix
//	http.ListenAndServe(":8080", mux)
package streaminghttp
