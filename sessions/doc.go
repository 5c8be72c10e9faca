// Package sessions defines the core session abstraction shared by MCP
// transports and the dispatch engine. A session represents the negotiated
// protocol version and authenticated principal for a connected client.
// Transports create and persist session metadata via a SessionHost
// implementation; higher layers see only the read-only Session view.
//
// Layers & Roles
//
//	Transport      -> orchestrates initialize handshake, manages lifetime
//	SessionHost    -> durability & coordination (ordered client stream + broadcast events + metadata)
//	Session view   -> per-session identity exposed to dispatch code
//
// # Host Interface
//
// SessionHost abstracts persistence and ordered fan-out semantics required by
// streaming transports:
//   - PublishSession / SubscribeSession : ordered client-visible message log (at-least-once)
//   - PublishEvent / SubscribeEvents    : server-internal coordination topics
//   - Metadata CRUD + sliding TTL       : lifecycle & revocation
//
// Implementations
//
//	memoryhost : in-memory reference used for tests / single-process servers
//	redishost  : Redis Streams backed implementation for horizontal scale and durability
//
// Session metadata follows a two-phase lifecycle: records are created in
// SessionStatePending with a short handshake TTL and promoted to
// SessionStateOpen (with the full sliding TTL) when the client confirms the
// handshake via notifications/initialized.
package sessions
