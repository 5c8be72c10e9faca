package sessions

// Session is the per-session view handed to server-side capability code. It
// carries the identity negotiated during the initialize handshake and nothing
// else; durable state lives behind the SessionHost.
type Session interface {
	SessionID() string
	UserID() string
	ProtocolVersion() string
}
