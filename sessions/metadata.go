package sessions

import "time"

// SessionState tracks the handshake progress of a session. Sessions are
// created pending and become open when the client sends
// notifications/initialized. Requests other than the handshake methods are
// rejected while pending.
type SessionState string

const (
	SessionStatePending SessionState = "pending"
	SessionStateOpen    SessionState = "open"
)

// ClientInfo records optional client identity details supplied at
// initialization for observability / logging. All fields are optional.
type ClientInfo struct {
	Name    string `json:"name,omitempty"`
	Version string `json:"version,omitempty"`
}

// SessionMetadata is the authoritative persisted representation of a session.
// Invalidation and lifetime are handled via stored flags + TTL semantics in
// the host.
//
// Fields marked immutable must not be changed after creation. Timestamps are
// wall-clock times in UTC. TTL is a sliding window: the host expires a session
// once LastAccess + TTL < now. If MaxLifetime > 0, the host MUST also expire
// the session once CreatedAt + MaxLifetime < now regardless of activity.
type SessionMetadata struct {
	MetaVersion     int          `json:"meta_version"`               // for forward migration; starts at 1
	SessionID       string       `json:"session_id"`                 // immutable
	UserID          string       `json:"user_id"`                    // immutable
	ProtocolVersion string       `json:"protocol_version,omitempty"` // immutable after creation handshake
	Client          ClientInfo   `json:"client,omitempty"`           // immutable
	State           SessionState `json:"state"`

	CreatedAt   time.Time     `json:"created_at"`
	OpenedAt    time.Time     `json:"opened_at,omitempty"`
	UpdatedAt   time.Time     `json:"updated_at"`
	LastAccess  time.Time     `json:"last_access"`
	TTL         time.Duration `json:"ttl"`
	MaxLifetime time.Duration `json:"max_lifetime,omitempty"`

	Revoked bool `json:"revoked"`
}

// Expired reports whether the record should be treated as gone at the given
// instant, per the sliding-TTL and absolute-lifetime rules above. Hosts use
// it to filter reads; a true result is indistinguishable from a missing
// session for callers.
func (m *SessionMetadata) Expired(now time.Time) bool {
	if m == nil {
		return true
	}
	if m.TTL > 0 && now.After(m.LastAccess.Add(m.TTL)) {
		return true
	}
	if m.MaxLifetime > 0 && now.After(m.CreatedAt.Add(m.MaxLifetime)) {
		return true
	}
	return false
}
