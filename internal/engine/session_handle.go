package engine

import (
	"github.com/mcpkit/compose-go/sessions"
)

var _ sessions.Session = (*SessionHandle)(nil)

// SessionHandle is the engine's view of one negotiated session. It is a
// cheap value assembled from stored metadata; transports reconstruct one per
// request via LoadSession rather than holding it across requests.
type SessionHandle struct {
	sessionID       string
	userID          string
	protocolVersion string
	state           sessions.SessionState
}

func NewSessionHandle(meta *sessions.SessionMetadata) *SessionHandle {
	return &SessionHandle{
		sessionID:       meta.SessionID,
		userID:          meta.UserID,
		protocolVersion: meta.ProtocolVersion,
		state:           meta.State,
	}
}

func (s *SessionHandle) SessionID() string {
	return s.sessionID
}

func (s *SessionHandle) UserID() string {
	return s.userID
}

func (s *SessionHandle) ProtocolVersion() string {
	return s.protocolVersion
}

// State reports the session state as of load time. A pending session has not
// completed the initialize handshake and may only be pinged.
func (s *SessionHandle) State() sessions.SessionState {
	return s.state
}
