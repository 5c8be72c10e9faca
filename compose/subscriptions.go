package compose

import "sync"

// SubscriptionRegistry tracks which sessions subscribed to which resource
// URIs. It keeps an inverse index so tearing down a session costs only that
// session's subscriptions, not a scan of every URI. State is in-memory;
// subscriptions do not survive a restart and clients re-subscribe on
// reconnect.
type SubscriptionRegistry struct {
	mu        sync.RWMutex
	byURI     map[string]map[string]struct{}
	bySession map[string]map[string]struct{}
}

// NewSubscriptionRegistry creates an empty registry.
func NewSubscriptionRegistry() *SubscriptionRegistry {
	return &SubscriptionRegistry{
		byURI:     make(map[string]map[string]struct{}),
		bySession: make(map[string]map[string]struct{}),
	}
}

// Subscribe records a session's interest in a URI. Subscribing twice is
// idempotent.
func (s *SubscriptionRegistry) Subscribe(uri, sessionID string) {
	if uri == "" || sessionID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	sessions, ok := s.byURI[uri]
	if !ok {
		sessions = make(map[string]struct{})
		s.byURI[uri] = sessions
	}
	sessions[sessionID] = struct{}{}

	uris, ok := s.bySession[sessionID]
	if !ok {
		uris = make(map[string]struct{})
		s.bySession[sessionID] = uris
	}
	uris[uri] = struct{}{}
}

// Unsubscribe removes a session's interest in a URI. Unknown pairs are a
// no-op.
func (s *SubscriptionRegistry) Unsubscribe(uri, sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sessions, ok := s.byURI[uri]; ok {
		delete(sessions, sessionID)
		if len(sessions) == 0 {
			delete(s.byURI, uri)
		}
	}
	if uris, ok := s.bySession[sessionID]; ok {
		delete(uris, uri)
		if len(uris) == 0 {
			delete(s.bySession, sessionID)
		}
	}
}

// Subscribers returns the sessions subscribed to a URI.
func (s *SubscriptionRegistry) Subscribers(uri string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sessions, ok := s.byURI[uri]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(sessions))
	for id := range sessions {
		out = append(out, id)
	}
	return out
}

// SessionSubscriptions returns the URIs a session is subscribed to.
func (s *SubscriptionRegistry) SessionSubscriptions(sessionID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	uris, ok := s.bySession[sessionID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(uris))
	for uri := range uris {
		out = append(out, uri)
	}
	return out
}

// CleanupSession drops every subscription a session holds. Cost is
// proportional to that session's subscription count.
func (s *SubscriptionRegistry) CleanupSession(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	uris, ok := s.bySession[sessionID]
	if !ok {
		return
	}
	delete(s.bySession, sessionID)
	for uri := range uris {
		if sessions, ok := s.byURI[uri]; ok {
			delete(sessions, sessionID)
			if len(sessions) == 0 {
				delete(s.byURI, uri)
			}
		}
	}
}
