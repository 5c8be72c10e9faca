package tasks

import (
	"sync"
	"time"
)

// DefaultResultTTL is the result retention applied when a request does not
// ask for one.
const DefaultResultTTL = 60 * time.Second

// Meta carries a single request's task parameters through the invocation
// path. It is created when the request is decoded and discarded once the
// dispatcher has accepted the submission. A nil *Meta means the request did
// not ask for background execution.
type Meta struct {
	ttl time.Duration

	mu    sync.Mutex
	fnKey string
}

// NewMeta builds request task metadata with the given result retention.
// Non-positive values fall back to DefaultResultTTL.
func NewMeta(ttl time.Duration) *Meta {
	if ttl <= 0 {
		ttl = DefaultResultTTL
	}
	return &Meta{ttl: ttl}
}

// TTL returns the result retention for this request.
func (m *Meta) TTL() time.Duration { return m.ttl }

// EnsureFnKey records the key under which the resolved component can be
// re-invoked from the queue, and reports whether it wrote. The first writer
// wins: a delegating layer that already supplied a key is never overwritten
// by an outer layer.
func (m *Meta) EnsureFnKey(key string) bool {
	if key == "" {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fnKey != "" {
		return false
	}
	m.fnKey = key
	return true
}

// FnKey returns the enrichment key, or "" if no layer has resolved one yet.
func (m *Meta) FnKey() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fnKey
}
