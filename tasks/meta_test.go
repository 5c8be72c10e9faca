package tasks

import (
	"testing"
	"time"
)

func TestNewMetaAppliesDefaultTTL(t *testing.T) {
	if got := NewMeta(0).TTL(); got != DefaultResultTTL {
		t.Fatalf("expected default ttl %v, got %v", DefaultResultTTL, got)
	}
	if got := NewMeta(-time.Second).TTL(); got != DefaultResultTTL {
		t.Fatalf("expected default ttl for negative input, got %v", got)
	}
	if got := NewMeta(5 * time.Minute).TTL(); got != 5*time.Minute {
		t.Fatalf("expected explicit ttl to stick, got %v", got)
	}
}

func TestEnsureFnKeyFirstWriterWins(t *testing.T) {
	m := NewMeta(0)
	if m.FnKey() != "" {
		t.Fatalf("fresh meta should have no fn key")
	}
	if !m.EnsureFnKey("tool:inner_add") {
		t.Fatalf("first write should report that it wrote")
	}
	if m.EnsureFnKey("tool:outer_add") {
		t.Fatalf("second write must not overwrite")
	}
	if got := m.FnKey(); got != "tool:inner_add" {
		t.Fatalf("expected first key to win, got %q", got)
	}
}

func TestEnsureFnKeyRejectsEmpty(t *testing.T) {
	m := NewMeta(0)
	if m.EnsureFnKey("") {
		t.Fatalf("empty key must not count as a write")
	}
	if !m.EnsureFnKey("prompt:report") {
		t.Fatalf("real key after empty attempt should write")
	}
}
