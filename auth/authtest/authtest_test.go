package authtest_test

import (
	"errors"
	"testing"

	"github.com/mcpkit/compose-go/auth"
	"github.com/mcpkit/compose-go/auth/authtest"
)

func TestNoAuthAcceptsAnything(t *testing.T) {
	a := authtest.NewNoAuth("")
	ui, err := a.CheckAuthentication(t.Context(), "whatever")
	if err != nil {
		t.Fatalf("CheckAuthentication: %v", err)
	}
	if got := ui.UserID(); got != "test-user" {
		t.Fatalf("default user = %q, want test-user", got)
	}

	ui, err = authtest.NewNoAuth("alice").CheckAuthentication(t.Context(), "")
	if err != nil {
		t.Fatalf("CheckAuthentication: %v", err)
	}
	if got := ui.UserID(); got != "alice" {
		t.Fatalf("user = %q, want alice", got)
	}

	var claims struct {
		Scope string `json:"scope"`
	}
	if err := ui.Claims(&claims); err != nil {
		t.Fatalf("Claims: %v", err)
	}
	if claims.Scope != "" {
		t.Fatalf("expected empty claims, got scope %q", claims.Scope)
	}
}

func TestStaticTokens(t *testing.T) {
	a := authtest.StaticTokens{"tok-1": "alice", "tok-2": "bob"}

	ui, err := a.CheckAuthentication(t.Context(), "tok-2")
	if err != nil {
		t.Fatalf("CheckAuthentication: %v", err)
	}
	if got := ui.UserID(); got != "bob" {
		t.Fatalf("user = %q, want bob", got)
	}

	if _, err := a.CheckAuthentication(t.Context(), "nope"); !errors.Is(err, auth.ErrUnauthorized) {
		t.Fatalf("want ErrUnauthorized for unknown token, got %v", err)
	}
}
