// Package authtest provides trivial Authenticator implementations for tests
// and local development. None of them perform real token validation; never
// use them in production.
package authtest

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mcpkit/compose-go/auth"
)

// NoAuth accepts every token and reports a fixed user.
type NoAuth struct {
	UserID string
}

// NewNoAuth creates a NoAuth authenticator for the given user ID. An empty
// userID defaults to "test-user".
func NewNoAuth(userID string) *NoAuth {
	if userID == "" {
		userID = "test-user"
	}
	return &NoAuth{UserID: userID}
}

func (n *NoAuth) CheckAuthentication(ctx context.Context, tok string) (auth.UserInfo, error) {
	return staticUser{id: n.UserID}, nil
}

// StaticTokens authenticates against a fixed token -> user ID table. Unknown
// tokens fail with auth.ErrUnauthorized, which transports translate into a
// 401 with an invalid_token challenge.
type StaticTokens map[string]string

func (s StaticTokens) CheckAuthentication(ctx context.Context, tok string) (auth.UserInfo, error) {
	uid, ok := s[tok]
	if !ok {
		return nil, fmt.Errorf("%w: unknown test token", auth.ErrUnauthorized)
	}
	return staticUser{id: uid}, nil
}

type staticUser struct{ id string }

func (u staticUser) UserID() string { return u.id }

// Claims decodes an empty claim set; test users carry no claims.
func (u staticUser) Claims(ref any) error {
	return json.Unmarshal([]byte("{}"), ref)
}
