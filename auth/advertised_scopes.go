package auth

import "github.com/mcpkit/compose-go/internal/jwtauth"

// ScopesTransform rewrites the scopes_supported list discovered from the
// authorization server before it is advertised in protected resource
// metadata. It never influences which scopes a token must carry; use
// WithRequiredScopes / WithAnyRequiredScope for enforcement.
//
// Transforms must return a non-nil slice; an empty list means "advertise no
// scopes" rather than "advertise whatever was discovered".
type ScopesTransform func(discovered []string) []string

// StaticScopes advertises exactly the given scopes, ignoring whatever the
// authorization server discovery document reports.
func StaticScopes(scopes ...string) ScopesTransform {
	static := make([]string, len(scopes))
	copy(static, scopes)
	return func([]string) []string {
		out := make([]string, len(static))
		copy(out, static)
		return out
	}
}

// FilterScopes advertises the subset of discovered scopes for which keep
// returns true, preserving discovery order.
func FilterScopes(keep func(scope string) bool) ScopesTransform {
	return func(discovered []string) []string {
		out := make([]string, 0, len(discovered))
		for _, s := range discovered {
			if keep(s) {
				out = append(out, s)
			}
		}
		return out
	}
}

// WithAdvertisedScopes installs a ScopesTransform on the authenticator. The
// default (no transform) advertises the discovered scopes unchanged.
func WithAdvertisedScopes(transform ScopesTransform) AccessTokenAuthOption {
	return func(c *jwtauth.Config) {
		c.AdvertisedScopes = transform
	}
}
