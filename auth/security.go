package auth

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/mcpkit/compose-go/internal/jwtauth"
)

// SecurityConfig is the unified configuration describing how this resource
// validates and advertises bearer token authentication. The same value feeds
// both token enforcement (issuer, audiences, algorithms, leeway) and the
// metadata documents a transport may publish for client bootstrapping.
//
// A zero value is invalid; populate the required fields and call Validate,
// or obtain one from a SecurityDescriptor.
type SecurityConfig struct {
	Issuer      string
	Audiences   []string
	AllowedAlgs []string // default: ["RS256"] if empty
	JWKSURL     string   // optional override / filled by discovery

	Leeway     time.Duration // clock skew tolerance (default 60s)
	EnforceExp bool          // default true
	EnforceNbf bool          // default true
	Advertise  bool          // transport may publish metadata

	OIDC *OIDCExtra // optional extended metadata for advertisement only
}

// OIDCExtra carries optional OpenID / OAuth authorization server metadata we
// surface for client bootstrapping. None of these fields are used for token
// validation.
type OIDCExtra struct {
	// AuthorizationEndpoint, TokenEndpoint and RegistrationEndpoint are
	// derived from OIDC discovery (/.well-known/openid-configuration) when
	// using discovery-based authenticators. Advertisement only.
	AuthorizationEndpoint                      string
	TokenEndpoint                              string
	RegistrationEndpoint                       string
	ScopesSupported                            []string
	ResponseTypesSupported                     []string
	GrantTypesSupported                        []string
	ResponseModesSupported                     []string
	CodeChallengeMethodsSupported              []string
	TokenEndpointAuthMethodsSupported          []string
	TokenEndpointAuthSigningAlgValuesSupported []string
	ServiceDocumentation                       string
	OpPolicyURI                                string
	OpTosURI                                   string
}

// Normalize fills defaults in place. Advertisement is switched on for every
// normalized config; transports still gate publication on their own options.
func (c *SecurityConfig) Normalize() {
	if len(c.AllowedAlgs) == 0 {
		c.AllowedAlgs = []string{"RS256"}
	}
	if c.Leeway == 0 {
		c.Leeway = 60 * time.Second
	}
	c.Advertise = true
}

// Validate returns an error if required invariants are not met.
func (c SecurityConfig) Validate() error {
	if c.Issuer == "" {
		return errors.New("security: issuer required")
	}
	if len(c.Audiences) == 0 {
		return errors.New("security: at least one audience required")
	}
	for _, a := range c.Audiences {
		if a == "" {
			return errors.New("security: empty audience entry")
		}
	}
	return nil
}

// Copy returns a deep copy safe for mutation by the caller.
func (c SecurityConfig) Copy() SecurityConfig {
	dup := c
	dup.Audiences = append([]string(nil), c.Audiences...)
	dup.AllowedAlgs = append([]string(nil), c.AllowedAlgs...)
	if c.OIDC != nil {
		ox := *c.OIDC
		ox.ScopesSupported = append([]string(nil), c.OIDC.ScopesSupported...)
		ox.ResponseTypesSupported = append([]string(nil), c.OIDC.ResponseTypesSupported...)
		ox.GrantTypesSupported = append([]string(nil), c.OIDC.GrantTypesSupported...)
		ox.ResponseModesSupported = append([]string(nil), c.OIDC.ResponseModesSupported...)
		ox.CodeChallengeMethodsSupported = append([]string(nil), c.OIDC.CodeChallengeMethodsSupported...)
		ox.TokenEndpointAuthMethodsSupported = append([]string(nil), c.OIDC.TokenEndpointAuthMethodsSupported...)
		ox.TokenEndpointAuthSigningAlgValuesSupported = append([]string(nil), c.OIDC.TokenEndpointAuthSigningAlgValuesSupported...)
		dup.OIDC = &ox
	}
	return dup
}

// NewManualJWTAuthenticator constructs a JWT access token authenticator from
// this security configuration without performing OIDC discovery. It expects:
//   - c.Issuer (non-empty)
//   - at least one audience in c.Audiences
//   - c.JWKSURL (non-empty)
//
// AllowedAlgs and Leeway are honored (defaults applied via Normalize).
// OIDC advertisement fields are not consulted for validation but remain
// attached for metadata serving.
func (c SecurityConfig) NewManualJWTAuthenticator(ctx context.Context) (SecurityProvider, error) {
	cc := c.Copy()
	cc.Normalize()
	if err := cc.Validate(); err != nil {
		return nil, err
	}
	if cc.JWKSURL == "" {
		return nil, errors.New("security: JWKSURL required for manual JWT authenticator")
	}

	sc := &jwtauth.StaticConfig{
		Issuer:            cc.Issuer,
		ExpectedAudiences: append([]string(nil), cc.Audiences...),
		AllowedAlgs:       append([]string(nil), cc.AllowedAlgs...),
		Leeway:            cc.Leeway,
	}
	a, err := jwtauth.NewStatic(ctx, sc, cc.JWKSURL)
	if err != nil {
		return nil, err
	}
	return &adapter{a: a, sec: cc}, nil
}

// EqualCore returns true if the core enforcement identity (issuer plus
// audience set) matches, ignoring advertisement metadata.
func (c SecurityConfig) EqualCore(o SecurityConfig) bool {
	if c.Issuer != o.Issuer {
		return false
	}
	if len(c.Audiences) != len(o.Audiences) {
		return false
	}
	ac := append([]string(nil), c.Audiences...)
	bc := append([]string(nil), o.Audiences...)
	sort.Strings(ac)
	sort.Strings(bc)
	for i := range ac {
		if ac[i] != bc[i] {
			return false
		}
	}
	return true
}

// SecurityDescriptor exposes security configuration for transports to advertise.
type SecurityDescriptor interface{ SecurityConfig() SecurityConfig }

// SecurityProvider combines validation + descriptor. Returned by constructors.
type SecurityProvider interface {
	Authenticator
	SecurityDescriptor
}
