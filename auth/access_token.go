package auth

import (
	"context"
	"errors"
	"time"

	"github.com/mcpkit/compose-go/internal/jwtauth"
)

// AccessTokenAuthOption configures optional aspects of the RFC 9068 access
// token authenticator (scopes, algorithms, leeway, advertised scopes). The
// audience is a required formal argument to NewFromDiscovery rather than an
// option.
type AccessTokenAuthOption func(*jwtauth.Config)

// WithRequiredScopes requires all of the provided scopes to be present in the
// space-delimited "scope" claim.
func WithRequiredScopes(scopes ...string) AccessTokenAuthOption {
	return func(c *jwtauth.Config) {
		c.RequiredScopes = append([]string(nil), scopes...)
		c.ScopeModeAny = false
	}
}

// WithAnyRequiredScope requires at least one of the provided scopes to be present.
func WithAnyRequiredScope(scopes ...string) AccessTokenAuthOption {
	return func(c *jwtauth.Config) {
		c.RequiredScopes = append([]string(nil), scopes...)
		c.ScopeModeAny = true
	}
}

// WithAllowedAlgs restricts allowed JWS algorithms. "none" is never allowed.
// Defaults to ["RS256"].
func WithAllowedAlgs(algs ...string) AccessTokenAuthOption {
	return func(c *jwtauth.Config) {
		c.AllowedAlgs = append([]string(nil), algs...)
	}
}

// WithLeeway sets clock skew tolerance for time-based claims.
func WithLeeway(d time.Duration) AccessTokenAuthOption {
	return func(c *jwtauth.Config) { c.Leeway = d }
}

// WithExtraAudiences accepts additional "aud" values beyond the primary
// audience passed to NewFromDiscovery. Intended for local or staging
// deployments where the served endpoint URL differs from the registered one.
func WithExtraAudiences(audiences ...string) AccessTokenAuthOption {
	return func(c *jwtauth.Config) {
		c.ExpectedAudiences = append(c.ExpectedAudiences, audiences...)
	}
}

// NewFromDiscovery returns an Authenticator that verifies RFC 9068 JWT access
// tokens using OpenID Connect discovery (jwks_uri, issuer, etc.).
//
// Required:
//   - issuer:   authorization server issuer URL
//   - audience: expected audience ("aud") claim, typically the public MCP endpoint URL
//
// Remaining validation knobs (scopes, algs, leeway) are configured via functional options.
func NewFromDiscovery(ctx context.Context, issuer string, audience string, opts ...AccessTokenAuthOption) (SecurityProvider, error) {
	if audience == "" {
		return nil, errors.New("audience is required")
	}
	cfg := jwtauth.DefaultConfig()
	cfg.Issuer = issuer
	cfg.ExpectedAudiences = []string{audience}
	for _, opt := range opts {
		opt(cfg)
	}
	internal, err := jwtauth.NewFromDiscovery(ctx, cfg)
	if err != nil {
		return nil, err
	}
	sec := buildSecurityConfig(cfg, internal)
	sec.Normalize()
	return &adapter{a: internal, sec: sec}, nil
}

// discoveryMetadata is the advertisement surface exposed by discovery-backed
// authenticators. All of it is mirrored into OIDCExtra verbatim; none of it
// participates in token validation.
type discoveryMetadata interface {
	AuthorizationEndpoint() string
	TokenEndpoint() string
	RegistrationEndpoint() string
	ResponseTypes() []string
	Scopes() []string
	GrantTypes() []string
	ResponseModes() []string
	CodeChallengeMethods() []string
	TokenEndpointAuthMethods() []string
	TokenEndpointAuthAlgs() []string
	ServiceDocumentation() string
	PolicyURI() string
	TosURI() string
}

// buildSecurityConfig assembles the advertised SecurityConfig for a
// discovery-backed authenticator. Scope advertisement honors
// cfg.AdvertisedScopes when set; otherwise discovered scopes pass through
// unchanged.
func buildSecurityConfig(cfg *jwtauth.Config, d discoveryMetadata) SecurityConfig {
	scopes := d.Scopes()
	if cfg.AdvertisedScopes != nil {
		scopes = cfg.AdvertisedScopes(scopes)
	}
	return SecurityConfig{
		Issuer:      cfg.Issuer,
		Audiences:   append([]string(nil), cfg.ExpectedAudiences...),
		AllowedAlgs: append([]string(nil), cfg.AllowedAlgs...),
		Leeway:      cfg.Leeway,
		EnforceExp:  true,
		EnforceNbf:  true,
		Advertise:   true,
		OIDC: &OIDCExtra{
			AuthorizationEndpoint:             d.AuthorizationEndpoint(),
			TokenEndpoint:                     d.TokenEndpoint(),
			RegistrationEndpoint:              d.RegistrationEndpoint(),
			ScopesSupported:                   scopes,
			ResponseTypesSupported:            d.ResponseTypes(),
			GrantTypesSupported:               d.GrantTypes(),
			ResponseModesSupported:            d.ResponseModes(),
			CodeChallengeMethodsSupported:     d.CodeChallengeMethods(),
			TokenEndpointAuthMethodsSupported: d.TokenEndpointAuthMethods(),
			TokenEndpointAuthSigningAlgValuesSupported: d.TokenEndpointAuthAlgs(),
			ServiceDocumentation:                       d.ServiceDocumentation(),
			OpPolicyURI:                                d.PolicyURI(),
			OpTosURI:                                   d.TosURI(),
		},
	}
}

// adapter wraps the internal authenticator to satisfy the public interface.
type adapter struct {
	a   jwtauth.Authenticator
	sec SecurityConfig
}

func (ad *adapter) CheckAuthentication(ctx context.Context, tok string) (UserInfo, error) {
	ui, err := ad.a.CheckAuthentication(ctx, tok)
	if err != nil {
		// Map internal sentinel errors to the public errors the transports key on.
		if errors.Is(err, jwtauth.ErrInsufficientScope) {
			return nil, errors.Join(ErrInsufficientScope, err)
		}
		return nil, errors.Join(ErrUnauthorized, err)
	}
	return userInfoAdapter{ui: ui}, nil
}

func (ad *adapter) SecurityConfig() SecurityConfig { return ad.sec.Copy() }

type userInfoAdapter struct{ ui jwtauth.UserInfo }

func (u userInfoAdapter) UserID() string       { return u.ui.UserID() }
func (u userInfoAdapter) Claims(ref any) error { return u.ui.Claims(ref) }
