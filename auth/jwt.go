package auth

import (
	"context"
	"errors"
	"time"

	"github.com/ggoodman/guild-gateway-go/internal/jwtauth"
)

// TokenOption configures JWT identify token validation.
type TokenOption func(*jwtauth.Config)

// WithAudience adds accepted "aud" values. Without it the audience claim is
// not checked.
func WithAudience(aud ...string) TokenOption {
	return func(c *jwtauth.Config) {
		c.ExpectedAudiences = append(c.ExpectedAudiences, aud...)
	}
}

// WithAllowedAlgs restricts allowed JWS algorithms. Defaults to ["RS256"].
func WithAllowedAlgs(algs ...string) TokenOption {
	return func(c *jwtauth.Config) {
		c.AllowedAlgs = append([]string(nil), algs...)
	}
}

// WithLeeway sets clock skew tolerance for time-based claims.
func WithLeeway(d time.Duration) TokenOption {
	return func(c *jwtauth.Config) { c.Leeway = d }
}

// WithAllowedTypes restricts the JOSE "typ" header, e.g. "JWT" or "at+jwt".
func WithAllowedTypes(typs ...string) TokenOption {
	return func(c *jwtauth.Config) {
		c.AllowedTypes = append([]string(nil), typs...)
	}
}

// NewFromDiscovery returns an Authenticator validating JWTs issued by issuer,
// with keys located via OpenID Connect discovery. The JWKS is refreshed in
// the background until ctx ends.
func NewFromDiscovery(ctx context.Context, issuer string, opts ...TokenOption) (Authenticator, error) {
	cfg := newConfig(issuer, opts)
	v, err := jwtauth.NewFromDiscovery(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &adapter{v: v}, nil
}

// NewStatic returns an Authenticator validating JWTs issued by issuer against
// the keys published at jwksURL.
func NewStatic(ctx context.Context, issuer, jwksURL string, opts ...TokenOption) (Authenticator, error) {
	cfg := newConfig(issuer, opts)
	v, err := jwtauth.NewStatic(ctx, cfg, jwksURL)
	if err != nil {
		return nil, err
	}
	return &adapter{v: v}, nil
}

func newConfig(issuer string, opts []TokenOption) *jwtauth.Config {
	cfg := jwtauth.DefaultConfig()
	cfg.Issuer = issuer
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

// adapter maps the internal verifier onto the public contract.
type adapter struct {
	v *jwtauth.Verifier
}

func (ad *adapter) CheckAuthentication(ctx context.Context, tok string) (UserInfo, error) {
	ui, err := ad.v.CheckAuthentication(ctx, tok)
	if err != nil {
		if errors.Is(err, jwtauth.ErrUnauthorized) {
			return nil, errors.Join(ErrUnauthorized, err)
		}
		return nil, err
	}
	return ui, nil
}
