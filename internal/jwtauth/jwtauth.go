// Package jwtauth verifies the signed tokens clients present in Identify.
package jwtauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrUnauthorized marks a token that failed verification.
	ErrUnauthorized = errors.New("jwtauth: unauthorized")
	// ErrConfig marks a verifier that cannot be built from its Config.
	ErrConfig = errors.New("jwtauth: invalid config")
)

// Config controls validation of identify tokens.
type Config struct {
	Issuer string
	// ExpectedAudiences lists every accepted "aud" value. A token must carry
	// at least one of them. Empty disables the audience check.
	ExpectedAudiences []string
	AllowedAlgs       []string
	Leeway            time.Duration
	// AllowedTypes, when set, restricts the JOSE "typ" header.
	AllowedTypes []string
}

// DefaultConfig accepts RS256 tokens with a minute of clock skew.
func DefaultConfig() *Config {
	return &Config{
		AllowedAlgs: []string{"RS256"},
		Leeway:      time.Minute,
	}
}

// Principal is the verified subject of an identify token.
type Principal struct {
	Subject   string
	ExpiresAt time.Time
	claims    jwt.MapClaims
}

func (p *Principal) UserID() string { return p.Subject }

// Claims decodes the full claim set into ref.
func (p *Principal) Claims(ref any) error {
	b, err := json.Marshal(p.claims)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, ref)
}

// Verifier checks identify tokens against an issuer's published keys.
type Verifier struct {
	parser    *jwt.Parser
	keys      jwt.Keyfunc
	audiences []string
}

// NewFromDiscovery locates the JWKS of cfg.Issuer through OpenID Connect
// discovery. Keys are refreshed in the background until ctx ends.
func NewFromDiscovery(ctx context.Context, cfg *Config) (*Verifier, error) {
	if err := checkConfig(cfg); err != nil {
		return nil, err
	}
	issuer, jwksURI, err := discover(ctx, cfg.Issuer)
	if err != nil {
		return nil, err
	}
	return newVerifier(ctx, cfg, issuer, jwksURI)
}

// NewStatic trusts the keys published at jwksURI for cfg.Issuer.
func NewStatic(ctx context.Context, cfg *Config, jwksURI string) (*Verifier, error) {
	if err := checkConfig(cfg); err != nil {
		return nil, err
	}
	if jwksURI == "" {
		return nil, fmt.Errorf("%w: jwks uri is required", ErrConfig)
	}
	return newVerifier(ctx, cfg, cfg.Issuer, jwksURI)
}

func checkConfig(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("%w: config is required", ErrConfig)
	}
	if cfg.Issuer == "" {
		return fmt.Errorf("%w: issuer is required", ErrConfig)
	}
	return nil
}

// discover returns the issuer as published by the provider along with its
// jwks_uri.
func discover(ctx context.Context, issuer string) (string, string, error) {
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return "", "", fmt.Errorf("oidc discovery: %w", err)
	}
	var meta struct {
		Issuer  string `json:"issuer"`
		JwksURI string `json:"jwks_uri"`
	}
	if err := provider.Claims(&meta); err != nil {
		return "", "", fmt.Errorf("oidc discovery metadata: %w", err)
	}
	if meta.JwksURI == "" {
		return "", "", fmt.Errorf("%w: discovery document has no jwks_uri", ErrConfig)
	}
	return meta.Issuer, meta.JwksURI, nil
}

func newVerifier(ctx context.Context, cfg *Config, issuer, jwksURI string) (*Verifier, error) {
	algs := cfg.AllowedAlgs
	if len(algs) == 0 {
		algs = DefaultConfig().AllowedAlgs
	}
	set, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURI})
	if err != nil {
		return nil, fmt.Errorf("load jwks: %w", err)
	}
	types := slices.Clone(cfg.AllowedTypes)

	return &Verifier{
		parser: jwt.NewParser(
			jwt.WithValidMethods(algs),
			jwt.WithExpirationRequired(),
			jwt.WithIssuer(issuer),
			jwt.WithLeeway(cfg.Leeway),
		),
		keys: func(t *jwt.Token) (any, error) {
			if len(types) > 0 {
				typ, _ := t.Header["typ"].(string)
				if !slices.Contains(types, typ) {
					return nil, fmt.Errorf("token type %q not accepted", typ)
				}
			}
			return set.Keyfunc(t)
		},
		audiences: slices.Clone(cfg.ExpectedAudiences),
	}, nil
}

// CheckAuthentication verifies tok and returns its principal. Every
// rejection wraps ErrUnauthorized.
func (v *Verifier) CheckAuthentication(ctx context.Context, tok string) (*Principal, error) {
	if tok == "" {
		return nil, fmt.Errorf("%w: empty token", ErrUnauthorized)
	}
	claims := jwt.MapClaims{}
	if _, err := v.parser.ParseWithClaims(tok, claims, v.keys); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}

	if len(v.audiences) > 0 {
		aud, err := claims.GetAudience()
		if err != nil || !slices.ContainsFunc(aud, func(a string) bool { return slices.Contains(v.audiences, a) }) {
			return nil, fmt.Errorf("%w: audience not accepted", ErrUnauthorized)
		}
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return nil, fmt.Errorf("%w: token has no subject", ErrUnauthorized)
	}

	p := &Principal{Subject: sub, claims: claims}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		p.ExpiresAt = exp.Time
	}
	return p, nil
}
