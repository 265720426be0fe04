// Package jwtauth validates bearer access tokens against a JWKS, either
// discovered through OpenID Connect or configured directly.
package jwtauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthorized indicates the token failed signature, issuer, audience or
// time validation.
var ErrUnauthorized = errors.New("jwtauth: unauthorized")

// ErrInsufficientScope indicates a valid token that lacks required scopes.
var ErrInsufficientScope = errors.New("jwtauth: insufficient_scope")

// Config controls validation.
type Config struct {
	Issuer string
	// Audiences lists accepted "aud" values. A token must carry at least one.
	Audiences      []string
	RequiredScopes []string
	// ScopeModeAny accepts a token carrying any one of RequiredScopes.
	ScopeModeAny bool
	AllowedAlgs  []string
	Leeway       time.Duration
	// RequireATJWT enforces the RFC 9068 "at+jwt" typ header. Discovery
	// based validators set it.
	RequireATJWT bool
}

// DefaultConfig returns a Config accepting RS256 with a minute of leeway.
func DefaultConfig() *Config {
	return &Config{
		AllowedAlgs: []string{"RS256"},
		Leeway:      60 * time.Second,
	}
}

func (c *Config) normalize() error {
	if c.Issuer == "" {
		return errors.New("issuer is required")
	}
	if len(c.Audiences) == 0 || slices.Contains(c.Audiences, "") {
		return errors.New("at least one non-empty audience is required")
	}
	if len(c.AllowedAlgs) == 0 {
		c.AllowedAlgs = []string{"RS256"}
	}
	if slices.Contains(c.AllowedAlgs, "none") {
		return errors.New("alg none is never allowed")
	}
	return nil
}

// Claims is the validated token's subject and raw claim set.
type Claims struct {
	Subject string
	raw     jwt.MapClaims
}

// Decode unmarshals the raw claims into ref.
func (c *Claims) Decode(ref any) error {
	b, err := json.Marshal(c.raw)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, ref)
}

// Validator checks tokens against a key set.
type Validator struct {
	cfg     Config
	keyfunc jwt.Keyfunc
}

// NewFromDiscovery fetches the issuer's OpenID configuration to find its
// jwks_uri. Keys are refreshed in the background for the life of ctx.
func NewFromDiscovery(ctx context.Context, cfg *Config) (*Validator, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	c := *cfg
	if err := c.normalize(); err != nil {
		return nil, err
	}
	provider, err := oidc.NewProvider(ctx, c.Issuer)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery failed: %w", err)
	}
	var meta struct {
		JwksURI string `json:"jwks_uri"`
	}
	if err := provider.Claims(&meta); err != nil {
		return nil, fmt.Errorf("invalid discovery metadata: %w", err)
	}
	if meta.JwksURI == "" {
		return nil, errors.New("discovery incomplete: missing jwks_uri")
	}
	c.RequireATJWT = true
	return newValidator(ctx, c, meta.JwksURI)
}

// NewStatic validates against a fixed JWKS URL with no discovery step.
func NewStatic(ctx context.Context, cfg *Config, jwksURL string) (*Validator, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if jwksURL == "" {
		return nil, errors.New("jwks url is required")
	}
	c := *cfg
	if err := c.normalize(); err != nil {
		return nil, err
	}
	return newValidator(ctx, c, jwksURL)
}

func newValidator(ctx context.Context, c Config, jwksURL string) (*Validator, error) {
	kf, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("jwks init failed: %w", err)
	}
	return &Validator{cfg: c, keyfunc: kf.Keyfunc}, nil
}

// Validate parses tok and enforces the configured policy.
func (v *Validator) Validate(ctx context.Context, tok string) (*Claims, error) {
	if tok == "" {
		return nil, fmt.Errorf("%w: empty token", ErrUnauthorized)
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods(v.cfg.AllowedAlgs),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(v.cfg.Issuer),
		jwt.WithLeeway(v.cfg.Leeway),
		jwt.WithIssuedAt(),
	)
	parsed, err := parser.Parse(tok, v.keyfunc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if v.cfg.RequireATJWT {
		if typ, _ := parsed.Header["typ"].(string); typ != "at+jwt" && typ != "application/at+jwt" {
			return nil, fmt.Errorf("%w: invalid typ; want at+jwt", ErrUnauthorized)
		}
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected claims type", ErrUnauthorized)
	}
	aud, err := claims.GetAudience()
	if err != nil || !slices.ContainsFunc(aud, func(a string) bool { return slices.Contains(v.cfg.Audiences, a) }) {
		return nil, fmt.Errorf("%w: audience mismatch", ErrUnauthorized)
	}
	if !v.scopesSatisfied(claims) {
		return nil, ErrInsufficientScope
	}
	sub, _ := claims.GetSubject()
	if sub == "" {
		return nil, fmt.Errorf("%w: missing sub", ErrUnauthorized)
	}
	return &Claims{Subject: sub, raw: claims}, nil
}

func (v *Validator) scopesSatisfied(claims jwt.MapClaims) bool {
	if len(v.cfg.RequiredScopes) == 0 {
		return true
	}
	scope, _ := claims["scope"].(string)
	have := strings.Fields(scope)
	if v.cfg.ScopeModeAny {
		return slices.ContainsFunc(v.cfg.RequiredScopes, func(s string) bool { return slices.Contains(have, s) })
	}
	for _, want := range v.cfg.RequiredScopes {
		if !slices.Contains(have, want) {
			return false
		}
	}
	return true
}
