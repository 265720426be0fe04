package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ggoodman/amap-mcp-server-go/internal/jwtauth"
)

// ErrUnauthorized indicates authentication failed or no valid credentials were supplied.
var ErrUnauthorized = errors.New("unauthorized")

// ErrInsufficientScope indicates the caller authenticated but lacks required scope.
var ErrInsufficientScope = errors.New("insufficient scope")

// UserInfo represents an authenticated principal.
type UserInfo interface {
	// UserID returns the token subject. Sessions are bound to it.
	UserID() string
	// Claims unmarshals the token's claims into ref.
	Claims(ref any) error
}

// Authenticator validates bearer tokens and returns associated user info.
// It returns errors wrapping ErrUnauthorized or ErrInsufficientScope.
type Authenticator interface {
	CheckAuthentication(ctx context.Context, tok string) (UserInfo, error)
}

// Config selects and configures the JWT authenticator.
type Config struct {
	Issuer   string
	Audience string
	// JWKSURL skips OIDC discovery when set.
	JWKSURL        string
	RequiredScopes []string
	AllowedAlgs    []string
	Leeway         time.Duration
}

// New builds a JWT access token Authenticator. With a JWKSURL the key set is
// fetched directly; otherwise the issuer's OpenID configuration is
// discovered. Background key refresh stops when ctx is done.
func New(ctx context.Context, cfg Config) (Authenticator, error) {
	if cfg.Audience == "" {
		return nil, errors.New("audience is required")
	}
	jc := jwtauth.DefaultConfig()
	jc.Issuer = cfg.Issuer
	jc.Audiences = []string{cfg.Audience}
	jc.RequiredScopes = append([]string(nil), cfg.RequiredScopes...)
	if len(cfg.AllowedAlgs) > 0 {
		jc.AllowedAlgs = append([]string(nil), cfg.AllowedAlgs...)
	}
	if cfg.Leeway > 0 {
		jc.Leeway = cfg.Leeway
	}

	var (
		v   *jwtauth.Validator
		err error
	)
	if cfg.JWKSURL != "" {
		v, err = jwtauth.NewStatic(ctx, jc, cfg.JWKSURL)
	} else {
		v, err = jwtauth.NewFromDiscovery(ctx, jc)
	}
	if err != nil {
		return nil, err
	}
	return &jwtAuthenticator{v: v}, nil
}

type jwtAuthenticator struct{ v *jwtauth.Validator }

func (a *jwtAuthenticator) CheckAuthentication(ctx context.Context, tok string) (UserInfo, error) {
	c, err := a.v.Validate(ctx, tok)
	if err != nil {
		if errors.Is(err, jwtauth.ErrInsufficientScope) {
			return nil, errors.Join(ErrInsufficientScope, err)
		}
		return nil, errors.Join(ErrUnauthorized, err)
	}
	return claimsUser{c: c}, nil
}

type claimsUser struct{ c *jwtauth.Claims }

func (u claimsUser) UserID() string       { return u.c.Subject }
func (u claimsUser) Claims(ref any) error { return u.c.Decode(ref) }

// BearerToken extracts the token from an "Authorization: Bearer" header.
// ok is false when the header is absent or malformed.
func BearerToken(r *http.Request) (tok string, ok bool) {
	h := r.Header.Get("Authorization")
	if h == "" {
		return "", false
	}
	scheme, tok, found := strings.Cut(h, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	tok = strings.TrimSpace(tok)
	return tok, tok != ""
}

// Challenge is the HTTP status and WWW-Authenticate value for a failed
// authentication.
type Challenge struct {
	Status          int
	WWWAuthenticate string
}

// ChallengeFor maps an authentication error to its Bearer challenge.
// A nil err means no credentials were presented.
func ChallengeFor(realm string, err error) Challenge {
	switch {
	case err == nil:
		return Challenge{Status: http.StatusUnauthorized, WWWAuthenticate: fmt.Sprintf(`Bearer realm=%q`, realm)}
	case errors.Is(err, ErrInsufficientScope):
		return Challenge{
			Status:          http.StatusForbidden,
			WWWAuthenticate: fmt.Sprintf(`Bearer realm=%q, error="insufficient_scope"`, realm),
		}
	default:
		return Challenge{
			Status:          http.StatusUnauthorized,
			WWWAuthenticate: fmt.Sprintf(`Bearer realm=%q, error="invalid_token"`, realm),
		}
	}
}
