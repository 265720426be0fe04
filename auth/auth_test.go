package auth_test

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ggoodman/amap-mcp-server-go/auth"
	"github.com/ggoodman/amap-mcp-server-go/auth/authtest"
)

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header string
		tok    string
		ok     bool
	}{
		{"", "", false},
		{"Bearer abc", "abc", true},
		{"bearer abc", "abc", true},
		{"Basic abc", "", false},
		{"Bearer ", "", false},
		{"Bearer", "", false},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodPost, "/mcp", nil)
		if tt.header != "" {
			r.Header.Set("Authorization", tt.header)
		}
		tok, ok := auth.BearerToken(r)
		if tok != tt.tok || ok != tt.ok {
			t.Errorf("BearerToken(%q) = %q, %v; want %q, %v", tt.header, tok, ok, tt.tok, tt.ok)
		}
	}
}

func TestChallengeFor(t *testing.T) {
	missing := auth.ChallengeFor("amap-mcp", nil)
	if missing.Status != http.StatusUnauthorized || strings.Contains(missing.WWWAuthenticate, "error=") {
		t.Fatalf("missing credentials challenge = %+v", missing)
	}
	invalid := auth.ChallengeFor("amap-mcp", fmt.Errorf("%w: bad sig", auth.ErrUnauthorized))
	if invalid.Status != http.StatusUnauthorized || !strings.Contains(invalid.WWWAuthenticate, `error="invalid_token"`) {
		t.Fatalf("invalid token challenge = %+v", invalid)
	}
	scope := auth.ChallengeFor("amap-mcp", errors.Join(auth.ErrInsufficientScope, errors.New("x")))
	if scope.Status != http.StatusForbidden || !strings.Contains(scope.WWWAuthenticate, "insufficient_scope") {
		t.Fatalf("scope challenge = %+v", scope)
	}
}

func TestNewRequiresAudience(t *testing.T) {
	if _, err := auth.New(t.Context(), auth.Config{Issuer: "https://iss"}); err == nil {
		t.Fatal("expected error without audience")
	}
}

func TestAuthtestTokens(t *testing.T) {
	a := authtest.Tokens{"t1": "alice"}
	ui, err := a.CheckAuthentication(t.Context(), "t1")
	if err != nil || ui.UserID() != "alice" {
		t.Fatalf("got %v, %v", ui, err)
	}
	var c struct {
		Sub string `json:"sub"`
	}
	if err := ui.Claims(&c); err != nil || c.Sub != "alice" {
		t.Fatalf("claims = %+v, %v", c, err)
	}
	if _, err := a.CheckAuthentication(t.Context(), "nope"); !errors.Is(err, auth.ErrUnauthorized) {
		t.Fatalf("err = %v", err)
	}
}
