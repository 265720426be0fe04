package wellknown

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
)

func TestDocumentFromRequestOrigin(t *testing.T) {
	res := Resource{Path: "/mcp", Issuer: "https://issuer.example", Scopes: []string{"maps"}}
	req := httptest.NewRequest(http.MethodGet, "http://maps.local:3001"+res.MetadataPath(), nil)
	req.Header.Set("X-Forwarded-Proto", "https, http")

	if got, want := res.MetadataPath(), "/.well-known/oauth-protected-resource/mcp"; got != want {
		t.Fatalf("MetadataPath = %q, want %q", got, want)
	}
	if got, want := res.MetadataURL(req), "https://maps.local:3001/.well-known/oauth-protected-resource/mcp"; got != want {
		t.Fatalf("MetadataURL = %q, want %q", got, want)
	}

	rec := httptest.NewRecorder()
	res.ServeHTTP(rec, req)
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content type = %q", ct)
	}
	var doc ProtectedResourceMetadata
	if err := json.Unmarshal(rec.Body.Bytes(), &doc); err != nil {
		t.Fatal(err)
	}
	if doc.Resource != "https://maps.local:3001/mcp" {
		t.Fatalf("resource = %q", doc.Resource)
	}
	if len(doc.AuthorizationServers) != 1 || doc.AuthorizationServers[0] != "https://issuer.example" {
		t.Fatalf("authorization_servers = %v", doc.AuthorizationServers)
	}
}

func TestDocumentFromPublicURL(t *testing.T) {
	u, _ := url.Parse("https://maps.example.com/tools/mcp")
	res := Resource{PublicURL: u, Path: "/ignored"}
	req := httptest.NewRequest(http.MethodGet, "http://10.0.0.4:3001/", nil)

	if got, want := res.MetadataPath(), "/.well-known/oauth-protected-resource/tools/mcp"; got != want {
		t.Fatalf("MetadataPath = %q, want %q", got, want)
	}
	if got, want := res.MetadataURL(req), "https://maps.example.com/.well-known/oauth-protected-resource/tools/mcp"; got != want {
		t.Fatalf("MetadataURL = %q, want %q", got, want)
	}
	if doc := res.Document(req); doc.Resource != u.String() || doc.AuthorizationServers != nil {
		t.Fatalf("doc = %+v", doc)
	}
	if u.Path != "/tools/mcp" {
		t.Fatalf("PublicURL mutated: %s", u)
	}
}
