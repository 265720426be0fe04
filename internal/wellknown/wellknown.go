// Package wellknown serves OAuth 2.0 Protected Resource Metadata (RFC 9728)
// for the MCP endpoint.
package wellknown

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
)

// PathPrefix is joined with the resource path to form the metadata path.
const PathPrefix = "/.well-known/oauth-protected-resource"

type ProtectedResourceMetadata struct {
	Resource               string   `json:"resource"`
	AuthorizationServers   []string `json:"authorization_servers,omitempty"`
	JwksURI                string   `json:"jwks_uri,omitempty"`
	ScopesSupported        []string `json:"scopes_supported,omitempty"`
	BearerMethodsSupported []string `json:"bearer_methods_supported,omitempty"`
	ResourceName           string   `json:"resource_name,omitempty"`
	ResourceDocumentation  string   `json:"resource_documentation,omitempty"`
}

// Resource describes the protected MCP endpoint.
type Resource struct {
	// PublicURL is the externally visible endpoint URL. When nil the
	// origin is taken from each request.
	PublicURL *url.URL
	// Path is the MCP endpoint path, used when PublicURL is nil.
	Path string

	Issuer  string
	JWKSURL string
	Scopes  []string
	Name    string
	DocsURL string
}

// MetadataPath is where the metadata document for r is served.
func (r Resource) MetadataPath() string {
	return PathPrefix + r.resourcePath()
}

// MetadataURL is the absolute metadata URL as seen by the client of req.
func (r Resource) MetadataURL(req *http.Request) string {
	u := r.resourceURL(req)
	u.Path = PathPrefix + u.Path
	return u.String()
}

// Document builds the metadata document as seen by the client of req.
func (r Resource) Document(req *http.Request) ProtectedResourceMetadata {
	doc := ProtectedResourceMetadata{
		Resource:               r.resourceURL(req).String(),
		JwksURI:                r.JWKSURL,
		ScopesSupported:        r.Scopes,
		BearerMethodsSupported: []string{"header"},
		ResourceName:           r.Name,
		ResourceDocumentation:  r.DocsURL,
	}
	if r.Issuer != "" {
		doc.AuthorizationServers = []string{r.Issuer}
	}
	return doc
}

// ServeHTTP writes the metadata document.
func (r Resource) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	if err := json.NewEncoder(w).Encode(r.Document(req)); err != nil {
		http.Error(w, "failed to encode protected resource metadata", http.StatusInternalServerError)
	}
}

func (r Resource) resourcePath() string {
	if r.PublicURL != nil {
		return r.PublicURL.Path
	}
	return r.Path
}

func (r Resource) resourceURL(req *http.Request) *url.URL {
	if r.PublicURL != nil {
		u := *r.PublicURL
		return &u
	}
	scheme := "http"
	if req.TLS != nil {
		scheme = "https"
	}
	if p := req.Header.Get("X-Forwarded-Proto"); p != "" {
		scheme = strings.ToLower(strings.TrimSpace(strings.Split(p, ",")[0]))
	}
	return &url.URL{Scheme: scheme, Host: req.Host, Path: r.Path}
}
