package mcpservice

import (
	"github.com/ggoodman/amap-mcp-server-go/mcp"
)

// ServerOption configures a Server.
type ServerOption func(*Server)

// Server is the immutable description of what the MCP server offers: its
// implementation info, instructions and tool catalogue. Registries are minted
// from it per session so every session owns an independent tool set.
type Server struct {
	info         mcp.ImplementationInfo
	instructions string
	tools        []StaticTool
	middleware   []ToolMiddleware
	pageSize     int
}

// NewServer builds a Server using functional options.
func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		info:     mcp.ImplementationInfo{Name: "mcp-server", Version: "0.0.0"},
		pageSize: defaultPageSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// WithServerInfo sets the implementation info returned during initialize.
func WithServerInfo(info mcp.ImplementationInfo) ServerOption {
	return func(s *Server) { s.info = info }
}

// WithInstructions sets human-readable instructions returned during initialize.
func WithInstructions(instr string) ServerOption {
	return func(s *Server) { s.instructions = instr }
}

// WithTools appends tools to the catalogue.
func WithTools(defs ...StaticTool) ServerOption {
	return func(s *Server) { s.tools = append(s.tools, defs...) }
}

// WithToolMiddleware wraps every tool handler. Middleware applies in the
// order given, the first being outermost.
func WithToolMiddleware(mw ...ToolMiddleware) ServerOption {
	return func(s *Server) { s.middleware = append(s.middleware, mw...) }
}

// WithPageSize sets the tools/list page size. Non-positive values are ignored.
func WithPageSize(n int) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.pageSize = n
		}
	}
}

// Info returns the server implementation info.
func (s *Server) Info() mcp.ImplementationInfo { return s.info }

// Instructions returns the configured instructions, possibly empty.
func (s *Server) Instructions() string { return s.instructions }

// Capabilities returns the capability set advertised during initialize.
func (s *Server) Capabilities() mcp.ServerCapabilities {
	return mcp.ServerCapabilities{
		Tools: &struct {
			ListChanged bool `json:"listChanged"`
		}{ListChanged: false},
	}
}

// NewRegistry builds a fresh Registry bound to sessionID holding the whole
// catalogue with middleware applied.
func (s *Server) NewRegistry(sessionID string) *Registry {
	defs := make([]StaticTool, 0, len(s.tools))
	for _, t := range s.tools {
		h := t.Handler
		for i := len(s.middleware) - 1; i >= 0; i-- {
			h = s.middleware[i](t.Descriptor.Name, h)
		}
		defs = append(defs, StaticTool{Descriptor: t.Descriptor, Handler: h})
	}
	r := NewRegistry(sessionID, defs...)
	r.pageSize = s.pageSize
	return r
}
