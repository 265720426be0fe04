package mcpservice

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/ggoodman/amap-mcp-server-go/mcp"
)

var (
	// ErrToolNotFound is returned by Registry.Call for unknown tool names.
	ErrToolNotFound = errors.New("tool not found")
	// ErrRegistryClosed is returned by Registry.Call after Close.
	ErrRegistryClosed = errors.New("tool registry closed")
)

const defaultPageSize = 50

// Page represents a single page of results with an optional cursor for the
// next page. Items is never nil.
type Page[T any] struct {
	Items      []T
	NextCursor *string
}

// Registry binds tool names to handlers for one session (or one stateless
// request). It is safe for concurrent use. Calls already running when Close is
// invoked are allowed to finish; new calls fail with ErrRegistryClosed.
type Registry struct {
	sessionID string
	pageSize  int

	mu       sync.RWMutex
	tools    []mcp.Tool             // descriptors for listing, in registration order
	handlers map[string]ToolHandler // name -> handler
	closed   bool
}

// NewRegistry constructs a Registry bound to sessionID holding defs. On
// duplicate names the first definition wins.
func NewRegistry(sessionID string, defs ...StaticTool) *Registry {
	r := &Registry{
		sessionID: sessionID,
		pageSize:  defaultPageSize,
		handlers:  make(map[string]ToolHandler, len(defs)),
	}
	for _, d := range defs {
		r.add(d)
	}
	return r
}

func (r *Registry) add(def StaticTool) bool {
	name := def.Descriptor.Name
	if name == "" || def.Handler == nil {
		return false
	}
	if _, exists := r.handlers[name]; exists {
		return false
	}
	r.tools = append(r.tools, def.Descriptor)
	r.handlers[name] = def.Handler
	return true
}

// SessionID returns the session the registry is bound to.
func (r *Registry) SessionID() string { return r.sessionID }

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Snapshot returns a copy of the current tool descriptors.
func (r *Registry) Snapshot() []mcp.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]mcp.Tool, len(r.tools))
	copy(out, r.tools)
	return out
}

// ListTools returns one page of descriptors starting at cursor. Cursors are
// opaque offsets produced by a previous page; an unparseable cursor restarts
// from the beginning.
func (r *Registry) ListTools(_ context.Context, cursor *string) (Page[mcp.Tool], error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return Page[mcp.Tool]{}, ErrRegistryClosed
	}

	start := parseCursor(cursor)
	if start > len(r.tools) {
		start = 0
	}
	end := min(start+r.pageSize, len(r.tools))
	page := Page[mcp.Tool]{Items: make([]mcp.Tool, end-start)}
	copy(page.Items, r.tools[start:end])
	if end < len(r.tools) {
		next := strconv.Itoa(end)
		page.NextCursor = &next
	}
	return page, nil
}

// Call dispatches a request to the named tool. The handler runs without any
// registry lock held.
func (r *Registry) Call(ctx context.Context, req *mcp.CallToolRequestReceived) (*mcp.CallToolResult, error) {
	if req == nil || req.Name == "" {
		return nil, fmt.Errorf("invalid tool request: missing name")
	}
	r.mu.RLock()
	closed := r.closed
	h := r.handlers[req.Name]
	r.mu.RUnlock()
	if closed {
		return nil, ErrRegistryClosed
	}
	if h == nil {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, req.Name)
	}
	return h(ctx, r.sessionID, req)
}

// Close releases the registry. It is idempotent.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	r.handlers = nil
	r.tools = nil
	return nil
}

func parseCursor(cursor *string) int {
	if cursor == nil || *cursor == "" {
		return 0
	}
	n, err := strconv.Atoi(*cursor)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
