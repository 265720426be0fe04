package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ggoodman/amap-mcp-server-go/internal/jsonrpc"
	"github.com/ggoodman/amap-mcp-server-go/internal/logctx"
	"github.com/ggoodman/amap-mcp-server-go/mcp"
	"github.com/ggoodman/amap-mcp-server-go/mcpservice"
)

// ErrEndpointClosed is returned once the owning session has been released.
var ErrEndpointClosed = errors.New("endpoint closed")

// Endpoint is the protocol-handling object owned by one session. It performs
// the MCP handshake, answers ping and routes tools/list and tools/call to the
// session's Registry. An Endpoint is safe for concurrent use. Closing it
// rejects new requests; tool calls already running finish on their own.
type Endpoint struct {
	sessionID string
	srv       *mcpservice.Server
	registry  *mcpservice.Registry
	log       *slog.Logger

	mu              sync.Mutex
	protocolVersion string
	clientInfo      mcp.ImplementationInfo
	clientCaps      mcp.ClientCapabilities
	initialized     bool
	closed          bool
}

// EndpointOption configures an Endpoint.
type EndpointOption func(*Endpoint)

// WithLogger sets the logger used by the Endpoint.
func WithLogger(l *slog.Logger) EndpointOption {
	return func(e *Endpoint) {
		if l != nil {
			e.log = l
		}
	}
}

// NewEndpoint constructs an Endpoint for sessionID with a fresh Registry
// minted from srv. sessionID is empty in stateless mode.
func NewEndpoint(sessionID string, srv *mcpservice.Server, opts ...EndpointOption) *Endpoint {
	e := &Endpoint{
		sessionID: sessionID,
		srv:       srv,
		registry:  srv.NewRegistry(sessionID),
		log:       slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// SessionID returns the id of the owning session.
func (e *Endpoint) SessionID() string { return e.sessionID }

// Registry returns the tool registry bound to this endpoint.
func (e *Endpoint) Registry() *mcpservice.Registry { return e.registry }

// ProtocolVersion returns the negotiated protocol version, empty before
// initialize.
func (e *Endpoint) ProtocolVersion() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.protocolVersion
}

// ClientInfo returns what the client reported during initialize.
func (e *Endpoint) ClientInfo() mcp.ImplementationInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.clientInfo
}

// Initialized reports whether notifications/initialized has been received.
func (e *Endpoint) Initialized() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.initialized
}

// HandleRequest processes a JSON-RPC request and returns the response to send.
// A non-nil error means the endpoint could not produce a response at all.
func (e *Endpoint) HandleRequest(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return nil, ErrEndpointClosed
	}

	switch mcp.Method(req.Method) {
	case mcp.InitializeMethod:
		return e.handleInitialize(ctx, req)
	case mcp.PingMethod:
		return jsonrpc.NewResultResponse(req.ID, mcp.EmptyResult{})
	case mcp.ToolsListMethod:
		return e.handleToolsList(ctx, req)
	case mcp.ToolsCallMethod:
		return e.handleToolCall(ctx, req)
	}

	e.log.InfoContext(ctx, "engine.handle_request.unsupported", slog.String("method", req.Method))
	return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, "method not found", nil), nil
}

func (e *Endpoint) handleInitialize(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	start := time.Now()
	log := e.log.With(slog.String("method", req.Method))

	var params mcp.InitializeRequest
	if err := json.Unmarshal(req.Params, &params); err != nil {
		log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", err.Error()), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil), nil
	}

	negotiated := params.ProtocolVersion
	if !mcp.IsSupportedProtocolVersion(negotiated) {
		negotiated = mcp.LatestProtocolVersion
	}

	e.mu.Lock()
	e.protocolVersion = negotiated
	e.clientInfo = params.ClientInfo
	e.clientCaps = params.Capabilities
	e.mu.Unlock()

	res := &mcp.InitializeResult{
		ProtocolVersion: negotiated,
		Capabilities:    e.srv.Capabilities(),
		ServerInfo:      e.srv.Info(),
		Instructions:    e.srv.Instructions(),
	}

	log.InfoContext(ctx, "engine.handle_request.ok",
		slog.String("protocol_version", negotiated),
		slog.String("client_name", params.ClientInfo.Name),
		slog.Int64("dur_ms", time.Since(start).Milliseconds()),
	)
	return jsonrpc.NewResultResponse(req.ID, res)
}

func (e *Endpoint) handleToolsList(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	start := time.Now()
	log := e.log.With(slog.String("method", req.Method))

	var params mcp.ListToolsRequest
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", err.Error()), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil), nil
		}
	}

	var cursor *string
	if params.Cursor != "" {
		s := params.Cursor
		cursor = &s
	}

	page, err := e.registry.ListTools(ctx, cursor)
	if errors.Is(err, mcpservice.ErrRegistryClosed) {
		return nil, ErrEndpointClosed
	}
	if err != nil {
		log.ErrorContext(ctx, "engine.handle_request.fail", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil), nil
	}

	result := &mcp.ListToolsResult{Tools: page.Items}
	if page.NextCursor != nil {
		result.NextCursor = *page.NextCursor
	}

	log.InfoContext(ctx, "engine.handle_request.ok", slog.Int64("dur_ms", time.Since(start).Milliseconds()), slog.Int("tool_count", len(page.Items)))
	return jsonrpc.NewResultResponse(req.ID, result)
}

func (e *Endpoint) handleToolCall(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	start := time.Now()
	log := e.log.With(slog.String("method", req.Method))

	var params mcp.CallToolRequestReceived
	if err := json.Unmarshal(req.Params, &params); err != nil {
		log.InfoContext(ctx, "engine.handle_request.invalid", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil), nil
	}
	if params.Name == "" {
		log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", "missing tool name"), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil), nil
	}

	ctx = logctx.WithToolCallData(ctx, &logctx.ToolCallData{ToolName: params.Name})

	res, err := e.registry.Call(ctx, &params)
	switch {
	case err == nil:
	case errors.Is(err, mcpservice.ErrToolNotFound):
		log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", err.Error()), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "unknown tool: "+params.Name, nil), nil
	case errors.Is(err, mcpservice.ErrRegistryClosed):
		return nil, ErrEndpointClosed
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		// The caller went away mid-call. Report it like any other failed
		// outbound call rather than as a protocol fault.
		log.InfoContext(ctx, "engine.handle_request.interrupted", slog.String("err", err.Error()), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		res = mcpservice.Errorf("Request failed: %v", err)
	default:
		log.ErrorContext(ctx, "engine.handle_request.fail", slog.String("err", err.Error()), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil), nil
	}

	log.InfoContext(ctx, "engine.handle_request.ok", slog.Bool("is_error", res.IsError), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
	return jsonrpc.NewResultResponse(req.ID, res)
}

// HandleNotification processes a client notification. Unknown notifications
// are ignored.
func (e *Endpoint) HandleNotification(ctx context.Context, note *jsonrpc.Request) error {
	switch mcp.Method(note.Method) {
	case mcp.InitializedNotificationMethod:
		e.mu.Lock()
		if e.closed {
			e.mu.Unlock()
			return ErrEndpointClosed
		}
		e.initialized = true
		e.mu.Unlock()
		e.log.InfoContext(ctx, "engine.session.initialized")
	case mcp.CancelledNotificationMethod:
		var params mcp.CancelledNotification
		if err := json.Unmarshal(note.Params, &params); err != nil {
			e.log.InfoContext(ctx, "engine.handle_notification.invalid", slog.String("err", err.Error()))
			return nil
		}
		var id jsonrpc.RequestID
		if err := json.Unmarshal(params.RequestID, &id); err != nil {
			e.log.InfoContext(ctx, "engine.handle_notification.invalid", slog.String("err", err.Error()))
			return nil
		}
		// Tool calls run to completion; the notification is only recorded.
		e.log.InfoContext(ctx, "engine.request.cancel_ignored",
			slog.String("request_id", id.String()),
			slog.String("reason", params.Reason),
		)
	default:
		e.log.DebugContext(ctx, "engine.handle_notification.ignored", slog.String("method", note.Method))
	}
	return nil
}

// Close releases the registry. Tool calls already running are not
// interrupted; new requests fail with ErrEndpointClosed. It is idempotent.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	return e.registry.Close()
}
