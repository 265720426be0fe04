package streaminghttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/amap-mcp-server-go/auth"
	"github.com/ggoodman/amap-mcp-server-go/internal/engine"
	"github.com/ggoodman/amap-mcp-server-go/internal/jsonrpc"
	"github.com/ggoodman/amap-mcp-server-go/internal/logctx"
	"github.com/ggoodman/amap-mcp-server-go/internal/wellknown"
	"github.com/ggoodman/amap-mcp-server-go/mcp"
	"github.com/ggoodman/amap-mcp-server-go/mcpservice"
	"github.com/ggoodman/amap-mcp-server-go/sessions"
	"github.com/google/uuid"
)

var _ http.Handler = (*Handler)(nil)

var (
	jsonMediaType        = contenttype.NewMediaType("application/json")
	eventStreamMediaType = contenttype.NewMediaType("text/event-stream")
	responseMediaTypes   = []contenttype.MediaType{jsonMediaType, eventStreamMediaType}
)

const (
	mcpSessionIDHeader       = "Mcp-Session-Id"
	mcpProtocolVersionHeader = "Mcp-Protocol-Version"
	wwwAuthenticateHeader    = "WWW-Authenticate"

	// DefaultPath is where the MCP endpoint is mounted unless WithPath is given.
	DefaultPath = "/mcp"

	maxBodyBytes = 4 << 20
)

// SessionManager is the session index used in stateful mode.
type SessionManager = sessions.Manager[*engine.Endpoint]

// NewSessionManager returns a Manager whose sessions each own a fresh
// protocol endpoint and tool registry minted from srv.
func NewSessionManager(srv *mcpservice.Server, log *slog.Logger, opts ...sessions.Option) *SessionManager {
	log = logctx.Wrap(log)
	factory := func(_ context.Context, id string) (*engine.Endpoint, error) {
		return engine.NewEndpoint(id, srv, engine.WithLogger(log)), nil
	}
	return sessions.NewManager[*engine.Endpoint](factory, append([]sessions.Option{sessions.WithLogger(log)}, opts...)...)
}

// Option configures a Handler.
type Option func(*config)

type config struct {
	logger    *slog.Logger
	path      string
	stateless bool
	sessions  *SessionManager
	auth      auth.Authenticator
	realm     string
	metadata  *wellknown.Resource
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithPath sets the endpoint path. Defaults to DefaultPath.
func WithPath(p string) Option {
	return func(c *config) { c.path = p }
}

// WithStateless serves every POST from a throwaway endpoint. GET and DELETE
// are rejected and no session header is read or written.
func WithStateless() Option {
	return func(c *config) { c.stateless = true }
}

// WithSessions supplies the session manager for stateful mode.
func WithSessions(m *SessionManager) Option {
	return func(c *config) { c.sessions = m }
}

// WithAuthenticator requires a bearer token on every MCP request. Sessions
// are bound to the authenticated subject.
func WithAuthenticator(a auth.Authenticator) Option {
	return func(c *config) { c.auth = a }
}

// WithRealm sets the realm advertised in WWW-Authenticate challenges.
func WithRealm(realm string) Option {
	return func(c *config) { c.realm = strings.TrimSpace(realm) }
}

// WithResourceMetadata advertises res in WWW-Authenticate challenges so
// clients can discover the authorization server.
func WithResourceMetadata(res wellknown.Resource) Option {
	return func(c *config) { c.metadata = &res }
}

// Handler implements the MCP streamable HTTP transport in either stateful
// or stateless mode.
type Handler struct {
	mux       *http.ServeMux
	log       *slog.Logger
	srv       *mcpservice.Server
	path      string
	stateless bool
	sessions  *SessionManager
	auth      auth.Authenticator
	realm     string
	metadata  *wellknown.Resource
}

// New constructs a Handler serving srv. Stateful mode requires WithSessions.
func New(srv *mcpservice.Server, opts ...Option) (*Handler, error) {
	if srv == nil {
		return nil, errors.New("server is required")
	}
	cfg := &config{path: DefaultPath, realm: "amap-mcp"}
	for _, opt := range opts {
		opt(cfg)
	}
	if !cfg.stateless && cfg.sessions == nil {
		return nil, errors.New("stateful mode requires a session manager")
	}
	if cfg.path == "" || cfg.path[0] != '/' {
		return nil, fmt.Errorf("invalid path %q", cfg.path)
	}

	h := &Handler{
		log:       logctx.Wrap(cfg.logger),
		srv:       srv,
		path:      cfg.path,
		stateless: cfg.stateless,
		sessions:  cfg.sessions,
		auth:      cfg.auth,
		realm:     cfg.realm,
		metadata:  cfg.metadata,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST "+h.path, h.handlePost)
	mux.HandleFunc("DELETE "+h.path, h.handleDelete)
	mux.HandleFunc("OPTIONS "+h.path, h.handleOptions)
	mux.HandleFunc(h.path, h.handleNotAllowed)
	h.mux = mux
	return h, nil
}

// Path returns the path the handler serves.
func (h *Handler) Path() string { return h.path }

// Stateless reports the operating mode.
func (h *Handler) Stateless() bool { return h.stateless }

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Expose-Headers", mcpSessionIDHeader+", "+mcpProtocolVersionHeader)
	h.mux.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})))
}

func (h *Handler) allowedMethods() string {
	if h.stateless {
		return "POST, OPTIONS"
	}
	return "POST, DELETE, OPTIONS"
}

func (h *Handler) handleOptions(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Methods", h.allowedMethods())
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept, Authorization, Mcp-Session-Id, Mcp-Protocol-Version, Last-Event-ID")
	w.Header().Set("Access-Control-Max-Age", "600")
	w.WriteHeader(http.StatusNoContent)
}

// handleNotAllowed answers GET and any other verb. This server never pushes
// unsolicited messages so there is no standalone SSE stream.
func (h *Handler) handleNotAllowed(w http.ResponseWriter, r *http.Request) {
	h.log.InfoContext(r.Context(), "http.method.not_allowed")
	w.Header().Set("Allow", h.allowedMethods())
	writeRPCError(w, http.StatusMethodNotAllowed, nil, jsonrpc.ErrorCodeServerError, "Method not allowed.")
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	if h.stateless {
		h.handleNotAllowed(w, r)
		return
	}
	h.log.InfoContext(ctx, "http.delete.start")

	userID, ok := h.authenticate(ctx, w, r)
	if !ok {
		return
	}

	sessID := r.Header.Get(mcpSessionIDHeader)
	if sessID == "" {
		h.log.InfoContext(ctx, "session.id.missing")
		writeRPCError(w, http.StatusBadRequest, nil, jsonrpc.ErrorCodeServerError, "Session ID required")
		return
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sessID, UserID: userID})

	if err := h.sessions.Terminate(ctx, sessID, userID); err != nil {
		if errors.Is(err, sessions.ErrSessionNotFound) {
			h.log.InfoContext(ctx, "session.delete.miss")
			writeRPCError(w, http.StatusNotFound, nil, jsonrpc.ErrorCodeServerError, h.notFoundMessage())
			return
		}
		h.log.ErrorContext(ctx, "session.delete.fail", slog.String("err", err.Error()))
		writeRPCError(w, http.StatusInternalServerError, nil, jsonrpc.ErrorCodeInternalError, "Internal server error")
		return
	}

	resp, _ := jsonrpc.NewResultResponse(nil, map[string]string{"message": "Session terminated successfully"})
	writeJSON(w, http.StatusOK, resp)
	h.log.InfoContext(ctx, "http.delete.ok", slog.Duration("dur", time.Since(start)))
}

func (h *Handler) handlePost(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.post.start")

	userID, ok := h.authenticate(ctx, w, r)
	if !ok {
		return
	}

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		h.log.WarnContext(ctx, "content_type.unsupported", slog.String("content_type", r.Header.Get("Content-Type")))
		writeRPCError(w, http.StatusUnsupportedMediaType, nil, jsonrpc.ErrorCodeServerError, "Unsupported Media Type: Content-Type must be application/json")
		return
	}

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		h.log.WarnContext(ctx, "http.body.read.fail", slog.String("err", err.Error()))
		writeRPCError(w, http.StatusBadRequest, nil, jsonrpc.ErrorCodeParseError, "Parse error")
		return
	}
	if len(raw) > maxBodyBytes {
		writeRPCError(w, http.StatusRequestEntityTooLarge, nil, jsonrpc.ErrorCodeInvalidRequest, "Request body too large")
		return
	}

	msg, err := jsonrpc.Decode(raw)
	if err != nil {
		if errors.Is(err, jsonrpc.ErrBatchUnsupported) {
			h.log.WarnContext(ctx, "jsonrpc.batch.forbidden")
			writeRPCError(w, http.StatusBadRequest, nil, jsonrpc.ErrorCodeInvalidRequest, "Invalid Request: batch messages are not supported")
			return
		}
		h.log.WarnContext(ctx, "jsonrpc.message.invalid", slog.String("err", err.Error()))
		writeRPCError(w, http.StatusBadRequest, nil, jsonrpc.ErrorCodeParseError, "Parse error: "+err.Error())
		return
	}

	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{
		Method: msg.Method,
		ID:     msg.ID.String(),
		Type:   string(msg.Type()),
	})

	if h.stateless {
		h.postStateless(ctx, w, r, msg)
	} else {
		h.postStateful(ctx, w, r, msg, userID)
	}
	h.log.InfoContext(ctx, "http.post.done", slog.Duration("dur", time.Since(start)))
}

func (h *Handler) postStateless(ctx context.Context, w http.ResponseWriter, r *http.Request, msg *jsonrpc.AnyMessage) {
	ep := engine.NewEndpoint("", h.srv, engine.WithLogger(h.log))
	defer func() {
		if err := ep.Close(); err != nil {
			h.log.WarnContext(ctx, "endpoint.close.fail", slog.String("err", err.Error()))
		}
	}()
	if _, err := h.dispatch(ctx, w, r, ep, msg); err != nil {
		h.internalError(ctx, w, msg, err)
	}
}

func (h *Handler) postStateful(ctx context.Context, w http.ResponseWriter, r *http.Request, msg *jsonrpc.AnyMessage, userID string) {
	if req := msg.AsRequest(); req != nil && req.Method == string(mcp.InitializeMethod) {
		h.initialize(ctx, w, r, msg, userID)
		return
	}

	sessID := r.Header.Get(mcpSessionIDHeader)
	if sessID == "" {
		h.log.InfoContext(ctx, "session.id.missing")
		writeRPCError(w, http.StatusBadRequest, msg.ID, jsonrpc.ErrorCodeServerError, "Session ID required")
		return
	}

	sess, err := h.sessions.Get(ctx, sessID, userID)
	if err != nil {
		if errors.Is(err, sessions.ErrSessionNotFound) {
			writeRPCError(w, http.StatusNotFound, msg.ID, jsonrpc.ErrorCodeServerError, h.notFoundMessage())
			return
		}
		h.internalError(ctx, w, msg, err)
		return
	}

	ep := sess.Endpoint()
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID:       sess.ID(),
		UserID:          sess.UserID(),
		ProtocolVersion: ep.ProtocolVersion(),
	})

	if _, err := h.dispatch(ctx, w, r, ep, msg); err != nil {
		if errors.Is(err, engine.ErrEndpointClosed) {
			// Released between Get and dispatch.
			h.log.InfoContext(ctx, "session.load.miss", slog.String("err", err.Error()))
			writeRPCError(w, http.StatusNotFound, msg.ID, jsonrpc.ErrorCodeServerError, h.notFoundMessage())
			return
		}
		h.internalError(ctx, w, msg, err)
	}
}

func (h *Handler) initialize(ctx context.Context, w http.ResponseWriter, r *http.Request, msg *jsonrpc.AnyMessage, userID string) {
	if _, _, err := contenttype.GetAcceptableMediaType(r, responseMediaTypes); err != nil {
		h.notAcceptable(ctx, w, r, msg)
		return
	}
	sess, err := h.sessions.Create(ctx, userID)
	if err != nil {
		switch {
		case errors.Is(err, sessions.ErrTooManySessions):
			writeRPCError(w, http.StatusServiceUnavailable, msg.ID, jsonrpc.ErrorCodeServerError, "Too many active sessions")
		case errors.Is(err, sessions.ErrManagerClosed):
			writeRPCError(w, http.StatusServiceUnavailable, msg.ID, jsonrpc.ErrorCodeServerError, "Server is shutting down")
		default:
			h.internalError(ctx, w, msg, err)
		}
		return
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sess.ID(), UserID: userID})
	// Drop the session if the handshake never reaches the client.
	abandon := func(reason string) {
		h.log.InfoContext(ctx, "session.initialize.abandoned", slog.String("reason", reason))
		if err := h.sessions.Terminate(context.WithoutCancel(ctx), sess.ID(), userID); err != nil && !errors.Is(err, sessions.ErrSessionNotFound) {
			h.log.WarnContext(ctx, "session.terminate.fail", slog.String("err", err.Error()))
		}
	}

	w.Header().Set(mcpSessionIDHeader, sess.ID())
	delivered, err := h.dispatch(ctx, w, r, sess.Endpoint(), msg)
	switch {
	case err != nil:
		abandon("dispatch failed")
		w.Header().Del(mcpSessionIDHeader)
		h.internalError(ctx, w, msg, err)
	case !delivered:
		abandon("write failed")
	case ctx.Err() != nil:
		abandon("client disconnected")
	default:
		h.log.InfoContext(ctx, "session.initialize.ok", slog.String("protocol_version", sess.Endpoint().ProtocolVersion()))
	}
}

// dispatch hands msg to ep and writes the outcome. delivered reports that a
// complete response was written and flushed. A non-nil error means nothing
// has been written.
func (h *Handler) dispatch(ctx context.Context, w http.ResponseWriter, r *http.Request, ep *engine.Endpoint, msg *jsonrpc.AnyMessage) (delivered bool, err error) {
	switch msg.Type() {
	case jsonrpc.TypeNotification:
		if err := ep.HandleNotification(ctx, msg.AsRequest()); err != nil {
			return false, err
		}
		h.setProtocolVersion(w, ep)
		w.WriteHeader(http.StatusAccepted)
		return true, nil
	case jsonrpc.TypeResponse:
		// No server-initiated requests are ever outstanding.
		h.log.DebugContext(ctx, "jsonrpc.response.ignored")
		h.setProtocolVersion(w, ep)
		w.WriteHeader(http.StatusAccepted)
		return true, nil
	}

	accepted, _, err := contenttype.GetAcceptableMediaType(r, responseMediaTypes)
	if err != nil {
		h.notAcceptable(ctx, w, r, msg)
		return false, nil
	}

	resp, err := ep.HandleRequest(ctx, msg.AsRequest())
	if err != nil {
		return false, err
	}
	body, err := json.Marshal(resp)
	if err != nil {
		return false, fmt.Errorf("encode response: %w", err)
	}

	h.setProtocolVersion(w, ep)
	if accepted.Matches(eventStreamMediaType) {
		err = writeSSE(w, body)
	} else {
		err = writeBody(w, http.StatusOK, body)
	}
	if err != nil {
		// Headers are committed; all that is left is to log.
		h.log.WarnContext(ctx, "http.response.write.fail", slog.String("err", err.Error()))
		return false, nil
	}
	return true, nil
}

func (h *Handler) setProtocolVersion(w http.ResponseWriter, ep *engine.Endpoint) {
	if v := ep.ProtocolVersion(); v != "" {
		w.Header().Set(mcpProtocolVersionHeader, v)
	}
}

func (h *Handler) notAcceptable(ctx context.Context, w http.ResponseWriter, r *http.Request, msg *jsonrpc.AnyMessage) {
	h.log.WarnContext(ctx, "accept.unsupported", slog.String("accept", r.Header.Get("Accept")))
	writeRPCError(w, http.StatusNotAcceptable, msg.ID, jsonrpc.ErrorCodeServerError, "Not Acceptable: Client must accept application/json or text/event-stream")
}

func (h *Handler) internalError(ctx context.Context, w http.ResponseWriter, msg *jsonrpc.AnyMessage, err error) {
	h.log.ErrorContext(ctx, "http.post.fail", slog.String("err", err.Error()))
	writeRPCError(w, http.StatusInternalServerError, msg.ID, jsonrpc.ErrorCodeInternalError, "Internal server error")
}

// authenticate returns the caller's user id. Without an authenticator every
// caller is anonymous and the id is empty. On failure the challenge has
// already been written.
func (h *Handler) authenticate(ctx context.Context, w http.ResponseWriter, r *http.Request) (string, bool) {
	if h.auth == nil {
		return "", true
	}
	tok, ok := auth.BearerToken(r)
	if !ok {
		h.log.InfoContext(ctx, "auth.check.missing")
		h.challenge(w, r, nil)
		return "", false
	}
	ui, err := h.auth.CheckAuthentication(ctx, tok)
	if err != nil {
		if !errors.Is(err, auth.ErrUnauthorized) && !errors.Is(err, auth.ErrInsufficientScope) {
			h.log.ErrorContext(ctx, "auth.check.err", slog.String("err", err.Error()))
			writeRPCError(w, http.StatusInternalServerError, nil, jsonrpc.ErrorCodeInternalError, "Internal server error")
			return "", false
		}
		h.log.InfoContext(ctx, "auth.check.fail", slog.String("err", err.Error()))
		h.challenge(w, r, err)
		return "", false
	}
	return ui.UserID(), true
}

func (h *Handler) challenge(w http.ResponseWriter, r *http.Request, err error) {
	c := auth.ChallengeFor(h.realm, err)
	if h.metadata != nil {
		c.WWWAuthenticate += fmt.Sprintf(`, resource_metadata=%q`, h.metadata.MetadataURL(r))
	}
	w.Header().Set(wwwAuthenticateHeader, c.WWWAuthenticate)
	msg := "Unauthorized"
	if c.Status == http.StatusForbidden {
		msg = "Forbidden"
	}
	writeRPCError(w, c.Status, nil, jsonrpc.ErrorCodeServerError, msg)
}

func (h *Handler) notFoundMessage() string {
	return fmt.Sprintf("Session not found. The session may have expired after %s of inactivity.", humanDuration(h.sessions.IdleTimeout()))
}

// humanDuration renders d in its largest whole unit, e.g. "1 hour" or
// "90 seconds", falling back to Duration.String.
func humanDuration(d time.Duration) string {
	plural := func(n int64, unit string) string {
		if n == 1 {
			return "1 " + unit
		}
		return fmt.Sprintf("%d %ss", n, unit)
	}
	switch {
	case d <= 0:
		return d.String()
	case d%time.Hour == 0:
		return plural(int64(d/time.Hour), "hour")
	case d%time.Minute == 0:
		return plural(int64(d/time.Minute), "minute")
	case d%time.Second == 0:
		return plural(int64(d/time.Second), "second")
	default:
		return d.String()
	}
}

func writeRPCError(w http.ResponseWriter, status int, id *jsonrpc.RequestID, code jsonrpc.ErrorCode, message string) {
	writeJSON(w, status, jsonrpc.NewErrorResponse(id, code, message, nil))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	_ = writeBody(w, status, body)
}

func writeBody(w http.ResponseWriter, status int, body []byte) error {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	if _, err := w.Write(body); err != nil {
		return err
	}
	return flush(w)
}

// writeSSE sends body as the single event of a text/event-stream response.
func writeSSE(w http.ResponseWriter, body []byte) error {
	w.Header().Set("Content-Type", eventStreamMediaType.String())
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprintf(w, "event: message\ndata: %s\n\n", body); err != nil {
		return fmt.Errorf("write SSE event: %w", err)
	}
	return flush(w)
}

func flush(w http.ResponseWriter) error {
	if err := http.NewResponseController(w).Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	return nil
}
