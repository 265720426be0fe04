// Package streaminghttp serves the Amap tool server over the MCP streamable
// HTTP transport.
//
// In stateful mode an initialize POST creates a session through the
// SessionManager and the response carries its id in the Mcp-Session-Id
// header. Later POSTs must echo that header and DELETE terminates the
// session. Sessions expire after the manager's idle timeout.
//
//	mgr := streaminghttp.NewSessionManager(srv, log, sessions.WithIdleTimeout(time.Hour))
//	h, err := streaminghttp.New(srv, streaminghttp.WithSessions(mgr))
//
// In stateless mode (WithStateless) each POST is handled by a throwaway
// endpoint and no session id is issued or read.
//
// Responses are plain JSON or a single-event SSE stream depending on the
// client's Accept header. GET is answered with 405 since the server never
// sends unsolicited messages. Session-protocol failures use JSON-RPC error
// code -32000 with these statuses:
//
//	400  Session ID required
//	404  Session not found (unknown, terminated, expired or owned by another user)
//	405  Method not allowed.
//	503  Too many active sessions
package streaminghttp
