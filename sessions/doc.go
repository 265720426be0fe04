// Package sessions owns the live-session index of a stateful MCP server.
//
// A Manager maps opaque session ids to Session values. Each Session owns an
// Endpoint (the protocol-handling object for that session) and an idle timer.
// Every successful Get pushes the session's deadline out by the idle timeout;
// a session nobody touches for that long is evicted and its endpoint closed.
//
// # Lifecycle
//
//	Create    -> random id, Factory builds the endpoint, timer armed
//	Get       -> owner check, timer re-armed, session returned
//	Terminate -> entry removed, timer stopped, endpoint closed exactly once
//	expiry    -> same as Terminate, driven by the timer
//
// All index mutations happen under a single mutex. Endpoint construction and
// Close run outside of it.
//
// # Races between refresh and expiry
//
// Each arming of the timer bumps a per-session generation. A timer callback
// only evicts when the generation it captured is still current, so a fire
// that was already scheduled when a Get re-armed the timer does nothing. The
// converse also holds: a Get that arrives after the fire removed the entry
// sees ErrSessionNotFound. Exactly one of explicit termination and expiry
// releases a session.
//
// # Not found
//
// ErrSessionNotFound is an expected outcome, returned for unknown ids, for
// expired or terminated sessions and for sessions owned by a different user.
// Transports map it to a distinct client-visible error so clients know to
// re-initialize.
package sessions
