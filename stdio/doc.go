// Package stdio serves the tool server to a single client over
// newline-delimited JSON-RPC on stdin and stdout.
//
// One process serves one client for its whole life, so there is exactly one
// endpoint and no session header. The peer is identified as the OS user that
// started the process. Logs must go to stderr: anything else written to the
// output stream corrupts the framing.
//
//	h := stdio.NewHandler(srv, stdio.WithLogger(log))
//	err := h.Serve(ctx)
package stdio
