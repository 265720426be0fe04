// Package mcp contains the Model Context Protocol data types and constants
// the Amap tool server speaks. It mirrors the wire representation of the
// protocol for the subset the server implements: the initialize handshake,
// ping, and the tools capability.
//
// The package is free of transport logic. The streaminghttp package frames
// these types as JSON-RPC over HTTP, internal/engine dispatches them, and
// mcpservice builds tool descriptors and results from them.
//
// # Method Names
//
// JSON-RPC method and notification names are enumerated as Method constants
// (e.g. ToolsCallMethod).
//
// # Protocol Versions
//
// SupportedProtocolVersions lists the revisions accepted during initialize.
// When a client asks for a revision outside that list the server answers with
// LatestProtocolVersion and leaves the decision to the client.
//
// Example (tool result construction):
//
//	res := &mcp.CallToolResult{
//	    Content: []mcp.ContentBlock{{Type: mcp.ContentTypeText, Text: `{"status":"1"}`}},
//	}
package mcp
