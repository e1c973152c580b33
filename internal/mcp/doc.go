// Package mcp implements MCP (Model Context Protocol) client support,
// allowing Squire to connect to external MCP servers and expose their
// tools through the tool registry.
//
// MCP uses JSON-RPC 2.0 framed as newline-delimited messages over a
// server subprocess's stdin/stdout. The client performs the initialize
// handshake, discovers tools via tools/list, and invokes them via
// tools/call. Discovered tools are registered under qualified names so
// identically named tools from different servers stay distinct.
//
// The package is layered. ProcTransport owns one subprocess and its
// pipes and moves single lines. Session adds request IDs, response
// correlation, and the handshake state machine. Invoker wraps one
// discovered tool into a callable unit, acquiring its session from a
// SessionSource that implements the configured lifetime policy.
// Loader fans out across configured servers and aggregates everything
// it finds, isolating each server's failures from the rest.
//
// This implementation covers the client side only; Squire never acts
// as an MCP server.
package mcp
