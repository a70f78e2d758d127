// Package mcp implements the client half of the Model Context Protocol
// (MCP), the JSON-RPC protocol that exposes tools, prompts and resources
// from external servers to LLM applications. This implementation follows
// the official specification from https://spec.modelcontextprotocol.io/specification/.
//
// The package provides a typed Client for the protocol operations and four
// interchangeable transports implementing the Transport interface: WebSocket,
// Streamable HTTP, server-sent events (the legacy HTTP transport), and a
// subprocess transport speaking newline-delimited JSON over stdio. A
// FallbackTransport combines two of them, which callers use to fall back
// from Streamable HTTP to SSE when talking to older servers.
package mcp
