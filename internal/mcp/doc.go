// Package mcp bridges tools served by external MCP (Model Context
// Protocol) servers into the backend tool registry.
//
// Servers are reached over stdio (a child process) or streamable HTTP
// using the mark3labs/mcp-go client. Every discovered tool is registered
// as mcp_<server>_<tool> and proxies its calls to the server that
// declared it. Only the client side is implemented.
package mcp
