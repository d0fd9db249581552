// Package mcp implements the client side of MCP (Model Context Protocol)
// connections to external tool servers.
//
// MCP uses JSON-RPC 2.0 over two transports: stdio (a spawned subprocess
// speaking newline-delimited JSON on its pipes) and streamable HTTP
// (POST requests answered with a JSON body or an SSE stream, plus an
// optional GET stream for server-pushed messages). Both transports
// multiplex concurrent requests over a single connection through a
// [Correlator], which matches responses to requests by id.
//
// [Client] layers the typed protocol operations (initialize, tools/list,
// tools/call, ping) on top of a [Transport]. Managing many clients at
// once is the job of the registry package.
package mcp
