// Package mcp implements the Model Context Protocol method namespace.
//
// # Overview
//
// MCP (Model Context Protocol) is the JSON-RPC protocol AI clients use to
// discover and invoke tools. Server mounts the MCP methods on an
// rpc.Dispatcher, so every MCP request passes through the same credential
// resolution, admission control and error mapping as any other namespace.
// The transports in package transport carry the envelopes.
//
// # Methods
//
//   - initialize: negotiates the protocol version
//   - ping: liveness check
//   - tools/list: tools visible to the caller's scopes
//   - tools/call: validates arguments against the tool's schema, then runs it;
//     with params._meta.progressToken on a streaming connection, the tool's
//     progress reports arrive as notifications/progress before the response
//   - notifications/initialized: accepted, no response
//   - notifications/cancelled: cancels an in-flight request on the same connection
//
// # Tool Discovery
//
// Clients call tools/list to discover available tools:
//
//	{
//	  "jsonrpc": "2.0",
//	  "method": "tools/list",
//	  "id": 1
//	}
//
// # Tool Execution
//
//	{
//	  "jsonrpc": "2.0",
//	  "method": "tools/call",
//	  "params": {
//	    "name": "whoami",
//	    "arguments": {}
//	  },
//	  "id": 2
//	}
//
// Output is returned as text content; JSON object output is also returned as
// structuredContent. Failures reported by a tool come back as JSON-RPC error
// -32050 with the tool's message and data.
//
// # Sessions
//
// SessionStore backs the Streamable HTTP transport's Mcp-Session-Id header.
// Every request still authenticates on its own; the session only correlates
// them. Only the credential that sent initialize may DELETE the session.
//
// # Integration with Claude Desktop
//
//	{
//	  "mcpServers": {
//	    "gateway": {
//	      "url": "https://gateway.example.com/rpc",
//	      "headers": {"X-API-Key": "tgw_..."}
//	    }
//	  }
//	}
package mcp
