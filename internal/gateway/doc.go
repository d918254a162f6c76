// Package gateway orchestrates the tenant-gateway server components.
//
// # Overview
//
// The gateway package is the central coordinator of the tenant-gateway
// server. It opens the credential store, loads the signing key, builds the
// tenant context resolver and admission controller, mounts the MCP and A2A
// namespaces on one JSON-RPC dispatcher, and serves every transport from a
// single HTTP server.
//
// # HTTP Surface
//
// Routes hang off server.rpc_path (default /rpc):
//
//   - POST /rpc - JSON-RPC over HTTP (single or batch)
//   - DELETE /rpc - end an MCP session (Mcp-Session-Id header)
//   - GET /rpc/ws - JSON-RPC over WebSocket
//   - GET /rpc/sse - open a server-sent event stream
//   - POST /rpc/sse/message?session_id= - post into an open stream
//   - GET /oauth2/authorize, POST /oauth2/authorize - login and consent
//   - POST /oauth2/token, /oauth2/register, /oauth2/revoke
//   - GET /.well-known/oauth-authorization-server, /.well-known/jwks.json
//   - GET /metrics - Prometheus metrics (when enabled)
//   - GET /health - Liveness check
//   - GET /health/ready - Readiness check (store reachable)
//
// # Listeners
//
// The HTTP server listens on server.http_addr, or on a tsnet node when
// tailscale.enabled is set. Over the tailnet it serves plain HTTP on :80,
// HTTPS with tailnet certificates on :443, or a public Funnel.
//
// # Lifecycle
//
// Start the gateway:
//
//	gw, err := gateway.New(cfg, logger)
//	err = gw.Run(ctx)
//
// Run blocks until ctx is canceled, sweeping admission counters and idle MCP
// sessions in the background, then shuts down: open streams are cancelled,
// the HTTP server drains, running A2A tasks stop and the store closes.
//
// The stdio transport does not use the HTTP server; the CLI runs it against
// Dispatcher() directly.
package gateway
