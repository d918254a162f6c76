// ABOUTME: Package transport adapts HTTP, stdio, WebSocket and SSE to the JSON-RPC dispatcher
// ABOUTME: Each adapter extracts the credential and hands raw payloads to the dispatcher

// Package transport carries JSON-RPC payloads between clients and the
// dispatcher.
//
// Every adapter follows the same contract: extract the caller's credential in
// the transport's native way, hand the raw payload to rpc.Dispatcher.Serve,
// and write back whatever body it returns. Transports never parse envelopes
// and never see a tenant context; they only learn whether authentication
// failed so they can pick a status code.
//
// Streaming adapters (stdio, WebSocket, SSE) run each payload in its own
// goroutine, bounded per connection. Responses are written in completion order
// and correlated by id. Closing the connection cancels its in-flight requests
// and no others.
//
// The credential of a streaming connection is checked when it opens and again
// on every message, so revoking it stops further calls without waiting for the
// client to disconnect.
package transport
