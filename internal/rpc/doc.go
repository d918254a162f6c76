// ABOUTME: Package rpc implements JSON-RPC 2.0 dispatch shared by every protocol namespace
// ABOUTME: Owns the envelope format, the error code table and the request pipeline

// Package rpc is the protocol router.
//
// Transports hand a Dispatcher raw payloads. Each payload is decoded into one
// envelope or a batch, the presented credential is resolved into an
// auth.TenantContext, every request is admitted and then routed to the Method
// registered under its name. Namespaces such as MCP and A2A mount their
// methods on the same Dispatcher, so they share tenant resolution, admission
// and error mapping.
//
// # Error codes
//
//	-32700  parse error
//	-32600  invalid request
//	-32601  method not found
//	-32602  invalid params (including tool argument schema violations)
//	-32603  internal error (including tenant isolation violations)
//	-32001  unauthenticated; error.data.kind carries the auth sub-kind
//	-32003  forbidden; error.data.kind carries the auth sub-kind
//	-32029  rate limited; error.data.retry_after_seconds carries the hint
//	-32050  tool execution error; message and data come from the tool
//
// Request ids are echoed back unchanged. Notifications never produce a
// response. Batch elements execute concurrently and each gets its own
// response.
package rpc
