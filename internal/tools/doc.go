// Package tools is the Tool Registry.
//
// A tool is a name, a JSON Schema for its arguments, the scopes a caller
// needs, and a Handler. Registry.Call checks scopes and validates arguments
// against the compiled schema before the handler runs, so handlers never see
// unvalidated input. Handlers receive the caller's *auth.TenantContext as an
// explicit parameter and must take every tenant id they use from it. The
// only exception is super-admin tools, which name the target tenant in their
// arguments.
//
// Long-running handlers may call ReportProgress; the report reaches the
// client only when it asked for progress over a streaming transport.
//
// AccountPack provides the gateway's built-in account tools. External tool
// handlers (the fitness algorithms) plug in by registering their own Pack.
package tools
