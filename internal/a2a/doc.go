// Package a2a implements the agent-to-agent method namespace.
//
// The namespace mounts on the same rpc.Dispatcher as MCP, so it shares
// credential resolution, admission control and the error code table; it is
// not a separate security boundary. Registry tools are advertised as skills
// on the agent card, and a2a/tasks/send runs a skill as a task whose record
// is kept in a tenant-keyed cache. Tasks are visible only to the principal
// that created them; anyone else gets task-not-found.
//
// Every method requires the agents scope.
package a2a
