// Package cache provides a TTL cache whose key always includes the owning
// tenant id, so memoized per-tenant data can never be served to another tenant.
package cache
