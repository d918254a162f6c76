// Package admission implements per-tenant, per-credential rate limiting.
//
// Each (tenant id, credential id) pair has a fixed window counter aligned to
// multiples of the window length. A request of cost n is admitted while the
// window's total stays within the limit; otherwise Admit returns a
// *RateLimitedError whose RetryAfter is the time until the window resets.
package admission
