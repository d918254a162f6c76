// Package auth provides authentication and authorization for tenant-gateway.
//
// # Credentials
//
// Two credential forms are accepted on every transport:
//
//   - Bearer tokens: Ed25519-signed JWTs issued by the OAuth server (access
//     tokens) or by a super admin (admin tokens). Verified by the token
//     package, then checked against the revocation list.
//
//   - API keys: random "tgw_" prefixed secrets sent as X-API-Key (or as a
//     bearer). Only a BLAKE3 digest is stored; lookup is by digest.
//
// # TenantContext
//
// Resolver.Resolve is the single choke point that turns a raw credential into
// a TenantContext. The tenant id always comes from the verified credential.
// Resolve takes no tenant argument, so a caller-supplied tenant can never be
// trusted as authoritative.
//
// A TenantContext is immutable and passed explicitly through every layer; it
// is never stored in a context.Context.
//
// # Errors
//
// Every failure is an *Error with a stable ErrorKind. Kinds map onto OAuth
// error codes (OAuthCode), HTTP statuses (HTTPStatus) and, in the rpc
// package, JSON-RPC error codes. Expired and revoked credentials are distinct
// kinds so callers know whether to refresh or re-authenticate.
package auth
