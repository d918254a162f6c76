// Package token implements the gateway's Token Codec.
//
// Access, refresh and admin tokens are JWTs signed with Ed25519 (EdDSA).
// Verify is pure: it checks the signature, issuer and lifetime and never
// touches a store, so it can be exercised on its own. Callers that grant
// access must follow it with CheckRevoked, which consults the revocation list.
//
// Failures are reported as distinct sentinels (ErrMalformed, ErrExpired,
// ErrSignatureInvalid, ErrRevoked) so that an expired token can be told apart
// from a revoked one.
//
// The public half of the signing key is published as a JWKS document with a
// thumbprint key id; WithVerificationKey keeps accepting tokens from a
// previous key during rotation.
package token
