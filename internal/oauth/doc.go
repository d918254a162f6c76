// Package oauth is the gateway's OAuth 2.0 authorization server.
//
// It supports the authorization code grant with mandatory S256 PKCE for
// public clients, refresh tokens, RFC 7591 dynamic client registration,
// RFC 7009 revocation, RFC 8414 metadata and a JWKS endpoint. Authorization
// codes are single-use: the store marks a code redeemed in the same statement
// that reads it, so concurrent exchanges of one code yield exactly one token
// pair.
package oauth
