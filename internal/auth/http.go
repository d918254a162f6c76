// ABOUTME: HTTP credential extraction and RFC 6750 challenge responses
// ABOUTME: Reads Authorization: Bearer or X-API-Key; never reads a tenant id from the request

package auth

import (
	"net/http"
	"strings"
)

// APIKeyHeader carries an API key on HTTP-based transports.
const APIKeyHeader = "X-API-Key"

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	scheme, token, ok := strings.Cut(authHeader, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", "invalid authorization header format"
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// CredentialFromRequest reads the presented credential. A malformed
// Authorization header is an error; a missing one yields an empty Credential.
func CredentialFromRequest(r *http.Request) (Credential, error) {
	cred := Credential{APIKey: strings.TrimSpace(r.Header.Get(APIKeyHeader))}
	if h := r.Header.Get("Authorization"); h != "" {
		bearer, errMsg := extractBearerToken(h)
		if errMsg != "" {
			return Credential{}, NewError(KindInvalidCredential, errMsg)
		}
		cred.Bearer = bearer
	}
	return cred, nil
}

// ResolveRequest extracts and resolves the credential of an HTTP request.
func (r *Resolver) ResolveRequest(req *http.Request) (*TenantContext, error) {
	cred, err := CredentialFromRequest(req)
	if err != nil {
		return nil, err
	}
	return r.Resolve(req.Context(), cred)
}

// SetChallenge sets an RFC 6750 WWW-Authenticate header describing err.
func SetChallenge(w http.ResponseWriter, err error) {
	ae, ok := AsError(err)
	if !ok {
		w.Header().Set("WWW-Authenticate", `Bearer realm="tenant-gateway"`)
		return
	}
	code := "invalid_token"
	switch {
	case ae.Kind == KindMissingCredential:
		w.Header().Set("WWW-Authenticate", `Bearer realm="tenant-gateway"`)
		return
	case ae.Kind == KindInsufficientScope:
		code = "insufficient_scope"
	}
	desc := strings.ReplaceAll(ae.Description, `"`, `'`)
	w.Header().Set("WWW-Authenticate", `Bearer realm="tenant-gateway", error="`+code+`", error_description="`+desc+`"`)
}
