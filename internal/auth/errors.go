// ABOUTME: AuthError taxonomy shared by the resolver, the OAuth server and the dispatcher
// ABOUTME: Every failure carries a stable machine-readable kind and maps to OAuth and HTTP codes

package auth

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind is the stable, machine-readable sub-kind of an authentication or
// authorization failure.
type ErrorKind string

// Credential failures.
const (
	KindMissingCredential ErrorKind = "missing_credential"
	KindInvalidCredential ErrorKind = "invalid_credential"
	KindExpiredCredential ErrorKind = "expired_credential"
	KindRevokedCredential ErrorKind = "revoked_credential"
	KindTenantSuspended   ErrorKind = "tenant_suspended"
	KindPrincipalInactive ErrorKind = "principal_inactive"
	KindInsufficientScope ErrorKind = "insufficient_scope"
	KindForbidden         ErrorKind = "forbidden"
)

// Authorization server failures.
const (
	KindInvalidRequest        ErrorKind = "invalid_request"
	KindInvalidClient         ErrorKind = "invalid_client"
	KindInvalidClientMetadata ErrorKind = "invalid_client_metadata"
	KindInvalidRedirectURI    ErrorKind = "invalid_redirect_uri"
	KindInvalidGrant          ErrorKind = "invalid_grant"
	KindInvalidScope          ErrorKind = "invalid_scope"
	KindUnsupportedGrantType  ErrorKind = "unsupported_grant_type"
	KindAccessDenied          ErrorKind = "access_denied"
	KindCodeExpired           ErrorKind = "code_expired"
	KindCodeReplayed          ErrorKind = "code_replayed"
	KindPKCEMismatch          ErrorKind = "pkce_mismatch"
)

// Error is a structured authentication or authorization failure.
type Error struct {
	Kind        ErrorKind
	Description string
	Err         error
}

// NewError creates an Error of the given kind.
func NewError(kind ErrorKind, description string) *Error {
	return &Error{Kind: kind, Description: description}
}

// Errorf creates an Error with a formatted description.
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Description: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error that keeps err as its cause.
func Wrap(kind ErrorKind, description string, err error) *Error {
	return &Error{Kind: kind, Description: description, Err: err}
}

func (e *Error) Error() string {
	if e.Description == "" {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Description
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error of the same kind, so errors.Is(err, NewError(k, ""))
// tests for a kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// AsError extracts an *Error from err's chain.
func AsError(err error) (*Error, bool) {
	var ae *Error
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

// KindOf returns the kind of err, or the empty kind if err is not an *Error.
func KindOf(err error) ErrorKind {
	if ae, ok := AsError(err); ok {
		return ae.Kind
	}
	return ""
}

// Forbidden reports whether the caller was identified but is not allowed, as
// opposed to not being identified at all.
func (k ErrorKind) Forbidden() bool {
	switch k {
	case KindInsufficientScope, KindForbidden, KindTenantSuspended, KindPrincipalInactive, KindAccessDenied:
		return true
	}
	return false
}

// OAuthCode maps a kind onto the RFC 6749 / RFC 7591 error codes.
func (k ErrorKind) OAuthCode() string {
	switch k {
	case KindInvalidRequest, KindInvalidRedirectURI, KindMissingCredential:
		return "invalid_request"
	case KindInvalidClient:
		return "invalid_client"
	case KindInvalidClientMetadata:
		return "invalid_client_metadata"
	case KindInvalidScope:
		return "invalid_scope"
	case KindUnsupportedGrantType:
		return "unsupported_grant_type"
	case KindAccessDenied, KindTenantSuspended, KindPrincipalInactive, KindForbidden:
		return "access_denied"
	case KindInsufficientScope:
		return "insufficient_scope"
	default:
		// code_expired, code_replayed, pkce_mismatch, expired/revoked/invalid grants
		return "invalid_grant"
	}
}

// HTTPStatus is the status an HTTP endpoint answers with for this kind.
func (k ErrorKind) HTTPStatus() int {
	switch {
	case k == KindInvalidClient, k == KindMissingCredential,
		k == KindInvalidCredential, k == KindExpiredCredential, k == KindRevokedCredential:
		return http.StatusUnauthorized
	case k.Forbidden():
		return http.StatusForbidden
	default:
		return http.StatusBadRequest
	}
}
