// ABOUTME: RFC 7591 dynamic client registration for public (PKCE) clients
// ABOUTME: Registered clients are platform-scoped; the tenant is fixed later by the logged-in user

package oauth

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/2389/tenant-gateway/internal/auth"
	"github.com/2389/tenant-gateway/internal/store"
)

const maxRedirectURIs = 10

// ClientMetadata is the RFC 7591 registration request and response body.
type ClientMetadata struct {
	ClientID                string   `json:"client_id,omitempty"`
	ClientIDIssuedAt        int64    `json:"client_id_issued_at,omitempty"`
	ClientName              string   `json:"client_name,omitempty"`
	RedirectURIs            []string `json:"redirect_uris"`
	GrantTypes              []string `json:"grant_types,omitempty"`
	ResponseTypes           []string `json:"response_types,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
	Scope                   string   `json:"scope,omitempty"`
}

// RegisterClient validates md and stores a new public client.
func (s *Service) RegisterClient(ctx context.Context, md ClientMetadata) (*ClientMetadata, error) {
	if len(md.RedirectURIs) == 0 {
		return nil, auth.NewError(auth.KindInvalidRedirectURI, "at least one redirect_uri is required")
	}
	if len(md.RedirectURIs) > maxRedirectURIs {
		return nil, auth.Errorf(auth.KindInvalidClientMetadata, "at most %d redirect_uris allowed", maxRedirectURIs)
	}
	for _, u := range md.RedirectURIs {
		if err := validateRedirectURI(u); err != nil {
			return nil, err
		}
	}
	if md.TokenEndpointAuthMethod != "" && md.TokenEndpointAuthMethod != "none" {
		return nil, auth.NewError(auth.KindInvalidClientMetadata, "only public clients (token_endpoint_auth_method=none) are supported")
	}
	for _, gt := range md.GrantTypes {
		if gt != "authorization_code" && gt != "refresh_token" {
			return nil, auth.Errorf(auth.KindInvalidClientMetadata, "unsupported grant_type %q", gt)
		}
	}
	for _, rt := range md.ResponseTypes {
		if rt != "code" {
			return nil, auth.Errorf(auth.KindInvalidClientMetadata, "unsupported response_type %q", rt)
		}
	}
	for _, sc := range auth.ParseScope(md.Scope) {
		if !slices.Contains(auth.AdminScopes, sc) {
			return nil, auth.Errorf(auth.KindInvalidClientMetadata, "unknown scope %q", sc)
		}
	}
	name := strings.TrimSpace(md.ClientName)
	if len(name) > 200 {
		return nil, auth.NewError(auth.KindInvalidClientMetadata, "client_name is too long")
	}

	now := s.now().UTC()
	client := &store.OAuthClient{
		ID:           uuid.New().String(),
		Name:         name,
		RedirectURIs: slices.Clone(md.RedirectURIs),
		RequirePKCE:  true,
		CreatedAt:    now,
	}
	if err := s.store.CreateOAuthClient(ctx, client); err != nil {
		return nil, fmt.Errorf("storing client: %w", err)
	}

	s.logger.Info("registered oauth client", "client_id", client.ID, "client_name", name)
	return &ClientMetadata{
		ClientID:                client.ID,
		ClientIDIssuedAt:        now.Unix(),
		ClientName:              name,
		RedirectURIs:            client.RedirectURIs,
		GrantTypes:              []string{"authorization_code", "refresh_token"},
		ResponseTypes:           []string{"code"},
		TokenEndpointAuthMethod: "none",
		Scope:                   md.Scope,
	}, nil
}

// validateRedirectURI accepts absolute https URIs and http URIs on a loopback
// host. Fragments are never allowed.
func validateRedirectURI(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return auth.Errorf(auth.KindInvalidRedirectURI, "redirect_uri %q is not an absolute URI", raw)
	}
	if u.Fragment != "" || strings.Contains(raw, "#") {
		return auth.Errorf(auth.KindInvalidRedirectURI, "redirect_uri %q must not contain a fragment", raw)
	}
	switch u.Scheme {
	case "https":
		return nil
	case "http":
		if isLoopback(u.Hostname()) {
			return nil
		}
		return auth.Errorf(auth.KindInvalidRedirectURI, "http redirect_uri %q must use a loopback host", raw)
	default:
		return auth.Errorf(auth.KindInvalidRedirectURI, "redirect_uri scheme %q is not allowed", u.Scheme)
	}
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
