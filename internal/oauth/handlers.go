// ABOUTME: HTTP endpoints of the authorization server: authorize, token, register, revoke
// ABOUTME: Also serves RFC 8414 metadata and the JWKS document used to verify issued tokens

package oauth

import (
	"crypto/subtle"
	"embed"
	"encoding/json"
	"errors"
	"html/template"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/time/rate"

	"github.com/2389/tenant-gateway/internal/auth"
	"github.com/2389/tenant-gateway/internal/token"
)

// Endpoint paths.
const (
	PathAuthorize = "/oauth2/authorize"
	PathToken     = "/oauth2/token"
	PathRegister  = "/oauth2/register"
	PathRevoke    = "/oauth2/revoke"
	PathMetadata  = "/.well-known/oauth-authorization-server"
	PathJWKS      = "/.well-known/jwks.json"
)

// csrfCookieName names the double-submit cookie guarding the login form.
const csrfCookieName = "tgw_oauth_csrf"

const maxFormBytes = 64 << 10

//go:embed templates/*.html
var templateFS embed.FS

var (
	authorizeTmpl = template.Must(template.ParseFS(templateFS, "templates/authorize.html"))
	errorTmpl     = template.Must(template.ParseFS(templateFS, "templates/error.html"))
)

type authorizeData struct {
	Action          string
	ClientID        string
	ClientName      string
	RedirectURI     string
	State           string
	Scope           string
	Scopes          []string
	CodeChallenge   string
	ChallengeMethod string
	Email           string
	Error           string
	CSRFToken       string
}

type errorData struct {
	Code        string
	Description string
}

// HandlerConfig configures the HTTP layer.
type HandlerConfig struct {
	// RateLimit is the sustained per-IP request rate on the public endpoints.
	RateLimit rate.Limit
	// RateBurst is the per-IP burst allowance.
	RateBurst int
	// TrustProxy honours X-Forwarded-For when deriving the client IP.
	TrustProxy bool
}

// Handler serves the authorization server endpoints.
type Handler struct {
	svc        *Service
	codec      *token.Codec
	logger     *slog.Logger
	limiter    *ipRateLimiter
	trustProxy bool
}

// NewHandler creates the HTTP handler set.
func NewHandler(svc *Service, codec *token.Codec, cfg HandlerConfig, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		svc:        svc,
		codec:      codec,
		logger:     logger.With("component", "oauth_http"),
		limiter:    newIPRateLimiter(cfg.RateLimit, cfg.RateBurst),
		trustProxy: cfg.TrustProxy,
	}
}

// Register mounts every endpoint on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("GET "+PathAuthorize, h.limited(http.HandlerFunc(h.handleAuthorizeForm)))
	mux.Handle("POST "+PathAuthorize, h.limited(http.HandlerFunc(h.handleAuthorizeSubmit)))
	mux.Handle("POST "+PathToken, h.limited(http.HandlerFunc(h.handleToken)))
	mux.Handle("POST "+PathRegister, h.limited(http.HandlerFunc(h.handleRegister)))
	mux.Handle("POST "+PathRevoke, h.limited(http.HandlerFunc(h.handleRevoke)))
	mux.HandleFunc("GET "+PathMetadata, h.handleMetadata)
	mux.HandleFunc("GET "+PathJWKS, h.handleJWKS)
}

func (h *Handler) limited(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r, h.trustProxy)
		if ok, wait := h.limiter.allow(ip); !ok {
			secs := max(1, int(wait.Seconds()+0.999))
			h.logger.Warn("oauth rate limit exceeded", "ip", ip, "path", r.URL.Path)
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			writeJSON(w, http.StatusTooManyRequests, map[string]string{
				"error":             "too_many_requests",
				"error_description": "rate limit exceeded, retry later",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requestFromValues(v url.Values) AuthorizationRequest {
	return AuthorizationRequest{
		ClientID:        v.Get("client_id"),
		RedirectURI:     v.Get("redirect_uri"),
		CodeChallenge:   v.Get("code_challenge"),
		ChallengeMethod: v.Get("code_challenge_method"),
		Scopes:          auth.ParseScope(v.Get("scope")),
		State:           v.Get("state"),
	}
}

func (h *Handler) handleAuthorizeForm(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := requestFromValues(q)

	// Until client and redirect URI check out, errors are shown, never redirected.
	client, err := h.svc.ValidateClient(r.Context(), req.ClientID, req.RedirectURI)
	if err != nil {
		h.renderError(w, err)
		return
	}
	if q.Get("response_type") != "code" {
		redirectError(w, r, req, auth.NewError(auth.KindUnsupportedGrantType, "response_type must be code"))
		return
	}
	if _, err := h.svc.ValidateAuthorization(r.Context(), req); err != nil {
		redirectError(w, r, req, err)
		return
	}

	csrf := h.ensureCSRFToken(w, r)
	h.renderAuthorize(w, http.StatusOK, req, client.Name, "", "", csrf)
}

func (h *Handler) handleAuthorizeSubmit(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxFormBytes)
	if err := r.ParseForm(); err != nil {
		h.renderError(w, auth.NewError(auth.KindInvalidRequest, "malformed form"))
		return
	}
	req := requestFromValues(r.PostForm)

	client, err := h.svc.ValidateClient(r.Context(), req.ClientID, req.RedirectURI)
	if err != nil {
		h.renderError(w, err)
		return
	}
	if !h.validateCSRF(r) {
		csrf := h.ensureCSRFToken(w, r)
		h.renderAuthorize(w, http.StatusForbidden, req, client.Name, "", "Invalid request, please try again", csrf)
		return
	}

	email := r.PostFormValue("email")
	user, err := h.svc.Authenticate(r.Context(), email, r.PostFormValue("password"))
	if err != nil {
		if _, ok := auth.AsError(err); !ok {
			h.logger.Error("authenticating user", "error", err)
		}
		csrf := h.ensureCSRFToken(w, r)
		h.renderAuthorize(w, http.StatusUnauthorized, req, client.Name, email, "Invalid email or password", csrf)
		return
	}

	code, err := h.svc.BeginAuthorization(r.Context(), req, user)
	if err != nil {
		redirectError(w, r, req, err)
		return
	}

	target, _ := url.Parse(req.RedirectURI)
	params := target.Query()
	params.Set("code", code)
	if req.State != "" {
		params.Set("state", req.State)
	}
	target.RawQuery = params.Encode()
	http.Redirect(w, r, target.String(), http.StatusFound)
}

func (h *Handler) handleToken(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxFormBytes)
	if err := r.ParseForm(); err != nil {
		h.writeError(w, auth.NewError(auth.KindInvalidRequest, "malformed form body"))
		return
	}
	f := r.PostForm

	var (
		resp *TokenResponse
		err  error
	)
	switch f.Get("grant_type") {
	case "authorization_code":
		resp, err = h.svc.RedeemCode(r.Context(), f.Get("code"), f.Get("code_verifier"), f.Get("client_id"), f.Get("redirect_uri"))
	case "refresh_token":
		resp, err = h.svc.Refresh(r.Context(), f.Get("refresh_token"), f.Get("client_id"), auth.ParseScope(f.Get("scope")))
	case "":
		err = auth.NewError(auth.KindInvalidRequest, "grant_type is required")
	default:
		err = auth.Errorf(auth.KindUnsupportedGrantType, "grant_type %q is not supported", f.Get("grant_type"))
	}
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var md ClientMetadata
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxFormBytes))
	if err := dec.Decode(&md); err != nil {
		h.writeError(w, auth.NewError(auth.KindInvalidClientMetadata, "body must be a JSON client metadata document"))
		return
	}
	out, err := h.svc.RegisterClient(r.Context(), md)
	if ae, ok := auth.AsError(err); ok && ae.Kind == auth.KindInvalidRedirectURI {
		// RFC 7591 §3.2.2 has its own code for this.
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error":             "invalid_redirect_uri",
			"error_description": ae.Description,
		})
		return
	}
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

func (h *Handler) handleRevoke(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxFormBytes)
	if err := r.ParseForm(); err != nil {
		h.writeError(w, auth.NewError(auth.KindInvalidRequest, "malformed form body"))
		return
	}
	raw := r.PostForm.Get("token")
	if raw == "" {
		h.writeError(w, auth.NewError(auth.KindInvalidRequest, "token is required"))
		return
	}
	if err := h.svc.Revoke(r.Context(), raw); err != nil {
		h.logger.Error("revoking token", "error", err)
		h.writeError(w, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
}

// Metadata is the RFC 8414 authorization server metadata document.
type Metadata struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	RegistrationEndpoint              string   `json:"registration_endpoint"`
	RevocationEndpoint                string   `json:"revocation_endpoint"`
	JWKSURI                           string   `json:"jwks_uri"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
	ScopesSupported                   []string `json:"scopes_supported"`
}

// ServerMetadata describes this server rooted at the codec's issuer.
func (h *Handler) ServerMetadata() Metadata {
	base := strings.TrimSuffix(h.codec.Issuer(), "/")
	return Metadata{
		Issuer:                            h.codec.Issuer(),
		AuthorizationEndpoint:             base + PathAuthorize,
		TokenEndpoint:                     base + PathToken,
		RegistrationEndpoint:              base + PathRegister,
		RevocationEndpoint:                base + PathRevoke,
		JWKSURI:                           base + PathJWKS,
		ResponseTypesSupported:            []string{"code"},
		GrantTypesSupported:               []string{"authorization_code", "refresh_token"},
		CodeChallengeMethodsSupported:     []string{MethodS256},
		TokenEndpointAuthMethodsSupported: []string{"none"},
		ScopesSupported:                   auth.AdminScopes,
	}
}

func (h *Handler) handleMetadata(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(h.ServerMetadata()); err != nil {
		h.logger.Error("encoding metadata", "error", err)
	}
}

func (h *Handler) handleJWKS(w http.ResponseWriter, r *http.Request) {
	doc, etag, err := h.codec.JWKSDocument()
	if err != nil {
		h.logger.Error("building jwks", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("ETag", etag)
	w.Header().Set("Cache-Control", "public, max-age=300")
	if match := r.Header.Get("If-None-Match"); match != "" && match == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(doc)
}

// writeError answers with an RFC 6749 §5.2 error body.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	ae, ok := auth.AsError(err)
	if !ok {
		h.logger.Error("oauth request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error":             "server_error",
			"error_description": "internal error",
		})
		return
	}
	status := ae.Kind.HTTPStatus()
	if errors.Is(err, auth.NewError(auth.KindInvalidClient, "")) {
		w.Header().Set("WWW-Authenticate", `Bearer realm="tenant-gateway"`)
	}
	// error_kind keeps the precise failure (code_replayed, pkce_mismatch, ...)
	// that RFC 6749 folds into invalid_grant.
	writeJSON(w, status, map[string]string{
		"error":             ae.Kind.OAuthCode(),
		"error_description": ae.Description,
		"error_kind":        string(ae.Kind),
	})
}

// redirectError reports an authorization error to a validated redirect URI.
func redirectError(w http.ResponseWriter, r *http.Request, req AuthorizationRequest, err error) {
	code, desc := "server_error", "internal error"
	if ae, ok := auth.AsError(err); ok {
		code, desc = ae.Kind.OAuthCode(), ae.Description
		if ae.Kind == auth.KindUnsupportedGrantType {
			code = "unsupported_response_type"
		}
	}
	target, _ := url.Parse(req.RedirectURI)
	params := target.Query()
	params.Set("error", code)
	params.Set("error_description", desc)
	if req.State != "" {
		params.Set("state", req.State)
	}
	target.RawQuery = params.Encode()
	http.Redirect(w, r, target.String(), http.StatusFound)
}

func (h *Handler) renderAuthorize(w http.ResponseWriter, status int, req AuthorizationRequest, clientName, email, errMsg, csrf string) {
	if clientName == "" {
		clientName = req.ClientID
	}
	data := authorizeData{
		Action:          PathAuthorize,
		ClientID:        req.ClientID,
		ClientName:      clientName,
		RedirectURI:     req.RedirectURI,
		State:           req.State,
		Scope:           strings.Join(req.Scopes, " "),
		Scopes:          req.Scopes,
		CodeChallenge:   req.CodeChallenge,
		ChallengeMethod: req.ChallengeMethod,
		Email:           email,
		Error:           errMsg,
		CSRFToken:       csrf,
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Frame-Options", "DENY")
	w.WriteHeader(status)
	if err := authorizeTmpl.Execute(w, data); err != nil {
		h.logger.Error("failed to render authorize page", "error", err)
	}
}

func (h *Handler) renderError(w http.ResponseWriter, err error) {
	data := errorData{Code: "server_error", Description: "internal error"}
	status := http.StatusInternalServerError
	if ae, ok := auth.AsError(err); ok {
		data = errorData{Code: ae.Kind.OAuthCode(), Description: ae.Description}
		status = http.StatusBadRequest
	} else {
		h.logger.Error("authorization request failed", "error", err)
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := errorTmpl.Execute(w, data); err != nil {
		h.logger.Error("failed to render error page", "error", err)
	}
}

func (h *Handler) ensureCSRFToken(w http.ResponseWriter, r *http.Request) string {
	if c, err := r.Cookie(csrfCookieName); err == nil && c.Value != "" {
		return c.Value
	}
	tok, err := auth.RandomSecret(32)
	if err != nil {
		h.logger.Error("failed to generate CSRF token", "error", err)
		return ""
	}
	http.SetCookie(w, &http.Cookie{
		Name:     csrfCookieName,
		Value:    tok,
		Path:     PathAuthorize,
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteStrictMode,
	})
	return tok
}

func (h *Handler) validateCSRF(r *http.Request) bool {
	c, err := r.Cookie(csrfCookieName)
	if err != nil || c.Value == "" {
		return false
	}
	form := r.PostFormValue("csrf_token")
	return form != "" && subtle.ConstantTimeCompare([]byte(form), []byte(c.Value)) == 1
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
