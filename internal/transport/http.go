// ABOUTME: HTTP POST transport: one payload per request on the RPC path
// ABOUTME: Adds MCP Streamable HTTP session headers and RFC 6750 challenges on auth failure

package transport

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/2389/tenant-gateway/internal/auth"
	"github.com/2389/tenant-gateway/internal/mcp"
	"github.com/2389/tenant-gateway/internal/rpc"
)

// HTTPConfig configures the HTTP transport.
type HTTPConfig struct {
	Dispatcher Dispatcher
	// Sessions enables Mcp-Session-Id handling when set.
	Sessions *mcp.SessionStore
	Logger   *slog.Logger
}

// HTTP serves JSON-RPC over HTTP POST.
type HTTP struct {
	dispatcher Dispatcher
	sessions   *mcp.SessionStore
	logger     *slog.Logger
}

// NewHTTP creates the HTTP transport.
func NewHTTP(cfg HTTPConfig) *HTTP {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTP{
		dispatcher: cfg.Dispatcher,
		sessions:   cfg.Sessions,
		logger:     logger.With("component", "transport", "transport", NameHTTP),
	}
}

// ServeHTTP supports POST for payloads and DELETE to end a session.
func (h *HTTP) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.handlePost(w, r)
	case http.MethodDelete:
		h.handleDelete(w, r)
	default:
		w.Header().Set("Allow", "POST, DELETE")
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
	}
}

func (h *HTTP) handlePost(w http.ResponseWriter, r *http.Request) {
	if v := r.Header.Get(mcp.ProtocolVersionHeader); v != "" && !mcp.SupportedVersion(v) {
		http.Error(w, "Bad Request: unsupported MCP-Protocol-Version", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, MaxMessageSize+1))
	if err != nil {
		writeRPCError(w, http.StatusBadRequest, rpc.NewError(rpc.CodeParseError, "failed to read request body"))
		return
	}
	if len(body) > MaxMessageSize {
		writeRPCError(w, http.StatusRequestEntityTooLarge, rpc.NewError(rpc.CodeInvalidRequest, "request body too large"))
		return
	}

	cred, err := auth.CredentialFromRequest(r)
	if err != nil {
		writeAuthError(w, err)
		return
	}

	if h.sessions != nil {
		if id := r.Header.Get(mcp.SessionHeader); id != "" {
			if _, ok := h.sessions.Touch(id); !ok {
				// Session expired or unknown; the client must re-initialize.
				http.Error(w, "Not Found", http.StatusNotFound)
				return
			}
		}
	}

	res := h.dispatcher.Serve(r.Context(), rpc.Call{Payload: body, Credential: cred, Transport: NameHTTP})

	if h.sessions != nil && res.Context != nil && res.Succeeded(mcp.MethodInitialize) {
		sess := h.sessions.Create(res.Context.TenantID(), res.Context.CredentialID())
		w.Header().Set(mcp.SessionHeader, sess.ID)
		h.logger.Info("MCP session created", "session_id", sess.ID, "tenant_id", sess.TenantID)
	}

	status := http.StatusOK
	if res.AuthErr != nil {
		status = http.StatusInternalServerError
		if ae, ok := auth.AsError(res.AuthErr); ok {
			status = ae.Kind.HTTPStatus()
			auth.SetChallenge(w, res.AuthErr)
		}
	}

	if res.Body == nil {
		if res.AuthErr == nil {
			status = http.StatusAccepted
		}
		w.WriteHeader(status)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(res.Body); err != nil {
		h.logger.Debug("failed to write response", "error", err)
	}
}

// handleDelete terminates a session. Only the credential that created it may.
func (h *HTTP) handleDelete(w http.ResponseWriter, r *http.Request) {
	if h.sessions == nil {
		w.Header().Set("Allow", "POST")
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	id := r.Header.Get(mcp.SessionHeader)
	if id == "" {
		http.Error(w, "Bad Request: missing Mcp-Session-Id", http.StatusBadRequest)
		return
	}

	cred, err := auth.CredentialFromRequest(r)
	if err != nil {
		writeAuthError(w, err)
		return
	}
	tc, err := h.dispatcher.Authenticate(r.Context(), cred, NameHTTP)
	if err != nil {
		writeAuthError(w, err)
		return
	}

	switch err := h.sessions.Delete(id, tc.CredentialID()); {
	case errors.Is(err, mcp.ErrSessionNotFound):
		http.Error(w, "Not Found", http.StatusNotFound)
	case errors.Is(err, mcp.ErrSessionNotOwned):
		http.Error(w, "Forbidden", http.StatusForbidden)
	default:
		h.logger.Info("MCP session terminated", "session_id", id)
		w.WriteHeader(http.StatusNoContent)
	}
}
