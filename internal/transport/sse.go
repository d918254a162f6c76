// ABOUTME: Server-sent events transport: responses are pushed on a long-lived GET stream
// ABOUTME: while the client POSTs payloads to the per-stream message endpoint

package transport

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/tenant-gateway/internal/auth"
	"github.com/2389/tenant-gateway/internal/rpc"
)

// DefaultKeepalive is the interval of SSE comment keepalives.
const DefaultKeepalive = 25 * time.Second

// SSEConfig configures the SSE transport.
type SSEConfig struct {
	Dispatcher Dispatcher
	Logger     *slog.Logger
	// MessagePath is where clients POST payloads; it is announced in the
	// endpoint event.
	MessagePath string
	MaxInflight int
	Keepalive   time.Duration
}

type sseStream struct {
	id           string
	credentialID string
	st           *stream
	events       chan []byte
}

// SSE serves JSON-RPC with responses delivered as server-sent events.
type SSE struct {
	dispatcher  Dispatcher
	logger      *slog.Logger
	messagePath string
	maxInflight int
	keepalive   time.Duration

	mu      sync.RWMutex
	streams map[string]*sseStream
}

// NewSSE creates the SSE transport.
func NewSSE(cfg SSEConfig) *SSE {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ka := cfg.Keepalive
	if ka <= 0 {
		ka = DefaultKeepalive
	}
	return &SSE{
		dispatcher:  cfg.Dispatcher,
		logger:      logger.With("component", "transport", "transport", NameSSE),
		messagePath: cfg.MessagePath,
		maxInflight: cfg.MaxInflight,
		keepalive:   ka,
		streams:     make(map[string]*sseStream),
	}
}

// StreamHandler serves GET requests opening an event stream.
func (h *SSE) StreamHandler() http.Handler {
	return http.HandlerFunc(h.handleStream)
}

// MessageHandler serves POSTs of payloads to an open stream.
func (h *SSE) MessageHandler() http.Handler {
	return http.HandlerFunc(h.handleMessage)
}

// Streams returns the number of open streams.
func (h *SSE) Streams() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.streams)
}

func (h *SSE) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	cred, err := auth.CredentialFromRequest(r)
	if err != nil {
		writeAuthError(w, err)
		return
	}
	tc, err := h.dispatcher.Authenticate(r.Context(), cred, NameSSE)
	if err != nil {
		writeAuthError(w, err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	s := &sseStream{
		id:           uuid.New().String(),
		credentialID: tc.CredentialID(),
		events:       make(chan []byte, h.maxInflightOrDefault()),
	}
	s.st = newStream(ctx, h.dispatcher, cred, NameSSE, h.maxInflight, h.logger, func(ctx context.Context, body []byte) error {
		select {
		case s.events <- body:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	h.mu.Lock()
	h.streams[s.id] = s
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.streams, s.id)
		h.mu.Unlock()
		s.st.close()
		h.logger.Debug("sse stream closed", "stream_id", s.id)
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	endpoint := h.messagePath + "?session_id=" + url.QueryEscape(s.id)
	if err := writeEvent(w, "endpoint", []byte(endpoint)); err != nil {
		return
	}
	flusher.Flush()
	h.logger.Debug("sse stream opened", "stream_id", s.id, "tenant_id", tc.TenantID())

	ticker := time.NewTicker(h.keepalive)
	defer ticker.Stop()
	for {
		select {
		case body := <-s.events:
			if err := writeEvent(w, "message", body); err != nil {
				return
			}
			flusher.Flush()
		case <-ticker.C:
			if _, err := io.WriteString(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case <-ctx.Done():
			return
		}
	}
}

func (h *SSE) maxInflightOrDefault() int {
	if h.maxInflight > 0 {
		return h.maxInflight
	}
	return DefaultMaxInflight
}

// handleMessage accepts a payload for a stream. The poster must present the
// credential that opened the stream. The credential is resolved once per POST
// and that result is handed to the dispatcher.
func (h *SSE) handleMessage(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("session_id")
	h.mu.RLock()
	s, ok := h.streams[id]
	h.mu.RUnlock()
	if !ok {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}

	cred, err := auth.CredentialFromRequest(r)
	if err != nil {
		writeAuthError(w, err)
		return
	}
	tc, err := h.dispatcher.Authenticate(r.Context(), cred, NameSSE)
	if err != nil {
		writeAuthError(w, err)
		return
	}
	if tc.CredentialID() != s.credentialID {
		http.Error(w, "Forbidden", http.StatusForbidden)
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

	if err := s.st.dispatch(body, tc); err != nil {
		http.Error(w, "stream closed", http.StatusGone)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func writeEvent(w io.Writer, event string, data []byte) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}
