// ABOUTME: Persistent WebSocket transport carrying one JSON-RPC payload per message
// ABOUTME: Authenticates at upgrade; closing the socket cancels only its own requests

package transport

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/2389/tenant-gateway/internal/auth"
)

// DefaultPingInterval is how often an idle socket is pinged.
const DefaultPingInterval = 30 * time.Second

// WebSocketConfig configures the WebSocket transport.
type WebSocketConfig struct {
	Dispatcher     Dispatcher
	Logger         *slog.Logger
	OriginPatterns []string
	MaxInflight    int
	PingInterval   time.Duration
}

// WebSocket serves JSON-RPC over WebSocket connections.
type WebSocket struct {
	dispatcher     Dispatcher
	logger         *slog.Logger
	originPatterns []string
	maxInflight    int
	pingInterval   time.Duration
}

// NewWebSocket creates the WebSocket transport.
func NewWebSocket(cfg WebSocketConfig) *WebSocket {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ping := cfg.PingInterval
	if ping <= 0 {
		ping = DefaultPingInterval
	}
	return &WebSocket{
		dispatcher:     cfg.Dispatcher,
		logger:         logger.With("component", "transport", "transport", NameWebSocket),
		originPatterns: cfg.OriginPatterns,
		maxInflight:    cfg.MaxInflight,
		pingInterval:   ping,
	}
}

// ServeHTTP upgrades the request and serves the connection until either side
// closes it.
func (h *WebSocket) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	cred, err := auth.CredentialFromRequest(r)
	if err == nil {
		_, err = h.dispatcher.Authenticate(r.Context(), cred, NameWebSocket)
	}
	if err != nil {
		writeAuthError(w, err)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.originPatterns})
	if err != nil {
		h.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer func() { _ = conn.CloseNow() }()
	conn.SetReadLimit(MaxMessageSize)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	send := func(ctx context.Context, body []byte) error {
		return wsjson.Write(ctx, conn, json.RawMessage(body))
	}
	st := newStream(ctx, h.dispatcher, cred, NameWebSocket, h.maxInflight, h.logger, send)

	go h.keepalive(ctx, conn)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			default:
				if ctx.Err() == nil {
					h.logger.Debug("websocket read failed", "error", err)
				}
			}
			break
		}
		if err := st.dispatch(data, nil); err != nil {
			break
		}
	}

	st.close()
	_ = conn.Close(websocket.StatusNormalClosure, "")
}

func (h *WebSocket) keepalive(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, h.pingInterval)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
