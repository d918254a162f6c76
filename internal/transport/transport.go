// ABOUTME: Shared plumbing for transport adapters: message limits, auth failure replies
// ABOUTME: and the per-connection stream that runs payloads concurrently

package transport

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/2389/tenant-gateway/internal/auth"
	"github.com/2389/tenant-gateway/internal/rpc"
)

// MaxMessageSize is the largest payload any transport accepts (1MB).
const MaxMessageSize = 1 << 20

// DefaultMaxInflight bounds concurrently executing payloads per connection.
const DefaultMaxInflight = 64

// Transport names used in logs and metrics.
const (
	NameHTTP      = "http"
	NameStdio     = "stdio"
	NameWebSocket = "websocket"
	NameSSE       = "sse"
)

// Dispatcher is the slice of rpc.Dispatcher a transport uses.
type Dispatcher interface {
	Serve(ctx context.Context, call rpc.Call) *rpc.Result
	Authenticate(ctx context.Context, cred auth.Credential, transport string) (*auth.TenantContext, error)
}

// stream runs the payloads of one streaming connection. Each payload executes
// in its own goroutine, so responses go out in completion order and callers
// correlate them by id.
type stream struct {
	dispatcher Dispatcher
	cred       auth.Credential
	transport  string
	logger     *slog.Logger
	send       func(ctx context.Context, body []byte) error

	ctx      context.Context
	cancel   context.CancelFunc
	inflight *rpc.Inflight
	sem      chan struct{}

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func newStream(parent context.Context, d Dispatcher, cred auth.Credential, transport string, maxInflight int,
	logger *slog.Logger, send func(context.Context, []byte) error,
) *stream {
	if maxInflight <= 0 {
		maxInflight = DefaultMaxInflight
	}
	ctx, cancel := context.WithCancel(parent)
	return &stream{
		dispatcher: d,
		cred:       cred,
		transport:  transport,
		logger:     logger,
		send:       send,
		ctx:        ctx,
		cancel:     cancel,
		inflight:   rpc.NewInflight(),
		sem:        make(chan struct{}, maxInflight),
	}
}

// dispatch starts payload. It blocks while the connection already has the
// maximum number of payloads executing. A non-nil tc is the caller the
// transport already authenticated for this payload.
func (s *stream) dispatch(payload []byte, tc *auth.TenantContext) error {
	select {
	case s.sem <- struct{}{}:
	case <-s.ctx.Done():
		return s.ctx.Err()
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		<-s.sem
		return context.Canceled
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer func() { <-s.sem }()

		res := s.dispatcher.Serve(s.ctx, rpc.Call{
			Payload:    payload,
			Credential: s.cred,
			Transport:  s.transport,
			Inflight:   s.inflight,
			Notify:     s.notify,
			Resolved:   tc,
		})
		if res.Body == nil {
			return
		}
		if err := s.send(s.ctx, res.Body); err != nil {
			s.logger.Debug("response dropped", "transport", s.transport, "error", err)
		}
	}()
	return nil
}

// notify pushes a server-initiated notification ahead of the response.
func (s *stream) notify(ctx context.Context, body []byte) error {
	return s.send(ctx, body)
}

// drain stops accepting payloads and waits for every started one to finish.
func (s *stream) drain() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.wg.Wait()
	s.cancel()
}

// close cancels this connection's in-flight requests and waits for them.
func (s *stream) close() {
	s.cancel()
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.wg.Wait()
}

// writeAuthError answers an HTTP request whose credential was rejected.
func writeAuthError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if ae, ok := auth.AsError(err); ok {
		status = ae.Kind.HTTPStatus()
		auth.SetChallenge(w, err)
	}
	writeRPCError(w, status, rpc.FromError(err))
}

// writeRPCError writes a JSON-RPC error response with a null id.
func writeRPCError(w http.ResponseWriter, status int, e *rpc.Error) {
	body, _ := json.Marshal(rpc.Response{JSONRPC: rpc.Version, Error: e})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
