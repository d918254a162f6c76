// ABOUTME: Dispatcher running every JSON-RPC envelope through resolve, admit and execute
// ABOUTME: Batch elements run concurrently and fail independently of their siblings

package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/2389/tenant-gateway/internal/auth"
	"github.com/2389/tenant-gateway/internal/observe"
	"github.com/2389/tenant-gateway/internal/store"
)

// Defaults for Config fields left zero.
const (
	DefaultMaxBatch       = 100
	DefaultMaxConcurrency = 16
)

// Method handles one JSON-RPC method. tc is the verified caller context; it is
// never nil.
type Method func(ctx context.Context, params json.RawMessage, tc *auth.TenantContext) (any, error)

// Namespace is a group of methods mounted together, such as MCP or A2A.
type Namespace interface {
	Methods() map[string]Method
}

// Authenticator turns a presented credential into a TenantContext.
type Authenticator interface {
	Resolve(ctx context.Context, cred auth.Credential) (*auth.TenantContext, error)
}

// Admitter applies admission control to a verified caller.
type Admitter interface {
	Admit(tc *auth.TenantContext, cost int) error
}

// Config configures a Dispatcher.
type Config struct {
	Resolver       Authenticator
	Admission      Admitter
	Observer       *observe.Observer
	Logger         *slog.Logger
	MaxBatch       int
	MaxConcurrency int
	// RequestTimeout bounds each request; zero means no bound.
	RequestTimeout time.Duration
}

// Dispatcher routes envelopes to methods.
type Dispatcher struct {
	resolver       Authenticator
	admission      Admitter
	observer       *observe.Observer
	logger         *slog.Logger
	maxBatch       int
	maxConcurrency int
	timeout        time.Duration

	mu      sync.RWMutex
	methods map[string]Method
}

// NewDispatcher creates a dispatcher with no methods.
func NewDispatcher(cfg Config) (*Dispatcher, error) {
	if cfg.Resolver == nil {
		return nil, errors.New("resolver is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		resolver:       cfg.Resolver,
		admission:      cfg.Admission,
		observer:       cfg.Observer,
		logger:         logger.With("component", "rpc"),
		maxBatch:       cfg.MaxBatch,
		maxConcurrency: cfg.MaxConcurrency,
		timeout:        cfg.RequestTimeout,
		methods:        make(map[string]Method),
	}
	if d.maxBatch <= 0 {
		d.maxBatch = DefaultMaxBatch
	}
	if d.maxConcurrency <= 0 {
		d.maxConcurrency = DefaultMaxConcurrency
	}
	return d, nil
}

// Handle registers a single method.
func (d *Dispatcher) Handle(name string, m Method) error {
	return d.Mount(methodSet{name: m})
}

type methodSet map[string]Method

func (s methodSet) Methods() map[string]Method { return s }

// Mount registers every method of ns, or none if any name is taken.
func (d *Dispatcher) Mount(ns Namespace) error {
	methods := ns.Methods()
	d.mu.Lock()
	defer d.mu.Unlock()
	for name, m := range methods {
		if name == "" || m == nil {
			return fmt.Errorf("invalid method registration %q", name)
		}
		if _, exists := d.methods[name]; exists {
			return fmt.Errorf("method %s already registered", name)
		}
	}
	for name, m := range methods {
		d.methods[name] = m
	}
	return nil
}

// Methods returns the registered method names, sorted.
func (d *Dispatcher) Methods() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.methods))
	for n := range d.methods {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (d *Dispatcher) lookup(name string) (Method, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	m, ok := d.methods[name]
	return m, ok
}

// Call is one payload received by a transport.
type Call struct {
	Payload    []byte
	Credential auth.Credential
	Transport  string
	// Inflight, when set, tracks the payload's requests for cancellation.
	Inflight *Inflight
	// Notify, when set, lets methods push notifications to the connection.
	Notify Notifier
	// Resolved, when set, is the caller already authenticated for this
	// payload by the transport; Serve then skips resolution.
	Resolved *auth.TenantContext
}

// Result is the outcome of one payload.
type Result struct {
	// Body is the encoded response, or nil when nothing must be sent back.
	Body []byte
	// Context is the resolved caller, nil when authentication failed.
	Context *auth.TenantContext
	// AuthErr is the authentication failure, if any.
	AuthErr error

	succeeded map[string]bool
}

// Succeeded reports whether a request for method completed without error.
func (r *Result) Succeeded(method string) bool {
	return r.succeeded[method]
}

type outcome struct {
	method string
	resp   *Response
}

// Serve dispatches every envelope in call and encodes the responses.
func (d *Dispatcher) Serve(ctx context.Context, call Call) *Result {
	res := &Result{succeeded: make(map[string]bool)}

	msgs, batch, perr := decodePayload(call.Payload)
	if perr != nil {
		res.Body = d.encode(errorResponse(nil, perr))
		return res
	}
	if batch && len(msgs) > d.maxBatch {
		res.Body = d.encode(errorResponse(nil, Errorf(CodeInvalidRequest, "batch exceeds %d requests", d.maxBatch)))
		return res
	}

	tc, authErr := call.Resolved, error(nil)
	if tc == nil {
		tc, authErr = d.Authenticate(ctx, call.Credential, call.Transport)
	}
	res.Context, res.AuthErr = tc, authErr

	outcomes := make([]outcome, len(msgs))
	if len(msgs) == 1 {
		outcomes[0] = d.execute(ctx, msgs[0], call, tc, authErr)
	} else {
		var g errgroup.Group
		g.SetLimit(d.maxConcurrency)
		for i, raw := range msgs {
			g.Go(func() error {
				outcomes[i] = d.execute(ctx, raw, call, tc, authErr)
				return nil
			})
		}
		_ = g.Wait()
	}

	responses := make([]*Response, 0, len(outcomes))
	for _, o := range outcomes {
		if o.resp == nil {
			continue
		}
		if o.resp.Error == nil {
			res.succeeded[o.method] = true
		}
		responses = append(responses, o.resp)
	}

	switch {
	case len(responses) == 0:
	case batch:
		res.Body = d.encode(responses)
	default:
		res.Body = d.encode(responses[0])
	}
	return res
}

// Authenticate resolves cred and records the outcome. Streaming transports
// call it once before accepting a connection; Serve calls it per payload so
// a revoked credential stops working on its next message, unless the
// transport already resolved that payload and passed Call.Resolved.
func (d *Dispatcher) Authenticate(ctx context.Context, cred auth.Credential, transport string) (*auth.TenantContext, error) {
	tc, err := d.resolver.Resolve(ctx, cred)
	if err != nil {
		ev := observe.Event{Kind: observe.EventAuthFailure, Transport: transport}
		if ae, ok := auth.AsError(err); ok {
			ev.Reason = string(ae.Kind)
		} else {
			ev.Reason = "internal"
			d.logger.Error("credential resolution failed", "error", err, "transport", transport)
		}
		d.observer.Record(ev)
		return nil, err
	}
	d.observer.Record(observe.Event{
		Kind:         observe.EventAuthSuccess,
		TenantID:     tc.TenantID(),
		CredentialID: tc.CredentialID(),
		Transport:    transport,
	})
	return tc, nil
}

// execute runs one envelope. A nil response means nothing is sent back.
func (d *Dispatcher) execute(ctx context.Context, raw json.RawMessage, call Call, tc *auth.TenantContext, authErr error) (out outcome) {
	req, perr := parseRequest(raw)
	if perr != nil {
		var id json.RawMessage
		if req != nil {
			id = req.ID
		}
		return outcome{resp: errorResponse(id, perr)}
	}
	out.method = req.Method
	notification := req.IsNotification()

	if authErr != nil {
		if notification {
			return out
		}
		return outcome{method: req.Method, resp: errorResponse(req.ID, FromError(authErr))}
	}

	m, ok := d.lookup(req.Method)
	if !ok {
		if notification {
			return out
		}
		d.record(tc, call, "unknown", CodeMethodNotFound, 0)
		return outcome{method: req.Method, resp: errorResponse(req.ID, Errorf(CodeMethodNotFound, "method not found: %s", req.Method))}
	}

	if !notification && d.admission != nil {
		if err := d.admission.Admit(tc, 1); err != nil {
			d.observer.Record(observe.Event{
				Kind:         observe.EventAdmissionRejected,
				TenantID:     tc.TenantID(),
				CredentialID: tc.CredentialID(),
				Transport:    call.Transport,
				Method:       req.Method,
			})
			return outcome{method: req.Method, resp: errorResponse(req.ID, FromError(err))}
		}
	}

	reqCtx, cancel := d.requestContext(ctx)
	defer cancel()
	if call.Inflight != nil && !notification {
		key, added := call.Inflight.add(req.ID, cancel)
		if !added {
			return outcome{method: req.Method, resp: errorResponse(req.ID, NewError(CodeInvalidRequest, "request id already in flight"))}
		}
		defer call.Inflight.remove(key)
	}
	if call.Inflight != nil {
		reqCtx = WithInflight(reqCtx, call.Inflight)
	}
	if call.Notify != nil {
		reqCtx = WithNotifier(reqCtx, call.Notify)
	}

	start := time.Now()
	result, err := d.invoke(reqCtx, m, req, tc)
	elapsed := time.Since(start)

	if notification {
		if err != nil {
			d.logger.Debug("notification handler failed", "method", req.Method, "error", err)
		}
		return out
	}

	if err != nil {
		if errors.Is(err, context.Canceled) && reqCtx.Err() != nil {
			// Cancelled by the caller or by connection close; nobody awaits a response.
			d.record(tc, call, req.Method, CodeInternalError, elapsed)
			return out
		}
		rerr := FromError(err)
		if errors.Is(err, store.ErrTenantIsolation) {
			d.logger.Error("tenant isolation violation",
				"severity", "critical",
				"tenant_id", tc.TenantID(),
				"credential_id", tc.CredentialID(),
				"method", req.Method,
				"error", err,
			)
			d.observer.Record(observe.Event{
				Kind:         observe.EventIsolationViolation,
				TenantID:     tc.TenantID(),
				CredentialID: tc.CredentialID(),
				Method:       req.Method,
			})
		} else if rerr.Code == CodeInternalError {
			d.logger.Error("method failed", "method", req.Method, "tenant_id", tc.TenantID(), "error", err)
		}
		d.record(tc, call, req.Method, rerr.Code, elapsed)
		return outcome{method: req.Method, resp: errorResponse(req.ID, rerr)}
	}

	d.record(tc, call, req.Method, 0, elapsed)
	return outcome{method: req.Method, resp: resultResponse(req.ID, result)}
}

func (d *Dispatcher) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if d.timeout > 0 {
		return context.WithTimeout(ctx, d.timeout)
	}
	return context.WithCancel(ctx)
}

// invoke calls m, converting a panic into an internal error.
func (d *Dispatcher) invoke(ctx context.Context, m Method, req *Request, tc *auth.TenantContext) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("method panicked", "method", req.Method, "panic", r, "stack", string(debug.Stack()))
			result, err = nil, internalError()
		}
	}()
	return m(ctx, req.Params, tc)
}

func (d *Dispatcher) record(tc *auth.TenantContext, call Call, method string, code int, elapsed time.Duration) {
	d.observer.Record(observe.Event{
		Kind:         observe.EventRPCDispatched,
		TenantID:     tc.TenantID(),
		CredentialID: tc.CredentialID(),
		Transport:    call.Transport,
		Method:       method,
		Code:         code,
		Duration:     elapsed,
	})
}

func (d *Dispatcher) encode(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		d.logger.Error("encoding response", "error", err)
		data, _ = json.Marshal(errorResponse(nil, internalError()))
	}
	return data
}

// DecodeParams unmarshals params into v, treating absent params as an empty
// object. Failures are InvalidParams errors.
func DecodeParams(params json.RawMessage, v any) error {
	if len(params) == 0 || string(params) == "null" {
		return nil
	}
	if err := json.Unmarshal(params, v); err != nil {
		return InvalidParams(err)
	}
	return nil
}
