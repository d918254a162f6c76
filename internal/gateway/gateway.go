// ABOUTME: Gateway orchestrator that wires the credential store, auth core and transports
// ABOUTME: Owns the HTTP server, optional tailnet listener and background sweepers

package gateway

import (
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/tenant-gateway/internal/a2a"
	"github.com/2389/tenant-gateway/internal/admission"
	"github.com/2389/tenant-gateway/internal/auth"
	"github.com/2389/tenant-gateway/internal/config"
	"github.com/2389/tenant-gateway/internal/mcp"
	"github.com/2389/tenant-gateway/internal/oauth"
	"github.com/2389/tenant-gateway/internal/observe"
	"github.com/2389/tenant-gateway/internal/rpc"
	"github.com/2389/tenant-gateway/internal/store"
	"github.com/2389/tenant-gateway/internal/token"
	"github.com/2389/tenant-gateway/internal/tools"
	"github.com/2389/tenant-gateway/internal/transport"
)

// Version is reported in MCP initialize and the A2A agent card.
var Version = "dev"

// SessionIdleTimeout expires MCP HTTP sessions that go unused.
const SessionIdleTimeout = 30 * time.Minute

// RevocationSweepInterval is how often revocation entries for tokens that
// have expired anyway are deleted.
const RevocationSweepInterval = time.Hour

// Route suffixes hung off server.rpc_path.
const (
	wsSuffix         = "/ws"
	sseSuffix        = "/sse"
	sseMessageSuffix = "/sse/message"
)

// Gateway orchestrates the tenant-gateway server components.
type Gateway struct {
	config      *config.Config
	store       *store.SQLiteStore
	codec       *token.Codec
	admission   *admission.Controller
	observer    *observe.Observer
	metrics     *observe.Metrics
	registry    *tools.Registry
	dispatcher  *rpc.Dispatcher
	a2aServer   *a2a.Server
	sessions    *mcp.SessionStore
	sse         *transport.SSE
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger

	// baseURL is the externally visible origin of the gateway
	baseURL string

	// baseCtx parents every request context; cancelling it ends open streams
	baseCtx    context.Context
	cancelBase context.CancelFunc
}

// determineBaseURL resolves the external base URL from config or deployment mode.
func determineBaseURL(cfg *config.Config) string {
	if cfg.Server.BaseURL != "" {
		return strings.TrimSuffix(cfg.Server.BaseURL, "/")
	}
	if !cfg.Tailscale.Enabled {
		return "http://" + cfg.Server.HTTPAddr
	}
	if cfg.Tailscale.HTTPS || cfg.Tailscale.Funnel {
		return "https://" + cfg.Tailscale.Hostname
	}
	return "http://" + cfg.Tailscale.Hostname
}

// initStore opens the credential store, sealing provider tokens when an
// encryption key is configured.
func initStore(cfg *config.Config, logger *slog.Logger) (*store.SQLiteStore, error) {
	opts := []store.Option{store.WithLogger(logger)}
	key, err := cfg.Auth.EncryptionKeyBytes()
	if err != nil {
		return nil, err
	}
	if key != nil {
		sealer, err := store.NewSealer(key)
		if err != nil {
			return nil, fmt.Errorf("creating sealer: %w", err)
		}
		opts = append(opts, store.WithSealer(sealer))
	} else {
		logger.Warn("auth.encryption_key not set - provider token storage disabled")
	}

	s, err := store.NewSQLiteStore(cfg.Database.Path, opts...)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// initCodec loads (or on first start creates) the signing key and builds the
// token codec with the configured lifetimes. Retired keys listed in
// auth.previous_signing_key_files keep verifying during a rotation.
func initCodec(cfg *config.Config, logger *slog.Logger) (*token.Codec, error) {
	key, created, err := token.LoadOrGenerateKey(cfg.Auth.SigningKeyFile)
	if err != nil {
		return nil, fmt.Errorf("loading signing key: %w", err)
	}
	if created {
		logger.Info("generated new signing key", "path", cfg.Auth.SigningKeyFile)
	}

	var opts []token.Option
	for _, path := range cfg.Auth.PreviousSigningKeyFiles {
		prev, err := token.LoadPrivateKey(path)
		if err != nil {
			return nil, fmt.Errorf("loading previous signing key: %w", err)
		}
		opts = append(opts, token.WithVerificationKey(prev.Public().(ed25519.PublicKey)))
		logger.Info("accepting tokens from retired signing key", "path", path)
	}
	ttls := map[token.Kind]time.Duration{
		token.KindAccess:  cfg.Auth.AccessTokenTTL,
		token.KindRefresh: cfg.Auth.RefreshTokenTTL,
		token.KindAdmin:   cfg.Auth.AdminTokenTTL,
	}
	for kind, ttl := range ttls {
		if ttl > 0 {
			opts = append(opts, token.WithTTL(kind, ttl))
		}
	}

	codec, err := token.NewCodec(key, cfg.Auth.Issuer, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating token codec: %w", err)
	}
	return codec, nil
}

// initObserver builds the event fan-out: always a log sink, plus Prometheus
// when metrics are enabled.
func initObserver(cfg *config.Config, logger *slog.Logger) (*observe.Observer, *observe.Metrics) {
	sinks := []observe.Sink{observe.NewLogSink(logger)}
	var metrics *observe.Metrics
	if cfg.Metrics.Enabled {
		metrics = observe.NewMetrics()
		sinks = append(sinks, metrics)
	}
	return observe.New(sinks...), metrics
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	codec, err := initCodec(cfg, logger)
	if err != nil {
		return nil, err
	}
	s, err := initStore(cfg, logger)
	if err != nil {
		return nil, err
	}

	gw, err := newGateway(cfg, s, codec, logger)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	return gw, nil
}

func newGateway(cfg *config.Config, s *store.SQLiteStore, codec *token.Codec, logger *slog.Logger) (*Gateway, error) {
	observer, metrics := initObserver(cfg, logger)
	baseURL := determineBaseURL(cfg)

	registry := tools.NewRegistry(logger)
	if err := registry.RegisterPack(tools.AccountPack(s, codec)); err != nil {
		return nil, fmt.Errorf("registering account pack: %w", err)
	}

	admOpts := []admission.Option{admission.WithLogger(logger)}
	if len(cfg.Admission.TenantLimits) > 0 {
		limits := cfg.Admission.TenantLimits
		admOpts = append(admOpts, admission.WithTenantLimits(func(tenantID string) int {
			return limits[tenantID]
		}))
	}
	adm := admission.New(cfg.Admission.RequestsPerWindow, cfg.Admission.Window, admOpts...)
	dispatcher, err := rpc.NewDispatcher(rpc.Config{
		Resolver:  auth.NewResolver(codec, s, logger),
		Admission: adm,
		Observer:  observer,
		Logger:    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating dispatcher: %w", err)
	}

	mcpServer, err := mcp.NewServer(mcp.Config{
		Registry: registry,
		Logger:   logger,
		Version:  Version,
	})
	if err != nil {
		return nil, fmt.Errorf("creating MCP server: %w", err)
	}
	if err := dispatcher.Mount(mcpServer); err != nil {
		return nil, fmt.Errorf("mounting MCP methods: %w", err)
	}

	a2aServer, err := a2a.NewServer(a2a.Config{
		Registry: registry,
		Logger:   logger,
		URL:      baseURL + cfg.Server.RPCPath,
		Version:  Version,
	})
	if err != nil {
		return nil, fmt.Errorf("creating A2A server: %w", err)
	}
	if err := dispatcher.Mount(a2aServer); err != nil {
		a2aServer.Close()
		return nil, fmt.Errorf("mounting A2A methods: %w", err)
	}

	oauthOpts := []oauth.Option{oauth.WithObserver(observer)}
	if cfg.Auth.AuthCodeTTL > 0 {
		oauthOpts = append(oauthOpts, oauth.WithCodeTTL(cfg.Auth.AuthCodeTTL))
	}
	oauthHandler := oauth.NewHandler(oauth.NewService(s, codec, logger, oauthOpts...), codec, oauth.HandlerConfig{
		RateLimit:  rate.Limit(cfg.Admission.OAuthRequestsPerSecond),
		RateBurst:  cfg.Admission.OAuthBurst,
		TrustProxy: cfg.Server.TrustProxy,
	}, logger)

	baseCtx, cancelBase := context.WithCancel(context.Background())
	gw := &Gateway{
		config:     cfg,
		store:      s,
		codec:      codec,
		admission:  adm,
		observer:   observer,
		metrics:    metrics,
		registry:   registry,
		dispatcher: dispatcher,
		a2aServer:  a2aServer,
		sessions:   mcp.NewSessionStore(SessionIdleTimeout),
		logger:     logger.With("component", "gateway"),
		baseURL:    baseURL,
		baseCtx:    baseCtx,
		cancelBase: cancelBase,
	}

	rpcPath := cfg.Server.RPCPath
	gw.sse = transport.NewSSE(transport.SSEConfig{
		Dispatcher:  dispatcher,
		Logger:      logger,
		MessagePath: rpcPath + sseMessageSuffix,
	})

	mux := http.NewServeMux()

	// Health endpoints - no auth required
	mux.HandleFunc("GET /health", gw.handleHealth)
	mux.HandleFunc("GET /health/ready", gw.handleReady)

	mux.Handle(rpcPath, transport.NewHTTP(transport.HTTPConfig{
		Dispatcher: dispatcher,
		Sessions:   gw.sessions,
		Logger:     logger,
	}))
	mux.Handle("GET "+rpcPath+wsSuffix, transport.NewWebSocket(transport.WebSocketConfig{
		Dispatcher: dispatcher,
		Logger:     logger,
	}))
	mux.Handle("GET "+rpcPath+sseSuffix, gw.sse.StreamHandler())
	mux.Handle("POST "+rpcPath+sseMessageSuffix, gw.sse.MessageHandler())

	oauthHandler.Register(mux)

	if metrics != nil {
		mux.Handle("GET "+cfg.Metrics.Path, metrics.Handler())
	}

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}

	gw.logger.Info("gateway configured",
		"base_url", baseURL,
		"rpc_path", rpcPath,
		"methods", len(dispatcher.Methods()),
		"tools", len(registry.Names()),
		"metrics", metrics != nil,
	)
	return gw, nil
}

// Handler returns the gateway's HTTP handler.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// Dispatcher returns the JSON-RPC dispatcher, for transports started outside
// the HTTP server such as stdio.
func (g *Gateway) Dispatcher() *rpc.Dispatcher {
	return g.dispatcher
}

// setupTCPListener creates the standard TCP listener for HTTP.
func (g *Gateway) setupTCPListener() (net.Listener, error) {
	g.logger.Info("starting gateway", "http_addr", g.config.Server.HTTPAddr)
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

// setupListener creates the listener based on configuration (Tailscale or TCP).
func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.HTTPAddr != "" {
			g.logger.Warn("server.http_addr is ignored when tailscale is enabled", "http_addr", g.config.Server.HTTPAddr)
		}
		return g.setupTailscaleListener(ctx)
	}
	return g.setupTCPListener()
}

// Run starts the gateway and blocks until the context is canceled.
// Returns nil on graceful shutdown, or an error if the server fails.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := g.setupListener(ctx)
	if err != nil {
		return err
	}
	return g.Serve(ctx, ln)
}

// Serve runs the gateway on ln until ctx is canceled, then shuts down.
func (g *Gateway) Serve(ctx context.Context, ln net.Listener) error {
	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})
	eg.Go(func() error {
		g.admission.Run(egCtx)
		return nil
	})
	eg.Go(func() error {
		g.sweepSessions(egCtx)
		return nil
	})
	eg.Go(func() error {
		g.sweepRevocationsLoop(egCtx, RevocationSweepInterval)
		return nil
	})
	eg.Go(func() error {
		<-egCtx.Done()
		g.logger.Info("context canceled, initiating shutdown")
		return g.gracefulShutdown()
	})

	return eg.Wait()
}

// sweepSessions drops idle MCP sessions until ctx is done.
func (g *Gateway) sweepSessions(ctx context.Context) {
	ticker := time.NewTicker(SessionIdleTimeout / 6)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := g.sessions.Sweep(); n > 0 {
				g.logger.Debug("swept idle MCP sessions", "count", n)
			}
		}
	}
}

// sweepRevocationsLoop prunes the revocation list every interval until ctx
// is done.
func (g *Gateway) sweepRevocationsLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			g.sweepRevocations(ctx, now)
		}
	}
}

// sweepRevocations deletes revocation entries whose tokens expired before
// now. A failure is logged and retried on the next tick.
func (g *Gateway) sweepRevocations(ctx context.Context, now time.Time) int64 {
	n, err := g.store.DeleteExpiredRevocations(ctx, now)
	if err != nil {
		if ctx.Err() == nil {
			g.logger.Warn("revocation sweep failed", "error", err)
		}
		return 0
	}
	if n > 0 {
		g.logger.Debug("swept expired revocations", "count", n)
	}
	return n
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// The run context is already canceled by the time this is called.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "tenant-gateway", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListener creates a tsnet server and returns its HTTP listener.
func (g *Gateway) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	ln, err := g.createTailscaleHTTPListener(tsCfg)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, err
	}
	return ln, nil
}

// logTailscaleStatus logs info about the tailscale node status.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = strings.TrimSuffix(status.Self.DNSName, ".")
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
	if dnsName != "" && g.config.Server.BaseURL == "" {
		g.logger.Info("set server.base_url to the tailnet name so token issuer and links match", "suggested", "https://"+dnsName)
	}
}

// createTailscaleHTTPListener creates the appropriate HTTP listener based on config.
func (g *Gateway) createTailscaleHTTPListener(tsCfg config.TailscaleConfig) (net.Listener, error) {
	switch {
	case tsCfg.Funnel:
		g.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err := g.tsnetServer.ListenFunnel("tcp", ":443")
		if err != nil {
			return nil, fmt.Errorf("listening on tailscale funnel: %w", err)
		}
		return ln, nil
	case tsCfg.HTTPS:
		return g.createTailscaleTLSListener()
	default:
		ln, err := g.tsnetServer.Listen("tcp", ":80")
		if err != nil {
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	}
}

// createTailscaleTLSListener creates a TLS listener using Tailscale's auto-provisioned certs.
func (g *Gateway) createTailscaleTLSListener() (net.Listener, error) {
	g.logger.Info("enabling HTTPS with Tailscale certs on :443")
	ln, err := g.tsnetServer.Listen("tcp", ":443")
	if err != nil {
		return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
	}
	lc, err := g.tsnetServer.LocalClient()
	if err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("getting tailscale local client: %w", err)
	}
	return tls.NewListener(ln, &tls.Config{
		GetCertificate: lc.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}), nil
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown gracefully stops the gateway and releases resources.
// Open streams are cancelled so their handlers return before the store closes.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	g.cancelBase()
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
	g.a2aServer.Close()

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "store close", g.store.Close())

	return errors.Join(errs...)
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK if the credential store answers.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := g.store.Ping(ctx); err != nil {
		g.logger.Warn("readiness check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("store unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d open streams, %d sessions)", g.sse.Streams(), g.sessions.Len())
}
