// ABOUTME: Tests for the Gateway orchestrator
// ABOUTME: Drives the fully wired HTTP surface against a real SQLite store

package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/tenant-gateway/internal/auth"
	"github.com/2389/tenant-gateway/internal/config"
	"github.com/2389/tenant-gateway/internal/mcp"
	"github.com/2389/tenant-gateway/internal/oauth"
	"github.com/2389/tenant-gateway/internal/rpc"
	"github.com/2389/tenant-gateway/internal/store"
	"github.com/2389/tenant-gateway/internal/token"
)

// testConfig creates a minimal config rooted in a temp directory.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		Server: config.ServerConfig{
			HTTPAddr: "127.0.0.1:0",
			BaseURL:  "http://gw.test",
			RPCPath:  "/rpc",
		},
		Database: config.DatabaseConfig{Path: filepath.Join(dir, "gateway.db")},
		Auth: config.AuthConfig{
			SigningKeyFile: filepath.Join(dir, "signing.pem"),
			Issuer:         "http://gw.test",
			AccessTokenTTL: 10 * time.Minute,
		},
		Admission: config.AdmissionConfig{
			RequestsPerWindow:      100,
			Window:                 time.Minute,
			OAuthRequestsPerSecond: 10,
			OAuthBurst:             10,
		},
		Logging: config.LoggingConfig{Level: "info", Format: "text"},
		Metrics: config.MetricsConfig{Enabled: true, Path: "/metrics"},
	}
}

// testLogger creates a silent logger for tests.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testGateway struct {
	gw     *Gateway
	server *httptest.Server
	tenant *store.Tenant
	user   *store.User
}

func newTestGateway(t *testing.T, mutate func(*config.Config)) *testGateway {
	t.Helper()
	cfg := testConfig(t)
	if mutate != nil {
		mutate(cfg)
	}
	gw, err := New(cfg, testLogger())
	require.NoError(t, err)
	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(func() {
		srv.Close()
		_ = gw.Shutdown(context.Background())
	})

	ctx := context.Background()
	tn := &store.Tenant{Name: "acme"}
	require.NoError(t, gw.store.CreateTenant(ctx, tn))
	u := &store.User{TenantID: tn.ID, Email: "ada@acme.test", Status: store.UserStatusActive}
	require.NoError(t, gw.store.CreateUser(ctx, u))

	return &testGateway{gw: gw, server: srv, tenant: tn, user: u}
}

func (tg *testGateway) token(t *testing.T, scopes ...string) string {
	t.Helper()
	issued, err := tg.gw.codec.Issue(token.Subject{
		PrincipalID: tg.user.ID,
		TenantID:    tg.tenant.ID,
		Scopes:      scopes,
	}, token.KindAccess)
	require.NoError(t, err)
	return issued.Token
}

func (tg *testGateway) rpc(t *testing.T, bearer, session, body string) (*http.Response, rpc.Response) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, tg.server.URL+"/rpc", strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	if session != "" {
		req.Header.Set(mcp.SessionHeader, session)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out rpc.Response
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(data) > 0 {
		require.NoError(t, json.Unmarshal(data, &out), "body: %s", data)
	}
	return resp, out
}

func TestHealthEndpoints(t *testing.T) {
	tg := newTestGateway(t, nil)

	resp, err := http.Get(tg.server.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(tg.server.URL + "/health/ready")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "ready")
}

func TestOAuthDiscovery(t *testing.T) {
	tg := newTestGateway(t, nil)

	resp, err := http.Get(tg.server.URL + oauth.PathMetadata)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var meta oauth.Metadata
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&meta))
	assert.Equal(t, "http://gw.test", meta.Issuer)
	assert.Equal(t, "http://gw.test"+oauth.PathToken, meta.TokenEndpoint)

	resp, err = http.Get(tg.server.URL + oauth.PathJWKS)
	require.NoError(t, err)
	defer resp.Body.Close()
	var jwks struct {
		Keys []map[string]any `json:"keys"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&jwks))
	require.Len(t, jwks.Keys, 1)
	assert.Equal(t, "OKP", jwks.Keys[0]["kty"])
}

func TestRPC_EndToEnd(t *testing.T) {
	tg := newTestGateway(t, nil)
	bearer := tg.token(t, auth.ScopeToolsRead, auth.ScopeToolsCall)

	resp, out := tg.rpc(t, "", "", `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.NotNil(t, out.Error)
	assert.Equal(t, rpc.CodeUnauthenticated, out.Error.Code)

	resp, out = tg.rpc(t, bearer, "", `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-06-18","capabilities":{},"clientInfo":{"name":"test","version":"1"}}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Nil(t, out.Error)
	session := resp.Header.Get(mcp.SessionHeader)
	require.NotEmpty(t, session)

	_, out = tg.rpc(t, bearer, session, `{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"whoami","arguments":{}}}`)
	require.Nil(t, out.Error)
	var result struct {
		StructuredContent map[string]any `json:"structuredContent"`
	}
	require.NoError(t, json.Unmarshal(out.Result, &result))
	assert.Equal(t, tg.tenant.ID, result.StructuredContent["tenant_id"])

	_, out = tg.rpc(t, bearer, session, `{"jsonrpc":"2.0","id":3,"method":"a2a/agent/card"}`)
	require.NotNil(t, out.Error)
	assert.Equal(t, rpc.CodeForbidden, out.Error.Code, "agents scope is required")

	_, out = tg.rpc(t, tg.token(t, auth.ScopeAgents), "", `{"jsonrpc":"2.0","id":4,"method":"a2a/agent/card"}`)
	require.Nil(t, out.Error)
	assert.Contains(t, string(out.Result), "http://gw.test/rpc")

	metrics, err := http.Get(tg.server.URL + "/metrics")
	require.NoError(t, err)
	defer metrics.Body.Close()
	body, _ := io.ReadAll(metrics.Body)
	assert.Contains(t, string(body), "tenant_gateway_rpc_requests_total")
	assert.Contains(t, string(body), "tenant_gateway_auth_events_total")
}

func TestRPC_AdmissionLimit(t *testing.T) {
	tg := newTestGateway(t, func(c *config.Config) { c.Admission.RequestsPerWindow = 2 })
	bearer := tg.token(t, auth.ScopeToolsRead)

	for i := 0; i < 2; i++ {
		_, out := tg.rpc(t, bearer, "", `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
		require.Nil(t, out.Error)
	}
	_, out := tg.rpc(t, bearer, "", `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	require.NotNil(t, out.Error)
	assert.Equal(t, rpc.CodeRateLimited, out.Error.Code)

	_, out = tg.rpc(t, tg.token(t, auth.ScopeToolsRead), "", `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	assert.Nil(t, out.Error, "a different credential has its own budget")
}

func TestMetricsDisabled(t *testing.T) {
	tg := newTestGateway(t, func(c *config.Config) { c.Metrics.Enabled = false })
	resp, err := http.Get(tg.server.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSigningKeyPersists(t *testing.T) {
	cfg := testConfig(t)
	first, err := New(cfg, testLogger())
	require.NoError(t, err)
	issued, err := first.codec.Issue(token.Subject{PrincipalID: "u", TenantID: "t"}, token.KindAccess)
	require.NoError(t, err)
	require.NoError(t, first.Shutdown(context.Background()))

	second, err := New(cfg, testLogger())
	require.NoError(t, err)
	defer func() { _ = second.Shutdown(context.Background()) }()
	_, err = second.codec.Verify(issued.Token)
	assert.NoError(t, err, "restart reuses the key on disk")
}

func TestServe_GracefulShutdown(t *testing.T) {
	gw, err := New(testConfig(t), testLogger())
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- gw.Serve(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("gateway did not shut down")
	}
}

func TestDetermineBaseURL(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.Config
		want string
	}{
		{"explicit", config.Config{Server: config.ServerConfig{BaseURL: "https://gw.example.com/"}}, "https://gw.example.com"},
		{"tcp", config.Config{Server: config.ServerConfig{HTTPAddr: "0.0.0.0:8080"}}, "http://0.0.0.0:8080"},
		{"tailnet http", config.Config{Tailscale: config.TailscaleConfig{Enabled: true, Hostname: "tgw"}}, "http://tgw"},
		{"tailnet https", config.Config{Tailscale: config.TailscaleConfig{Enabled: true, Hostname: "tgw", HTTPS: true}}, "https://tgw"},
		{"funnel", config.Config{Tailscale: config.TailscaleConfig{Enabled: true, Hostname: "tgw", Funnel: true}}, "https://tgw"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, determineBaseURL(&tt.cfg))
		})
	}
}

func TestResolveTailscaleAuthKey(t *testing.T) {
	t.Setenv("TS_AUTHKEY", "")
	_, err := resolveTailscaleAuthKey("")
	assert.Error(t, err)

	t.Setenv("TS_AUTHKEY", "tskey-env")
	key, err := resolveTailscaleAuthKey("")
	require.NoError(t, err)
	assert.Equal(t, "tskey-env", key)

	key, err = resolveTailscaleAuthKey("tskey-config")
	require.NoError(t, err)
	assert.Equal(t, "tskey-config", key)
}

func TestSweepRevocations(t *testing.T) {
	tg := newTestGateway(t, nil)
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, tg.gw.store.RevokeToken(ctx, tg.tenant.ID, "jti-expired", now.Add(-time.Hour)))
	require.NoError(t, tg.gw.store.RevokeToken(ctx, tg.tenant.ID, "jti-live", now.Add(time.Hour)))

	assert.Equal(t, int64(1), tg.gw.sweepRevocations(ctx, now))

	revoked, err := tg.gw.store.IsTokenRevoked(ctx, tg.tenant.ID, "jti-expired")
	require.NoError(t, err)
	assert.False(t, revoked, "entries for expired tokens are pruned")
	revoked, err = tg.gw.store.IsTokenRevoked(ctx, tg.tenant.ID, "jti-live")
	require.NoError(t, err)
	assert.True(t, revoked, "live revocations survive the sweep")
}

func TestSweepRevocationsLoop(t *testing.T) {
	tg := newTestGateway(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		tg.gw.sweepRevocationsLoop(ctx, 10*time.Millisecond)
		close(done)
	}()

	require.NoError(t, tg.gw.store.RevokeToken(context.Background(), tg.tenant.ID, "jti-old", time.Now().Add(-time.Minute)))
	require.Eventually(t, func() bool {
		revoked, err := tg.gw.store.IsTokenRevoked(context.Background(), tg.tenant.ID, "jti-old")
		return err == nil && !revoked
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("sweep loop did not stop")
	}
}

func TestRPC_TenantLimits(t *testing.T) {
	tg := newTestGateway(t, func(c *config.Config) {
		c.Admission.TenantLimits = map[string]int{"tenant-small": 1}
	})
	ctx := context.Background()
	small := &store.Tenant{ID: "tenant-small", Name: "small"}
	require.NoError(t, tg.gw.store.CreateTenant(ctx, small))
	u := &store.User{TenantID: small.ID, Email: "bo@small.test", Status: store.UserStatusActive}
	require.NoError(t, tg.gw.store.CreateUser(ctx, u))
	issued, err := tg.gw.codec.Issue(token.Subject{PrincipalID: u.ID, TenantID: small.ID}, token.KindAccess)
	require.NoError(t, err)

	_, out := tg.rpc(t, issued.Token, "", `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	require.Nil(t, out.Error)
	_, out = tg.rpc(t, issued.Token, "", `{"jsonrpc":"2.0","id":2,"method":"ping"}`)
	require.NotNil(t, out.Error)
	assert.Equal(t, rpc.CodeRateLimited, out.Error.Code)

	bearer := tg.token(t)
	for i := range 3 {
		_, out = tg.rpc(t, bearer, "", `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
		require.Nil(t, out.Error, "tenants without an override keep the default limit (call %d)", i)
	}
}

func TestPreviousSigningKeyVerifies(t *testing.T) {
	retired, err := token.GenerateKey()
	require.NoError(t, err)
	retiredPath := filepath.Join(t.TempDir(), "retired.pem")
	require.NoError(t, token.WritePrivateKey(retiredPath, retired))

	tg := newTestGateway(t, func(c *config.Config) {
		c.Auth.PreviousSigningKeyFiles = []string{retiredPath}
	})
	oldCodec, err := token.NewCodec(retired, "http://gw.test")
	require.NoError(t, err)
	issued, err := oldCodec.Issue(token.Subject{PrincipalID: tg.user.ID, TenantID: tg.tenant.ID}, token.KindAccess)
	require.NoError(t, err)

	_, out := tg.rpc(t, issued.Token, "", `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	assert.Nil(t, out.Error, "tokens signed before the rotation still verify")

	stranger, err := token.GenerateKey()
	require.NoError(t, err)
	strangerCodec, err := token.NewCodec(stranger, "http://gw.test")
	require.NoError(t, err)
	forged, err := strangerCodec.Issue(token.Subject{PrincipalID: tg.user.ID, TenantID: tg.tenant.ID}, token.KindAccess)
	require.NoError(t, err)
	resp, out := tg.rpc(t, forged.Token, "", `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.NotNil(t, out.Error)
	assert.Equal(t, rpc.CodeUnauthenticated, out.Error.Code)

	issuedNew, err := tg.gw.codec.Issue(token.Subject{PrincipalID: tg.user.ID, TenantID: tg.tenant.ID}, token.KindAccess)
	require.NoError(t, err)
	claims, err := tg.gw.codec.Verify(issuedNew.Token)
	require.NoError(t, err)
	assert.Equal(t, tg.user.ID, claims.Subject, "the current key still signs")
}

func TestPreviousSigningKeyMissing(t *testing.T) {
	cfg := testConfig(t)
	cfg.Auth.PreviousSigningKeyFiles = []string{filepath.Join(t.TempDir(), "gone.pem")}
	_, err := New(cfg, testLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "previous signing key")
}
