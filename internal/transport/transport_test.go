// ABOUTME: Shared fixtures for transport tests: a real dispatcher with test methods
// ABOUTME: and a resolver mapping fixed bearer tokens to tenant contexts

package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/2389/tenant-gateway/internal/auth"
	"github.com/2389/tenant-gateway/internal/mcp"
	"github.com/2389/tenant-gateway/internal/rpc"
	"github.com/2389/tenant-gateway/internal/tools"
)

type tokenResolver map[string]*auth.TenantContext

// countingResolver counts every resolution it serves.
type countingResolver struct {
	inner rpc.Authenticator
	n     *atomic.Int64
}

func (r countingResolver) Resolve(ctx context.Context, cred auth.Credential) (*auth.TenantContext, error) {
	r.n.Add(1)
	return r.inner.Resolve(ctx, cred)
}

func (r tokenResolver) Resolve(_ context.Context, cred auth.Credential) (*auth.TenantContext, error) {
	raw := cred.Bearer
	if raw == "" {
		raw = cred.APIKey
	}
	if raw == "" {
		return nil, auth.NewError(auth.KindMissingCredential, "no bearer token or API key presented")
	}
	tc, ok := r[raw]
	if !ok {
		return nil, auth.NewError(auth.KindInvalidCredential, "unknown token")
	}
	return tc, nil
}

func principal(tenant, cred string) *auth.TenantContext {
	return auth.NewTenantContext(auth.Identity{
		TenantID:     tenant,
		PrincipalID:  "user-" + cred,
		CredentialID: cred,
		Kind:         auth.CredentialAccessToken,
		Scopes:       []string{auth.ScopeToolsRead, auth.ScopeToolsCall},
	})
}

// fixture is a dispatcher with "echo", "slow" and the MCP namespace mounted.
// slow blocks until release is closed or its context ends; each cancelled
// slow call is reported on cancelled. The MCP registry has a "steps" tool
// that reports progress 1, 2, 2, 3 out of 3.
type fixture struct {
	dispatcher *rpc.Dispatcher
	release    chan struct{}
	started    chan string
	cancelled  chan string
	resolves   atomic.Int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		release:   make(chan struct{}),
		started:   make(chan string, 16),
		cancelled: make(chan string, 16),
	}
	d, err := rpc.NewDispatcher(rpc.Config{Resolver: countingResolver{
		inner: tokenResolver{
			"good":  principal("tenant-a", "cred-a"),
			"other": principal("tenant-a", "cred-b"),
		},
		n: &f.resolves,
	}})
	require.NoError(t, err)

	require.NoError(t, d.Handle("echo", func(_ context.Context, params json.RawMessage, tc *auth.TenantContext) (any, error) {
		return map[string]any{"tenant": tc.TenantID(), "params": params}, nil
	}))
	require.NoError(t, d.Handle("slow", func(ctx context.Context, params json.RawMessage, _ *auth.TenantContext) (any, error) {
		f.started <- string(params)
		select {
		case <-f.release:
			return "released", nil
		case <-ctx.Done():
			f.cancelled <- string(params)
			return nil, ctx.Err()
		}
	}))

	registry := tools.NewRegistry(nil)
	require.NoError(t, registry.Register(tools.Definition{Name: "steps"}, tools.HandlerFunc(
		func(ctx context.Context, _ string, _ json.RawMessage, _ *auth.TenantContext) (any, error) {
			for _, n := range []float64{1, 2, 2, 3} {
				tools.ReportProgress(ctx, tools.Progress{Progress: n, Total: 3})
			}
			return map[string]any{"steps": 3}, nil
		})))
	srv, err := mcp.NewServer(mcp.Config{Registry: registry})
	require.NoError(t, err)
	require.NoError(t, d.Mount(srv))

	f.dispatcher = d
	return f
}

// syncBuffer is a bytes.Buffer safe for one writer and polling readers.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func decodeResponse(t *testing.T, body []byte) rpc.Response {
	t.Helper()
	var resp rpc.Response
	require.NoError(t, json.Unmarshal(body, &resp))
	return resp
}
