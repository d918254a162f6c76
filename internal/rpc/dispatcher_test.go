// ABOUTME: Tests for the JSON-RPC dispatcher pipeline
// ABOUTME: Covers error mapping, id echo, batches, notifications, admission and cancellation

package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/tenant-gateway/internal/admission"
	"github.com/2389/tenant-gateway/internal/auth"
	"github.com/2389/tenant-gateway/internal/store"
	"github.com/2389/tenant-gateway/internal/tools"
)

type fakeResolver struct {
	contexts map[string]*auth.TenantContext
}

func (f *fakeResolver) Resolve(_ context.Context, cred auth.Credential) (*auth.TenantContext, error) {
	if cred.Empty() {
		return nil, auth.NewError(auth.KindMissingCredential, "no bearer token or API key presented")
	}
	tc, ok := f.contexts[cred.Bearer]
	if !ok {
		return nil, auth.NewError(auth.KindInvalidCredential, "unknown token")
	}
	return tc, nil
}

func tenantCtx(tenant, cred string) *auth.TenantContext {
	return auth.NewTenantContext(auth.Identity{
		TenantID:     tenant,
		PrincipalID:  "user-" + tenant,
		CredentialID: cred,
		Kind:         auth.CredentialAccessToken,
		Scopes:       []string{auth.ScopeToolsRead},
	})
}

var goodCred = auth.Credential{Bearer: "good"}

func newTestDispatcher(t *testing.T, cfg Config) *Dispatcher {
	t.Helper()
	if cfg.Resolver == nil {
		cfg.Resolver = &fakeResolver{contexts: map[string]*auth.TenantContext{"good": tenantCtx("tenant-a", "cred-a")}}
	}
	d, err := NewDispatcher(cfg)
	require.NoError(t, err)
	require.NoError(t, d.Handle("echo", func(_ context.Context, params json.RawMessage, tc *auth.TenantContext) (any, error) {
		return map[string]any{"tenant": tc.TenantID(), "params": params}, nil
	}))
	require.NoError(t, d.Handle("fail", func(context.Context, json.RawMessage, *auth.TenantContext) (any, error) {
		return nil, errors.New("database password is hunter2")
	}))
	return d
}

func decodeOne(t *testing.T, body []byte) Response {
	t.Helper()
	require.NotNil(t, body)
	var resp Response
	require.NoError(t, json.Unmarshal(body, &resp))
	return resp
}

func decodeBatch(t *testing.T, body []byte) []Response {
	t.Helper()
	require.NotNil(t, body)
	var resps []Response
	require.NoError(t, json.Unmarshal(body, &resps))
	return resps
}

func errData(t *testing.T, e *Error) map[string]any {
	t.Helper()
	raw, err := json.Marshal(e.Data)
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))
	return m
}

func TestServe_NoCredential(t *testing.T) {
	d := newTestDispatcher(t, Config{})
	require.NoError(t, d.Handle("tools/list", func(context.Context, json.RawMessage, *auth.TenantContext) (any, error) {
		t.Fatal("handler must not run unauthenticated")
		return nil, nil
	}))

	res := d.Serve(context.Background(), Call{Payload: []byte(`{"jsonrpc":"2.0","id":"req-7","method":"tools/list"}`)})

	resp := decodeOne(t, res.Body)
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeUnauthenticated, resp.Error.Code)
	assert.JSONEq(t, `"req-7"`, string(resp.ID))
	assert.Equal(t, "missing_credential", errData(t, resp.Error)["kind"])
	assert.Nil(t, res.Context)
	assert.Equal(t, auth.KindMissingCredential, auth.KindOf(res.AuthErr))
}

func TestServe_EchoesID(t *testing.T) {
	d := newTestDispatcher(t, Config{})
	for _, id := range []string{`1`, `"abc"`, `-3.5`, `null`} {
		t.Run(id, func(t *testing.T) {
			res := d.Serve(context.Background(), Call{
				Credential: goodCred,
				Payload:    []byte(`{"jsonrpc":"2.0","id":` + id + `,"method":"echo","params":{"x":1}}`),
			})
			resp := decodeOne(t, res.Body)
			assert.Nil(t, resp.Error)
			assert.Equal(t, id, string(resp.ID))
			assert.JSONEq(t, `{"tenant":"tenant-a","params":{"x":1}}`, string(resp.Result))
			assert.True(t, res.Succeeded("echo"))
		})
	}
}

func TestServe_ProtocolErrors(t *testing.T) {
	d := newTestDispatcher(t, Config{})
	tests := []struct {
		name    string
		payload string
		code    int
		id      string
	}{
		{"garbage", `{"jsonrpc":`, CodeParseError, "null"},
		{"empty", `   `, CodeParseError, "null"},
		{"scalar", `42`, CodeParseError, "null"},
		{"method wrong type", `{"jsonrpc":"2.0","id":1,"method":5}`, CodeParseError, "null"},
		{"wrong version", `{"jsonrpc":"1.0","id":2,"method":"echo"}`, CodeInvalidRequest, "2"},
		{"missing method", `{"jsonrpc":"2.0","id":3}`, CodeInvalidRequest, "3"},
		{"object id", `{"jsonrpc":"2.0","id":{},"method":"echo"}`, CodeInvalidRequest, "null"},
		{"empty batch", `[]`, CodeInvalidRequest, "null"},
		{"unknown method", `{"jsonrpc":"2.0","id":4,"method":"nope"}`, CodeMethodNotFound, "4"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := d.Serve(context.Background(), Call{Credential: goodCred, Payload: []byte(tt.payload)})
			resp := decodeOne(t, res.Body)
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.code, resp.Error.Code)
			assert.Equal(t, tt.id, string(resp.ID))
			assert.Nil(t, resp.Result)
		})
	}
}

func TestServe_InternalErrorsDoNotLeak(t *testing.T) {
	d := newTestDispatcher(t, Config{})
	res := d.Serve(context.Background(), Call{Credential: goodCred, Payload: []byte(`{"jsonrpc":"2.0","id":1,"method":"fail"}`)})
	resp := decodeOne(t, res.Body)
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeInternalError, resp.Error.Code)
	assert.NotContains(t, string(res.Body), "hunter2")
}

func TestServe_IsolationViolation(t *testing.T) {
	d := newTestDispatcher(t, Config{})
	require.NoError(t, d.Handle("leak", func(context.Context, json.RawMessage, *auth.TenantContext) (any, error) {
		return nil, fmt.Errorf("loading key: %w: row tenant-b", store.ErrTenantIsolation)
	}))

	res := d.Serve(context.Background(), Call{Credential: goodCred, Payload: []byte(`{"jsonrpc":"2.0","id":1,"method":"leak"}`)})
	resp := decodeOne(t, res.Body)
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeInternalError, resp.Error.Code)
	assert.Equal(t, "internal error", resp.Error.Message)
	assert.Nil(t, resp.Error.Data)
	assert.NotContains(t, string(res.Body), "tenant-b")
}

func TestServe_Notifications(t *testing.T) {
	d := newTestDispatcher(t, Config{})
	var ran sync.WaitGroup
	ran.Add(1)
	require.NoError(t, d.Handle("notifications/initialized", func(context.Context, json.RawMessage, *auth.TenantContext) (any, error) {
		ran.Done()
		return nil, nil
	}))

	res := d.Serve(context.Background(), Call{Credential: goodCred, Payload: []byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}`)})
	assert.Nil(t, res.Body)
	ran.Wait()

	res = d.Serve(context.Background(), Call{Credential: goodCred, Payload: []byte(`{"jsonrpc":"2.0","method":"unknown/notification"}`)})
	assert.Nil(t, res.Body)

	res = d.Serve(context.Background(), Call{Payload: []byte(`[{"jsonrpc":"2.0","method":"echo"},{"jsonrpc":"2.0","method":"echo"}]`)})
	assert.Nil(t, res.Body, "a batch of notifications produces no output even when unauthenticated")
}

func TestServe_BatchWithMalformedElement(t *testing.T) {
	d := newTestDispatcher(t, Config{})
	res := d.Serve(context.Background(), Call{
		Credential: goodCred,
		Payload:    []byte(`[{"jsonrpc":"2.0","id":1,"method":"echo"}, "not an envelope"]`),
	})

	resps := decodeBatch(t, res.Body)
	require.Len(t, resps, 2)
	byCode := map[int]Response{}
	for _, r := range resps {
		code := 0
		if r.Error != nil {
			code = r.Error.Code
		}
		byCode[code] = r
	}
	require.Contains(t, byCode, 0)
	require.Contains(t, byCode, CodeParseError)
	assert.Equal(t, "1", string(byCode[0].ID))
	assert.Equal(t, "null", string(byCode[CodeParseError].ID))
}

func TestServe_BatchRunsConcurrently(t *testing.T) {
	d := newTestDispatcher(t, Config{MaxConcurrency: 4})
	const n = 4
	var arrived sync.WaitGroup
	arrived.Add(n)
	release := make(chan struct{})
	require.NoError(t, d.Handle("barrier", func(ctx context.Context, _ json.RawMessage, _ *auth.TenantContext) (any, error) {
		arrived.Done()
		select {
		case <-release:
			return "ok", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}))

	go func() {
		arrived.Wait()
		close(release)
	}()

	payload := `[`
	for i := range n {
		if i > 0 {
			payload += ","
		}
		payload += fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"method":"barrier"}`, i)
	}
	payload += `]`

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res := d.Serve(ctx, Call{Credential: goodCred, Payload: []byte(payload)})

	resps := decodeBatch(t, res.Body)
	require.Len(t, resps, n)
	for _, r := range resps {
		assert.Nil(t, r.Error, "all requests were in flight together")
	}
}

func TestServe_BatchTooLarge(t *testing.T) {
	d := newTestDispatcher(t, Config{MaxBatch: 1})
	res := d.Serve(context.Background(), Call{
		Credential: goodCred,
		Payload:    []byte(`[{"jsonrpc":"2.0","id":1,"method":"echo"},{"jsonrpc":"2.0","id":2,"method":"echo"}]`),
	})
	resp := decodeOne(t, res.Body)
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeInvalidRequest, resp.Error.Code)
}

func TestServe_Admission(t *testing.T) {
	d := newTestDispatcher(t, Config{Admission: admission.New(2, time.Minute)})
	payload := []byte(`{"jsonrpc":"2.0","id":1,"method":"echo"}`)

	for range 2 {
		resp := decodeOne(t, d.Serve(context.Background(), Call{Credential: goodCred, Payload: payload}).Body)
		require.Nil(t, resp.Error)
	}
	resp := decodeOne(t, d.Serve(context.Background(), Call{Credential: goodCred, Payload: payload}).Body)
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeRateLimited, resp.Error.Code)
	assert.Greater(t, errData(t, resp.Error)["retry_after_seconds"], 0.0)
}

func TestServe_ForbiddenAndToolErrors(t *testing.T) {
	d := newTestDispatcher(t, Config{})
	require.NoError(t, d.Handle("admin/only", func(_ context.Context, _ json.RawMessage, tc *auth.TenantContext) (any, error) {
		return nil, tc.RequireScope(auth.ScopeAdmin)
	}))
	require.NoError(t, d.Handle("tool/fails", func(context.Context, json.RawMessage, *auth.TenantContext) (any, error) {
		return nil, &tools.ToolError{Tool: "sync", Message: "provider unavailable", Data: map[string]any{"provider": "strava"}}
	}))
	require.NoError(t, d.Handle("tool/badargs", func(context.Context, json.RawMessage, *auth.TenantContext) (any, error) {
		return nil, &tools.InvalidArgumentsError{Tool: "sync", Err: errors.New("missing days")}
	}))

	resp := decodeOne(t, d.Serve(context.Background(), Call{Credential: goodCred, Payload: []byte(`{"jsonrpc":"2.0","id":1,"method":"admin/only"}`)}).Body)
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeForbidden, resp.Error.Code)
	assert.Equal(t, "insufficient_scope", errData(t, resp.Error)["kind"])

	resp = decodeOne(t, d.Serve(context.Background(), Call{Credential: goodCred, Payload: []byte(`{"jsonrpc":"2.0","id":2,"method":"tool/fails"}`)}).Body)
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeToolExecution, resp.Error.Code)
	assert.Equal(t, "provider unavailable", resp.Error.Message)
	assert.Equal(t, "strava", errData(t, resp.Error)["provider"])

	resp = decodeOne(t, d.Serve(context.Background(), Call{Credential: goodCred, Payload: []byte(`{"jsonrpc":"2.0","id":3,"method":"tool/badargs"}`)}).Body)
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeInvalidParams, resp.Error.Code)
}

func TestServe_PanicRecovered(t *testing.T) {
	d := newTestDispatcher(t, Config{})
	require.NoError(t, d.Handle("boom", func(context.Context, json.RawMessage, *auth.TenantContext) (any, error) {
		panic("nil map")
	}))
	resp := decodeOne(t, d.Serve(context.Background(), Call{Credential: goodCred, Payload: []byte(`{"jsonrpc":"2.0","id":1,"method":"boom"}`)}).Body)
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeInternalError, resp.Error.Code)
}

func TestAuthenticate(t *testing.T) {
	d := newTestDispatcher(t, Config{})
	tc, err := d.Authenticate(context.Background(), goodCred, "websocket")
	require.NoError(t, err)
	assert.Equal(t, "tenant-a", tc.TenantID())

	_, err = d.Authenticate(context.Background(), auth.Credential{Bearer: "forged"}, "websocket")
	assert.Equal(t, auth.KindInvalidCredential, auth.KindOf(err))
}

func TestServe_CancelInflight(t *testing.T) {
	d := newTestDispatcher(t, Config{})
	started := make(chan struct{})
	require.NoError(t, d.Handle("slow", func(ctx context.Context, _ json.RawMessage, _ *auth.TenantContext) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	require.NoError(t, d.Handle("cancel", func(ctx context.Context, params json.RawMessage, _ *auth.TenantContext) (any, error) {
		var p struct {
			RequestID json.RawMessage `json:"requestId"`
		}
		if err := DecodeParams(params, &p); err != nil {
			return nil, err
		}
		f, ok := InflightFrom(ctx)
		if !ok {
			return nil, errors.New("no tracker")
		}
		return f.Cancel(p.RequestID), nil
	}))

	inflight := NewInflight()
	done := make(chan *Result, 1)
	go func() {
		done <- d.Serve(context.Background(), Call{
			Credential: goodCred,
			Inflight:   inflight,
			Payload:    []byte(`{"jsonrpc":"2.0","id":"slow-1","method":"slow"}`),
		})
	}()
	<-started

	dup := d.Serve(context.Background(), Call{Credential: goodCred, Inflight: inflight,
		Payload: []byte(`{"jsonrpc":"2.0","id":"slow-1","method":"echo"}`)})
	resp := decodeOne(t, dup.Body)
	require.NotNil(t, resp.Error, "ids must be unique among in-flight requests")
	assert.Equal(t, CodeInvalidRequest, resp.Error.Code)

	res := d.Serve(context.Background(), Call{Credential: goodCred, Inflight: inflight,
		Payload: []byte(`{"jsonrpc":"2.0","id":9,"method":"cancel","params":{"requestId":"slow-1"}}`)})
	assert.JSONEq(t, `true`, string(decodeOne(t, res.Body).Result))

	select {
	case r := <-done:
		assert.Nil(t, r.Body, "cancelled requests get no response")
	case <-time.After(5 * time.Second):
		t.Fatal("slow request was not cancelled")
	}
	assert.Equal(t, 0, inflight.Len())
}

func TestMount_Collision(t *testing.T) {
	d := newTestDispatcher(t, Config{})
	err := d.Mount(methodSet{"echo": func(context.Context, json.RawMessage, *auth.TenantContext) (any, error) { return nil, nil }})
	assert.Error(t, err)
	assert.Equal(t, []string{"echo", "fail"}, d.Methods())
}

func TestServe_UsesResolvedContext(t *testing.T) {
	d := newTestDispatcher(t, Config{})
	pre := tenantCtx("tenant-z", "cred-z")

	res := d.Serve(context.Background(), Call{
		Payload:  []byte(`{"jsonrpc":"2.0","id":1,"method":"echo"}`),
		Resolved: pre,
	})
	resp := decodeOne(t, res.Body)
	require.Nil(t, resp.Error, "no credential is needed when the caller is already resolved")
	assert.JSONEq(t, `{"tenant":"tenant-z","params":null}`, string(resp.Result))
	assert.Same(t, pre, res.Context)
}

func TestServe_NotifyReachesMethods(t *testing.T) {
	d := newTestDispatcher(t, Config{})
	require.NoError(t, d.Handle("chatty", func(ctx context.Context, _ json.RawMessage, _ *auth.TenantContext) (any, error) {
		pushed, err := Notify(ctx, "notifications/message", map[string]string{"text": "hi"})
		return pushed, err
	}))

	var sent [][]byte
	res := d.Serve(context.Background(), Call{
		Payload:    []byte(`{"jsonrpc":"2.0","id":1,"method":"chatty"}`),
		Credential: goodCred,
		Notify: func(_ context.Context, body []byte) error {
			sent = append(sent, body)
			return nil
		},
	})
	resp := decodeOne(t, res.Body)
	assert.JSONEq(t, `true`, string(resp.Result))
	require.Len(t, sent, 1)
	assert.JSONEq(t, `{"jsonrpc":"2.0","method":"notifications/message","params":{"text":"hi"}}`, string(sent[0]))

	res = d.Serve(context.Background(), Call{Payload: []byte(`{"jsonrpc":"2.0","id":2,"method":"chatty"}`), Credential: goodCred})
	assert.JSONEq(t, `false`, string(decodeOne(t, res.Body).Result), "plain HTTP calls have no push channel")
}
