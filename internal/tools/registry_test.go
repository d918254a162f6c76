// ABOUTME: Tests for the Tool Registry
// ABOUTME: Covers collisions, schema validation before execution, scope filtering and error wrapping

package tools

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/tenant-gateway/internal/auth"
)

func testContext(scopes ...string) *auth.TenantContext {
	return auth.NewTenantContext(auth.Identity{
		TenantID:     "tenant-a",
		PrincipalID:  "user-1",
		CredentialID: "cred-1",
		Kind:         auth.CredentialAccessToken,
		Scopes:       scopes,
	})
}

func echoHandler(calls *atomic.Int32) Handler {
	return HandlerFunc(func(_ context.Context, _ string, args json.RawMessage, tc *auth.TenantContext) (any, error) {
		calls.Add(1)
		return map[string]any{"tenant": tc.TenantID(), "args": json.RawMessage(args)}, nil
	})
}

const distanceSchema = `{"type":"object","properties":{"meters":{"type":"number","minimum":0}},"required":["meters"],"additionalProperties":false}`

func TestRegister_Collision(t *testing.T) {
	r := NewRegistry(nil)
	var calls atomic.Int32
	require.NoError(t, r.Register(Definition{Name: "pace"}, echoHandler(&calls)))

	err := r.Register(Definition{Name: "pace"}, echoHandler(&calls))
	assert.ErrorIs(t, err, ErrToolCollision)

	err = r.RegisterPack(&Pack{ID: "dup", Tools: []PackTool{
		{Definition: Definition{Name: "a"}, Handler: echoHandler(&calls)},
		{Definition: Definition{Name: "a"}, Handler: echoHandler(&calls)},
	}})
	assert.ErrorIs(t, err, ErrToolCollision)
	_, ok := r.Resolve("a")
	assert.False(t, ok, "a failed pack registers nothing")
}

func TestRegister_BadSchema(t *testing.T) {
	r := NewRegistry(nil)
	err := r.Register(Definition{Name: "broken", InputSchema: json.RawMessage(`{"type":`)}, HandlerFunc(nil))
	assert.Error(t, err)

	err = r.Register(Definition{Name: "nohandler"}, nil)
	assert.Error(t, err)
}

func TestCall_ValidatesBeforeExecuting(t *testing.T) {
	r := NewRegistry(nil)
	var calls atomic.Int32
	require.NoError(t, r.Register(Definition{Name: "distance", InputSchema: json.RawMessage(distanceSchema)}, echoHandler(&calls)))
	tc := testContext()

	tests := []struct {
		name string
		args string
	}{
		{"missing required", `{}`},
		{"wrong type", `{"meters":"far"}`},
		{"below minimum", `{"meters":-1}`},
		{"extra property", `{"meters":1,"tenant_id":"tenant-b"}`},
		{"not json", `{meters}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Call(context.Background(), "distance", json.RawMessage(tt.args), tc)
			var invalid *InvalidArgumentsError
			assert.True(t, errors.As(err, &invalid), "got %v", err)
		})
	}
	assert.Equal(t, int32(0), calls.Load(), "handler never sees invalid input")

	out, err := r.Call(context.Background(), "distance", json.RawMessage(`{"meters":5000}`), tc)
	require.NoError(t, err)
	assert.Equal(t, "tenant-a", out.(map[string]any)["tenant"])
	assert.Equal(t, int32(1), calls.Load())
}

func TestCall_NotFoundAndScopes(t *testing.T) {
	r := NewRegistry(nil)
	var calls atomic.Int32
	require.NoError(t, r.Register(Definition{Name: "secret", RequiredScopes: []string{auth.ScopeAdmin}}, echoHandler(&calls)))

	_, err := r.Call(context.Background(), "missing", nil, testContext())
	assert.ErrorIs(t, err, ErrToolNotFound)

	_, err = r.Call(context.Background(), "secret", nil, testContext(auth.ScopeToolsCall))
	assert.Equal(t, auth.KindInsufficientScope, auth.KindOf(err))

	_, err = r.Call(context.Background(), "secret", nil, testContext(auth.ScopeAdmin))
	assert.NoError(t, err)
}

func TestCall_WrapsHandlerErrors(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Register(Definition{Name: "fails"}, HandlerFunc(
		func(context.Context, string, json.RawMessage, *auth.TenantContext) (any, error) {
			return nil, errors.New("provider unreachable")
		})))
	require.NoError(t, r.Register(Definition{Name: "typed"}, HandlerFunc(
		func(context.Context, string, json.RawMessage, *auth.TenantContext) (any, error) {
			return nil, &ToolError{Tool: "typed", Message: "no data for range", Data: map[string]int{"days": 0}}
		})))

	_, err := r.Call(context.Background(), "fails", nil, testContext())
	var te *ToolError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, "fails", te.Tool)
	assert.Equal(t, "tool execution failed", te.Message, "raw causes stay server-side")
	assert.NotContains(t, te.Error(), "provider unreachable")
	assert.EqualError(t, te.Err, "provider unreachable")

	_, err = r.Call(context.Background(), "typed", nil, testContext())
	require.True(t, errors.As(err, &te))
	assert.Equal(t, map[string]int{"days": 0}, te.Data)
}

func TestList_FiltersByScopeAndSorts(t *testing.T) {
	r := NewRegistry(nil)
	var calls atomic.Int32
	require.NoError(t, r.RegisterPack(&Pack{ID: "p", Tools: []PackTool{
		{Definition: Definition{Name: "zeta", RequiredScopes: []string{auth.ScopeToolsRead}}, Handler: echoHandler(&calls)},
		{Definition: Definition{Name: "alpha"}, Handler: echoHandler(&calls)},
		{Definition: Definition{Name: "admin_only", RequiredScopes: []string{auth.ScopeAdmin}}, Handler: echoHandler(&calls)},
	}}))

	var names []string
	for _, d := range r.List(testContext(auth.ScopeToolsRead)) {
		names = append(names, d.Name)
	}
	assert.Equal(t, []string{"alpha", "zeta"}, names)
	assert.Equal(t, []string{"admin_only", "alpha", "zeta"}, r.Names())
}
