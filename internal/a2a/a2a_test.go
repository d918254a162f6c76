// ABOUTME: Tests for the A2A namespace
// ABOUTME: Covers the agent card, task lifecycle, cancellation and tenant scoping of tasks

package a2a

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/tenant-gateway/internal/auth"
	"github.com/2389/tenant-gateway/internal/rpc"
	"github.com/2389/tenant-gateway/internal/tools"
)

func agentContext(tenant, principal string, scopes ...string) *auth.TenantContext {
	return auth.NewTenantContext(auth.Identity{
		TenantID:     tenant,
		PrincipalID:  principal,
		CredentialID: "cred-" + principal,
		Kind:         auth.CredentialAccessToken,
		Scopes:       scopes,
	})
}

func newTestServer(t *testing.T) (*Server, chan struct{}) {
	t.Helper()
	release := make(chan struct{})
	reg := tools.NewRegistry(nil)
	require.NoError(t, reg.RegisterPack(&tools.Pack{ID: "skills", Tools: []tools.PackTool{
		{
			Definition: tools.Definition{
				Name:        "summarize",
				Description: "Summarize a week of training",
				InputSchema: json.RawMessage(`{"type":"object","properties":{"week":{"type":"integer"}},"required":["week"]}`),
			},
			Handler: tools.HandlerFunc(func(_ context.Context, _ string, args json.RawMessage, tc *auth.TenantContext) (any, error) {
				return map[string]any{"tenant": tc.TenantID(), "args": args}, nil
			}),
		},
		{
			Definition: tools.Definition{Name: "wait"},
			Handler: tools.HandlerFunc(func(ctx context.Context, _ string, _ json.RawMessage, _ *auth.TenantContext) (any, error) {
				select {
				case <-release:
					return "released", nil
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}),
		},
		{
			Definition: tools.Definition{Name: "broken"},
			Handler: tools.HandlerFunc(func(context.Context, string, json.RawMessage, *auth.TenantContext) (any, error) {
				return nil, tools.NewToolError("broken", "no data")
			}),
		},
		{
			Definition: tools.Definition{Name: "restricted", RequiredScopes: []string{auth.ScopeAdmin}},
			Handler: tools.HandlerFunc(func(context.Context, string, json.RawMessage, *auth.TenantContext) (any, error) {
				return "ok", nil
			}),
		},
	}}))
	s, err := NewServer(Config{Registry: reg, URL: "https://gw.example.test/rpc"})
	require.NoError(t, err)
	t.Cleanup(func() {
		select {
		case <-release:
		default:
			close(release)
		}
		s.Close()
	})
	return s, release
}

func invoke(t *testing.T, s *Server, method string, params string, tc *auth.TenantContext) (Task, error) {
	t.Helper()
	out, err := s.Methods()[method](context.Background(), json.RawMessage(params), tc)
	if err != nil {
		return Task{}, err
	}
	task, ok := out.(Task)
	require.True(t, ok, "unexpected result %T", out)
	return task, nil
}

func rpcCode(t *testing.T, err error) int {
	t.Helper()
	require.Error(t, err)
	return rpc.FromError(err).Code
}

func TestAgentCard(t *testing.T) {
	s, _ := newTestServer(t)

	out, err := s.Methods()[MethodAgentCard](context.Background(), nil, agentContext("t1", "u1", auth.ScopeAgents))
	require.NoError(t, err)
	card := out.(AgentCard)
	assert.Equal(t, "https://gw.example.test/rpc", card.URL)
	var ids []string
	for _, sk := range card.Skills {
		ids = append(ids, sk.ID)
	}
	assert.Equal(t, []string{"broken", "summarize", "wait"}, ids, "skills follow the caller's scopes")

	_, err = s.Methods()[MethodAgentCard](context.Background(), nil, agentContext("t1", "u1", auth.ScopeToolsRead))
	assert.Equal(t, auth.KindInsufficientScope, auth.KindOf(err))
}

func TestSend_Blocking(t *testing.T) {
	s, _ := newTestServer(t)
	tc := agentContext("t1", "u1", auth.ScopeAgents)

	task, err := invoke(t, s, MethodTasksSend, `{"id":"task-1","skill":"summarize","input":{"week":12}}`, tc)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, task.State)
	assert.JSONEq(t, `{"tenant":"t1","args":{"week":12}}`, string(task.Result))

	got, err := invoke(t, s, MethodTasksGet, `{"id":"task-1"}`, tc)
	require.NoError(t, err)
	assert.Equal(t, task.Result, got.Result)

	_, err = invoke(t, s, MethodTasksSend, `{"id":"task-1","skill":"summarize","input":{"week":1}}`, tc)
	assert.Equal(t, rpc.CodeInvalidParams, rpcCode(t, err), "task ids are unique per tenant")

	failed, err := invoke(t, s, MethodTasksSend, `{"skill":"broken"}`, tc)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, failed.State)
	require.NotNil(t, failed.Error)
	assert.Equal(t, rpc.CodeToolExecution, failed.Error.Code)
	assert.NotEmpty(t, failed.ID)
}

func TestSend_Rejected(t *testing.T) {
	s, _ := newTestServer(t)
	tc := agentContext("t1", "u1", auth.ScopeAgents)

	tests := []struct {
		name   string
		params string
		code   int
	}{
		{"missing skill", `{}`, rpc.CodeInvalidParams},
		{"unknown skill", `{"skill":"nope"}`, rpc.CodeInvalidParams},
		{"invalid input", `{"skill":"summarize","input":{"week":"last"}}`, rpc.CodeInvalidParams},
		{"skill scope", `{"skill":"restricted"}`, rpc.CodeForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := invoke(t, s, MethodTasksSend, tt.params, tc)
			assert.Equal(t, tt.code, rpcCode(t, err))
		})
	}
	assert.Equal(t, 0, s.tasks.Len(), "rejected sends record nothing")
}

func TestTasks_TenantAndPrincipalScoped(t *testing.T) {
	s, _ := newTestServer(t)
	owner := agentContext("t1", "u1", auth.ScopeAgents)

	_, err := invoke(t, s, MethodTasksSend, `{"id":"shared-id","skill":"summarize","input":{"week":1}}`, owner)
	require.NoError(t, err)

	_, err = invoke(t, s, MethodTasksGet, `{"id":"shared-id"}`, agentContext("t2", "u1", auth.ScopeAgents))
	assert.Equal(t, CodeTaskNotFound, rpcCode(t, err), "other tenant")

	_, err = invoke(t, s, MethodTasksGet, `{"id":"shared-id"}`, agentContext("t1", "u2", auth.ScopeAgents))
	assert.Equal(t, CodeTaskNotFound, rpcCode(t, err), "other principal")

	other, err := invoke(t, s, MethodTasksSend, `{"id":"shared-id","skill":"summarize","input":{"week":2}}`, agentContext("t2", "u9", auth.ScopeAgents))
	require.NoError(t, err, "the same id in another tenant is a different task")
	assert.Contains(t, string(other.Result), `"t2"`)
}

func TestTasks_NonBlockingAndCancel(t *testing.T) {
	s, release := newTestServer(t)
	tc := agentContext("t1", "u1", auth.ScopeAgents)

	task, err := invoke(t, s, MethodTasksSend, `{"id":"bg","skill":"wait","blocking":false}`, tc)
	require.NoError(t, err)
	assert.False(t, task.State.Terminal())

	canceled, err := invoke(t, s, MethodTasksCancel, `{"id":"bg"}`, tc)
	require.NoError(t, err)
	assert.Equal(t, StateCanceled, canceled.State)

	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.running) == 0
	}, 5*time.Second, 5*time.Millisecond)

	got, err := invoke(t, s, MethodTasksGet, `{"id":"bg"}`, tc)
	require.NoError(t, err)
	assert.Equal(t, StateCanceled, got.State, "cancel wins over the handler's late result")

	_, err = invoke(t, s, MethodTasksCancel, `{"id":"bg"}`, tc)
	assert.Equal(t, CodeTaskNotCancelable, rpcCode(t, err))

	_, err = invoke(t, s, MethodTasksSend, `{"id":"bg2","skill":"wait","blocking":false}`, tc)
	require.NoError(t, err)
	close(release)
	require.Eventually(t, func() bool {
		got, err := invoke(t, s, MethodTasksGet, `{"id":"bg2"}`, tc)
		return err == nil && got.State == StateCompleted
	}, 5*time.Second, 5*time.Millisecond)
}
