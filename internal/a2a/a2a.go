// ABOUTME: A2A method namespace exposing registry tools as agent skills
// ABOUTME: Tasks are kept in a tenant-keyed cache and are only visible to their creator

package a2a

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/tenant-gateway/internal/auth"
	"github.com/2389/tenant-gateway/internal/cache"
	"github.com/2389/tenant-gateway/internal/rpc"
	"github.com/2389/tenant-gateway/internal/tools"
)

// Method names.
const (
	MethodAgentCard   = "a2a/agent/card"
	MethodTasksSend   = "a2a/tasks/send"
	MethodTasksGet    = "a2a/tasks/get"
	MethodTasksCancel = "a2a/tasks/cancel"
)

// A2A task errors. The protocol's own -32001 and -32002 are taken by the
// gateway's auth codes, so task errors use the next free codes.
const (
	CodeTaskNotFound      = -32004
	CodeTaskNotCancelable = -32005
)

// Defaults for the task cache.
const (
	DefaultTaskTTL  = time.Hour
	DefaultMaxTasks = 10000
)

// TaskState is the lifecycle state of a task.
type TaskState string

const (
	StateSubmitted TaskState = "submitted"
	StateWorking   TaskState = "working"
	StateCompleted TaskState = "completed"
	StateFailed    TaskState = "failed"
	StateCanceled  TaskState = "canceled"
)

// Terminal reports whether no further transitions are possible.
func (s TaskState) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCanceled
}

// Task is the record of one skill invocation.
type Task struct {
	ID        string          `json:"id"`
	Skill     string          `json:"skill"`
	State     TaskState       `json:"state"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *rpc.Error      `json:"error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`

	principalID string
}

// Skill is an entry of the agent card.
type Skill struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// AgentCard describes this gateway to other agents.
type AgentCard struct {
	Name               string          `json:"name"`
	Description        string          `json:"description"`
	URL                string          `json:"url,omitempty"`
	Version            string          `json:"version"`
	Capabilities       map[string]bool `json:"capabilities"`
	DefaultInputModes  []string        `json:"defaultInputModes"`
	DefaultOutputModes []string        `json:"defaultOutputModes"`
	Skills             []Skill         `json:"skills"`
}

// SendParams are the params of a2a/tasks/send.
type SendParams struct {
	ID    string          `json:"id,omitempty"`
	Skill string          `json:"skill"`
	Input json.RawMessage `json:"input,omitempty"`
	// Blocking defaults to true; false returns at once with the task working.
	Blocking *bool `json:"blocking,omitempty"`
}

// TaskParams identify a task.
type TaskParams struct {
	ID string `json:"id"`
}

// Config holds configuration for the A2A namespace.
type Config struct {
	Registry *tools.Registry
	Logger   *slog.Logger
	Name     string
	URL      string
	Version  string
	TaskTTL  time.Duration
	MaxTasks int
}

// Server implements the A2A methods.
type Server struct {
	registry *tools.Registry
	logger   *slog.Logger
	card     AgentCard
	tasks    *cache.Cache[Task]
	now      func() time.Time

	baseCtx context.Context
	stop    context.CancelFunc

	mu      sync.Mutex
	running map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// NewServer creates the A2A namespace.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Registry == nil {
		return nil, errors.New("registry is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ttl := cfg.TaskTTL
	if ttl <= 0 {
		ttl = DefaultTaskTTL
	}
	maxTasks := cfg.MaxTasks
	if maxTasks <= 0 {
		maxTasks = DefaultMaxTasks
	}
	name := cfg.Name
	if name == "" {
		name = "tenant-gateway"
	}
	version := cfg.Version
	if version == "" {
		version = "dev"
	}

	ctx, stop := context.WithCancel(context.Background())
	return &Server{
		registry: cfg.Registry,
		logger:   logger.With("component", "a2a"),
		card: AgentCard{
			Name:               name,
			Description:        "Multi-tenant tool gateway",
			URL:                cfg.URL,
			Version:            version,
			Capabilities:       map[string]bool{"streaming": false, "pushNotifications": false},
			DefaultInputModes:  []string{"application/json"},
			DefaultOutputModes: []string{"application/json"},
		},
		tasks:   cache.New[Task](ttl, maxTasks),
		now:     time.Now,
		baseCtx: ctx,
		stop:    stop,
		running: make(map[string]context.CancelFunc),
	}, nil
}

// Methods implements rpc.Namespace.
func (s *Server) Methods() map[string]rpc.Method {
	return map[string]rpc.Method{
		MethodAgentCard:   s.handleAgentCard,
		MethodTasksSend:   s.handleSend,
		MethodTasksGet:    s.handleGet,
		MethodTasksCancel: s.handleCancel,
	}
}

// Close cancels running tasks, waits for them and stops the task cache.
func (s *Server) Close() {
	s.stop()
	s.wg.Wait()
	s.tasks.Close()
}

// Card returns the agent card listing the skills visible to tc.
func (s *Server) Card(tc *auth.TenantContext) AgentCard {
	card := s.card
	defs := s.registry.List(tc)
	card.Skills = make([]Skill, len(defs))
	for i, d := range defs {
		card.Skills[i] = Skill{ID: d.Name, Name: d.Name, Description: d.Description, InputSchema: d.InputSchema}
	}
	return card
}

func (s *Server) handleAgentCard(_ context.Context, _ json.RawMessage, tc *auth.TenantContext) (any, error) {
	if err := tc.RequireScope(auth.ScopeAgents); err != nil {
		return nil, err
	}
	return s.Card(tc), nil
}

func runKey(tenantID, taskID string) string {
	return tenantID + "\x00" + taskID
}

func (s *Server) handleSend(ctx context.Context, params json.RawMessage, tc *auth.TenantContext) (any, error) {
	if err := tc.RequireScope(auth.ScopeAgents); err != nil {
		return nil, err
	}
	var p SendParams
	if err := rpc.DecodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Skill == "" {
		return nil, rpc.NewError(rpc.CodeInvalidParams, "skill is required")
	}
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if len(p.ID) > 128 {
		return nil, rpc.NewError(rpc.CodeInvalidParams, "task id too long")
	}

	// Fail fast on unknown skills, missing scopes and bad input so no task
	// is recorded for a request that could never run.
	tool, ok := s.registry.Resolve(p.Skill)
	if !ok {
		return nil, rpc.NewError(rpc.CodeInvalidParams, "skill not found")
	}
	if !tool.Visible(tc) {
		return nil, auth.Errorf(auth.KindInsufficientScope, "skill %s requires scopes %v", p.Skill, tool.Definition.RequiredScopes)
	}
	if err := tool.Validate(p.Input); err != nil {
		return nil, err
	}

	now := s.now()
	task := Task{ID: p.ID, Skill: p.Skill, State: StateSubmitted, CreatedAt: now, UpdatedAt: now, principalID: tc.PrincipalID()}
	if exists := s.tasks.PutIfAbsent(tc.TenantID(), task.ID, task); exists {
		return nil, rpc.NewError(rpc.CodeInvalidParams, "task id already in use")
	}

	blocking := p.Blocking == nil || *p.Blocking
	if blocking {
		runCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		s.track(tc.TenantID(), task.ID, cancel)
		s.run(runCtx, tc, task.ID, p)
	} else {
		runCtx, cancel := context.WithCancel(s.baseCtx)
		s.track(tc.TenantID(), task.ID, cancel)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer cancel()
			s.run(runCtx, tc, task.ID, p)
		}()
	}

	out, _ := s.tasks.Get(tc.TenantID(), task.ID)
	return out, nil
}

func (s *Server) track(tenantID, taskID string, cancel context.CancelFunc) {
	s.mu.Lock()
	s.running[runKey(tenantID, taskID)] = cancel
	s.mu.Unlock()
}

func (s *Server) untrack(tenantID, taskID string) {
	s.mu.Lock()
	delete(s.running, runKey(tenantID, taskID))
	s.mu.Unlock()
}

// run executes the skill and records the outcome. A task cancelled while
// running keeps its canceled state.
func (s *Server) run(ctx context.Context, tc *auth.TenantContext, taskID string, p SendParams) {
	defer s.untrack(tc.TenantID(), taskID)
	s.transition(tc.TenantID(), taskID, func(t Task) Task {
		if t.State == StateSubmitted {
			t.State = StateWorking
		}
		return t
	})

	out, err := s.registry.Call(ctx, p.Skill, p.Input, tc)

	var raw json.RawMessage
	if err == nil {
		raw, err = json.Marshal(out)
	}
	s.transition(tc.TenantID(), taskID, func(t Task) Task {
		if t.State.Terminal() {
			return t
		}
		if err != nil {
			t.State = StateFailed
			t.Error = rpc.FromError(err)
			return t
		}
		t.State = StateCompleted
		t.Result = raw
		return t
	})

	if err != nil {
		s.logger.Warn("task failed", "task_id", taskID, "skill", p.Skill, "tenant_id", tc.TenantID(), "error", err)
		return
	}
	s.logger.Debug("task completed", "task_id", taskID, "skill", p.Skill, "tenant_id", tc.TenantID())
}

func (s *Server) transition(tenantID, taskID string, fn func(Task) Task) {
	s.tasks.Update(tenantID, taskID, func(t Task) Task {
		before := t.State
		t = fn(t)
		if t.State != before {
			t.UpdatedAt = s.now()
		}
		return t
	})
}

// lookup returns the task if it belongs to tc's principal. Tasks of other
// tenants or principals are reported as not found.
func (s *Server) lookup(tc *auth.TenantContext, id string) (Task, error) {
	t, ok := s.tasks.Get(tc.TenantID(), id)
	if !ok || t.principalID != tc.PrincipalID() {
		return Task{}, rpc.NewError(CodeTaskNotFound, "task not found")
	}
	return t, nil
}

func (s *Server) handleGet(_ context.Context, params json.RawMessage, tc *auth.TenantContext) (any, error) {
	if err := tc.RequireScope(auth.ScopeAgents); err != nil {
		return nil, err
	}
	var p TaskParams
	if err := rpc.DecodeParams(params, &p); err != nil {
		return nil, err
	}
	return s.lookup(tc, p.ID)
}

func (s *Server) handleCancel(_ context.Context, params json.RawMessage, tc *auth.TenantContext) (any, error) {
	if err := tc.RequireScope(auth.ScopeAgents); err != nil {
		return nil, err
	}
	var p TaskParams
	if err := rpc.DecodeParams(params, &p); err != nil {
		return nil, err
	}
	t, err := s.lookup(tc, p.ID)
	if err != nil {
		return nil, err
	}
	if t.State.Terminal() {
		return nil, rpc.Errorf(CodeTaskNotCancelable, "task is %s", t.State)
	}

	s.transition(tc.TenantID(), p.ID, func(t Task) Task {
		if !t.State.Terminal() {
			t.State = StateCanceled
		}
		return t
	})
	s.mu.Lock()
	cancel, running := s.running[runKey(tc.TenantID(), p.ID)]
	s.mu.Unlock()
	if running {
		cancel()
	}

	out, _ := s.tasks.Get(tc.TenantID(), p.ID)
	return out, nil
}
