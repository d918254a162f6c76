// ABOUTME: MCP method namespace mounted on the shared JSON-RPC dispatcher
// ABOUTME: Implements initialize, ping, tools/list, tools/call, progress and the lifecycle notifications

package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"slices"
	"sync"

	"github.com/2389/tenant-gateway/internal/auth"
	"github.com/2389/tenant-gateway/internal/rpc"
	"github.com/2389/tenant-gateway/internal/tools"
)

// Supported MCP protocol versions, oldest first.
var supportedProtocolVersions = []string{
	"2025-03-26",
	"2025-06-18",
	"2025-11-25",
}

// latestProtocolVersion is the version we advertise when the client asks for
// one we do not speak.
const latestProtocolVersion = "2025-11-25"

// Method names.
const (
	MethodInitialize  = "initialize"
	MethodPing        = "ping"
	MethodToolsList   = "tools/list"
	MethodToolsCall   = "tools/call"
	MethodInitialized = "notifications/initialized"
	MethodCancelled   = "notifications/cancelled"
	MethodProgress    = "notifications/progress"
)

// SupportedVersion reports whether v is a protocol version this server speaks.
func SupportedVersion(v string) bool {
	return slices.Contains(supportedProtocolVersions, v)
}

// negotiateVersion returns the requested version if supported, otherwise the
// latest one.
func negotiateVersion(requested string) string {
	if SupportedVersion(requested) {
		return requested
	}
	return latestProtocolVersion
}

// InitializeParams are the params of initialize.
type InitializeParams struct {
	ProtocolVersion string          `json:"protocolVersion"`
	Capabilities    map[string]any  `json:"capabilities,omitempty"`
	ClientInfo      *Implementation `json:"clientInfo,omitempty"`
}

// Implementation names an MCP client or server.
type Implementation struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InitializeResult is the result of initialize.
type InitializeResult struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ServerInfo      Implementation `json:"serverInfo"`
	Instructions    string         `json:"instructions,omitempty"`
}

// MCPToolInfo represents an MCP tool definition.
type MCPToolInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// MCPListToolsResult is the result for tools/list.
type MCPListToolsResult struct {
	Tools []MCPToolInfo `json:"tools"`
}

// MCPCallToolParams are the params for tools/call.
type MCPCallToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Meta      *RequestMeta    `json:"_meta,omitempty"`
}

// RequestMeta is the _meta member of a request's params.
type RequestMeta struct {
	// ProgressToken is a string or number chosen by the client.
	ProgressToken json.RawMessage `json:"progressToken,omitempty"`
}

// ProgressParams are the params of notifications/progress.
type ProgressParams struct {
	ProgressToken json.RawMessage `json:"progressToken"`
	Progress      float64         `json:"progress"`
	Total         float64         `json:"total,omitempty"`
	Message       string          `json:"message,omitempty"`
}

// MCPCallToolResult is the result for tools/call.
type MCPCallToolResult struct {
	Content           []MCPContent `json:"content"`
	StructuredContent any          `json:"structuredContent,omitempty"`
	IsError           bool         `json:"isError,omitempty"`
}

// MCPContent represents content in a tool result.
type MCPContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// CancelledParams are the params of notifications/cancelled.
type CancelledParams struct {
	RequestID json.RawMessage `json:"requestId"`
	Reason    string          `json:"reason,omitempty"`
}

// Config holds configuration for the MCP namespace.
type Config struct {
	Registry     *tools.Registry
	Logger       *slog.Logger
	ServerName   string
	Version      string
	Instructions string
}

// Server implements the MCP methods.
type Server struct {
	registry     *tools.Registry
	logger       *slog.Logger
	info         Implementation
	instructions string
}

// NewServer creates a new MCP namespace with the given configuration.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Registry == nil {
		return nil, errors.New("registry is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	info := Implementation{Name: cfg.ServerName, Version: cfg.Version}
	if info.Name == "" {
		info.Name = "tenant-gateway"
	}
	if info.Version == "" {
		info.Version = "dev"
	}
	return &Server{
		registry:     cfg.Registry,
		logger:       logger.With("component", "mcp"),
		info:         info,
		instructions: cfg.Instructions,
	}, nil
}

// Methods implements rpc.Namespace.
func (s *Server) Methods() map[string]rpc.Method {
	return map[string]rpc.Method{
		MethodInitialize:  s.handleInitialize,
		MethodPing:        s.handlePing,
		MethodToolsList:   s.handleToolsList,
		MethodToolsCall:   s.handleToolsCall,
		MethodInitialized: s.handleInitialized,
		MethodCancelled:   s.handleCancelled,
	}
}

func (s *Server) handleInitialize(_ context.Context, params json.RawMessage, tc *auth.TenantContext) (any, error) {
	var p InitializeParams
	if err := rpc.DecodeParams(params, &p); err != nil {
		return nil, err
	}
	version := negotiateVersion(p.ProtocolVersion)

	attrs := []any{
		"tenant_id", tc.TenantID(),
		"requested_version", p.ProtocolVersion,
		"protocol_version", version,
	}
	if p.ClientInfo != nil {
		attrs = append(attrs, "client_name", p.ClientInfo.Name, "client_version", p.ClientInfo.Version)
	}
	s.logger.Info("MCP session initialized", attrs...)

	return InitializeResult{
		ProtocolVersion: version,
		Capabilities: map[string]any{
			"tools": map[string]any{"listChanged": false},
		},
		ServerInfo:   s.info,
		Instructions: s.instructions,
	}, nil
}

func (s *Server) handlePing(context.Context, json.RawMessage, *auth.TenantContext) (any, error) {
	return struct{}{}, nil
}

func (s *Server) handleInitialized(_ context.Context, _ json.RawMessage, tc *auth.TenantContext) (any, error) {
	s.logger.Debug("accepted MCP notification", "method", MethodInitialized, "tenant_id", tc.TenantID())
	return nil, nil
}

// handleCancelled cancels an in-flight request on the same connection.
// Requests on other connections are unreachable from here.
func (s *Server) handleCancelled(ctx context.Context, params json.RawMessage, _ *auth.TenantContext) (any, error) {
	var p CancelledParams
	if err := rpc.DecodeParams(params, &p); err != nil {
		return nil, err
	}
	if len(p.RequestID) == 0 {
		return nil, nil
	}
	inflight, ok := rpc.InflightFrom(ctx)
	if !ok {
		return nil, nil
	}
	cancelled := inflight.Cancel(p.RequestID)
	s.logger.Debug("cancel requested",
		"request_id", string(p.RequestID),
		"reason", p.Reason,
		"found", cancelled,
	)
	return nil, nil
}

// handleToolsList handles tools/list requests.
func (s *Server) handleToolsList(_ context.Context, _ json.RawMessage, tc *auth.TenantContext) (any, error) {
	if err := tc.RequireScope(auth.ScopeToolsRead); err != nil {
		return nil, err
	}
	defs := s.registry.List(tc)

	result := MCPListToolsResult{
		Tools: make([]MCPToolInfo, len(defs)),
	}
	for i, d := range defs {
		schema := d.InputSchema
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object"}`)
		}
		result.Tools[i] = MCPToolInfo{
			Name:        d.Name,
			Description: d.Description,
			InputSchema: schema,
		}
	}

	s.logger.Debug("tools/list", "count", len(defs), "tenant_id", tc.TenantID())
	return result, nil
}

// handleToolsCall handles tools/call requests.
func (s *Server) handleToolsCall(ctx context.Context, params json.RawMessage, tc *auth.TenantContext) (any, error) {
	var p MCPCallToolParams
	if err := rpc.DecodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Name == "" {
		return nil, rpc.NewError(rpc.CodeInvalidParams, "tool name is required")
	}
	if err := tc.RequireScope(auth.ScopeToolsCall); err != nil {
		return nil, err
	}

	s.logger.Debug("tools/call", "tool_name", p.Name, "tenant_id", tc.TenantID())

	if p.Meta != nil && len(p.Meta.ProgressToken) > 0 && string(p.Meta.ProgressToken) != "null" {
		ctx = tools.WithProgress(ctx, s.progressSink(p.Name, p.Meta.ProgressToken))
	}

	out, err := s.registry.Call(ctx, p.Name, p.Arguments, tc)
	if err != nil {
		s.logger.Warn("tool execution failed",
			"tool_name", p.Name,
			"tenant_id", tc.TenantID(),
			"error", err,
		)
		return nil, err
	}
	return toolResult(out)
}

// progressSink forwards a tool's progress reports as notifications/progress.
// Reports that do not advance are dropped because progress must increase.
func (s *Server) progressSink(tool string, token json.RawMessage) tools.ProgressFunc {
	var (
		mu   sync.Mutex
		last = -1.0
	)
	return func(ctx context.Context, p tools.Progress) {
		mu.Lock()
		defer mu.Unlock()
		if p.Progress <= last {
			return
		}
		last = p.Progress
		pushed, err := rpc.Notify(ctx, MethodProgress, ProgressParams{
			ProgressToken: token,
			Progress:      p.Progress,
			Total:         p.Total,
			Message:       p.Message,
		})
		if err != nil {
			s.logger.Debug("progress notification dropped", "tool_name", tool, "error", err)
		} else if !pushed {
			s.logger.Debug("progress requested on a transport without push", "tool_name", tool)
		}
	}
}

// toolResult renders handler output as MCP content. JSON objects are also
// returned as structured content.
func toolResult(out any) (*MCPCallToolResult, error) {
	if s, ok := out.(string); ok {
		return &MCPCallToolResult{Content: []MCPContent{{Type: "text", Text: s}}}, nil
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return nil, err
	}
	result := &MCPCallToolResult{Content: []MCPContent{{Type: "text", Text: string(raw)}}}
	if len(raw) > 0 && raw[0] == '{' {
		result.StructuredContent = json.RawMessage(raw)
	}
	return result, nil
}
