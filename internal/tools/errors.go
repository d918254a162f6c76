// ABOUTME: ToolError is the handler-side failure passed through to callers unchanged
// ABOUTME: Handlers return it to control the message and structured data clients see

package tools

import "fmt"

// ToolError is a failure inside a tool handler. Message and Data are shown to
// the caller as-is.
type ToolError struct {
	Tool    string
	Message string
	Data    any
	Err     error
}

// NewToolError creates a ToolError with a caller-visible message.
func NewToolError(tool, format string, args ...any) *ToolError {
	return &ToolError{Tool: tool, Message: fmt.Sprintf(format, args...)}
}

func (e *ToolError) Error() string {
	if e.Tool == "" {
		return e.Message
	}
	return e.Tool + ": " + e.Message
}

func (e *ToolError) Unwrap() error { return e.Err }
