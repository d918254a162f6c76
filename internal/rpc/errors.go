// ABOUTME: JSON-RPC error object and the mapping from gateway errors to error codes
// ABOUTME: Isolation violations and unclassified failures never leak detail to the caller

package rpc

import (
	"context"
	"errors"
	"fmt"

	"github.com/2389/tenant-gateway/internal/admission"
	"github.com/2389/tenant-gateway/internal/auth"
	"github.com/2389/tenant-gateway/internal/store"
	"github.com/2389/tenant-gateway/internal/tools"
)

// Protocol error codes reserved by JSON-RPC 2.0.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Gateway error codes in the implementation-defined server range.
const (
	CodeUnauthenticated = -32001
	CodeForbidden       = -32003
	CodeRateLimited     = -32029
	CodeToolExecution   = -32050
)

// Error is a JSON-RPC error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// NewError creates an Error without data.
func NewError(code int, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Errorf creates an Error with a formatted message.
func Errorf(code int, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// InvalidParams reports params that could not be decoded.
func InvalidParams(err error) *Error {
	return &Error{Code: CodeInvalidParams, Message: "invalid params", Data: map[string]any{"detail": err.Error()}}
}

// internalError is the only thing callers see for failures that indicate a
// bug or an infrastructure fault.
func internalError() *Error {
	return NewError(CodeInternalError, "internal error")
}

// FromError maps err onto a JSON-RPC error object.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}

	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}

	if errors.Is(err, store.ErrTenantIsolation) {
		return internalError()
	}

	if ae, ok := auth.AsError(err); ok {
		code := CodeUnauthenticated
		if ae.Kind.Forbidden() {
			code = CodeForbidden
		}
		data := map[string]any{"kind": string(ae.Kind)}
		if ae.Description != "" {
			data["description"] = ae.Description
		}
		return &Error{Code: code, Message: string(ae.Kind), Data: data}
	}

	var limited *admission.RateLimitedError
	if errors.As(err, &limited) {
		return &Error{
			Code:    CodeRateLimited,
			Message: "rate limit exceeded",
			Data:    map[string]any{"retry_after_seconds": limited.RetryAfterSeconds()},
		}
	}

	var invalid *tools.InvalidArgumentsError
	if errors.As(err, &invalid) {
		return &Error{
			Code:    CodeInvalidParams,
			Message: "invalid arguments",
			Data:    map[string]any{"tool": invalid.Tool, "detail": invalid.Err.Error()},
		}
	}

	if errors.Is(err, tools.ErrToolNotFound) {
		return NewError(CodeInvalidParams, "tool not found")
	}

	var toolErr *tools.ToolError
	if errors.As(err, &toolErr) {
		return &Error{Code: CodeToolExecution, Message: toolErr.Message, Data: toolErr.Data}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return NewError(CodeInternalError, "request timed out")
	}

	return internalError()
}
