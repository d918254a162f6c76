// ABOUTME: JSON-RPC 2.0 envelope types and payload decoding for single and batch calls
// ABOUTME: Request ids are kept as raw JSON so they are echoed back byte for byte

package rpc

import (
	"bytes"
	"encoding/json"
)

// Version is the only accepted value of the jsonrpc member.
const Version = "2.0"

// Request is a JSON-RPC 2.0 request or notification.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether the request carried no id member. An
// explicit null id is a request and gets a response.
func (r *Request) IsNotification() bool {
	return r.ID == nil
}

// Response is a JSON-RPC 2.0 response. Exactly one of Result and Error is set.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

var nullID = json.RawMessage("null")

func resultResponse(id json.RawMessage, result any) *Response {
	raw, err := json.Marshal(result)
	if err != nil {
		return errorResponse(id, NewError(CodeInternalError, "result could not be encoded"))
	}
	return &Response{JSONRPC: Version, ID: echo(id), Result: raw}
}

func errorResponse(id json.RawMessage, e *Error) *Response {
	return &Response{JSONRPC: Version, ID: echo(id), Error: e}
}

func echo(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return nullID
	}
	return id
}

// decodePayload splits a payload into its envelopes. batch reports whether
// the payload was a JSON array.
func decodePayload(payload []byte) (msgs []json.RawMessage, batch bool, rerr *Error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return nil, false, NewError(CodeParseError, "empty payload")
	}
	if trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &msgs); err != nil {
			return nil, true, NewError(CodeParseError, "invalid JSON")
		}
		if len(msgs) == 0 {
			return nil, true, NewError(CodeInvalidRequest, "empty batch")
		}
		return msgs, true, nil
	}
	if !json.Valid(trimmed) {
		return nil, false, NewError(CodeParseError, "invalid JSON")
	}
	return []json.RawMessage{json.RawMessage(trimmed)}, false, nil
}

// parseRequest decodes one envelope. Values that cannot be read as an
// envelope object are parse errors; envelopes with the wrong shape are
// invalid requests and keep their id when it is usable.
func parseRequest(raw json.RawMessage) (*Request, *Error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, NewError(CodeParseError, "envelope is not a JSON object")
	}
	var req Request
	if err := json.Unmarshal(trimmed, &req); err != nil {
		return nil, NewError(CodeParseError, "malformed envelope")
	}
	if !validID(req.ID) {
		req.ID = nil
		return &req, NewError(CodeInvalidRequest, "id must be a string, number or null")
	}
	if req.JSONRPC != Version {
		return &req, NewError(CodeInvalidRequest, "invalid JSON-RPC version")
	}
	if req.Method == "" {
		return &req, NewError(CodeInvalidRequest, "method is required")
	}
	return &req, nil
}

func validID(id json.RawMessage) bool {
	if id == nil {
		return true
	}
	switch c := bytes.TrimSpace(id); {
	case len(c) == 0:
		return false
	case c[0] == '"', c[0] == '-', c[0] >= '0' && c[0] <= '9':
		return true
	default:
		return bytes.Equal(c, nullID)
	}
}
