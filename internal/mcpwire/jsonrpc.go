// Package mcpwire defines the JSON-RPC 2.0 wire types shared by the MCP
// Streamable-HTTP and stdio adapters. It is the server-side counterpart of
// a client transport: message shapes only, no transport logic.
package mcpwire

import (
	"encoding/json"
	"fmt"
)

// Error codes used at the dispatcher boundary: the standard JSON-RPC
// codes, plus gateway-specific codes in the -32000..-32099 server-error
// range.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	// CodeScopeInsufficient is returned when the caller's API key lacks
	// the scope a tool requires.
	CodeScopeInsufficient = -32001
	// CodeNotFound is returned for missing folders/messages/attachments/
	// accounts/API keys.
	CodeNotFound = -32002
	// CodeConflict is returned for folder-exists / folder-not-empty.
	CodeConflict = -32003
	// CodeRateLimited is returned when a per-key or global rate limit is
	// exceeded.
	CodeRateLimited = -32004
)

// ID is a JSON-RPC request identifier, which the spec allows to be a
// string, a number, or null. Requests from real clients use both forms;
// we round-trip whichever was sent.
type ID struct {
	value any // nil, string, or int64
	isSet bool
}

// NewStringID wraps a string request id.
func NewStringID(s string) ID { return ID{value: s, isSet: true} }

// NewIntID wraps a numeric request id.
func NewIntID(n int64) ID { return ID{value: n, isSet: true} }

// IsNull reports whether the id was absent or JSON null.
func (id ID) IsNull() bool { return !id.isSet || id.value == nil }

// Value returns the underlying id value (string, int64, or nil).
func (id ID) Value() any { return id.value }

// MarshalJSON implements json.Marshaler.
func (id ID) MarshalJSON() ([]byte, error) {
	if !id.isSet {
		return []byte("null"), nil
	}
	return json.Marshal(id.value)
}

// UnmarshalJSON implements json.Unmarshaler, accepting string, number, or null.
func (id *ID) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case nil:
		*id = ID{}
	case string:
		*id = ID{value: v, isSet: true}
	case float64:
		*id = ID{value: int64(v), isSet: true}
	default:
		return fmt.Errorf("mcpwire: unsupported id type %T", raw)
	}
	return nil
}

// Request is an incoming JSON-RPC 2.0 request or notification (a
// notification is a Request whose ID is null).
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      ID              `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether this message expects no reply.
func (r *Request) IsNotification() bool { return r.ID.IsNull() }

// Response is an outgoing JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      ID              `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is the JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("mcp error %d: %s", e.Code, e.Message)
}

// NewResult builds a successful response for the given request id.
func NewResult(id ID, result any) (*Response, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return &Response{JSONRPC: "2.0", ID: id, Result: raw}, nil
}

// NewError builds an error response for the given request id.
func NewError(id ID, code int, message string, data any) *Response {
	return &Response{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &RPCError{Code: code, Message: message, Data: data},
	}
}

// ParseErrorResponse builds the response emitted when a line of input
// could not be parsed as JSON at all; per spec its id is always null.
func ParseErrorResponse(detail string) *Response {
	return NewError(ID{}, CodeParseError, "parse error", detail)
}

// Notification is an outgoing JSON-RPC 2.0 notification (no id, no reply
// expected) — used for SSE server-initiated pushes.
type Notification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// NewNotification builds a notification with marshaled params.
func NewNotification(method string, params any) (*Notification, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	return &Notification{JSONRPC: "2.0", Method: method, Params: raw}, nil
}
